package storage

import (
	"encoding"

	"alatele/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBScope is the last authoritative message list of one scope.
type DBScope struct {
	Scope     string      `msgpack:"scope"`
	Messages  []DBMessage `msgpack:"messages"`
	UpdatedAt int64       `msgpack:"updatedAt"`
}

func (s *DBScope) Key() []byte {
	return []byte(s.Scope)
}

func (s *DBScope) MarshalBinary() (data []byte, err error) {
	type alias DBScope
	return msgpack.Marshal((*alias)(s))
}

func (s *DBScope) UnmarshalBinary(data []byte) error {
	type alias DBScope
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBMessage struct {
	ID          int64          `msgpack:"id"`
	Sender      string         `msgpack:"sender"`
	Recipient   string         `msgpack:"recipient,omitempty"`
	Content     string         `msgpack:"content"`
	Attachments []DBAttachment `msgpack:"attachments,omitempty"`
	Timestamp   int64          `msgpack:"timestamp"`
}

type DBAttachment struct {
	Kind     string `msgpack:"kind"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	Ref      string `msgpack:"ref"`
	Size     int64  `msgpack:"size"`
}

func toDBMessage(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:        m.ID,
		Sender:    m.Sender.String(),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Recipient != nil {
		dbMessage.Recipient = m.Recipient.String()
	}
	if len(m.Attachments) > 0 {
		dbMessage.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMessage.Attachments[i] = DBAttachment{
				Kind:     string(a.Kind),
				Name:     a.Name,
				MimeType: a.MimeType,
				Ref:      a.Ref,
				Size:     a.Size,
			}
		}
	}
	return dbMessage
}

func (m DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:        m.ID,
		Sender:    models.Identity(m.Sender),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	// An empty recipient marks a public message; identities are never empty.
	if m.Recipient != "" {
		r := models.Identity(m.Recipient)
		msg.Recipient = &r
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Kind:     models.AttachmentKind(a.Kind),
				Name:     a.Name,
				MimeType: a.MimeType,
				Ref:      a.Ref,
				Size:     a.Size,
			}
		}
	}
	return msg
}

// DBSubscription is a registered web push endpoint.
type DBSubscription struct {
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (s *DBSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSubscription) UnmarshalBinary(data []byte) error {
	type alias DBSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
