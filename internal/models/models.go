package models

import (
	"strings"
	"time"
)

// Identity is an opaque actor identifier (principal) issued by the backend.
// Two identities are equal iff their string forms are equal.
type Identity string

// Anonymous is the identity of an unauthenticated caller.
const Anonymous Identity = "2vxsx-fae"

func (id Identity) String() string {
	return string(id)
}

// Short returns the truncated form used when no display name is known.
func (id Identity) Short() string {
	r := []rune(string(id))
	if len(r) > 8 {
		return string(r[:8])
	}
	return string(r)
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// UserProfile is what the backend stores for an identity.
type UserProfile struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Contact is an entry of the caller's address book.
type Contact struct {
	Identity Identity `json:"identity"`
	Name     string   `json:"name"`
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Valid reports whether k is one of the known attachment kinds.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentFile:
		return true
	}
	return false
}

// Attachment is an uploaded payload referenced by a message.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Ref      string         `json:"ref"`
	Size     int64          `json:"size,omitempty"`
}

// OutgoingAttachment holds local bytes that still have to be uploaded.
type OutgoingAttachment struct {
	Kind     AttachmentKind
	Name     string
	MimeType string
	Data     []byte
}

// Message represents a chat message.
type Message struct {
	ID          int64        `json:"id"`
	Sender      Identity     `json:"sender"`
	Recipient   *Identity    `json:"recipient,omitempty"` // nil for the public scope
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"timestamp"` // nanoseconds since epoch
}

// IsPrivate reports whether the message belongs to a two-party scope.
func (m Message) IsPrivate() bool {
	return m.Recipient != nil
}

// Provisional reports whether the id was assigned locally and is still
// waiting for the authoritative one.
func (m Message) Provisional() bool {
	return m.ID < 0
}

// Counterparty returns the participant of a private message that is not
// current. ok is false for public messages and for messages current is not
// part of.
func (m Message) Counterparty(current Identity) (Identity, bool) {
	if m.Recipient == nil {
		return "", false
	}
	switch current {
	case m.Sender:
		return *m.Recipient, true
	case *m.Recipient:
		return m.Sender, true
	}
	return "", false
}

// Scope returns the cache key of the conversation the message belongs to,
// as seen by current.
func (m Message) Scope(current Identity) Scope {
	if other, ok := m.Counterparty(current); ok {
		return PrivateScope(other)
	}
	return PublicScope
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	c := m
	if m.Recipient != nil {
		r := *m.Recipient
		c.Recipient = &r
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return c
}

// Scope is the cache key of a conversation: the public channel or the
// private channel with one counterparty.
type Scope string

const (
	PublicScope Scope = "public"
	dmPrefix          = "dm:"
)

func PrivateScope(counterparty Identity) Scope {
	return Scope(dmPrefix + string(counterparty))
}

func ParseScope(s string) (Scope, bool) {
	if s == string(PublicScope) {
		return PublicScope, true
	}
	if strings.HasPrefix(s, dmPrefix) && len(s) > len(dmPrefix) {
		return Scope(s), true
	}
	return "", false
}

// Counterparty returns the other identity of a private scope.
func (s Scope) Counterparty() (Identity, bool) {
	if !strings.HasPrefix(string(s), dmPrefix) {
		return "", false
	}
	return Identity(strings.TrimPrefix(string(s), dmPrefix)), true
}

func (s Scope) String() string {
	return string(s)
}

// ConversationSummary describes one private thread in the conversation list.
type ConversationSummary struct {
	Counterparty Identity `json:"counterparty"`
	Name         string   `json:"name"`
	LastMessage  Message  `json:"lastMessage"`
}

// Clock is the time source for timestamps and provisional ids.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
