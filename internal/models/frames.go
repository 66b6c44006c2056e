package models

// MessageView is a message as the browser UI renders it.
type MessageView struct {
	Message
	ContentHTML string `json:"contentHtml"`
	Pending     bool   `json:"pending"`
}

type ClientMessageType string

const (
	ClientMessageTypeJoin  ClientMessageType = "join"
	ClientMessageTypeLeave ClientMessageType = "leave"
	ClientMessageTypeSend  ClientMessageType = "send"
)

// ClientMessage is a frame sent by the UI over the websocket.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Scope   string            `json:"scope"`
	Content string            `json:"content,omitempty"`
	// RequestID is echoed in the frames a send produces.
	RequestID string `json:"requestId,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeMessages      ServerMessageType = "messages"
	ServerMessageTypeConversations ServerMessageType = "conversations"
	ServerMessageTypeProgress      ServerMessageType = "progress"
	ServerMessageTypeSent          ServerMessageType = "sent"
	ServerMessageTypeError         ServerMessageType = "error"
)

// ServerMessage is a frame pushed to the UI.
type ServerMessage struct {
	Type          ServerMessageType     `json:"type"`
	Scope         string                `json:"scope,omitempty"`
	RequestID     string                `json:"requestId,omitempty"`
	Messages      []MessageView         `json:"messages"`
	Conversations []ConversationSummary `json:"conversations"`
	Attachment    int                   `json:"attachment,omitempty"`
	Percent       int                   `json:"percent,omitempty"`
	ID            int64                 `json:"id,omitempty"`
	Error         string                `json:"error,omitempty"`
}
