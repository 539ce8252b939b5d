// Package kakaofast talks to the KakaoTalk relay: a fasthttp client for
// replies and a reconnecting websocket for inbound room messages.
package kakaofast

import "context"

// Message is one inbound chat event.
type Message struct {
	Room   string       `json:"room"`
	Msg    string       `json:"msg"`
	Sender *string      `json:"sender,omitempty"`
	JSON   *MessageMeta `json:"json,omitempty"`
}

// MessageMeta carries the decoded sender identity when the relay provides it.
type MessageMeta struct {
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// UserID resolves the most reliable sender id available.
func (m *Message) UserID() string {
	if m == nil {
		return ""
	}
	if m.JSON != nil && m.JSON.UserID != "" {
		return m.JSON.UserID
	}
	if m.Sender != nil {
		return *m.Sender
	}
	return ""
}

// SenderName resolves a display name, falling back to the user id.
func (m *Message) SenderName() string {
	if m == nil {
		return ""
	}
	if m.JSON != nil && m.JSON.UserName != "" {
		return m.JSON.UserName
	}
	return m.UserID()
}

// ReplyRequest is the outbound frame for both text and image replies.
type ReplyRequest struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data string `json:"data"`
}

// MessageCallback receives inbound messages.
type MessageCallback func(message *Message)

// Egress abstracts reply delivery so callers never depend on the transport.
type Egress interface {
	SendText(ctx context.Context, room, message string) error
	SendImage(ctx context.Context, room, imageBase64 string) error
}
