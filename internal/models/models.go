package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoSession        = errors.New("no chat session selected")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNotConnected     = errors.New("socket is not connected")
)

// User represents a user in the system.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// UserRef identifies a message sender. The backend sends either a bare id,
// a username or a user object, depending on the serializer.
type UserRef struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = UserRef{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		// Numeric strings are ids.
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			*r = UserRef{ID: id}
			return nil
		}
		*r = UserRef{Username: s}
		return nil
	case '{':
		type alias UserRef
		return json.Unmarshal(data, (*alias)(r))
	default:
		var id int64
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("invalid sender reference %s: %w", data, err)
		}
		*r = UserRef{ID: id}
		return nil
	}
}

// Is reports whether the reference points at the given user.
func (r UserRef) Is(u UserRef) bool {
	if r.ID != 0 && u.ID != 0 {
		return r.ID == u.ID
	}
	if r.Username != "" && u.Username != "" {
		return r.Username == u.Username
	}
	return false
}

func (r UserRef) String() string {
	if r.Username != "" {
		return r.Username
	}
	return strconv.FormatInt(r.ID, 10)
}

// Message is a direct message inside a conversation.
type Message struct {
	ID      int64     `json:"id"`
	Sender  UserRef   `json:"sender"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
	IsRead  bool      `json:"is_read"`

	// TempID is set on optimistic messages until the server echoes them back.
	TempID  string `json:"-"`
	Pending bool   `json:"-"`
}

// MessageSummary is the last message preview of a conversation.
// The backend sends either the body text or the full message object.
type MessageSummary struct {
	Body    string
	Created time.Time
}

func (s *MessageSummary) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = MessageSummary{}
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &s.Body)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = MessageSummary{Body: m.Body, Created: m.Created}
	return nil
}

func (s MessageSummary) MarshalJSON() ([]byte, error) {
	if s.Body == "" && s.Created.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		Body    string    `json:"body"`
		Created time.Time `json:"created"`
	}{s.Body, s.Created})
}

// Conversation is a direct-message thread between two users.
type Conversation struct {
	ID           int64          `json:"id"`
	Participants []User         `json:"participants"`
	OtherUser    *User          `json:"other_user"`
	Created      time.Time      `json:"created"`
	LastMessage  MessageSummary `json:"last_message"`
	UnreadCount  int            `json:"unread_count"`
}

// Valid reports whether the conversation carries the peer info needed to show it.
func (c Conversation) Valid() bool {
	return c.OtherUser != nil && c.OtherUser.Username != ""
}

// InboundFrame is a frame received on a chat socket.
type InboundFrame struct {
	Message *Message `json:"message"`
}

// OutboundFrame is a frame sent on a chat socket.
type OutboundFrame struct {
	Body string `json:"body"`
}

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// AiChatSession is a chat thread between one user and the tutor backend.
type AiChatSession struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	IsAI      bool      `json:"is_ai"`
}

// AiMessage is one entry of the merged tutor history.
type AiMessage struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	HTML      string    `json:"html,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Sender    Sender    `json:"sender"`
	Pending   bool      `json:"pending,omitempty"`
}

// Key is unique across both sources of the merged history.
func (m AiMessage) Key() string {
	return string(m.Sender) + ":" + m.ID
}

type AiUserMessage struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type AiResponse struct {
	ID        int64     `json:"id"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// AiChatHistory is the raw history payload of a tutor session.
type AiChatHistory struct {
	UserMessages []AiUserMessage `json:"user_messages"`
	AIResponses  []AiResponse    `json:"ai_responses"`
}

// Notification is an entry of the user's notification feed.
type Notification struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	aux := struct {
		*alias
		IsRead *bool `json:"is_read"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IsRead != nil {
		n.Read = *aux.IsRead
	}
	return nil
}
