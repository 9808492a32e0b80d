package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// MessageKind distinguishes plain text from structured messages.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindRequest MessageKind = "request"
)

// Conversation is a two-party chat created when two users match.
type Conversation struct {
	ID           string `json:"id"`
	ParticipantA string `json:"user_1"`
	ParticipantB string `json:"user_2"`
}

// UnmarshalJSON accepts the ID as a JSON string or number.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	aux := struct {
		*plain
		ID json.RawMessage `json:"id"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := decodeID(aux.ID)
	if err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}
	c.ID = id
	return nil
}

// Counterpart returns the participant that is not self.
func (c *Conversation) Counterpart(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is a chat message as stored by the message store.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"chat_id"`
	SenderID       string      `json:"sender"`
	Body           string      `json:"message"`
	CreatedAt      time.Time   `json:"created_at"`
	Kind           MessageKind `json:"type,omitempty"`
	RequestID      string      `json:"requestId,omitempty"`
}

// UnmarshalJSON accepts the message and conversation IDs as JSON strings or
// numbers. Stores keyed by serial columns send numbers.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		ID             json.RawMessage `json:"id"`
		ConversationID json.RawMessage `json:"chat_id"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if m.ID, err = decodeID(aux.ID); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	if m.ConversationID, err = decodeID(aux.ConversationID); err != nil {
		return fmt.Errorf("message chat_id: %w", err)
	}
	return nil
}

// decodeID reads a string or numeric JSON identifier. Absent and null give "".
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("want string or number, got %s", raw)
	}
	return n.String(), nil
}

// IsProvisional reports whether the message carries a locally generated ID.
func (m *Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, provisionalPrefix)
}

// User is the public identity of a participant.
type User struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Counterpart is the other participant of the active conversation.
type Counterpart struct {
	ID      string
	Name    string
	Address string
}

// EntryState tags a log entry as provisional or server-confirmed.
type EntryState int

const (
	StateConfirmed EntryState = iota
	StateProvisional
)

func (s EntryState) String() string {
	if s == StateProvisional {
		return "provisional"
	}
	return "confirmed"
}

// Entry is one element of the ordered message log.
type Entry struct {
	Message
	State EntryState
}

// SendOptions carries the optional kind and correlation ID of a send.
type SendOptions struct {
	Kind      MessageKind
	RequestID string
}

// ============================================================================
// Wire Types
// ============================================================================

// APIError is the error object of a failed API response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
