package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the control-channel protocol version.
const Version = "1.0.0"

// Message types.
const (
	TypeWelcome     = "welcome"
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth-success"
	TypeCommand     = "command"
	TypeResponse    = "response"
	TypeError       = "error"
	TypeEvent       = "event"
)

// ErrorInfo is the error payload of a failed response.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Message is the single wire envelope. Only the fields relevant to the
// Type are populated.
type Message struct {
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id,omitempty"`

	// welcome
	AuthRequired *bool `json:"authRequired,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// command
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	// response
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// event
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// newMessage stamps the envelope fields common to every outgoing message.
func newMessage(msgType string) Message {
	return Message{
		Type:      msgType,
		Version:   Version,
		Timestamp: time.Now().UTC(),
		ID:        uuid.New().String(),
	}
}

func boolPtr(b bool) *bool { return &b }

// Encode marshals the message into a framed byte slice.
func (m *Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload), nil
}
