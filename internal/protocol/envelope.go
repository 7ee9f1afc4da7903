package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the ephemeral per-connection wire unit. Seq is the
// connection-scoped delivery sequence: it starts at 0 on every new
// connection and is never persisted. Durable ordering lives in the
// payload's persistent sequence, when the envelope carries a message.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	TurnID         *uint           `json:"turn_id,omitempty"`
	Seq            uint64          `json:"seq"`
	Timestamp      time.Time       `json:"ts"`
	TraceID        string          `json:"trace_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StatePayload announces a session state transition.
type StatePayload struct {
	State string `json:"state"`
}

// MessagePayload carries one durable message. Seq is the persistent
// sequence number, the idempotency key for replayed events.
type MessagePayload struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// RequestInputPayload carries a mid-turn agent question.
type RequestInputPayload struct {
	QuestionID  string    `json:"question_id"`
	Prompt      string    `json:"prompt"`
	Options     []string  `json:"options,omitempty"`
	Required    bool      `json:"required"`
	InboxItemID uint      `json:"inbox_item_id"`
	Deadline    time.Time `json:"deadline"`
}

// ErrorPayload reports a structured error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is one client operation received over the live channel.
type Inbound struct {
	Op         string `json:"op"`
	Text       string `json:"text,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
}

// Encode marshals an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// Decode unmarshals an envelope from the wire.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return &env, nil
}

// DecodeInbound unmarshals and validates one client operation.
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, Errorf(CodeMalformedInbound, "decode inbound: %v", err)
	}
	switch in.Op {
	case OpMessage:
		if in.Text == "" {
			return nil, Errorf(CodeMalformedInbound, "message op requires text")
		}
	case OpInterrupt:
	case OpAnswer:
		if in.QuestionID == "" {
			return nil, Errorf(CodeMalformedInbound, "answer op requires question_id")
		}
	default:
		return nil, Errorf(CodeMalformedInbound, "unknown op %q", in.Op)
	}
	return &in, nil
}

// MarshalPayload marshals a payload value for embedding in an envelope.
func MarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
