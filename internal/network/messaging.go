package network

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the unit exchanged between nodes. Payload carries a
// type-specific body; consumers register a handler per message type.
type Message struct {
	Type          string          `json:"type"`
	CorrelationID uint64          `json:"correlationId,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(msgType, sender string, body any) (*Message, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Sender: sender, Payload: payload}, nil
}

func (m *Message) DecodePayload(out any) error {
	return json.Unmarshal(m.Payload, out)
}

// Handler processes one inbound message and optionally produces a response.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// MessagingService moves messages between nodes. Invoke blocks until a
// response arrives, the timeout expires, or the transport fails.
type MessagingService interface {
	Invoke(ctx context.Context, addr string, msg *Message, timeout time.Duration) (*Message, error)
}
