// Package message holds the unit of data passed between flow nodes.
package message

import "github.com/google/uuid"

// Message is delivered to a node input and produced on a node output.
// A nil Payload means the payload is absent.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a message with a freshly assigned id.
func New(payload any) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

// HasPayload reports whether the payload is present.
func (m *Message) HasPayload() bool {
	return m != nil && m.Payload != nil
}

// Clone returns a shallow copy that keeps the message id, so a message can be followed across nodes.
func (m *Message) Clone() *Message {
	if m == nil {
		return New(nil)
	}
	c := *m
	return &c
}

// String returns the payload if it is a string.
func (m *Message) String() (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m.Payload.(string)
	return s, ok
}
