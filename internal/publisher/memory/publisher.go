// Package memory provides a Publisher that records committed-alert events in
// process. It backs dev mode and lets tests assert on the publish stream.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher accumulates messages under a mutex.
type Publisher struct {
	mu   sync.Mutex
	sent []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message. The returned ID is the message's 1-based
// position in the stream.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.sent)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}
