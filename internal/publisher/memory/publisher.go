// Package memory provides a recording publisher used as a test double for
// run-event publishing.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// Publisher records payloads per topic. Set Err to make every Publish fail.
type Publisher struct {
	mu     sync.Mutex
	Err    error
	topics map[string][]any
	seq    int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{topics: make(map[string][]any)}
}

// Publish records payload under topic and returns a sequential message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	p.seq++
	p.topics[topic] = append(p.topics[topic], payload)
	return strconv.Itoa(p.seq), nil
}

// Topic returns a copy of the payloads published to topic, in order.
func (p *Publisher) Topic(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.topics[topic]...)
}

// Topics returns the topics that received at least one payload, sorted.
func (p *Publisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.topics))
	for t := range p.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
