// Package events is the ordered event bus between the client core and
// the UI adapter.
package events

import (
	"context"
	"sync"
)

// Type enumerates the events the core emits. The set is closed; the UI
// adapter can rely on never seeing any other type.
type Type string

const (
	PeersUpdated          Type = "peers:updated"
	RelayConnection       Type = "relay:connection"
	SyncStatus            Type = "sync:status"
	MessageReceived       Type = "message:received"
	MessageUpdated        Type = "message:updated"
	MessageRemoved        Type = "message:removed"
	ConversationCleared   Type = "conversation:cleared"
	MessageStatus         Type = "message:status"
	TypingUpdate          Type = "typing:update"
	UIToast               Type = "ui:toast"
	TransferProgress      Type = "transfer:progress"
	Navigate              Type = "navigate"
	MessageReactions      Type = "message:reactions"
	AnnouncementReactions Type = "announcement:reactions"
)

// Event is one bus emission.
type Event struct {
	Type    Type
	Payload any
}

// TransferProgressPayload rides transfer:progress. Every emission is
// delivered; progress is never coalesced.
type TransferProgressPayload struct {
	Direction   string `json:"direction"` // "in" | "out"
	FileID      string `json:"fileId"`
	MessageID   string `json:"messageId"`
	PeerID      string `json:"peerId"`
	Transferred int64  `json:"transferred"`
	Total       int64  `json:"total"`
}

// ToastPayload rides ui:toast.
type ToastPayload struct {
	Level   string `json:"level"` // "info" | "warning" | "error"
	Message string `json:"message"`
}

// TypingPayload rides typing:update.
type TypingPayload struct {
	PeerID   string `json:"peerId"`
	IsTyping bool   `json:"isTyping"`
}

// Bus fans events out to subscribers. Emissions from one goroutine
// reach every subscriber in emission order; queues are unbounded so a
// slow consumer delays itself, never drops.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscriber
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber that sees every event emitted
// from now on.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{signal: make(chan struct{}, 1)}
	b.mu.Lock()
	if b.closed {
		s.closed = true
	} else {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches s; its queue stops growing.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
}

// Emit queues ev for every subscriber. Never blocks.
func (b *Bus) Emit(t Type, payload any) {
	ev := Event{Type: t, Payload: payload}
	b.mu.Lock()
	subs := make([]*Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// Close drains the bus: subscribers still receive what was queued, then
// see ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Subscriber is one consumer's ordered, unbounded queue.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks for the next event. ok is false once the queue is empty
// and the subscriber is closed or detached.
func (s *Subscriber) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) > 0 {
				select {
				case s.signal <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.signal:
		}
	}
}

// TryNext pops the next queued event without blocking.
func (s *Subscriber) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}
