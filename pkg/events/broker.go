package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// ErrTopicClosed is returned when publishing after a terminal event
var ErrTopicClosed = errors.New("event topic closed")

// Retainer is implemented by publishers whose topic history expires
type Retainer interface {
	// Retained reports whether the topic of a request still holds its history
	Retained(ctx context.Context, requestID string) (bool, error)
}

type topic struct {
	events []domain.Event
	closed bool
	// notify is closed and replaced on every publish to wake subscribers
	notify chan struct{}
}

// MemoryBroker is an in-process event publisher. Each request has its own
// topic holding the full event history; subscribers first receive the
// history and then live events, and their channel is closed after the
// terminal event. Publish never waits on subscribers.
type MemoryBroker struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
	retention  time.Duration
}

// NewMemoryBroker creates a broker whose subscriber channels have the given
// buffer. Topics are kept until released.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	return NewMemoryBrokerWithRetention(bufferSize, 0)
}

// NewMemoryBrokerWithRetention creates a broker that releases each topic
// retention after its terminal event. Zero keeps topics until released.
func NewMemoryBrokerWithRetention(bufferSize int, retention time.Duration) *MemoryBroker {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &MemoryBroker{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
		retention:  retention,
	}
}

func (b *MemoryBroker) topicLocked(requestID string) *topic {
	t, ok := b.topics[requestID]
	if !ok {
		t = &topic{notify: make(chan struct{})}
		b.topics[requestID] = t
	}
	return t
}

// Publish appends an event to the request topic and assigns its sequence number
func (b *MemoryBroker) Publish(ctx context.Context, event domain.Event) error {
	if event.RequestID == "" {
		return fmt.Errorf("event request ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(event.RequestID)
	if t.closed {
		return fmt.Errorf("%w: %s", ErrTopicClosed, event.RequestID)
	}

	event.Sequence = int64(len(t.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	t.events = append(t.events, event)
	if event.Kind.IsTerminal() {
		t.closed = true
		if b.retention > 0 {
			requestID := event.RequestID
			time.AfterFunc(b.retention, func() { b.Release(requestID) })
		}
	}

	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

// Subscribe returns the topic history followed by live events
func (b *MemoryBroker) Subscribe(ctx context.Context, requestID string) (<-chan domain.Event, func(), error) {
	b.mu.Lock()
	b.topicLocked(requestID)
	b.mu.Unlock()

	out := make(chan domain.Event, b.bufferSize)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go b.forward(ctx, requestID, out, done)
	return out, cancel, nil
}

func (b *MemoryBroker) forward(ctx context.Context, requestID string, out chan<- domain.Event, done <-chan struct{}) {
	defer close(out)

	next := 0
	for {
		b.mu.Lock()
		t, ok := b.topics[requestID]
		if !ok {
			b.mu.Unlock()
			return
		}
		pending := t.events[next:]
		notify := t.notify
		closed := t.closed
		b.mu.Unlock()

		for _, ev := range pending {
			select {
			case out <- ev:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		next += len(pending)

		if closed {
			return
		}

		select {
		case <-notify:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// History returns a copy of every event published for a request
func (b *MemoryBroker) History(requestID string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok {
		return nil
	}
	return append([]domain.Event(nil), t.events...)
}

// Retained reports whether a topic exists
func (b *MemoryBroker) Retained(ctx context.Context, requestID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[requestID]
	return ok, nil
}

// Release drops a topic. Active subscribers finish with what they already received.
func (b *MemoryBroker) Release(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[requestID]; ok {
		close(t.notify)
		delete(b.topics, requestID)
	}
}
