package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// RedisBroker publishes events through Redis so that API replicas other than
// the one running the workflow can serve streams. The history of a topic is a
// list; live delivery uses the pub/sub channel sse:<request id>.
type RedisBroker struct {
	client     *redis.Client
	ttl        time.Duration
	bufferSize int
}

// NewRedisBroker connects to redis using a redis:// URL
func NewRedisBroker(url string, ttl time.Duration, bufferSize int) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBrokerWithClient(redis.NewClient(opts), ttl, bufferSize), nil
}

// NewRedisBrokerWithClient wraps an existing client
func NewRedisBrokerWithClient(client *redis.Client, ttl time.Duration, bufferSize int) *RedisBroker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &RedisBroker{client: client, ttl: ttl, bufferSize: bufferSize}
}

func historyKey(requestID string) string  { return "hwz:events:" + requestID }
func sequenceKey(requestID string) string { return "hwz:events:" + requestID + ":seq" }
func closedKey(requestID string) string   { return "hwz:events:" + requestID + ":closed" }

// Channel returns the pub/sub channel of a request topic
func Channel(requestID string) string { return "sse:" + requestID }

// Ping checks connectivity
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// publishScript allocates the next sequence number and appends and broadcasts
// the entry in one step, so sequence numbers follow delivery order across
// concurrent publishers. It returns -1 once the topic is closed.
//
// KEYS: history, sequence, closed
// ARGV: event JSON, ttl in milliseconds, "1" for a terminal event, channel
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[2])
local entry = '{"sequence":' .. tostring(seq) .. ',"event":' .. ARGV[1] .. '}'
redis.call('RPUSH', KEYS[1], entry)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
if ARGV[3] == '1' then
  redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
end
redis.call('PUBLISH', ARGV[4], entry)
return seq
`)

// entry is the stored and broadcast form of an event. The sequence number is
// assigned by redis and overrides the one inside the event.
type entry struct {
	Sequence int64           `json:"sequence"`
	Event    json.RawMessage `json:"event"`
}

func decodeEntry(raw string) (domain.Event, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	if err := json.Unmarshal(e.Event, &ev); err != nil {
		return domain.Event{}, err
	}
	ev.Sequence = e.Sequence
	return ev, nil
}

// Publish appends the event to the topic history and broadcasts it
func (b *RedisBroker) Publish(ctx context.Context, event domain.Event) error {
	if event.RequestID == "" {
		return fmt.Errorf("event request ID is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = 0

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	terminal := "0"
	if event.Kind.IsTerminal() {
		terminal = "1"
	}
	id := event.RequestID
	seq, err := publishScript.Run(ctx, b.client,
		[]string{historyKey(id), sequenceKey(id), closedKey(id)},
		string(raw), b.ttl.Milliseconds(), terminal, Channel(id),
	).Int64()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if seq < 0 {
		return fmt.Errorf("%w: %s", ErrTopicClosed, id)
	}
	return nil
}

// Subscribe replays the stored history and then forwards live events.
// The subscription is established before the history is read so no event
// published in between is lost; duplicates are dropped by sequence number.
func (b *RedisBroker) Subscribe(ctx context.Context, requestID string) (<-chan domain.Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, Channel(requestID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", requestID, err)
	}

	history, err := b.client.LRange(ctx, historyKey(requestID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("read history %s: %w", requestID, err)
	}

	out := make(chan domain.Event, b.bufferSize)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		defer cancel()

		var last int64
		send := func(ev domain.Event) bool {
			if ev.Sequence <= last {
				return true
			}
			select {
			case out <- ev:
			case <-done:
				return false
			case <-ctx.Done():
				return false
			}
			last = ev.Sequence
			return !ev.Kind.IsTerminal()
		}

		for _, raw := range history {
			ev, err := decodeEntry(raw)
			if err != nil {
				continue
			}
			if !send(ev) {
				return
			}
		}

		live := pubsub.Channel()
		for {
			select {
			case msg, ok := <-live:
				if !ok {
					return
				}
				ev, err := decodeEntry(msg.Payload)
				if err != nil {
					continue
				}
				if !send(ev) {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// Retained reports whether the topic history has not expired yet
func (b *RedisBroker) Retained(ctx context.Context, requestID string) (bool, error) {
	n, err := b.client.Exists(ctx, historyKey(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("check history %s: %w", requestID, err)
	}
	return n > 0, nil
}

// Close closes the redis client
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
