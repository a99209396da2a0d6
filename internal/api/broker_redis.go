package api

import (
    "context"
    "encoding/json"
    "log"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
)

type EventBroker interface {
    Subscribe(jobID string) chan SSEEvent
    Unsubscribe(jobID string, ch chan SSEEvent)
    Publish(jobID string, evt SSEEvent)
}

// NewEventBroker uses Redis pub/sub when redisURL is set, so that every API
// replica sees the events of jobs run by the others. It falls back to the
// in-process broker.
func NewEventBroker(redisURL string) EventBroker {
    if redisURL == "" { return NewBroker() }
    rb, err := NewRedisBroker(redisURL)
    if err != nil {
        log.Printf("[api] redis broker unavailable, using in-memory: %v", err)
        return NewBroker()
    }
    return rb
}

// RedisBroker implements EventBroker over Redis Pub/Sub
type RedisBroker struct {
    rdb  *redis.Client
    mu   sync.Mutex
    subs map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan SSEEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(jobID string) chan SSEEvent {
    ch := make(chan SSEEvent, 32)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(jobID))
    // wait for the subscription confirmation so no event is lost
    if _, err := ps.Receive(ctx); err != nil {
        log.Printf("[api] redis subscribe %s: %v", jobID, err)
    }
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt SSEEvent
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                deliver(ch, evt)
            }
        }
    }()
    return ch
}

// Unsubscribe closes the pub/sub; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(jobID string, ch chan SSEEvent) {
    b.mu.Lock()
    ps := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ps != nil { _ = ps.Close() }
}

func (b *RedisBroker) Publish(jobID string, evt SSEEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, err := json.Marshal(evt)
    if err != nil { return }
    if err := b.rdb.Publish(ctx, b.chanName(jobID), data).Err(); err != nil {
        log.Printf("[api] redis publish %s: %v", jobID, err)
    }
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(jobID string) string { return "job:" + jobID }
