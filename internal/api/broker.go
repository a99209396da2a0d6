package api

import (
    "sync"

    "github.com/Pierre-Graber/optimizer-api/internal/model"
    "github.com/Pierre-Graber/optimizer-api/internal/progress"
)

type SSEEvent struct {
    Type string         `json:"type"`
    Data progress.Event `json:"data"`
}

// Final reports whether the event ends the job's stream.
func (e SSEEvent) Final() bool {
    if e.Type != progress.KindJobStatus {
        return false
    }
    return model.JobStatus(e.Data.Message).Done()
}

type Broker struct {
    mu      sync.Mutex
    subs    map[string]map[chan SSEEvent]struct{} // jobId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(jobID string) chan SSEEvent {
    ch := make(chan SSEEvent, 32)
    b.mu.Lock()
    if b.subs[jobID] == nil { b.subs[jobID] = map[chan SSEEvent]struct{}{} }
    b.subs[jobID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(jobID string, ch chan SSEEvent) {
    b.mu.Lock()
    defer b.mu.Unlock()
    m := b.subs[jobID]
    if _, ok := m[ch]; !ok { return }
    delete(m, ch)
    if len(m) == 0 { delete(b.subs, jobID) }
    close(ch)
}

// Publish never blocks: slow subscribers miss intermediate events, but a
// final status event is always delivered.
func (b *Broker) Publish(jobID string, evt SSEEvent) {
    b.mu.Lock()
    defer b.mu.Unlock()
    for ch := range b.subs[jobID] {
        deliver(ch, evt)
    }
}

func deliver(ch chan SSEEvent, evt SSEEvent) {
    select {
    case ch <- evt:
        return
    default:
    }
    if !evt.Final() { return }
    // make room for the terminal event
    select { case <-ch: default: }
    select { case ch <- evt: default: }
}

// Sink forwards job progress from the runner to a broker.
type Sink struct {
    Broker EventBroker
}

func (s Sink) Broadcast(jobID string, e progress.Event) {
    s.Broker.Publish(jobID, SSEEvent{Type: e.Kind, Data: e})
}
