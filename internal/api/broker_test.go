package api

import (
    "testing"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/progress"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    jid := "j1"
    ch := b.Subscribe(jid)

    evt := SSEEvent{Type: progress.KindSplit, Data: progress.Event{Kind: progress.KindSplit, Level: 2}}
    b.Publish(jid, evt)
    b.Publish("other", SSEEvent{Type: "ignored"})

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data.Level != 2 { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(jid, ch)
    b.Unsubscribe(jid, ch) // second call is a no-op
    if _, ok := <-ch; ok { t.Fatal("channel should be closed after unsubscribe") }
    b.Publish(jid, evt)
}

func TestBrokerKeepsFinalEvent(t *testing.T) {
    b := NewBroker()
    ch := b.Subscribe("j")
    defer b.Unsubscribe("j", ch)
    for i := 0; i < cap(ch)+5; i++ {
        b.Publish("j", SSEEvent{Type: progress.KindMatrixStep})
    }
    final := SSEEvent{Type: progress.KindJobStatus, Data: progress.Event{Kind: progress.KindJobStatus, Message: "completed"}}
    if !final.Final() { t.Fatal("completed status should be final") }
    b.Publish("j", final)

    var last SSEEvent
    for len(ch) > 0 { last = <-ch }
    if !last.Final() { t.Fatalf("final event dropped, last=%+v", last) }
}

func TestSinkBroadcast(t *testing.T) {
    b := NewBroker()
    ch := b.Subscribe("j")
    defer b.Unsubscribe("j", ch)
    Sink{Broker: b}.Broadcast("j", progress.Event{Kind: progress.KindLevelDone, JobID: "j"})
    got := <-ch
    if got.Type != progress.KindLevelDone || got.Data.JobID != "j" { t.Fatalf("got %+v", got) }
    if got.Final() { t.Fatal("level event is not final") }
}
