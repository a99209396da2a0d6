package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

// Job progress over WebSocket, graphql-transport-ws like:
// connection_init/connection_ack, subscribe {jobId}, next, complete, error.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	JobID string `json:"jobId"`
}

// JobsWSHandler handles /v1/jobs/ws
func (s *Server) JobsWSHandler(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.principal(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		jobID string
		ch    chan SSEEvent
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// gorilla connections support one concurrent writer
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		payload, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
		_ = write(wsMessage{Type: "complete", ID: id})
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl subscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.JobID == "" {
				fail(msg.ID, "jobId required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			ch := s.Broker.Subscribe(pl.JobID)
			job, err := s.Store.GetJob(r.Context(), pr.Tenant, pl.JobID)
			if err != nil {
				s.Broker.Unsubscribe(pl.JobID, ch)
				fail(msg.ID, "job not found")
				continue
			}
			subs[msg.ID] = sub{jobID: pl.JobID, ch: ch}
			current := SSEEvent{Type: progress.KindJobStatus, Data: progress.Event{Kind: progress.KindJobStatus, JobID: job.ID, Message: string(job.Status)}}
			go func(id string, c chan SSEEvent, first SSEEvent) {
				next := func(evt SSEEvent) error {
					payload, _ := json.Marshal(evt.Data)
					return write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				if err := next(first); err != nil || first.Final() {
					_ = write(wsMessage{Type: "complete", ID: id})
					return
				}
				for evt := range c {
					if err := next(evt); err != nil {
						return
					}
					if evt.Final() {
						break
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, current)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.jobID, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(s0.jobID, s0.ch)
		delete(subs, id)
	}
}
