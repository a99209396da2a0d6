// Package progress carries milestone events out of long-running solves.
package progress

import "sync"

const (
	KindMatrixStarted = "matrix.started"
	KindMatrixStep    = "matrix.step"
	KindSplit         = "dicho.split"
	KindReinsert      = "dicho.reinsert"
	KindLevelDone     = "dicho.level.done"
	KindSolverDone    = "solver.done"
	KindJobStatus     = "job.status"
)

// Event is one progress milestone. Fields irrelevant to a kind are zero.
type Event struct {
	Kind       string  `json:"kind"`
	JobID      string  `json:"jobId,omitempty"`
	ProblemID  string  `json:"problemId,omitempty"`
	Level      int     `json:"level"`
	Done       int     `json:"done,omitempty"`
	Total      int     `json:"total,omitempty"`
	Services   int     `json:"services,omitempty"`
	Vehicles   int     `json:"vehicles,omitempty"`
	Unassigned int     `json:"unassigned,omitempty"`
	ElapsedMs  float64 `json:"elapsedMs,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Observer receives progress events. Implementations must not block for long.
type Observer interface {
	Observe(Event)
}

// Func adapts a function to Observer.
type Func func(Event)

func (f Func) Observe(e Event) { f(e) }

// Nop drops every event.
var Nop Observer = Func(func(Event) {})

// Logger is the subset of *log.Logger used across packages.
type Logger interface {
	Printf(format string, v ...any)
}

// LogObserver writes one log line per event.
type LogObserver struct {
	Logger Logger
	Tag    string
}

func (o LogObserver) Observe(e Event) {
	if o.Logger == nil {
		return
	}
	tag := o.Tag
	if tag == "" {
		tag = "[progress]"
	}
	switch e.Kind {
	case KindMatrixStep:
		o.Logger.Printf("%s %s %d/%d", tag, e.Kind, e.Done, e.Total)
	case KindSplit, KindLevelDone:
		o.Logger.Printf("%s %s level=%d problem=%s services=%d vehicles=%d unassigned=%d %s",
			tag, e.Kind, e.Level, e.ProblemID, e.Services, e.Vehicles, e.Unassigned, e.Message)
	default:
		o.Logger.Printf("%s %s level=%d problem=%s %s", tag, e.Kind, e.Level, e.ProblemID, e.Message)
	}
}

// Multi fans events out to several observers.
func Multi(obs ...Observer) Observer {
	var list []Observer
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return Func(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}

// Recorder keeps every event; handy for tests and short-lived jobs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}
