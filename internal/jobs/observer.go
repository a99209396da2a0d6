package jobs

import "github.com/Pierre-Graber/optimizer-api/internal/progress"

// Broadcaster fans job events out to live subscribers (SSE, websocket).
type Broadcaster interface {
	Broadcast(jobID string, e progress.Event)
}

// BrokerObserver tags events with the job id and forwards them.
type BrokerObserver struct {
	JobID string
	Sink  Broadcaster
}

func (o BrokerObserver) Observe(e progress.Event) {
	if o.Sink == nil {
		return
	}
	e.JobID = o.JobID
	o.Sink.Broadcast(o.JobID, e)
}
