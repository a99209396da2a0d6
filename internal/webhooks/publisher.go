package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/store"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Publisher queues completion callbacks for jobs that asked for one.
type Publisher struct {
	Store store.Store
	// Secret signs every callback body; empty disables X-Signature.
	Secret string
	now    func() time.Time
}

func NewPublisher(s store.Store, secret string) *Publisher {
	return &Publisher{Store: s, Secret: secret}
}

// JobFinished enqueues job.completed or job.failed for the job. Jobs without
// a callback URL are skipped. The event id derives from the job so a replay
// of the same outcome is deduplicated by the store.
func (p *Publisher) JobFinished(ctx context.Context, job model.Job, res *model.Result) (string, error) {
	if job.CallbackURL == "" {
		return "", nil
	}
	eventType := EventJobCompleted
	data := map[string]any{"jobId": job.ID, "status": job.Status}
	if job.Status == model.JobFailed {
		eventType = EventJobFailed
		data["error"] = job.Error
	}
	if res != nil {
		data["cost"] = res.Cost
		data["routes"] = len(res.Routes)
		data["unassigned"] = len(res.Unassigned)
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	payload := map[string]any{
		"id":       "evt_" + job.ID + "_" + eventType,
		"type":     eventType,
		"tenantId": job.TenantID,
		"ts":       now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return p.Store.EnqueueCallback(ctx, job.TenantID, job.ID, eventType, job.CallbackURL, p.Secret, body)
}
