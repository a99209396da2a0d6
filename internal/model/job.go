package model

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Done reports whether the status is final.
func (s JobStatus) Done() bool { return s == JobCompleted || s == JobFailed }

// Job is one optimization request and its lifecycle.
type Job struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name,omitempty"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CallbackURL string     `json:"callbackUrl,omitempty"`
	Services    int        `json:"services"`
	Vehicles    int        `json:"vehicles"`
	Problem     *Problem   `json:"problem,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// JobRequest is the body of a job submission.
type JobRequest struct {
	Name        string   `json:"name,omitempty"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	Problem     *Problem `json:"problem"`
}
