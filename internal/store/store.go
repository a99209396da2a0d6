package store

import (
    "context"
    "errors"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/model"
)

// Store is the persistence interface used by the API server and the job runner.
type Store interface {
    // Jobs
    CreateJob(ctx context.Context, job model.Job) (model.Job, error)
    GetJob(ctx context.Context, tenantID, id string) (model.Job, error)
    ListJobs(ctx context.Context, tenantID, status, cursor string, limit int) (items []model.Job, nextCursor string, err error)
    UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error

    // Results
    SaveResult(ctx context.Context, jobID string, res *model.Result) error
    GetResult(ctx context.Context, tenantID, jobID string) (*model.Result, error)

    // Completion callbacks
    EnqueueCallback(ctx context.Context, tenantID, jobID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueCallbacks(ctx context.Context, limit int) ([]CallbackDelivery, error)
    MarkCallback(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailCallback(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListCallbacks(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)

    Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

// AnyTenant makes GetJob and GetResult skip the tenant check (job runner).
const AnyTenant = ""

func clampLimit(limit int) int {
    if limit <= 0 || limit > 500 { return 100 }
    return limit
}
