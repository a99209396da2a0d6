package store

import (
    "context"
    "encoding/json"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/Pierre-Graber/optimizer-api/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// Problems and results are kept encoded, as the Postgres store keeps them,
// so callers never share pointers with the store.
type Memory struct {
    mu      sync.Mutex
    jobs    map[string]*memJob                 // id -> job
    byTen   map[string][]string                // tenant -> job ids, creation order
    results map[string][]byte                  // job id -> encoded result
    // Callback queue state
    deliveries map[string]*memDelivery         // id -> delivery state
    deliveryIDs []string                       // enqueue order
    dedup   map[string]string                  // tenant|type|url|key -> delivery id
    dlq     []map[string]any                   // dead-lettered deliveries
    now     func() time.Time
}

type memJob struct {
    model.Job
    problem []byte
}

// memDelivery augments CallbackDelivery with scheduling/metrics
type memDelivery struct {
    CallbackDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func NewMemory() *Memory {
    return &Memory{
        jobs: map[string]*memJob{},
        byTen: map[string][]string{},
        results: map[string][]byte{},
        deliveries: map[string]*memDelivery{},
        dedup: map[string]string{},
        dlq: []map[string]any{},
        now: time.Now,
    }
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
    var problem []byte
    if job.Problem != nil {
        b, err := json.Marshal(job.Problem)
        if err != nil { return model.Job{}, err }
        problem = b
        job.Services, job.Vehicles = len(job.Problem.Services), len(job.Problem.Vehicles)
    }
    m.mu.Lock(); defer m.mu.Unlock()
    if job.ID == "" { job.ID = uuid.New().String() }
    if job.Status == "" { job.Status = model.JobQueued }
    now := m.now().UTC()
    job.CreatedAt, job.UpdatedAt = now, now
    stored := job
    stored.Problem = nil
    m.jobs[job.ID] = &memJob{Job: stored, problem: problem}
    m.byTen[job.TenantID] = append(m.byTen[job.TenantID], job.ID)
    return job, nil
}

func (m *Memory) GetJob(ctx context.Context, tenantID, id string) (model.Job, error) {
    m.mu.Lock()
    j, ok := m.jobs[id]
    if !ok || (tenantID != AnyTenant && j.TenantID != tenantID) {
        m.mu.Unlock()
        return model.Job{}, ErrNotFound
    }
    job, raw := j.Job, j.problem
    m.mu.Unlock()
    if raw != nil {
        var p model.Problem
        if err := json.Unmarshal(raw, &p); err != nil { return model.Job{}, err }
        job.Problem = &p
    }
    return job, nil
}

// ListJobs pages by creation order; the cursor is the last id returned.
// Problems are not included.
func (m *Memory) ListJobs(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Job, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    limit = clampLimit(limit)
    ids := m.byTen[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    out := []model.Job{}
    for _, id := range ids[start:] {
        j := m.jobs[id]
        if status != "" && string(j.Status) != status { continue }
        out = append(out, j.Job)
        if len(out) == limit { break }
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1].ID }
    return out, next, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    j, ok := m.jobs[id]
    if !ok { return ErrNotFound }
    now := m.now().UTC()
    j.Status = status
    j.Error = errMsg
    j.UpdatedAt = now
    if status.Done() { j.FinishedAt = &now }
    return nil
}

func (m *Memory) SaveResult(ctx context.Context, jobID string, res *model.Result) error {
    b, err := json.Marshal(res)
    if err != nil { return err }
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.jobs[jobID]; !ok { return ErrNotFound }
    m.results[jobID] = b
    return nil
}

func (m *Memory) GetResult(ctx context.Context, tenantID, jobID string) (*model.Result, error) {
    m.mu.Lock()
    j, ok := m.jobs[jobID]
    raw, has := m.results[jobID]
    m.mu.Unlock()
    if !ok || !has || (tenantID != AnyTenant && j.TenantID != tenantID) { return nil, ErrNotFound }
    var res model.Result
    if err := json.Unmarshal(raw, &res); err != nil { return nil, err }
    return &res, nil
}

// Callback deliveries
func (m *Memory) EnqueueCallback(ctx context.Context, tenantID, jobID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    dk := tenantID + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
    if id, ok := m.dedup[dk]; ok { return id, nil }
    id := uuid.New().String()
    d := &memDelivery{CallbackDelivery: CallbackDelivery{ID: id, TenantID: tenantID, JobID: jobID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: m.now()}
    m.deliveries[id] = d
    m.deliveryIDs = append(m.deliveryIDs, id)
    m.dedup[dk] = id
    return id, nil
}

func (m *Memory) FetchDueCallbacks(ctx context.Context, limit int) ([]CallbackDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := m.now()
    due := []*memDelivery{}
    for _, id := range m.deliveryIDs {
        d := m.deliveries[id]
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            due = append(due, d)
        }
    }
    sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
    out := []CallbackDelivery{}
    for _, d := range due {
        out = append(out, d.CallbackDelivery)
        if limit > 0 && len(out) >= limit { break }
    }
    return out, nil
}

func (m *Memory) MarkCallback(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := m.now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = m.now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailCallback(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Attempts++
    d.Status = "failed"
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    m.dlq = append(m.dlq, map[string]any{"id": uuid.New().String(), "deliveryId": id, "tenantId": d.TenantID, "jobId": d.JobID, "eventType": d.EventType, "url": d.URL, "attempts": d.Attempts, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs, "createdAt": m.now()})
    return nil
}

// ListCallbacks lists deliveries of a tenant; status "dead" lists the dead-letter queue.
func (m *Memory) ListCallbacks(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    limit = clampLimit(limit)
    out := []map[string]any{}
    if status == "dead" {
        for _, e := range m.dlq {
            if e["tenantId"] == tenantID { out = append(out, e) }
        }
        return out, "", nil
    }
    past := cursor == ""
    for _, id := range m.deliveryIDs {
        if !past { past = id == cursor; continue }
        d := m.deliveries[id]
        if d.TenantID != tenantID { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "jobId": d.JobID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() && d.Status != "delivered" && d.Status != "failed" { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            if d.ResponseCode != 0 { item["responseCode"] = d.ResponseCode }
            out = append(out, item)
            if len(out) == limit { break }
        }
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1]["id"].(string) }
    return out, next, nil
}
