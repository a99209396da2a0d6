package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/auth"
    "github.com/Pierre-Graber/optimizer-api/internal/jobs"
    "github.com/Pierre-Graber/optimizer-api/internal/model"
    "github.com/Pierre-Graber/optimizer-api/internal/progress"
    "github.com/Pierre-Graber/optimizer-api/internal/store"
)

// maxBody bounds a submitted problem.
const maxBody = 32 << 20

// JobsHandler handles POST/GET /v1/jobs
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/jobs" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    switch r.Method {
    case http.MethodPost:
        if !p.CanSubmit() { writeProblem(w, 403, "Forbidden", "planner or admin required", r.URL.Path); return }
        if s.Jobs == nil { writeProblem(w, 503, "Submissions disabled", "no job runner on this instance", r.URL.Path); return }
        var req model.JobRequest
        if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateJobRequest(&req); err != nil {
            writeProblem(w, http.StatusUnprocessableEntity, "Invalid problem", err.Error(), r.URL.Path)
            return
        }
        job, err := s.Jobs.Submit(r.Context(), p.Tenant, req)
        if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrStopped) {
            w.Header().Set("Retry-After", "5")
            writeProblem(w, http.StatusServiceUnavailable, "Queue full", err.Error(), r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Submit job failed", err.Error(), r.URL.Path)
            return
        }
        w.Header().Set("Location", "/v1/jobs/"+job.ID)
        writeJSON(w, http.StatusAccepted, job)
    case http.MethodGet:
        status := r.URL.Query().Get("status")
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListJobs(r.Context(), p.Tenant, status, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List jobs failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// JobByIDHandler handles GET /v1/jobs/{id} and its /result, /metrics and
// /events/stream children.
func (s *Server) JobByIDHandler(w http.ResponseWriter, r *http.Request) {
    path := r.URL.Path
    rest := strings.TrimPrefix(path, "/v1/jobs/")
    if rest == path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    parts := strings.Split(rest, "/")
    id := parts[0]
    job, err := s.Store.GetJob(r.Context(), p.Tenant, id)
    if err != nil {
        storeProblem(w, r, "Job not found", err)
        return
    }
    switch strings.Join(parts[1:], "/") {
    case "":
        if r.URL.Query().Get("include") != "problem" { job.Problem = nil }
        writeJSON(w, http.StatusOK, job)
    case "result":
        s.jobResult(w, r, p, job)
    case "metrics":
        s.jobMetrics(w, r, job)
    case "events/stream":
        s.jobEvents(w, r, p, job)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", path)
    }
}

func (s *Server) jobResult(w http.ResponseWriter, r *http.Request, p auth.Principal, job model.Job) {
    if !job.Status.Done() {
        writeProblem(w, http.StatusConflict, "Result not ready", "job is "+string(job.Status), r.URL.Path)
        return
    }
    if job.Status == model.JobFailed {
        writeProblem(w, http.StatusConflict, "Job failed", job.Error, r.URL.Path)
        return
    }
    res, err := s.Store.GetResult(r.Context(), p.Tenant, job.ID)
    if err != nil {
        storeProblem(w, r, "Result not found", err)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// jobMetrics lists the search metrics of every solver call the job made.
func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request, job model.Job) {
    items := []map[string]any{}
    if s.Metrics != nil {
        for _, m := range s.Metrics.Get(job.ID) {
            items = append(items, map[string]any{
                "problemId": m.ProblemID,
                "services": m.Services,
                "vehicles": m.Vehicles,
                "iterations": m.Iterations,
                "improvements": m.Improvements,
                "acceptedWorse": m.AcceptedWorse,
                "seedCost": m.SeedCost,
                "bestCost": m.BestCost,
                "removalSelects": []int{m.RemovalSelects[0], m.RemovalSelects[1]},
                "insertSelects": []int{m.InsertSelects[0], m.InsertSelects[1]},
            })
        }
    }
    writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "status": job.Status, "items": items})
}

// jobEvents streams progress events as SSE until the job finishes.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request, p auth.Principal, job model.Job) {
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    // subscribe before re-reading the status so the final event cannot slip by
    ch := s.Broker.Subscribe(job.ID)
    defer s.Broker.Unsubscribe(job.ID, ch)
    if cur, err := s.Store.GetJob(r.Context(), p.Tenant, job.ID); err == nil { job = cur }

    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    writeSSE(w, SSEEvent{Type: progress.KindJobStatus, Data: progress.Event{Kind: progress.KindJobStatus, JobID: job.ID, Message: string(job.Status)}})
    flusher.Flush()
    if job.Status.Done() { return }

    heartbeat := s.Heartbeat
    if heartbeat <= 0 { heartbeat = 15 * time.Second }
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt, open := <-ch:
            if !open { return }
            writeSSE(w, evt)
            flusher.Flush()
            if evt.Final() { return }
        case <-time.After(heartbeat):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"jobId\":\"%s\",\"ts\":\"%s\"}\n\n", job.ID, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

func writeSSE(w http.ResponseWriter, evt SSEEvent) {
    b, _ := json.Marshal(evt.Data)
    fmt.Fprintf(w, "event: %s\n", evt.Type)
    fmt.Fprintf(w, "data: %s\n\n", string(b))
}

// CallbacksHandler lists callback deliveries: GET /v1/admin/callbacks
// (status=dead lists the dead-letter queue).
func (s *Server) CallbacksHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/callbacks" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    if p.Role != auth.RoleAdmin { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListCallbacks(r.Context(), p.Tenant, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List callbacks failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

func storeProblem(w http.ResponseWriter, r *http.Request, title string, err error) {
    if errors.Is(err, store.ErrNotFound) {
        writeProblem(w, http.StatusNotFound, title, err.Error(), r.URL.Path)
        return
    }
    writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}
