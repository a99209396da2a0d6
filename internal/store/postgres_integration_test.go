//go:build postgres_integration

package store

import (
    "os"
    "testing"

    "github.com/Pierre-Graber/optimizer-api/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    p, err := NewPostgres(dsn)
    if err != nil { t.Fatalf("NewPostgres: %v", err) }
    defer p.Close()
    if err := p.Ping(t.Context()); err != nil { t.Fatalf("Ping: %v", err) }
    if err := p.Migrate(t.Context()); err != nil { t.Fatalf("Migrate: %v", err) }

    job, err := p.CreateJob(t.Context(), model.Job{TenantID: "t_it", Problem: &model.Problem{ID: "p"}})
    if err != nil { t.Fatalf("CreateJob: %v", err) }
    if err := p.UpdateJobStatus(t.Context(), job.ID, model.JobCompleted, ""); err != nil { t.Fatalf("UpdateJobStatus: %v", err) }
    if err := p.SaveResult(t.Context(), job.ID, &model.Result{Cost: 3}); err != nil { t.Fatalf("SaveResult: %v", err) }
    res, err := p.GetResult(t.Context(), "t_it", job.ID)
    if err != nil || res.Cost != 3 { t.Fatalf("GetResult: %v %+v", err, res) }
    got, err := p.GetJob(t.Context(), "t_it", job.ID)
    if err != nil || got.Status != model.JobCompleted || got.FinishedAt == nil || got.Problem == nil { t.Fatalf("GetJob: %v %+v", err, got) }
    if _, _, err := p.ListJobs(t.Context(), "t_it", "", "", 1); err != nil { t.Fatalf("ListJobs: %v", err) }

    id, err := p.EnqueueCallback(t.Context(), "t_it", job.ID, "job.completed", "http://example.invalid", "s", []byte(`{"id":"evt_`+job.ID+`"}`))
    if err != nil { t.Fatalf("EnqueueCallback: %v", err) }
    again, err := p.EnqueueCallback(t.Context(), "t_it", job.ID, "job.completed", "http://example.invalid", "s", []byte(`{"id":"evt_`+job.ID+`"}`))
    if err != nil || again != id { t.Fatalf("dedup: %v %s != %s", err, again, id) }
    if err := p.FailCallback(t.Context(), id, "boom", 500, 3); err != nil { t.Fatalf("FailCallback: %v", err) }
    dead, _, err := p.ListCallbacks(t.Context(), "t_it", "dead", "", 10)
    if err != nil || len(dead) == 0 { t.Fatalf("ListCallbacks dead: %v %d", err, len(dead)) }
}
