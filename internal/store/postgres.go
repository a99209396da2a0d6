package store

import (
    "context"
    "database/sql"
    "embed"
    "encoding/json"
    "errors"
    "fmt"
    "io/fs"
    "sort"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "github.com/Pierre-Graber/optimizer-api/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent, so Migrate runs at each start.
func (p *Postgres) Migrate(ctx context.Context) error {
    names, err := fs.Glob(migrations, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, name := range names {
        b, err := migrations.ReadFile(name)
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", name, err)
        }
    }
    return nil
}

const jobColumns = `id::text, tenant_id, COALESCE(name,''), status, COALESCE(error,''), COALESCE(callback_url,''), services, vehicles, created_at, updated_at, finished_at`

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (model.Job, error) {
    var j model.Job
    var status string
    var finished sql.NullTime
    if err := row.Scan(&j.ID, &j.TenantID, &j.Name, &status, &j.Error, &j.CallbackURL, &j.Services, &j.Vehicles, &j.CreatedAt, &j.UpdatedAt, &finished); err != nil {
        return model.Job{}, err
    }
    j.Status = model.JobStatus(status)
    if finished.Valid { t := finished.Time; j.FinishedAt = &t }
    return j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, job model.Job) (model.Job, error) {
    var problem any
    if job.Problem != nil {
        b, err := json.Marshal(job.Problem)
        if err != nil { return model.Job{}, err }
        problem = b
        job.Services, job.Vehicles = len(job.Problem.Services), len(job.Problem.Vehicles)
    }
    if job.ID == "" { job.ID = uuid.New().String() }
    if job.Status == "" { job.Status = model.JobQueued }
    err := p.db.QueryRowContext(ctx, `INSERT INTO jobs (id, tenant_id, name, status, callback_url, services, vehicles, problem)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at, updated_at`,
        job.ID, job.TenantID, nullIfEmpty(job.Name), string(job.Status), nullIfEmpty(job.CallbackURL), job.Services, job.Vehicles, problem).
        Scan(&job.CreatedAt, &job.UpdatedAt)
    if err != nil { return model.Job{}, err }
    return job, nil
}

func (p *Postgres) GetJob(ctx context.Context, tenantID, id string) (model.Job, error) {
    if _, err := uuid.Parse(id); err != nil { return model.Job{}, ErrNotFound }
    row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+`, problem FROM jobs WHERE id=$1 AND ($2='' OR tenant_id=$2)`, id, tenantID)
    var j model.Job
    var status string
    var finished sql.NullTime
    var problem []byte
    err := row.Scan(&j.ID, &j.TenantID, &j.Name, &status, &j.Error, &j.CallbackURL, &j.Services, &j.Vehicles, &j.CreatedAt, &j.UpdatedAt, &finished, &problem)
    if errors.Is(err, sql.ErrNoRows) { return model.Job{}, ErrNotFound }
    if err != nil { return model.Job{}, err }
    j.Status = model.JobStatus(status)
    if finished.Valid { t := finished.Time; j.FinishedAt = &t }
    if len(problem) > 0 {
        var pr model.Problem
        if err := json.Unmarshal(problem, &pr); err != nil { return model.Job{}, err }
        j.Problem = &pr
    }
    return j, nil
}

func (p *Postgres) ListJobs(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Job, string, error) {
    limit = clampLimit(limit)
    q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" { args = append(args, status); q += fmt.Sprintf(` AND status=$%d`, len(args)) }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(` AND (created_at, id::text) > (SELECT created_at, id::text FROM jobs WHERE id::text=$%d)`, len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Job{}
    for rows.Next() {
        j, err := scanJob(rows)
        if err != nil { return nil, "", err }
        out = append(out, j)
    }
    if err := rows.Err(); err != nil { return nil, "", err }
    next := ""
    if len(out) == limit { next = out[len(out)-1].ID }
    return out, next, nil
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$2, error=$3, updated_at=now(),
        finished_at=CASE WHEN $4 THEN now() ELSE finished_at END WHERE id=$1`, id, string(status), nullIfEmpty(errMsg), status.Done())
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) SaveResult(ctx context.Context, jobID string, res *model.Result) error {
    b, err := json.Marshal(res)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO job_results (job_id, result) VALUES ($1,$2)
        ON CONFLICT (job_id) DO UPDATE SET result=$2, created_at=now()`, jobID, b)
    return err
}

func (p *Postgres) GetResult(ctx context.Context, tenantID, jobID string) (*model.Result, error) {
    if _, err := uuid.Parse(jobID); err != nil { return nil, ErrNotFound }
    var raw []byte
    err := p.db.QueryRowContext(ctx, `SELECT r.result FROM job_results r JOIN jobs j ON j.id=r.job_id
        WHERE r.job_id=$1 AND ($2='' OR j.tenant_id=$2)`, jobID, tenantID).Scan(&raw)
    if errors.Is(err, sql.ErrNoRows) { return nil, ErrNotFound }
    if err != nil { return nil, err }
    var res model.Result
    if err := json.Unmarshal(raw, &res); err != nil { return nil, err }
    return &res, nil
}

// Callback deliveries
func (p *Postgres) EnqueueCallback(ctx context.Context, tenantID, jobID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    var got string
    err := p.db.QueryRowContext(ctx, `INSERT INTO callback_deliveries (id, tenant_id, job_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO UPDATE SET updated_at=callback_deliveries.updated_at
        RETURNING id::text`, id, tenantID, nullIfEmpty(jobID), eventType, url, nullIfEmpty(secret), payload, dk).Scan(&got)
    if err != nil { return "", err }
    return got, nil
}

func (p *Postgres) FetchDueCallbacks(ctx context.Context, limit int) ([]CallbackDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(job_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM callback_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []CallbackDelivery{}
    for rows.Next() {
        var d CallbackDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.JobID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkCallback(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
            nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

// FailCallback marks the delivery failed and copies it to the dead-letter table.
func (p *Postgres) FailCallback(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    res, err := tx.ExecContext(ctx, `UPDATE callback_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    _, err = tx.ExecContext(ctx, `INSERT INTO callback_dlq (id, tenant_id, delivery_id, job_id, event_type, url, payload, attempts, last_error, response_code, latency_ms)
        SELECT $2, tenant_id, id, job_id, event_type, url, payload, attempts, last_error, response_code, latency_ms FROM callback_deliveries WHERE id=$1`, id, uuid.New().String())
    if err != nil { return err }
    return tx.Commit()
}

// ListCallbacks lists deliveries of a tenant; status "dead" lists the dead-letter queue.
func (p *Postgres) ListCallbacks(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    limit = clampLimit(limit)
    if status == "dead" { return p.listDLQ(ctx, tenantID, cursor, limit) }
    q := `SELECT id::text, COALESCE(job_id::text,''), event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url, COALESCE(response_code,0) FROM callback_deliveries WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" { args = append(args, status); q += fmt.Sprintf(` AND status=$%d`, len(args)) }
    if cursor != "" { args = append(args, cursor); q += fmt.Sprintf(` AND id::text > $%d`, len(args)) }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, jobID, typ, st, lastErr, url string
        var attempts, code int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &jobID, &typ, &st, &attempts, &nextAt, &lastErr, &url, &code); err != nil { return nil, "", err }
        m := map[string]any{"id": id, "jobId": jobID, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid && st != "delivered" && st != "failed" { m["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { m["lastError"] = lastErr }
        if code != 0 { m["responseCode"] = code }
        out = append(out, m)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) listDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(delivery_id::text,''), COALESCE(job_id::text,''), event_type, url, COALESCE(last_error,''), attempts, created_at, COALESCE(response_code,0), COALESCE(latency_ms,0)
        FROM callback_dlq WHERE tenant_id=$1 AND ($2='' OR id::text > $2) ORDER BY id LIMIT $3`, tenantID, cursor, limit)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, delID, jobID, et, url, errStr string
        var attempts, code, latency int
        var created time.Time
        if err := rows.Scan(&id, &delID, &jobID, &et, &url, &errStr, &attempts, &created, &code, &latency); err != nil { return nil, "", err }
        out = append(out, map[string]any{"id": id, "deliveryId": delID, "jobId": jobID, "eventType": et, "url": url, "lastError": errStr, "attempts": attempts, "createdAt": created, "responseCode": code, "latencyMs": latency})
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

// Helpers
func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
