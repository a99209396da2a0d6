package webhooks

import (
    "bytes"
    "context"
    "net/http"
    "strconv"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/metrics"
    "github.com/Pierre-Graber/optimizer-api/internal/store"
)

const DefaultMaxAttempts = 10

type Worker struct {
    Store store.Store
    HTTP  *http.Client
    Stop  chan struct{}
    MaxAttempts int
    Interval    time.Duration
}

func NewWorker(s store.Store, maxAttempts int) *Worker {
    if maxAttempts <= 0 { maxAttempts = DefaultMaxAttempts }
    return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Interval: time.Second}
}

func (w *Worker) Start() {
    interval := w.Interval
    if interval <= 0 { interval = time.Second }
    go func() {
        ticker := time.NewTicker(interval)
        defer ticker.Stop()
        for {
            select {
            case <-w.Stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Worker) processOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    items, err := w.Store.FetchDueCallbacks(ctx, 50)
    if err != nil || len(items) == 0 { return }
    for _, it := range items {
        success := false
        next := time.Now().Add(nextBackoff(it.Attempts))
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
        if err != nil {
            _ = w.Store.FailCallback(ctx, it.ID, err.Error(), 0, 0)
            metrics.CallbackDeliveries.WithLabelValues(it.EventType, "failed").Inc()
            continue
        }
        req.Header.Set("Content-Type", "application/json")
        req.Header.Set(EventTypeHeader, it.EventType)
        if it.Secret != "" {
            req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
        }
        start := time.Now()
        resp, err := w.HTTP.Do(req)
        latency := int(time.Since(start).Milliseconds())
        code := 0
        if err == nil && resp != nil {
            code = resp.StatusCode
            if resp.Body != nil { _ = resp.Body.Close() }
            if code >= 200 && code < 300 { success = true }
        }
        lastErr := ""
        if !success {
            if err != nil { lastErr = err.Error() } else { lastErr = "status " + strconv.Itoa(code) }
        }
        status := "delivered"
        switch {
        case success:
        case it.Attempts+1 >= w.MaxAttempts:
            status = "failed"
        default:
            status = "retry"
        }
        metrics.CallbackDeliveries.WithLabelValues(it.EventType, status).Inc()
        metrics.CallbackLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
        if status == "failed" {
            _ = w.Store.FailCallback(ctx, it.ID, lastErr, code, latency)
            continue
        }
        _ = w.Store.MarkCallback(ctx, it.ID, success, &next, lastErr, code, latency)
    }
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 12 { attempts = 12 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
