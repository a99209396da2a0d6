package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the optimizer
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // DichoSplits counts split attempts by outcome (two, single, fallback)
    DichoSplits = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "dicho_splits_total", Help: "Divide-and-conquer split attempts by outcome."},
        []string{"outcome"},
    )
    // DichoUnassignedRatio observes the unassigned share of each resolved level
    DichoUnassignedRatio = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "dicho_unassigned_ratio", Help: "Unassigned services over services per resolved level.", Buckets: []float64{0, 0.01, 0.05, 0.1, 0.2, 0.5, 0.7, 1}},
        []string{"level_kind"},
    )
    // SolverCalls counts solver invocations by level kind (root, branch, reinsert)
    SolverCalls = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "solver_calls_total", Help: "Solver invocations by level kind."},
        []string{"level_kind"},
    )
    // SolverDuration records solver wall time in seconds
    SolverDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "solver_duration_seconds", Help: "Solver wall time in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}},
        []string{"level_kind"},
    )
    // MatrixRequests counts matrix fetches by source (router, cache, haversine)
    MatrixRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "matrix_requests_total", Help: "Matrix requests by source."},
        []string{"source"},
    )
    // CallbackDeliveries counts job callback delivery outcomes by event type and status
    CallbackDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "callback_deliveries_total", Help: "Job callback deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // CallbackLatency tracks callback delivery latencies in milliseconds
    CallbackLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "callback_delivery_latency_ms", Help: "Callback delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
    // Jobs counts finished jobs by status
    Jobs = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "jobs_total", Help: "Optimization jobs by final status."},
        []string{"status"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(DichoSplits)
        Registry.MustRegister(DichoUnassignedRatio)
        Registry.MustRegister(SolverCalls)
        Registry.MustRegister(SolverDuration)
        Registry.MustRegister(MatrixRequests)
        Registry.MustRegister(CallbackDeliveries)
        Registry.MustRegister(CallbackLatency)
        Registry.MustRegister(Jobs)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
