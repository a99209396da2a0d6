package api

import (
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/Pierre-Graber/optimizer-api/internal/auth"
    "github.com/Pierre-Graber/optimizer-api/internal/config"
    "github.com/Pierre-Graber/optimizer-api/internal/jobs"
    "github.com/Pierre-Graber/optimizer-api/internal/metrics"
    "github.com/Pierre-Graber/optimizer-api/internal/opt"
    "github.com/Pierre-Graber/optimizer-api/internal/store"
)

type Server struct {
    Store   store.Store
    Jobs    *jobs.Runner
    Auth    *auth.Verifier
    Broker  EventBroker
    Metrics *opt.MetricsStore
    Config  config.Config

    // Heartbeat is the idle interval between SSE heartbeats.
    Heartbeat time.Duration
}

// NewServer wires the handlers. runner may be nil for read-only replicas;
// submissions are then refused.
func NewServer(cfg config.Config, s store.Store, runner *jobs.Runner, broker EventBroker, ms *opt.MetricsStore) *Server {
    if broker == nil { broker = NewBroker() }
    return &Server{
        Store:     s,
        Jobs:      runner,
        Auth:      auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret),
        Broker:    broker,
        Metrics:   ms,
        Config:    cfg,
        Heartbeat: 15 * time.Second,
    }
}

// Routes returns the service mux wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
    mux := http.NewServeMux()

    // Jobs
    mux.HandleFunc("/v1/jobs", s.JobsHandler)
    mux.HandleFunc("/v1/jobs/ws", s.JobsWSHandler)
    mux.HandleFunc("/v1/jobs/", s.JobByIDHandler) // includes /result, /metrics, /events/stream

    // Admin
    mux.HandleFunc("/v1/admin/callbacks", s.CallbacksHandler)

    // Health, metrics, debug
    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
    mux.HandleFunc("/debug/info", s.DebugJSON)
    mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
    mux.HandleFunc("/openapi.json", s.OpenAPIHandler)

    var h http.Handler = mux
    h = rateLimitMiddleware(s.Config.Server.RateRPS, s.Config.Server.RateBurst, h)
    h = corsMiddleware(s.Config.Server.AllowOrigins, h)
    h = metricsMiddleware(h)
    return logMiddleware(h)
}
