package main

import (
    "context"
    "flag"
    "log"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/api"
    "github.com/Pierre-Graber/optimizer-api/internal/config"
    "github.com/Pierre-Graber/optimizer-api/internal/jobs"
    "github.com/Pierre-Graber/optimizer-api/internal/matrix"
    "github.com/Pierre-Graber/optimizer-api/internal/metrics"
    "github.com/Pierre-Graber/optimizer-api/internal/opt"
    "github.com/Pierre-Graber/optimizer-api/internal/store"
    "github.com/Pierre-Graber/optimizer-api/internal/webhooks"
)

func main() {
    cfgPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML configuration file")
    flag.Parse()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    logger := log.Default()
    metrics.RegisterDefault()

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    st, closeStore, err := openStore(ctx, cfg.Store)
    if err != nil {
        log.Fatalf("failed to init store: %v", err)
    }
    defer closeStore()

    mx, releaseMatrix, err := matrix.FromConfig(cfg.Router, cfg.Redis.URL, logger)
    if err != nil {
        log.Fatalf("failed to init matrix service: %v", err)
    }
    defer releaseMatrix()

    ms := opt.NewMetricsStore()
    solver := &opt.Solver{
        Metrics:         ms,
        Logger:          logger,
        DefaultBudget:   cfg.Solver.DefaultBudget,
        MaxIterations:   cfg.Solver.MaxIterations,
        StallIterations: cfg.Solver.StallIterations,
        Seed:            cfg.Solver.Seed,
    }
    broker := api.NewEventBroker(cfg.Redis.URL)
    runner := jobs.NewRunner(st, jobs.NewPipeline(solver, mx, cfg.Dicho, logger), cfg.Jobs.Workers, cfg.Jobs.QueueSize)
    runner.Timeout = cfg.Jobs.Timeout
    runner.Events = api.Sink{Broker: broker}
    runner.Notifier = webhooks.NewPublisher(st, cfg.Webhooks.Secret)
    runner.Start(ctx)

    worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts)
    worker.Interval = cfg.Webhooks.Interval
    worker.Start()

    srv := &http.Server{
        Addr:              cfg.Addr(),
        Handler:           api.NewServer(cfg, st, runner, broker, ms).Routes(),
        ReadHeaderTimeout: 5 * time.Second,
    }
    go func() {
        <-ctx.Done()
        shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        _ = srv.Shutdown(shutdown)
    }()

    log.Printf("API listening on %s", srv.Addr)
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
    close(worker.Stop)
    runner.Stop()
    log.Printf("API stopped")
}

// openStore selects Postgres when a database URL is configured, the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
    if cfg.DatabaseURL == "" {
        log.Printf("[store] no database configured, jobs are kept in memory")
        return store.NewMemory(), func() {}, nil
    }
    pg, err := store.NewPostgres(cfg.DatabaseURL)
    if err != nil {
        return nil, nil, err
    }
    if cfg.Migrate {
        if err := pg.Migrate(ctx); err != nil {
            _ = pg.Close()
            return nil, nil, err
        }
    }
    return pg, func() { _ = pg.Close() }, nil
}
