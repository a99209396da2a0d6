package api

import (
    "encoding/json"
    "net/http"
    "time"

    "github.com/Pierre-Graber/optimizer-api/internal/buildinfo"
)

// DebugJSON reports the build and the effective configuration, secrets
// reduced to presence flags.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    c := s.Config
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "port": c.Server.Port,
            "authMode": s.Auth.Mode,
            "allowOrigins": c.Server.AllowOrigins,
            "rateRps": c.Server.RateRPS,
            "rateBurst": c.Server.RateBurst,
            "webhookMaxAttempts": c.Webhooks.MaxAttempts,
            "jobWorkers": c.Jobs.Workers,
            "dicho": c.Dicho,
            "hasDatabaseUrl": c.Store.DatabaseURL != "",
            "hasRedisUrl": c.Redis.URL != "",
            "hasRouterUrl": c.Router.URL != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
