package api

import (
    "bufio"
    "errors"
    "log"
    "net"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "github.com/Pierre-Graber/optimizer-api/internal/metrics"
)

// statusRecorder keeps the response code for logs and metrics. It passes
// Flush and Hijack through for SSE and websockets.
type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, errors.New("hijack not supported") }
    r.status = http.StatusSwitchingProtocols
    return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}

func metricsMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        labels := []string{r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)}
        metrics.HTTPRequests.WithLabelValues(labels...).Inc()
        metrics.HTTPDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
    })
}

// routeLabel replaces job ids so the path label stays bounded.
func routeLabel(path string) string {
    rest, ok := strings.CutPrefix(path, "/v1/jobs/")
    if !ok || rest == "" || rest == "ws" {
        return path
    }
    parts := strings.SplitN(rest, "/", 2)
    if len(parts) == 1 {
        return "/v1/jobs/{id}"
    }
    return "/v1/jobs/{id}/" + parts[1]
}

// rateLimitMiddleware throttles each client (tenant header or remote host)
// with a token bucket. Probes and scrapes are exempt.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
    if rps <= 0 { return next }
    if burst <= 0 { burst = 1 }
    var mu sync.Mutex
    limiters := map[string]*rate.Limiter{}
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch r.URL.Path {
        case "/healthz", "/readyz", "/metrics":
            next.ServeHTTP(w, r)
            return
        }
        key := clientKey(r)
        mu.Lock()
        l := limiters[key]
        if l == nil {
            l = rate.NewLimiter(rate.Limit(rps), burst)
            limiters[key] = l
        }
        mu.Unlock()
        if !l.Allow() {
            w.Header().Set("Retry-After", "1")
            writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
            return
        }
        next.ServeHTTP(w, r)
    })
}

func clientKey(r *http.Request) string {
    if t := r.Header.Get("X-Tenant-Id"); t != "" { return "t:" + t }
    if a := r.Header.Get("Authorization"); a != "" { return "a:" + a }
    host, _, err := net.SplitHostPort(r.RemoteAddr)
    if err != nil { host = r.RemoteAddr }
    return "ip:" + host
}

func corsMiddleware(origins []string, next http.Handler) http.Handler {
    if len(origins) == 0 { return next }
    allowed := map[string]bool{}
    for _, o := range origins { allowed[strings.TrimSpace(o)] = true }
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        origin := r.Header.Get("Origin")
        if origin != "" && (allowed["*"] || allowed[origin]) {
            w.Header().Set("Access-Control-Allow-Origin", origin)
            w.Header().Set("Vary", "Origin")
            w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-Id, X-Role")
            w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
        }
        if r.Method == http.MethodOptions {
            w.WriteHeader(http.StatusNoContent)
            return
        }
        next.ServeHTTP(w, r)
    })
}
