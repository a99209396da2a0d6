package api

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "math"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "github.com/Pierre-Graber/optimizer-api/internal/auth"
    "github.com/Pierre-Graber/optimizer-api/internal/config"
    "github.com/Pierre-Graber/optimizer-api/internal/jobs"
    "github.com/Pierre-Graber/optimizer-api/internal/model"
    "github.com/Pierre-Graber/optimizer-api/internal/opt"
    "github.com/Pierre-Graber/optimizer-api/internal/progress"
    "github.com/Pierre-Graber/optimizer-api/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

func newTestServer(t *testing.T, cfg config.Config) *Server {
    t.Helper()
    st := store.NewMemory()
    ms := opt.NewMetricsStore()
    solver := &opt.Solver{Metrics: ms, Logger: quiet, MaxIterations: 30, Seed: 1}
    pl := jobs.NewPipeline(solver, nil, cfg.Dicho, quiet)
    runner := jobs.NewRunner(st, pl, 1, 8)
    broker := NewBroker()
    runner.Events = Sink{Broker: broker}
    runner.Start(context.Background())
    t.Cleanup(runner.Stop)
    return NewServer(cfg, st, runner, broker, ms)
}

// testProblem puts a depot and the services on a line, one minute apart.
func testProblem(services int) *model.Problem {
    n := services + 1
    tm := make([][]float64, n)
    for i := range tm {
        tm[i] = make([]float64, n)
        for j := range tm[i] { tm[i][j] = math.Abs(float64(i-j)) * 60 }
    }
    p := &model.Problem{
        ID:         "line",
        Points:     []*model.Point{{ID: "depot"}},
        Matrices:   []*model.Matrix{{ID: "m", Time: tm}},
        Vehicles:   []*model.Vehicle{{ID: "v1", StartPointID: "depot", EndPointID: "depot", MatrixID: "m"}},
        Resolution: model.Resolution{Duration: 100},
    }
    for i := 1; i <= services; i++ {
        pid := fmt.Sprintf("p%d", i)
        p.Points = append(p.Points, &model.Point{ID: pid, MatrixIndex: i})
        p.Services = append(p.Services, &model.Service{ID: fmt.Sprintf("s%d", i), Activity: &model.Activity{PointID: pid}})
    }
    return p
}

func do(t *testing.T, h http.HandlerFunc, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
    t.Helper()
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { t.Fatalf("marshal: %v", err) }
        rd = bytes.NewReader(b)
    }
    req := httptest.NewRequest(method, target, rd)
    req.Header.Set("Content-Type", "application/json")
    for i := 0; i+1 < len(headers); i += 2 { req.Header.Set(headers[i], headers[i+1]) }
    rr := httptest.NewRecorder()
    h(rr, req)
    return rr
}

func waitDone(t *testing.T, s *Server, tenant, id string) model.Job {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        j, err := s.Store.GetJob(context.Background(), tenant, id)
        if err == nil && j.Status.Done() { return j }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("job %s did not finish", id)
    return model.Job{}
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t, config.Default())
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestSubmitJobAndFetchResult(t *testing.T) {
    s := newTestServer(t, config.Default())
    rr := do(t, s.JobsHandler, http.MethodPost, "/v1/jobs", model.JobRequest{Name: "line", Problem: testProblem(4)}, "X-Tenant-Id", "t_test", "X-Role", "planner")
    if rr.Code != http.StatusAccepted { t.Fatalf("submit: got %d %s", rr.Code, rr.Body.String()) }
    var job model.Job
    if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil { t.Fatalf("decode: %v", err) }
    if job.ID == "" || job.Status != model.JobQueued { t.Fatalf("unexpected job %+v", job) }
    if loc := rr.Header().Get("Location"); loc != "/v1/jobs/"+job.ID { t.Fatalf("location %q", loc) }

    done := waitDone(t, s, "t_test", job.ID)
    if done.Status != model.JobCompleted { t.Fatalf("job %s: %s", done.Status, done.Error) }

    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID, nil, "X-Tenant-Id", "t_test")
    if rr.Code != 200 { t.Fatalf("get job: %d", rr.Code) }
    if strings.Contains(rr.Body.String(), `"problem"`) { t.Fatal("problem should be omitted by default") }
    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"?include=problem", nil, "X-Tenant-Id", "t_test")
    if !strings.Contains(rr.Body.String(), `"problem"`) { t.Fatal("include=problem should return the problem") }

    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"/result", nil, "X-Tenant-Id", "t_test")
    if rr.Code != 200 { t.Fatalf("result: %d %s", rr.Code, rr.Body.String()) }
    var res model.Result
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode result: %v", err) }
    if len(res.Unassigned) != 0 || len(res.Routes) != 1 { t.Fatalf("unexpected result %+v", res) }

    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"/metrics", nil, "X-Tenant-Id", "t_test")
    var m struct{ Items []map[string]any `json:"items"` }
    _ = json.Unmarshal(rr.Body.Bytes(), &m)
    if rr.Code != 200 || len(m.Items) != 1 { t.Fatalf("metrics: %d %s", rr.Code, rr.Body.String()) }

    rr = do(t, s.JobsHandler, http.MethodGet, "/v1/jobs?status=completed", nil, "X-Tenant-Id", "t_test")
    var list struct{ Items []model.Job `json:"items"` }
    _ = json.Unmarshal(rr.Body.Bytes(), &list)
    if rr.Code != 200 || len(list.Items) != 1 { t.Fatalf("list: %d %s", rr.Code, rr.Body.String()) }

    // other tenants do not see the job
    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID, nil, "X-Tenant-Id", "t_other")
    if rr.Code != 404 { t.Fatalf("cross tenant: got %d", rr.Code) }
}

func TestSubmitRejections(t *testing.T) {
    s := newTestServer(t, config.Default())
    rr := do(t, s.JobsHandler, http.MethodPost, "/v1/jobs", model.JobRequest{Problem: testProblem(2)}, "X-Role", "viewer")
    if rr.Code != 403 { t.Fatalf("viewer submit: got %d", rr.Code) }

    bad := testProblem(2)
    bad.Services[0].Activity.PointID = "nowhere"
    rr = do(t, s.JobsHandler, http.MethodPost, "/v1/jobs", model.JobRequest{Problem: bad})
    if rr.Code != http.StatusUnprocessableEntity { t.Fatalf("invalid problem: got %d", rr.Code) }
    if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" { t.Fatalf("content type %q", ct) }

    req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{"))
    rr = httptest.NewRecorder()
    s.JobsHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("invalid json: got %d", rr.Code) }
}

func TestResultNotReady(t *testing.T) {
    s := newTestServer(t, config.Default())
    job, err := s.Store.CreateJob(context.Background(), model.Job{TenantID: "t_demo", Problem: testProblem(1)})
    if err != nil { t.Fatalf("create: %v", err) }
    rr := do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"/result", nil)
    if rr.Code != http.StatusConflict { t.Fatalf("result of queued job: got %d", rr.Code) }
    rr = do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"/nope", nil)
    if rr.Code != 404 { t.Fatalf("unknown child: got %d", rr.Code) }
}

func TestHMACModeRequiresToken(t *testing.T) {
    cfg := config.Default()
    cfg.Auth = config.AuthConfig{Mode: auth.ModeHMAC, HMACSecret: "k"}
    s := newTestServer(t, cfg)
    rr := do(t, s.JobsHandler, http.MethodGet, "/v1/jobs", nil, "X-Tenant-Id", "t_test")
    if rr.Code != http.StatusUnauthorized { t.Fatalf("no token: got %d", rr.Code) }

    tok, _ := auth.SignHS256([]byte("k"), "t_test", auth.RoleViewer, time.Hour)
    rr = do(t, s.JobsHandler, http.MethodGet, "/v1/jobs", nil, "Authorization", "Bearer "+tok)
    if rr.Code != 200 { t.Fatalf("with token: got %d", rr.Code) }
}

func TestCallbacksAdminOnly(t *testing.T) {
    s := newTestServer(t, config.Default())
    _, err := s.Store.EnqueueCallback(context.Background(), "t_demo", "j1", "job.completed", "http://example.invalid", "", []byte(`{"id":"e1"}`))
    if err != nil { t.Fatalf("enqueue: %v", err) }
    rr := do(t, s.CallbacksHandler, http.MethodGet, "/v1/admin/callbacks", nil, "X-Role", "planner")
    if rr.Code != 403 { t.Fatalf("planner: got %d", rr.Code) }
    rr = do(t, s.CallbacksHandler, http.MethodGet, "/v1/admin/callbacks", nil)
    var out struct{ Items []map[string]any `json:"items"` }
    _ = json.Unmarshal(rr.Body.Bytes(), &out)
    if rr.Code != 200 || len(out.Items) != 1 { t.Fatalf("admin: %d %s", rr.Code, rr.Body.String()) }
}

func TestEventStream(t *testing.T) {
    s := newTestServer(t, config.Default())
    job, _ := s.Store.CreateJob(context.Background(), model.Job{TenantID: "t_demo"})
    srv := httptest.NewServer(s.Routes())
    defer srv.Close()

    resp, err := http.Get(srv.URL + "/v1/jobs/" + job.ID + "/events/stream")
    if err != nil { t.Fatalf("get: %v", err) }
    defer resp.Body.Close()
    if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" { t.Fatalf("content type %q", ct) }
    sc := bufio.NewScanner(resp.Body)
    var events []string
    next := func() string {
        for sc.Scan() {
            if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok { return ev }
        }
        return ""
    }
    events = append(events, next()) // initial status, sent once subscribed
    s.Broker.Publish(job.ID, SSEEvent{Type: progress.KindSplit, Data: progress.Event{Kind: progress.KindSplit}})
    s.Broker.Publish(job.ID, SSEEvent{Type: progress.KindJobStatus, Data: progress.Event{Kind: progress.KindJobStatus, Message: "completed"}})
    for ev := next(); ev != ""; ev = next() { events = append(events, ev) }

    want := []string{progress.KindJobStatus, progress.KindSplit, progress.KindJobStatus}
    if strings.Join(events, ",") != strings.Join(want, ",") { t.Fatalf("events %v, want %v", events, want) }
}

func TestEventStreamFinishedJob(t *testing.T) {
    s := newTestServer(t, config.Default())
    job, _ := s.Store.CreateJob(context.Background(), model.Job{TenantID: "t_demo"})
    _ = s.Store.UpdateJobStatus(context.Background(), job.ID, model.JobFailed, "boom")
    rr := do(t, s.JobByIDHandler, http.MethodGet, "/v1/jobs/"+job.ID+"/events/stream", nil)
    body := rr.Body.String()
    if !strings.Contains(body, "event: job.status") || !strings.Contains(body, `"message":"failed"`) { t.Fatalf("body %q", body) }
}

func TestJobsWebSocket(t *testing.T) {
    s := newTestServer(t, config.Default())
    job, _ := s.Store.CreateJob(context.Background(), model.Job{TenantID: "t_demo"})
    _ = s.Store.UpdateJobStatus(context.Background(), job.ID, model.JobCompleted, "")
    srv := httptest.NewServer(s.Routes())
    defer srv.Close()

    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/jobs/ws", nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer conn.Close()
    _ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

    if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil { t.Fatalf("init: %v", err) }
    var msg wsMessage
    if err := conn.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" { t.Fatalf("ack: %v %+v", err, msg) }

    _ = conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"jobId":"` + job.ID + `"}`)})
    if err := conn.ReadJSON(&msg); err != nil || msg.Type != "next" { t.Fatalf("next: %v %+v", err, msg) }
    var evt progress.Event
    _ = json.Unmarshal(msg.Payload, &evt)
    if evt.Kind != progress.KindJobStatus || evt.Message != "completed" { t.Fatalf("event %+v", evt) }
    if err := conn.ReadJSON(&msg); err != nil || msg.Type != "complete" || msg.ID != "1" { t.Fatalf("complete: %v %+v", err, msg) }

    _ = conn.WriteJSON(wsMessage{Type: "subscribe", ID: "2", Payload: json.RawMessage(`{"jobId":"missing"}`)})
    if err := conn.ReadJSON(&msg); err != nil || msg.Type != "error" { t.Fatalf("error: %v %+v", err, msg) }
}

func TestRateLimit(t *testing.T) {
    cfg := config.Default()
    cfg.Server.RateRPS, cfg.Server.RateBurst = 0.001, 1
    s := newTestServer(t, cfg)
    h := s.Routes()
    codes := []int{}
    for i := 0; i < 2; i++ {
        rr := httptest.NewRecorder()
        h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
        codes = append(codes, rr.Code)
    }
    if codes[0] != 200 || codes[1] != http.StatusTooManyRequests { t.Fatalf("codes %v", codes) }
    rr := httptest.NewRecorder()
    h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("healthz should bypass the limiter: %d", rr.Code) }
}

func TestRouteLabel(t *testing.T) {
    cases := map[string]string{
        "/v1/jobs":                "/v1/jobs",
        "/v1/jobs/ws":             "/v1/jobs/ws",
        "/v1/jobs/abc":            "/v1/jobs/{id}",
        "/v1/jobs/abc/result":     "/v1/jobs/{id}/result",
        "/v1/jobs/abc/events/stream": "/v1/jobs/{id}/events/stream",
        "/healthz":                "/healthz",
    }
    for in, want := range cases {
        if got := routeLabel(in); got != want { t.Errorf("routeLabel(%q) = %q, want %q", in, got, want) }
    }
}

func TestOpenAPI(t *testing.T) {
    s := newTestServer(t, config.Default())
    rr := do(t, s.OpenAPIHandler, http.MethodGet, "/openapi.json", nil)
    var doc map[string]any
    if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil || doc["openapi"] != "3.0.3" { t.Fatalf("openapi.json: %v %v", err, doc["openapi"]) }
}
