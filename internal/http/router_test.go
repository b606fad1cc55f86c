package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/splax/kvscope/internal/instrument"
	"github.com/splax/kvscope/internal/repository/memory"
	"github.com/splax/kvscope/internal/service/diagnostics"
	"github.com/splax/kvscope/internal/ws"
	jwtpkg "github.com/splax/kvscope/pkg/jwt"
	"github.com/splax/kvscope/pkg/logger"
)

const testSecret = "test-secret"

// fakeStore answers commands in-process so no redis server is needed. It is
// installed as the innermost hook and never calls next.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	fail error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *fakeStore) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		f.apply(cmd)
		return cmd.Err()
	}
}

func (f *fakeStore) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		var first error
		for _, cmd := range cmds {
			f.apply(cmd)
			if err := cmd.Err(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

func (f *fakeStore) apply(cmd redis.Cmder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		cmd.SetErr(f.fail)
		return
	}
	args := cmd.Args()
	switch c := cmd.(type) {
	case *redis.StringCmd:
		if v, ok := f.data[args[1].(string)]; ok {
			c.SetVal(v)
		} else {
			c.SetErr(redis.Nil)
		}
	case *redis.StatusCmd:
		if cmd.Name() == "set" {
			f.data[args[1].(string)] = args[2].(string)
			c.SetVal("OK")
		} else {
			c.SetVal("PONG")
		}
	case *redis.IntCmd:
		var n int64
		for _, arg := range args[1:] {
			if _, ok := f.data[arg.(string)]; ok {
				delete(f.data, arg.(string))
				n++
			}
		}
		c.SetVal(n)
	case *redis.SliceCmd:
		vals := make([]interface{}, 0, len(args)-1)
		for _, arg := range args[1:] {
			if v, ok := f.data[arg.(string)]; ok {
				vals = append(vals, v)
			} else {
				vals = append(vals, nil)
			}
		}
		c.SetVal(vals)
	}
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) RateDecision
}

func (s *rateLimiterStub) Allow(key string, limit int, window time.Duration) RateDecision {
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if s.allowFn != nil {
		return s.allowFn(key, limit, window)
	}
	return RateDecision{Allowed: true, Count: 1}
}

func (s *rateLimiterStub) Close() {}

type testEnv struct {
	router  *Router
	store   *fakeStore
	repo    *memory.Repository
	hub     *ws.Hub
	limiter *rateLimiterStub
}

func setupRouter(t *testing.T, secret string) *testEnv {
	t.Helper()
	store := newFakeStore()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(instrument.NewHook("test/0"))
	client.AddHook(store)
	t.Cleanup(func() { _ = client.Close() })

	repo := memory.New(10)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	svc := diagnostics.NewService(repo, hub, logger.Discard(), nil, diagnostics.Options{})
	limiter := &rateLimiterStub{}
	router := NewRouter(Options{
		Logger:      logger.Discard(),
		KV:          client,
		Diagnostics: svc,
		Limiter:     limiter,
		TokenSecret: secret,
	})
	t.Cleanup(router.Close)
	return &testEnv{router: router, store: store, repo: repo, hub: hub, limiter: limiter}
}

func diagnosticsToken(t *testing.T, scope string) string {
	t.Helper()
	token, err := jwtpkg.GenerateToken("tester", scope, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func serve(router http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthzReportsRedis(t *testing.T) {
	env := setupRouter(t, testSecret)
	rr := serve(env.router, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	components, _ := body["components"].(map[string]any)
	redisStatus, _ := components["redis"].(map[string]any)
	if redisStatus["status"] != "up" {
		t.Fatalf("expected redis up, got %v", body)
	}
}

func TestHealthzDegradedWhenDatabaseDown(t *testing.T) {
	env := setupRouter(t, testSecret)
	env.router.dbHealth = func(context.Context) error { return errors.New("no route to host") }
	rr := serve(env.router, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestKVRequestIsCaptured(t *testing.T) {
	env := setupRouter(t, testSecret)

	put := serve(env.router, http.MethodPut, "/kv/user:1", `{"value":"alice"}`, "")
	if put.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", put.Code, put.Body.String())
	}

	rr := serve(env.router, http.MethodGet, "/kv/user:1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := decode(t, rr); body["value"] != "alice" {
		t.Fatalf("unexpected body %v", body)
	}
	captureID := rr.Header().Get(captureHeader)
	if captureID == "" {
		t.Fatalf("expected %s header", captureHeader)
	}

	c, err := env.repo.GetCapture(context.Background(), captureID)
	if err != nil {
		t.Fatalf("expected capture %s stored: %v", captureID, err)
	}
	if c.Name != "GET /kv/user:1" || c.OperationCount != 1 || c.ErrorCount != 0 {
		t.Fatalf("unexpected capture %+v", c)
	}

	var report diagnostics.Report
	if err := json.Unmarshal(c.Report, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	row := report.Connections[0].Operations[0]
	if report.Connections[0].Connection != "test/0" || row.Type != "Get" || row.Keys != "user:1" || row.Found != "True" {
		t.Fatalf("unexpected report row %+v", row)
	}
}

func TestKVMissingKeyCapturesNotFound(t *testing.T) {
	env := setupRouter(t, testSecret)
	rr := serve(env.router, http.MethodGet, "/kv/missing", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	c, err := env.repo.GetCapture(context.Background(), rr.Header().Get(captureHeader))
	if err != nil {
		t.Fatalf("expected capture stored: %v", err)
	}
	var report diagnostics.Report
	_ = json.Unmarshal(c.Report, &report)
	if got := report.Connections[0].Operations[0].Found; got != "False" {
		t.Fatalf("expected not-found flag, got %q", got)
	}
}

func TestKVMultiGet(t *testing.T) {
	env := setupRouter(t, testSecret)
	env.store.data["a"] = "1"

	rr := serve(env.router, http.MethodGet, "/kv?keys=a,%20b", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	values, _ := decode(t, rr)["values"].(map[string]any)
	if values["a"] != "1" || values["b"] != nil {
		t.Fatalf("unexpected values %v", values)
	}
	if _, present := values["b"]; !present {
		t.Fatalf("expected missing key to be reported as null")
	}

	if rr := serve(env.router, http.MethodGet, "/kv", "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without keys, got %d", rr.Code)
	}
}

func TestKVBatchIsAsync(t *testing.T) {
	env := setupRouter(t, testSecret)
	rr := serve(env.router, http.MethodPost, "/kv/batch", `{"entries":{"b":"2","a":"1"}}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	c, err := env.repo.GetCapture(context.Background(), rr.Header().Get(captureHeader))
	if err != nil {
		t.Fatalf("expected capture stored: %v", err)
	}
	var report diagnostics.Report
	_ = json.Unmarshal(c.Report, &report)
	rows := report.Connections[0].Operations
	if len(rows) != 2 {
		t.Fatalf("expected two pipelined rows, got %d", len(rows))
	}
	if !rows[0].Async || !rows[1].Async || rows[0].Keys != "a" || rows[1].Keys != "b" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if env.store.data["a"] != "1" || env.store.data["b"] != "2" {
		t.Fatalf("expected entries written, got %v", env.store.data)
	}
}

func TestKVStoreFailure(t *testing.T) {
	env := setupRouter(t, testSecret)
	env.store.fail = errors.New("connection refused")

	rr := serve(env.router, http.MethodDelete, "/kv/a", "", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
	c, err := env.repo.GetCapture(context.Background(), rr.Header().Get(captureHeader))
	if err != nil {
		t.Fatalf("expected capture stored: %v", err)
	}
	if c.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", c.ErrorCount)
	}
	var report diagnostics.Report
	_ = json.Unmarshal(c.Report, &report)
	row := report.Connections[0].Operations[0]
	if row.Status != diagnostics.StatusError || len(row.Errors) != 2 {
		t.Fatalf("unexpected failed row %+v", row)
	}
}

func TestKVRateLimited(t *testing.T) {
	env := setupRouter(t, testSecret)
	reset := time.Unix(1_950_000_000, 0)
	env.limiter.allowFn = func(key string, limit int, window time.Duration) RateDecision {
		return RateDecision{Allowed: false, Count: limit, Reset: reset}
	}
	rr := serve(env.router, http.MethodGet, "/kv/a", "", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected rate reset header: %q", got)
	}
	if rr.Header().Get(captureHeader) != "" {
		t.Fatalf("expected rejected request not to open a capture")
	}
	if !strings.HasPrefix(env.limiter.calls[0], "/kv/{key}|ip:") {
		t.Fatalf("unexpected limiter key %q", env.limiter.calls[0])
	}
}

func TestDiagnosticsRequiresToken(t *testing.T) {
	env := setupRouter(t, testSecret)
	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures", "", "garbage"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for invalid token, got %d", rr.Code)
	}
	wrongScope := diagnosticsToken(t, "kv:write")
	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures", "", wrongScope); rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestDiagnosticsUnconfiguredSecret(t *testing.T) {
	env := setupRouter(t, "")
	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures", "", "anything"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestDiagnosticsListAndGet(t *testing.T) {
	env := setupRouter(t, testSecret)
	env.store.data["a"] = "1"
	kv := serve(env.router, http.MethodGet, "/kv/a", "", "")
	captureID := kv.Header().Get(captureHeader)
	token := diagnosticsToken(t, jwtpkg.ScopeDiagnostics)

	rr := serve(env.router, http.MethodGet, "/diagnostics/captures?limit=5", "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	list, _ := decode(t, rr)["captures"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one capture, got %d", len(list))
	}
	first, _ := list[0].(map[string]any)
	if first["id"] != captureID {
		t.Fatalf("expected capture %s, got %v", captureID, first["id"])
	}
	if _, ok := first["report"]; ok {
		t.Fatalf("expected list entries without report")
	}

	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures?limit=-1", "", token); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative limit, got %d", rr.Code)
	}

	rr = serve(env.router, http.MethodGet, "/diagnostics/captures/"+captureID, "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	detail := decode(t, rr)
	report, _ := detail["report"].(map[string]any)
	summary, _ := report["summary"].(map[string]any)
	if v, _ := summary["operation_count"].(float64); v != 1 {
		t.Fatalf("unexpected report summary %v", report)
	}

	if rr := serve(env.router, http.MethodGet, "/diagnostics/captures/unknown", "", token); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCapturesWebsocketStream(t *testing.T) {
	env := setupRouter(t, testSecret)
	server := httptest.NewServer(env.router)
	defer server.Close()

	token := diagnosticsToken(t, jwtpkg.ScopeDiagnostics)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/captures?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for env.hub.Subscribers(ws.TopicCaptures) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/kv/streamed", strings.NewReader(`{"value":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	captureID := resp.Header.Get(captureHeader)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["id"] != captureID || msg["name"] != "PUT /kv/streamed" {
		t.Fatalf("unexpected stream message %v", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(Options{Logger: logger.Discard(), Metrics: true, Limiter: &rateLimiterStub{}})
	t.Cleanup(router.Close)

	if rr := serve(router, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr := serve(router, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{`kvscope_api_http_requests_total{method="GET",route="/healthz",status="200"}`, "kvscope_api_http_requests_in_flight"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q", want)
		}
	}
}
