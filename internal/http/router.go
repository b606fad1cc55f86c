package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/splax/kvscope/internal/service/diagnostics"
)

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second

	defaultKVRateLimit          = 600
	defaultDiagnosticsRateLimit = 120
)

// Options collects the router's collaborators.
type Options struct {
	Logger      *slog.Logger
	KV          redis.UniversalClient
	Diagnostics *diagnostics.Service
	Limiter     RateLimiter
	// TokenSecret verifies diagnostics bearer tokens. Diagnostics routes
	// answer 503 when it is empty.
	TokenSecret string
	DBHealth    func(context.Context) error
	Metrics     bool

	KVRateLimit          int
	DiagnosticsRateLimit int
}

// Router wires HTTP endpoints to the key-value store and diagnostics service.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	kv          redis.UniversalClient
	diagnostics *diagnostics.Service
	limiter     RateLimiter
	tokenSecret string
	dbHealth    func(context.Context) error
	upgrader    websocket.Upgrader

	kvLimit          int
	diagnosticsLimit int

	// metrics is nil when Options.Metrics is false.
	metrics *httpMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		kv:          opts.KV,
		diagnostics: opts.Diagnostics,
		limiter:     opts.Limiter,
		tokenSecret: strings.TrimSpace(opts.TokenSecret),
		dbHealth:    opts.DBHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		kvLimit:          opts.KVRateLimit,
		diagnosticsLimit: opts.DiagnosticsRateLimit,
	}
	if r.kvLimit == 0 {
		r.kvLimit = defaultKVRateLimit
	}
	if r.diagnosticsLimit == 0 {
		r.diagnosticsLimit = defaultDiagnosticsRateLimit
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if opts.Metrics {
		r.metrics = newHTTPMetrics(prometheus.DefaultRegisterer)
	}
	r.register(opts.Metrics)
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(metrics bool) {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/kv", r.audit("/kv", r.withRateLimit("/kv", r.kvLimit, rateWindowDefault, rateLimitKeyIP, r.withCapture(r.handleKVMulti))))
	r.mux.HandleFunc("/kv/batch", r.audit("/kv/batch", r.withRateLimit("/kv/batch", r.kvLimit, rateWindowDefault, rateLimitKeyIP, r.withCapture(r.handleKVBatch))))
	r.mux.HandleFunc("/kv/", r.audit("/kv/{key}", r.withRateLimit("/kv/{key}", r.kvLimit, rateWindowDefault, rateLimitKeyIP, r.withCapture(r.handleKVKey))))
	r.mux.HandleFunc("/diagnostics/captures", r.audit("/diagnostics/captures", r.handlerAuthRate("/diagnostics/captures", r.diagnosticsLimit, rateWindowDefault, r.handleCaptures)))
	r.mux.HandleFunc("/diagnostics/captures/", r.audit("/diagnostics/captures/{id}", r.handlerAuthRate("/diagnostics/captures/{id}", r.diagnosticsLimit, rateWindowDefault, r.handleCapture)))
	r.mux.HandleFunc("/ws/captures", r.audit("/ws/captures", r.requireAuth(r.handleCapturesWS)))
	r.mux.HandleFunc("/sse/captures", r.audit("/sse/captures", r.requireAuth(r.handleCapturesSSE)))
	if metrics {
		r.mux.Handle("/metrics", promhttp.Handler())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	if r.kv != nil {
		check("redis", func(ctx context.Context) error { return r.kv.Ping(ctx).Err() })
	}
	if r.dbHealth != nil {
		check("database", r.dbHealth)
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		done := r.trackInFlight()
		next(recorder, req)
		done()

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if captureID := recorder.Header().Get(captureHeader); captureID != "" {
			fields = append(fields, "capture_id", captureID)
		}
		if recorder.subject != "" {
			actor = "diagnostics"
			fields = append(fields, "subject", recorder.subject)
		}
		fields = append(fields, "actor", actor)

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		r.logger.Log(req.Context(), level, "http_request", fields...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	// subject is set by requireAuth once the caller is verified.
	subject string
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision RateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.Reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
