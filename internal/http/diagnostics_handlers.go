package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/kvscope/internal/repository"
	"github.com/splax/kvscope/internal/service/diagnostics"
	"github.com/splax/kvscope/internal/ws"
)

const maxListLimit = 500

func (r *Router) handleCaptures(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.diagnostics == nil {
		writeError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	captures, err := r.diagnostics.List(req.Context(), limit)
	if err != nil {
		r.logger.Error("list captures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list captures")
		return
	}
	views := make([]diagnostics.CaptureView, 0, len(captures))
	for _, c := range captures {
		views = append(views, diagnostics.NewCaptureView(c, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": views})
}

func (r *Router) handleCapture(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.diagnostics == nil {
		writeError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/diagnostics/captures/"), "/")
	if id == "" {
		r.notFound(w)
		return
	}
	c, err := r.diagnostics.Get(req.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	if err != nil {
		r.logger.Error("get capture failed", "capture_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load capture")
		return
	}
	writeJSON(w, http.StatusOK, diagnostics.NewCaptureView(*c, true))
}

func (r *Router) handleCapturesWS(w http.ResponseWriter, req *http.Request) {
	hub := r.diagnostics.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "capture stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(ws.TopicCaptures, client)
	go func() {
		defer func() {
			hub.Unregister(ws.TopicCaptures, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleCapturesSSE(w http.ResponseWriter, req *http.Request) {
	hub := r.diagnostics.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "capture stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "capture", r.logger)
	hub.Register(ws.TopicCaptures, client)
	defer hub.Unregister(ws.TopicCaptures, client)

	client.Stream(req.Context(), sseHeartbeat)
}
