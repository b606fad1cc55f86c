package httpx

import (
	"context"
	"net/http"
)

const captureHeader = "X-Capture-ID"

// withCapture runs next inside a capture window named after the request. The
// window id is sent before next writes anything, and the capture is stored
// once next returns.
func (r *Router) withCapture(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.diagnostics == nil {
			next(w, req)
			return
		}
		ctx, window := r.diagnostics.Begin(req.Context(), req.Method+" "+req.URL.Path)
		w.Header().Set(captureHeader, window.ID())
		next(w, req.WithContext(ctx))

		if _, err := r.diagnostics.End(context.WithoutCancel(ctx), window); err != nil {
			r.logger.Warn("capture not stored", "capture_id", window.ID(), "path", req.URL.Path, "error", err)
		}
	}
}
