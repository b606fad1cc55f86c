package capture

import "context"

type contextKey string

const contextKeyWindow contextKey = "kvscope-capture-window"

// WithWindow returns a context carrying w.
func WithWindow(ctx context.Context, w *Window) context.Context {
	return context.WithValue(ctx, contextKeyWindow, w)
}

// FromContext extracts the window stored by WithWindow. Closed windows are
// reported as absent.
func FromContext(ctx context.Context) (*Window, bool) {
	if ctx == nil {
		return nil, false
	}
	w, ok := ctx.Value(contextKeyWindow).(*Window)
	if !ok || w == nil || w.Closed() {
		return nil, false
	}
	return w, true
}
