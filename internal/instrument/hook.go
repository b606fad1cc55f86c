// Package instrument intercepts go-redis commands and publishes lifecycle
// events into the capture window carried by the call's context.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/splax/kvscope/internal/capture"
	"github.com/splax/kvscope/internal/domain"
)

const instrumentationName = "github.com/splax/kvscope/internal/instrument"

// Resolver finds the capture window a call belongs to.
type Resolver func(ctx context.Context) (*capture.Window, bool)

// Hook is a redis.Hook that reports every command of one connection.
type Hook struct {
	connectionID string
	resolve      Resolver
	tracer       trace.Tracer
	logger       *slog.Logger
}

// Option customises a Hook.
type Option func(*Hook)

// WithResolver overrides how the capture window is located.
func WithResolver(r Resolver) Option {
	return func(h *Hook) {
		if r != nil {
			h.resolve = r
		}
	}
}

// WithTracerProvider emits a span per command through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Hook) {
		if tp != nil {
			h.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithLogger logs failed commands at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hook) {
		if logger != nil {
			h.logger = logger.With("component", "redis_instrument", "connection", h.connectionID)
		}
	}
}

var _ redis.Hook = (*Hook)(nil)

// NewHook constructs a hook reporting under connectionID.
func NewHook(connectionID string, opts ...Option) *Hook {
	h := &Hook{
		connectionID: connectionID,
		resolve:      capture.FromContext,
		tracer:       noop.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnectionIDFor derives a connection identifier from client options.
func ConnectionIDFor(opts *redis.Options) string {
	if opts == nil {
		return "unknown"
	}
	return fmt.Sprintf("%s/%d", opts.Addr, opts.DB)
}

// ConnectionID returns the identifier events are reported under.
func (h *Hook) ConnectionID() string { return h.connectionID }

// DialHook passes dials through untouched.
func (h *Hook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

// ProcessHook reports a single command.
func (h *Hook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		w, ok := h.resolve(ctx)
		if !ok {
			return next(ctx, cmd)
		}
		timer := w.Start()
		c, spanCtx := h.begin(ctx, w, timer, cmd, false)
		err := next(spanCtx, cmd)
		h.finish(w, w.Stop(timer), c, cmd, err)
		return err
	}
}

// ProcessPipelineHook reports every queued command of a pipeline as its own
// asynchronous operation sharing the pipeline's timer.
func (h *Hook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		w, ok := h.resolve(ctx)
		if !ok {
			return next(ctx, cmds)
		}
		timer := w.Start()
		calls := make([]call, len(cmds))
		for i, cmd := range cmds {
			calls[i], _ = h.begin(ctx, w, timer, cmd, true)
		}
		err := next(ctx, cmds)
		timing := w.Stop(timer)
		for i, cmd := range cmds {
			h.finish(w, timing, calls[i], cmd, nil)
		}
		return err
	}
}

// call tracks one reported command between begin and finish.
type call struct {
	operationID string
	keys        []string
	isAsync     bool
	skip        bool
	span        trace.Span
}

func (h *Hook) begin(ctx context.Context, w *capture.Window, timer capture.Timer, cmd redis.Cmder, isAsync bool) (call, context.Context) {
	policy := policyFor(cmd.Name())
	if policy.Skip {
		return call{skip: true}, ctx
	}
	c := call{
		operationID: uuid.NewString(),
		keys:        policy.keys(cmd.Args()),
		isAsync:     isAsync,
	}
	spanCtx, span := h.tracer.Start(ctx, "redis."+cmd.Name(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation.name", cmd.Name()),
			attribute.String("kvscope.connection_id", h.connectionID),
			attribute.String("kvscope.operation_id", c.operationID),
			attribute.Bool("kvscope.async", isAsync),
		),
	)
	c.span = span

	hdr := domain.NewHeader(h.connectionID, c.operationID, timer.StartedAt, timer.Offset)
	w.Publish(domain.NewOperationStarted(hdr, policy.Type, c.keys, policy.CheckDupes, isAsync))
	return c, spanCtx
}

func (h *Hook) finish(w *capture.Window, timing capture.Timing, c call, cmd redis.Cmder, err error) {
	if c.skip {
		return
	}
	defer c.span.End()

	cmdErr := cmd.Err()
	if cmdErr == nil {
		cmdErr = err
	}
	hdr := domain.NewHeader(h.connectionID, c.operationID, timing.StartedAt, timing.Offset)
	if cmdErr == nil || errors.Is(cmdErr, redis.Nil) {
		w.Publish(domain.NewOperationCompleted(hdr, keysFound(cmd, c.keys), c.isAsync, timing.Duration))
		return
	}

	c.span.RecordError(cmdErr)
	c.span.SetStatus(codes.Error, cmdErr.Error())
	if h.logger != nil {
		h.logger.Debug("redis command failed", "command", cmd.Name(), "operation_id", c.operationID, "error", cmdErr)
	}
	fault := domain.Fault{Err: cmdErr, Stack: string(debug.Stack())}
	w.Publish(domain.NewOperationFailed(hdr, []string{cmdErr.Error()}, []domain.Fault{fault}, c.isAsync, timing.Duration))
}

// keysFound derives per-key found flags from a completed command. The result
// always has one flag per reported key (at least one).
//
// Counting replies (EXISTS, DEL, UNLINK) over several keys are only exact when
// the count is zero or covers every key; a partial count cannot be attributed
// to individual keys and is reported as found.
func keysFound(cmd redis.Cmder, keys []string) []bool {
	n := len(keys)
	if n == 0 {
		n = 1
	}
	notFound := errors.Is(cmd.Err(), redis.Nil)
	found := make([]bool, n)
	for i := range found {
		found[i] = !notFound
	}
	if notFound {
		return found
	}
	switch v := cmd.(type) {
	case *redis.SliceCmd:
		vals := v.Val()
		if len(vals) == n {
			for i, val := range vals {
				found[i] = val != nil
			}
		}
	case *redis.IntCmd:
		if countsKeys(cmd.Name()) && v.Val() == 0 {
			for i := range found {
				found[i] = false
			}
		}
	}
	return found
}

func countsKeys(name string) bool {
	switch strings.ToLower(name) {
	case "exists", "del", "unlink":
		return true
	}
	return false
}
