// Package diagnostics aggregates the events of a capture window into
// per-connection operation tables and stores the result.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/kvscope/internal/capture"
	"github.com/splax/kvscope/internal/domain"
	"github.com/splax/kvscope/internal/repository"
	"github.com/splax/kvscope/internal/ws"
)

const defaultListLimit = 50

// Options tunes a Service.
type Options struct {
	// Now overrides the clock used for new windows.
	Now func() time.Time
}

// Service opens capture windows and turns closed windows into stored captures.
type Service struct {
	repo    repository.CaptureRepository
	hub     *ws.Hub
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service. hub and metrics are optional.
func NewService(repo repository.CaptureRepository, hub *ws.Hub, logger *slog.Logger, metrics *Metrics, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:    repo,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With("component", "diagnostics"),
		now:     now,
	}
}

// Begin opens a window named name and returns a context carrying it.
func (s *Service) Begin(ctx context.Context, name string) (context.Context, *capture.Window) {
	w := capture.New(name, s.now)
	return capture.WithWindow(ctx, w), w
}

// End closes w and stores its capture. It returns nil without error when the
// window observed nothing worth displaying.
func (s *Service) End(ctx context.Context, w *capture.Window) (*domain.Capture, error) {
	if s == nil {
		return nil, errors.New("diagnostics service not initialised")
	}
	if w == nil {
		return nil, errors.New("capture window required")
	}
	elapsed := w.Close()
	agg := Aggregate(w.Events())
	s.metrics.Observe(agg)

	report, ok := BuildReport(agg)
	if !ok {
		return nil, nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	c := &domain.Capture{
		ID:              w.ID(),
		Name:            w.Name(),
		StartedAt:       w.StartedAt().UTC(),
		Elapsed:         elapsed,
		ConnectionCount: report.Summary.ConnectionCount,
		OperationCount:  report.Summary.OperationCount,
		DuplicateCount:  agg.DuplicateCount(),
		ErrorCount:      agg.ErrorCount(),
		ExecutionTime:   report.Summary.ExecutionTime,
		Report:          payload,
		CreatedAt:       s.now().UTC(),
	}
	if s.repo == nil {
		return nil, errors.New("capture repository not configured")
	}
	if err := s.repo.InsertCapture(ctx, c); err != nil {
		s.logger.Warn("failed to store capture", "capture_id", c.ID, "name", c.Name, "error", err)
		return nil, fmt.Errorf("store capture: %w", err)
	}
	s.metrics.captureStored()
	s.logger.Debug("capture stored",
		"capture_id", c.ID,
		"name", c.Name,
		"operations", c.OperationCount,
		"duplicates", c.DuplicateCount,
		"errors", c.ErrorCount,
	)
	s.broadcast(*c)
	return c, nil
}

// List returns the most recent captures, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Capture, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("diagnostics service not initialised")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListCaptures(ctx, limit)
}

// Get returns one capture. repository.ErrNotFound is returned unchanged.
func (s *Service) Get(ctx context.Context, id string) (*domain.Capture, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("diagnostics service not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, repository.ErrNotFound
	}
	return s.repo.GetCapture(ctx, id)
}

// Hub exposes the stream hub for capture subscribers.
func (s *Service) Hub() *ws.Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

func (s *Service) broadcast(c domain.Capture) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(NewCaptureView(c, false))
	if err != nil {
		s.logger.Warn("failed to marshal capture", "error", err)
		return
	}
	if !s.hub.Broadcast(ws.TopicCaptures, payload) {
		s.logger.Debug("capture not streamed", "capture_id", c.ID)
	}
}

// CaptureView is the JSON form of a capture served to clients.
type CaptureView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	StartedAt       string          `json:"started_at"`
	ElapsedMS       float64         `json:"elapsed_ms"`
	ConnectionCount int             `json:"connection_count"`
	OperationCount  int             `json:"operation_count"`
	DuplicateCount  int             `json:"duplicate_count"`
	ErrorCount      int             `json:"error_count"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	Report          json.RawMessage `json:"report,omitempty"`
}

// NewCaptureView converts a capture. The report body is included only when
// withReport is set.
func NewCaptureView(c domain.Capture, withReport bool) CaptureView {
	view := CaptureView{
		ID:              c.ID,
		Name:            c.Name,
		StartedAt:       c.StartedAt.UTC().Format(time.RFC3339Nano),
		ElapsedMS:       millis(c.Elapsed),
		ConnectionCount: c.ConnectionCount,
		OperationCount:  c.OperationCount,
		DuplicateCount:  c.DuplicateCount,
		ErrorCount:      c.ErrorCount,
		ExecutionTimeMS: millis(c.ExecutionTime),
	}
	if withReport && len(c.Report) > 0 {
		view.Report = json.RawMessage(c.Report)
	}
	return view
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
