// Package memory keeps a bounded capture history in process memory. It is
// used when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/kvscope/internal/domain"
	"github.com/splax/kvscope/internal/repository"
)

const defaultCapacity = 200

// Repository is a ring of the most recent captures.
type Repository struct {
	mu       sync.Mutex
	capacity int
	order    []string
	captures map[string]domain.Capture
}

var _ repository.CaptureRepository = (*Repository)(nil)

// New returns a repository that keeps at most capacity captures.
func New(capacity int) *Repository {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Repository{
		capacity: capacity,
		captures: make(map[string]domain.Capture),
	}
}

// InsertCapture stores a copy of capture, evicting the oldest entry when full.
func (r *Repository) InsertCapture(_ context.Context, capture *domain.Capture) error {
	if capture == nil {
		return fmt.Errorf("capture required")
	}
	capture.ID = strings.TrimSpace(capture.ID)
	if capture.ID == "" {
		return fmt.Errorf("capture id required")
	}
	if capture.CreatedAt.IsZero() {
		capture.CreatedAt = time.Now().UTC()
	}
	stored := *capture
	stored.Report = append([]byte(nil), capture.Report...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.captures[stored.ID]; !exists {
		r.order = append(r.order, stored.ID)
		if len(r.order) > r.capacity {
			evicted := r.order[0]
			r.order = r.order[1:]
			delete(r.captures, evicted)
		}
	}
	r.captures[stored.ID] = stored
	return nil
}

// GetCapture returns a copy of the stored capture.
func (r *Repository) GetCapture(_ context.Context, id string) (*domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.captures[strings.TrimSpace(id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.Report = append([]byte(nil), c.Report...)
	return &c, nil
}

// ListCaptures returns the most recent captures first.
func (r *Repository) ListCaptures(_ context.Context, limit int) ([]domain.Capture, error) {
	r.mu.Lock()
	out := make([]domain.Capture, 0, len(r.captures))
	for _, c := range r.captures {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
