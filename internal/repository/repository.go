// Package repository defines capture persistence.
package repository

import (
	"context"
	"errors"

	"github.com/splax/kvscope/internal/domain"
)

// ErrNotFound indicates a capture was not located.
var ErrNotFound = errors.New("repository: not found")

// CaptureRepository persists diagnostics captures.
type CaptureRepository interface {
	InsertCapture(ctx context.Context, capture *domain.Capture) error
	GetCapture(ctx context.Context, id string) (*domain.Capture, error)
	// ListCaptures returns at most limit captures, newest first.
	ListCaptures(ctx context.Context, limit int) ([]domain.Capture, error)
}
