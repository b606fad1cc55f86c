package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/kvscope/internal/domain"
	"github.com/splax/kvscope/internal/repository"
	"github.com/splax/kvscope/pkg/crypto"
)

const defaultListLimit = 50

// ErrSealedReport is returned when a sealed report is read without a sealer.
var ErrSealedReport = errors.New("capture report is encrypted and no key is configured")

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// Option customises a Repository.
type Option func(*Repository)

// WithSealer stores reports encrypted in the sealed_report column.
func WithSealer(s *crypto.Sealer) Option {
	return func(r *Repository) {
		r.sealer = s
	}
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ repository.CaptureRepository = (*Repository)(nil)

// InsertCapture stores a capture. Re-inserting an id overwrites the row.
func (r *Repository) InsertCapture(ctx context.Context, capture *domain.Capture) error {
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
	report, sealed := capture.Report, []byte(nil)
	if r.sealer != nil {
		var err error
		if sealed, err = r.sealer.Seal(capture.Report); err != nil {
			return fmt.Errorf("seal report: %w", err)
		}
		report = nil
	}
	const query = `INSERT INTO captures (
		id,
		name,
		started_at,
		elapsed_ns,
		connection_count,
		operation_count,
		duplicate_count,
		error_count,
		execution_time_ns,
		report,
		sealed_report,
		created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		started_at = EXCLUDED.started_at,
		elapsed_ns = EXCLUDED.elapsed_ns,
		connection_count = EXCLUDED.connection_count,
		operation_count = EXCLUDED.operation_count,
		duplicate_count = EXCLUDED.duplicate_count,
		error_count = EXCLUDED.error_count,
		execution_time_ns = EXCLUDED.execution_time_ns,
		report = EXCLUDED.report,
		sealed_report = EXCLUDED.sealed_report`
	_, err := r.pool.Exec(ctx, query,
		capture.ID,
		capture.Name,
		capture.StartedAt,
		int64(capture.Elapsed),
		capture.ConnectionCount,
		capture.OperationCount,
		capture.DuplicateCount,
		capture.ErrorCount,
		int64(capture.ExecutionTime),
		report,
		sealed,
		capture.CreatedAt,
	)
	return err
}

// GetCapture fetches a capture by id.
func (r *Repository) GetCapture(ctx context.Context, id string) (*domain.Capture, error) {
	const query = `SELECT id, name, started_at, elapsed_ns, connection_count, operation_count,
		duplicate_count, error_count, execution_time_ns, report, sealed_report, created_at
	FROM captures WHERE id = $1`
	c, err := r.scanCapture(r.pool.QueryRow(ctx, query, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListCaptures returns the most recent captures first.
func (r *Repository) ListCaptures(ctx context.Context, limit int) ([]domain.Capture, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const query = `SELECT id, name, started_at, elapsed_ns, connection_count, operation_count,
		duplicate_count, error_count, execution_time_ns, report, sealed_report, created_at
	FROM captures
	ORDER BY started_at DESC, id DESC
	LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	captures := make([]domain.Capture, 0)
	for rows.Next() {
		c, err := r.scanCapture(rows)
		if err != nil {
			return nil, err
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

func (r *Repository) scanCapture(row pgx.Row) (domain.Capture, error) {
	var (
		c         domain.Capture
		elapsed   int64
		execution int64
		report    []byte
		sealed    []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.StartedAt,
		&elapsed,
		&c.ConnectionCount,
		&c.OperationCount,
		&c.DuplicateCount,
		&c.ErrorCount,
		&execution,
		&report,
		&sealed,
		&c.CreatedAt,
	); err != nil {
		return domain.Capture{}, err
	}
	c.Elapsed = time.Duration(elapsed)
	c.ExecutionTime = time.Duration(execution)
	if len(sealed) > 0 {
		if r.sealer == nil {
			return domain.Capture{}, ErrSealedReport
		}
		plain, err := r.sealer.Open(sealed)
		if err != nil {
			return domain.Capture{}, fmt.Errorf("open report %s: %w", c.ID, err)
		}
		report = plain
	}
	if len(report) > 0 {
		c.Report = append([]byte(nil), report...)
	}
	return c, nil
}
