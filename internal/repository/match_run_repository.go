// internal/repository/match_run_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"lab-bench/internal/database"
	"lab-bench/internal/model"
)

// matchRunRepository implements MatchRunRepository interface
type matchRunRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewMatchRunRepository creates a new match run repository
func NewMatchRunRepository(db *database.DB, logger *zap.Logger) MatchRunRepository {
	return &matchRunRepository{
		db:     db,
		logger: logger,
	}
}

// Create records a match run
func (r *matchRunRepository) Create(ctx context.Context, run *model.MatchRun) error {
	requirements, err := json.Marshal(run.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}

	query := `
		INSERT INTO match_runs (id, status, requirements, device_ids, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.Status, requirements, pq.Array(run.DeviceIDs), run.Message, run.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create match run", zap.Error(err), zap.String("run_id", run.ID.String()))
		return fmt.Errorf("failed to create match run: %w", err)
	}
	return nil
}

// GetByID retrieves a match run
func (r *matchRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.MatchRun, error) {
	query := `
		SELECT id, status, requirements, device_ids, message, created_at, released_at
		FROM match_runs WHERE id = $1
	`

	run, err := scanMatchRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: match run %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get match run: %w", err)
	}
	return run, nil
}

// MarkReleased closes an active run
func (r *matchRunRepository) MarkReleased(ctx context.Context, id uuid.UUID, releasedAt time.Time) error {
	query := `UPDATE match_runs SET status = $2, released_at = $3 WHERE id = $1`
	return r.update(ctx, id, query, model.MatchRunReleased, releasedAt)
}

// MarkFailed records why a run failed
func (r *matchRunRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `UPDATE match_runs SET status = $2, message = $3 WHERE id = $1`
	return r.update(ctx, id, query, model.MatchRunFailed, message)
}

// ListActive returns the runs still holding devices
func (r *matchRunRepository) ListActive(ctx context.Context) ([]*model.MatchRun, error) {
	query := `
		SELECT id, status, requirements, device_ids, message, created_at, released_at
		FROM match_runs WHERE status = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, model.MatchRunActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list match runs: %w", err)
	}
	defer rows.Close()

	runs := []*model.MatchRun{}
	for rows.Next() {
		run, err := scanMatchRun(rows)
		if err != nil {
			r.logger.Error("Failed to scan match run", zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *matchRunRepository) update(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		r.logger.Error("Failed to update match run", zap.Error(err), zap.String("run_id", id.String()))
		return fmt.Errorf("failed to update match run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: match run %s", ErrNotFound, id)
	}
	return nil
}

func scanMatchRun(row rowScanner) (*model.MatchRun, error) {
	run := &model.MatchRun{}
	var requirements []byte
	err := row.Scan(
		&run.ID, &run.Status, &requirements, pq.Array(&run.DeviceIDs),
		&run.Message, &run.CreatedAt, &run.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requirements, &run.Requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements: %w", err)
	}
	return run, nil
}
