package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimRun moves a run from PENDING to RUNNING for workerID.
// Returns ErrRunAlreadyClaimed if another worker got there first.
func (s *Storage) ClaimRun(ctx context.Context, runID, workerID string) (*domain.Run, error) {
	query := `
		UPDATE runs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $3
		  AND status = $4
		RETURNING run_id, input
	`

	var run domain.Run
	err := s.db.QueryRowContext(ctx, query, domain.RunStatusRunning, workerID, runID, domain.RunStatusPending).Scan(
		&run.RunID,
		&run.Input,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim run - already claimed or not found",
				slog.String("run_id", runID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrRunAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	run.Status = domain.RunStatusRunning
	run.WorkerID = workerID

	s.logger.Info("Run claimed successfully",
		slog.String("run_id", runID),
		slog.String("worker_id", workerID),
	)

	return &run, nil
}

// CompleteRun marks the run COMPLETED and stores its summary
func (s *Storage) CompleteRun(ctx context.Context, runID string, summary *aggregator.Summary) error {
	dealerResults, err := json.Marshal(summary.Dealers)
	if err != nil {
		return fmt.Errorf("failed to marshal dealer results: %w", err)
	}

	query := `
		UPDATE runs
		SET status = $1,
		    total_records = $2,
		    dealer_count = $3,
		    dealer_results = $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $5
	`

	if _, err := s.db.ExecContext(ctx, query, domain.RunStatusCompleted, summary.TotalRecords, summary.DealerCount, dealerResults, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	s.logger.Info("Run status updated",
		slog.String("run_id", runID),
		slog.String("status", domain.RunStatusCompleted),
	)

	return nil
}

// FailRun marks the run FAILED with errorMsg
func (s *Storage) FailRun(ctx context.Context, runID, errorMsg string) error {
	query := `
		UPDATE runs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.RunStatusFailed, errorMsg, runID); err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}

	s.logger.Info("Run status updated",
		slog.String("run_id", runID),
		slog.String("status", domain.RunStatusFailed),
	)

	return nil
}

// UpdateRunHeartbeat touches last_heartbeat_at for a running run
func (s *Storage) UpdateRunHeartbeat(ctx context.Context, runID string) error {
	query := `
		UPDATE runs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, runID, domain.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update run heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Run heartbeat update - no rows affected (run may not be running)",
			slog.String("run_id", runID),
		)
	}

	return nil
}
