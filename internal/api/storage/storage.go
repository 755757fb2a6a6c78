package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/metals-aggregator/internal/api/domain"
	"github.com/cuongbtq/metals-aggregator/internal/api/model"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

func (s *Storage) CreateRun(ctx context.Context, run *model.Run) error {
	query := `
		INSERT INTO runs (
			run_id, input, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		run.RunID,
		run.Input,
		run.Status,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *Storage) GetRunByID(ctx context.Context, runID string) (*model.Run, error) {
	var run model.Run
	query := `
		SELECT
			run_id, input, status, worker_id, total_records, dealer_count,
			dealer_results, error_message, created_at, updated_at,
			started_at, completed_at, last_heartbeat_at
		FROM runs
		WHERE run_id = $1
	`

	err := s.db.GetContext(ctx, &run, query, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return &run, nil
}

// MarkRunFailed fails a run that never reached a worker
func (s *Storage) MarkRunFailed(ctx context.Context, runID, reason string) error {
	query := `
		UPDATE runs
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE run_id = $3 AND status = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.RunStatusFailed, reason, runID, domain.RunStatusPending); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}

	return nil
}

type ProductFilter struct {
	RunID    string
	Dealer   string
	PageSize int
	Cursor   *ProductCursor
}

// ProductCursor points past the last product returned
type ProductCursor struct {
	Seq int
}

func (s *Storage) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `
        SELECT run_id, seq, dealer, data, created_at
        FROM products
        WHERE run_id = $1
    `
	args := []interface{}{filter.RunID}
	argIdx := 2

	if filter.Dealer != "" {
		query += fmt.Sprintf(" AND dealer = $%d", argIdx)
		args = append(args, filter.Dealer)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND seq > $%d", argIdx)
		args = append(args, filter.Cursor.Seq)
		argIdx++
	}

	// seq is the forwarding position, so this replays dispatch order
	query += " ORDER BY seq ASC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var products []model.Product
	err := s.db.SelectContext(ctx, &products, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	return products, nil
}
