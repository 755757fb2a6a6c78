package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/jmoiron/sqlx"
)

// Postgres stores each record as a products row of one run. seq is the
// forwarding position, so reading by (run_id, seq) replays dispatch order.
type Postgres struct {
	db    *sqlx.DB
	runID string
	seq   int
}

// NewPostgres creates a sink bound to runID
func NewPostgres(db *sqlx.DB, runID string) *Postgres {
	return &Postgres{db: db, runID: runID}
}

// Push inserts record
func (s *Postgres) Push(ctx context.Context, record aggregator.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dealerName, _ := record[aggregator.DealerField].(string)

	query := `
		INSERT INTO products (run_id, seq, dealer, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, s.runID, s.seq+1, dealerName, data); err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}

	s.seq++
	return nil
}

// Count returns how many records were stored
func (s *Postgres) Count() int {
	return s.seq
}
