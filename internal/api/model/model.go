package model

import "time"

type Run struct {
	RunID           string     `db:"run_id"`
	Input           []byte     `db:"input"`
	Status          string     `db:"status"`
	WorkerID        *string    `db:"worker_id"`
	TotalRecords    int        `db:"total_records"`
	DealerCount     int        `db:"dealer_count"`
	DealerResults   []byte     `db:"dealer_results"`
	ErrorMessage    *string    `db:"error_message"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
}

type Product struct {
	RunID     string    `db:"run_id"`
	Seq       int       `db:"seq"`
	Dealer    string    `db:"dealer"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}
