package domain

import (
	"errors"
)

const (
	RunStatusPending   = "PENDING"
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

var (
	ErrRunNotFound = errors.New("run not found")
)
