package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/metals-aggregator/internal/api/model"
	"github.com/cuongbtq/metals-aggregator/internal/api/storage"
	"github.com/cuongbtq/metals-aggregator/internal/dealer"
)

// RunStore is the run persistence the handlers need
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRunByID(ctx context.Context, runID string) (*model.Run, error)
	MarkRunFailed(ctx context.Context, runID, reason string) error
	ListProducts(ctx context.Context, filter storage.ProductFilter) ([]model.Product, error)
}

// Publisher enqueues run requests for the workers
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     RunStore
	Publisher Publisher
	Registry  *dealer.Registry
	DBHealth  HealthChecker
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	logger    *slog.Logger
	store     RunStore
	publisher Publisher
	registry  *dealer.Registry
}

// NewRunHandler creates a new RunHandler instance
func NewRunHandler(deps *Dependencies) *RunHandler {
	registry := deps.Registry
	if registry == nil {
		registry = dealer.Default()
	}

	return &RunHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
		registry:  registry,
	}
}
