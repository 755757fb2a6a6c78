package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RunStore persists run state transitions
type RunStore interface {
	ClaimRun(ctx context.Context, runID, workerID string) (*domain.Run, error)
	CompleteRun(ctx context.Context, runID string, summary *aggregator.Summary) error
	FailRun(ctx context.Context, runID, errorMsg string) error
	UpdateRunHeartbeat(ctx context.Context, runID string) error
}

// Executor runs one aggregation
type Executor interface {
	Run(ctx context.Context, in aggregator.Input, sink aggregator.Sink) (*aggregator.Summary, error)
}

// Consumer delivers queued run requests
type Consumer interface {
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             RunStore
	Executor          Executor
	Consumer          Consumer
	NewSink           func(runID string) aggregator.Sink
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	RunTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes run requests and executes aggregations
type Worker struct {
	logger            *slog.Logger
	store             RunStore
	executor          Executor
	consumer          Consumer
	newSink           func(runID string) aggregator.Sink
	workerID          string
	queueName         string
	concurrency       int
	prefetchCount     int
	runTimeout        time.Duration
	heartbeatInterval time.Duration

	jobsChan chan *domain.RunMessage
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		executor:          cfg.Executor,
		consumer:          cfg.Consumer,
		newSink:           cfg.NewSink,
		workerID:          cfg.WorkerID,
		queueName:         cfg.QueueName,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		runTimeout:        cfg.RunTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		stopChan:          make(chan struct{}),
	}

	if w.logger == nil {
		w.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}

	w.jobsChan = make(chan *domain.RunMessage, w.concurrency)

	return w
}

// Start subscribes to the queue and spawns the worker pool. It returns once
// everything is running; call Stop to wait for in-flight runs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("run_timeout", w.runTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	return nil
}

// Stop signals the pool to stop and waits for in-flight runs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
