package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/worker/domain"
)

// processRun claims a run, executes the aggregation into the run's sink and
// records the outcome
func (w *Worker) processRun(ctx context.Context, msg *domain.RunMessage) error {
	w.logger.Info("Processing run",
		slog.String("run_id", msg.RunID),
		slog.String("worker_id", w.workerID),
	)

	// Final state is written even when ctx was canceled by shutdown or timeout
	persistCtx := context.WithoutCancel(ctx)

	// PENDING -> RUNNING
	run, err := w.store.ClaimRun(ctx, msg.RunID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrRunAlreadyClaimed) {
			return fmt.Errorf("run already claimed: %w", err)
		}
		// Database error, could be transient
		return domain.NewRetryableError(fmt.Errorf("failed to claim run: %w", err))
	}

	input, err := aggregator.ParseInput([]byte(run.Input))
	if err != nil {
		w.markFailed(persistCtx, run.RunID, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	runCtx := ctx
	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go w.sendRunHeartbeat(runCtx, run.RunID, heartbeatDone)
	defer close(heartbeatDone)

	summary, err := w.executor.Run(runCtx, input, w.newSink(run.RunID))
	if err != nil {
		w.markFailed(persistCtx, run.RunID, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrRunFailed, err)
	}

	w.logger.Info("Run completed successfully",
		slog.String("run_id", run.RunID),
		slog.Int("total_records", summary.TotalRecords),
		slog.Int("dealer_count", summary.DealerCount),
	)

	if err := w.store.CompleteRun(persistCtx, run.RunID, summary); err != nil {
		// Products are already stored, so the delivery is still acked
		w.logger.Error("Failed to update run status to COMPLETED",
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (w *Worker) markFailed(ctx context.Context, runID, reason string) {
	w.logger.Error("Run failed",
		slog.String("run_id", runID),
		slog.String("error", reason),
	)

	if err := w.store.FailRun(ctx, runID, reason); err != nil {
		w.logger.Error("Failed to update run status to FAILED",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

// sendRunHeartbeat periodically touches the run while it executes
func (w *Worker) sendRunHeartbeat(ctx context.Context, runID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.UpdateRunHeartbeat(ctx, runID); err != nil {
				w.logger.Warn("Failed to update run heartbeat",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
