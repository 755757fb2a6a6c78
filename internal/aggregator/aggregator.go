// Package aggregator runs one remote scraper job per dealer concurrently and
// merges their datasets into a single dealer-tagged record stream.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/apify"
	"github.com/cuongbtq/metals-aggregator/internal/dealer"
	"golang.org/x/sync/errgroup"
)

const (
	// DealerField is the key stamped on every forwarded record
	DealerField = "dealer"

	DefaultRunTimeout    = 300 * time.Second
	DefaultMemoryMB      = 512
	DefaultHeavyMemoryMB = 4096

	// DefaultWaitMargin is how long past the run timeout we keep waiting
	// for the platform to report a terminal status
	DefaultWaitMargin = 60 * time.Second
)

// Dealer outcome statuses that are not remote run statuses
const (
	StatusNoDataset = "NO_DATASET"
	StatusError     = "ERROR"
	StatusPanic     = "PANIC"
)

var errEmptyRun = errors.New("job API returned no run")

// Record is one product as produced by a dealer job
type Record map[string]any

// JobRunner is the remote job-execution API
type JobRunner interface {
	Call(ctx context.Context, actorID string, input any, opts apify.CallOptions) (*apify.Run, error)
	ListItems(ctx context.Context, datasetID string) ([]map[string]any, error)
}

// Sink receives forwarded records one at a time
type Sink interface {
	Push(ctx context.Context, record Record) error
}

// Config holds aggregator configuration
type Config struct {
	Logger         *slog.Logger
	Registry       *dealer.Registry
	Runner         JobRunner
	RunTimeout     time.Duration
	WaitMargin     time.Duration
	MemoryMB       int
	HeavyMemoryMB  int
	MaxConcurrency int // 0 runs every dealer at once
}

// Aggregator fans run requests out to dealer jobs
type Aggregator struct {
	logger         *slog.Logger
	registry       *dealer.Registry
	runner         JobRunner
	runTimeout     time.Duration
	waitMargin     time.Duration
	memoryMB       int
	heavyMemoryMB  int
	maxConcurrency int
}

// DealerResult is the outcome of one dealer's job
type DealerResult struct {
	Dealer  string   `json:"dealer"`
	JobID   string   `json:"job_id"`
	Status  string   `json:"status"`
	Count   int      `json:"count"`
	Error   string   `json:"error,omitempty"`
	Records []Record `json:"-"`
}

// Summary reports what a run forwarded
type Summary struct {
	TotalRecords int            `json:"total_records"`
	DealerCount  int            `json:"dealer_count"`
	FellBack     bool           `json:"fell_back"`
	Dealers      []DealerResult `json:"dealers"`
}

// New creates an Aggregator, applying defaults for unset limits
func New(cfg *Config) *Aggregator {
	a := &Aggregator{
		logger:         cfg.Logger,
		registry:       cfg.Registry,
		runner:         cfg.Runner,
		runTimeout:     cfg.RunTimeout,
		waitMargin:     cfg.WaitMargin,
		memoryMB:       cfg.MemoryMB,
		heavyMemoryMB:  cfg.HeavyMemoryMB,
		maxConcurrency: cfg.MaxConcurrency,
	}

	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if a.registry == nil {
		a.registry = dealer.Default()
	}
	if a.runTimeout <= 0 {
		a.runTimeout = DefaultRunTimeout
	}
	if a.waitMargin <= 0 {
		a.waitMargin = DefaultWaitMargin
	}
	if a.memoryMB <= 0 {
		a.memoryMB = DefaultMemoryMB
	}
	if a.heavyMemoryMB <= 0 {
		a.heavyMemoryMB = DefaultHeavyMemoryMB
	}

	return a
}

// Run selects dealers, runs them concurrently, then forwards every record
// to sink in dealer dispatch order. Dealer failures only reduce the output.
// An error is returned when the sink fails or ctx ends before the dealers
// finish, in which case nothing is forwarded.
func (a *Aggregator) Run(ctx context.Context, in Input, sink Sink) (*Summary, error) {
	dealers, fellBack := a.registry.Select(in.Dealers)
	if fellBack {
		a.logger.Warn("No matching dealers found, running all",
			slog.Any("filter", in.Dealers),
			slog.Int("dealer_count", len(dealers)),
		)
	}

	a.logger.Info("Starting precious metals aggregation",
		slog.Int("dealer_count", len(dealers)),
		slog.Any("search_terms", in.SearchTerms),
		slog.Int("max_items_per_dealer", in.MaxItemsPerDealer),
	)

	results := a.dispatch(ctx, dealers, in.Request())

	summary := &Summary{
		DealerCount: len(dealers),
		FellBack:    fellBack,
		Dealers:     make([]DealerResult, 0, len(results)),
	}

	if err := ctx.Err(); err != nil {
		for _, res := range results {
			res.Records = nil
			summary.Dealers = append(summary.Dealers, res)
		}
		a.logger.Warn("Aggregation interrupted",
			slog.Int("dealer_count", summary.DealerCount),
			slog.String("error", err.Error()),
		)
		return summary, fmt.Errorf("aggregation interrupted: %w", err)
	}

	for _, res := range results {
		if res.Status == StatusPanic {
			a.logger.Error("Dealer task exception",
				slog.String("dealer", res.Dealer),
				slog.String("error", res.Error),
			)
		}

		for _, record := range res.Records {
			if err := sink.Push(ctx, record); err != nil {
				return summary, fmt.Errorf("failed to forward record from %s: %w", res.Dealer, err)
			}
			summary.TotalRecords++
		}

		res.Records = nil
		summary.Dealers = append(summary.Dealers, res)
	}

	a.logger.Info("Aggregation complete",
		slog.Int("total_products", summary.TotalRecords),
		slog.Int("dealer_count", summary.DealerCount),
	)

	return summary, nil
}

// dispatch runs every dealer concurrently and returns results indexed by
// dispatch position, not completion order
func (a *Aggregator) dispatch(ctx context.Context, dealers []dealer.Entry, req RunRequest) []DealerResult {
	results := make([]DealerResult, len(dealers))

	var g errgroup.Group
	if a.maxConcurrency > 0 {
		g.SetLimit(a.maxConcurrency)
	}

	for i, d := range dealers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = DealerResult{
						Dealer: d.Name,
						JobID:  d.JobID,
						Status: StatusPanic,
						Error:  fmt.Sprint(r),
					}
				}
			}()

			results[i] = a.RunDealer(ctx, d, req)
			return nil
		})
	}

	_ = g.Wait()

	return results
}

// RunDealer invokes one dealer job and returns its dealer-tagged records.
// It never fails: every problem is logged and yields zero records.
func (a *Aggregator) RunDealer(ctx context.Context, d dealer.Entry, req RunRequest) DealerResult {
	result := DealerResult{Dealer: d.Name, JobID: d.JobID}

	opts := apify.CallOptions{
		Timeout:  a.runTimeout,
		MemoryMB: a.memoryMB,
	}
	if d.Heavy {
		opts.MemoryMB = a.heavyMemoryMB
	}

	a.logger.Info("Starting dealer scraper",
		slog.String("dealer", d.Name),
		slog.String("job_id", d.JobID),
		slog.Int("memory_mb", opts.MemoryMB),
	)

	callCtx, cancel := context.WithTimeout(ctx, a.runTimeout+a.waitMargin)
	defer cancel()

	run, err := a.runner.Call(callCtx, d.JobID, req, opts)
	if err != nil {
		return a.failed(result, err)
	}
	if run == nil {
		return a.failed(result, errEmptyRun)
	}

	result.Status = string(run.Status)
	if run.Status != apify.StatusSucceeded {
		a.logger.Warn("Dealer scraper finished with non-success status",
			slog.String("dealer", d.Name),
			slog.String("status", result.Status),
		)
		return result
	}

	if run.DefaultDatasetID == "" {
		a.logger.Warn("Dealer run has no dataset ID",
			slog.String("dealer", d.Name),
		)
		result.Status = StatusNoDataset
		return result
	}

	items, err := a.runner.ListItems(callCtx, run.DefaultDatasetID)
	if err != nil {
		return a.failed(result, err)
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		if item == nil {
			item = map[string]any{}
		}
		item[DealerField] = d.Name
		records = append(records, Record(item))
	}

	a.logger.Info("Dealer products fetched",
		slog.String("dealer", d.Name),
		slog.Int("count", len(records)),
	)

	result.Records = records
	result.Count = len(records)
	return result
}

func (a *Aggregator) failed(result DealerResult, err error) DealerResult {
	a.logger.Error("Dealer scraper failed",
		slog.String("dealer", result.Dealer),
		slog.String("error", err.Error()),
	)
	result.Status = StatusError
	result.Error = err.Error()
	result.Records = nil
	return result
}
