package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/apify"
	"github.com/cuongbtq/metals-aggregator/internal/dealer"
	"github.com/cuongbtq/metals-aggregator/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	input     string
	claimErr  error
	completed map[string]*aggregator.Summary
	failed    map[string]string
	writeErrs []error
}

func newFakeStore(input string) *fakeStore {
	return &fakeStore{
		input:     input,
		completed: map[string]*aggregator.Summary{},
		failed:    map[string]string{},
	}
}

func (s *fakeStore) ClaimRun(_ context.Context, runID, workerID string) (*domain.Run, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	return &domain.Run{RunID: runID, Input: s.input, Status: domain.RunStatusRunning, WorkerID: workerID}, nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, runID string, summary *aggregator.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = append(s.writeErrs, ctx.Err())
	s.completed[runID] = summary
	return nil
}

func (s *fakeStore) FailRun(ctx context.Context, runID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = append(s.writeErrs, ctx.Err())
	s.failed[runID] = errorMsg
	return nil
}

func (s *fakeStore) UpdateRunHeartbeat(context.Context, string) error { return nil }

type fakeExecutor struct {
	mu     sync.Mutex
	inputs []aggregator.Input
	err    error
}

func (e *fakeExecutor) Run(ctx context.Context, in aggregator.Input, sink aggregator.Sink) (*aggregator.Summary, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, in)
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if err := sink.Push(ctx, aggregator.Record{"dealer": "Kitco", "title": "Gold Maple"}); err != nil {
		return nil, err
	}
	return &aggregator.Summary{TotalRecords: 1, DealerCount: 1}, nil
}

type memSink struct {
	mu      sync.Mutex
	records []aggregator.Record
}

func (s *memSink) Push(_ context.Context, r aggregator.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

type ackResult struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	results chan ackResult
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.results <- ackResult{tag: tag, ack: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.results <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
}

func (c *fakeConsumer) Consume(string, int) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func newTestWorker(store RunStore, exec Executor, sinks map[string]*memSink, consumer Consumer) *Worker {
	var mu sync.Mutex
	return NewWorker(&Config{
		Store:    store,
		Executor: exec,
		Consumer: consumer,
		NewSink: func(runID string) aggregator.Sink {
			mu.Lock()
			defer mu.Unlock()
			s := &memSink{}
			sinks[runID] = s
			return s
		},
		WorkerID:          "worker-test",
		Concurrency:       2,
		RunTimeout:        time.Minute,
		HeartbeatInterval: time.Hour,
	})
}

func TestProcessRun(t *testing.T) {
	runID := uuid.NewString()

	tests := []struct {
		name        string
		input       string
		claimErr    error
		execErr     error
		wantErr     error
		wantRequeue bool
		wantFailed  bool
	}{
		{
			name:  "completes run",
			input: `{"search_terms":["Gold bar"],"max_items_per_dealer":2,"dealers":["kitco"]}`,
		},
		{
			name:     "already claimed",
			input:    `{}`,
			claimErr: domain.ErrRunAlreadyClaimed,
			wantErr:  domain.ErrRunAlreadyClaimed,
		},
		{
			name:        "database error is retryable",
			input:       `{}`,
			claimErr:    errors.New("connection refused"),
			wantRequeue: true,
		},
		{
			name:       "invalid stored input",
			input:      `{"max_items_per_dealer":"five"}`,
			wantErr:    domain.ErrInvalidInput,
			wantFailed: true,
		},
		{
			name:       "aggregation failure is not retried",
			input:      `{}`,
			execErr:    errors.New("sink unavailable"),
			wantErr:    domain.ErrRunFailed,
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tt.input)
			store.claimErr = tt.claimErr
			exec := &fakeExecutor{err: tt.execErr}
			sinks := map[string]*memSink{}
			w := newTestWorker(store, exec, sinks, nil)

			err := w.processRun(context.Background(), &domain.RunMessage{RunID: runID})

			if tt.wantErr == nil && !tt.wantRequeue {
				require.NoError(t, err)
				require.Contains(t, store.completed, runID)
				assert.Equal(t, 1, store.completed[runID].TotalRecords)
				require.Len(t, exec.inputs, 1)
				assert.Equal(t, aggregator.Input{
					SearchTerms:       []string{"Gold bar"},
					MaxItemsPerDealer: 2,
					Dealers:           []string{"kitco"},
				}, exec.inputs[0])
				require.Contains(t, sinks, runID)
				assert.Len(t, sinks[runID].records, 1)
				return
			}

			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			}
			assert.Equal(t, tt.wantRequeue, shouldRequeue(err))
			if tt.wantFailed {
				assert.Contains(t, store.failed, runID)
			} else {
				assert.NotContains(t, store.failed, runID)
			}
			assert.Empty(t, store.completed)
		})
	}
}

// blockingRunner holds every dealer job until its context ends
type blockingRunner struct{}

func (blockingRunner) Call(ctx context.Context, _ string, _ any, _ apify.CallOptions) (*apify.Run, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingRunner) ListItems(context.Context, string) ([]map[string]any, error) {
	return nil, nil
}

func TestProcessRun_RunTimeoutFailsRun(t *testing.T) {
	runID := uuid.NewString()
	store := newFakeStore(`{}`)

	w := NewWorker(&Config{
		Store: store,
		Executor: aggregator.New(&aggregator.Config{
			Registry: dealer.Default(),
			Runner:   blockingRunner{},
		}),
		NewSink:           func(string) aggregator.Sink { return &memSink{} },
		WorkerID:          "worker-test",
		RunTimeout:        50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	})

	err := w.processRun(context.Background(), &domain.RunMessage{RunID: runID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRunFailed), err.Error())
	assert.False(t, shouldRequeue(err))

	assert.Empty(t, store.completed)
	assert.Contains(t, store.failed[runID], context.DeadlineExceeded.Error())
}

func TestProcessRun_CanceledContextStillRecordsFinalState(t *testing.T) {
	runID := uuid.NewString()
	store := newFakeStore(`{}`)
	exec := &cancelingExecutor{}

	ctx, cancel := context.WithCancel(context.Background())
	exec.cancel = cancel

	w := newTestWorker(store, exec, map[string]*memSink{}, nil)

	err := w.processRun(ctx, &domain.RunMessage{RunID: runID})
	require.Error(t, err)
	assert.Contains(t, store.failed, runID)
	require.Len(t, store.writeErrs, 1)
	assert.NoError(t, store.writeErrs[0])
}

// cancelingExecutor simulates a shutdown signal arriving mid-run
type cancelingExecutor struct {
	cancel context.CancelFunc
}

func (e *cancelingExecutor) Run(ctx context.Context, _ aggregator.Input, _ aggregator.Sink) (*aggregator.Summary, error) {
	e.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorker_ConsumesDeliveries(t *testing.T) {
	acks := &fakeAcknowledger{results: make(chan ackResult, 10)}
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 10)}

	store := newFakeStore(`{}`)
	sinks := map[string]*memSink{}
	w := newTestWorker(store, &fakeExecutor{}, sinks, consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	validID := uuid.NewString()
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(`{"run_id":"` + validID + `"}`)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte(`not json`)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte(`{"run_id":"not-a-uuid"}`)}

	got := map[uint64]ackResult{}
	for i := 0; i < 3; i++ {
		select {
		case r := <-acks.results:
			got[r.tag] = r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for acknowledgements")
		}
	}

	assert.True(t, got[1].ack)
	assert.False(t, got[2].ack)
	assert.False(t, got[2].requeue)
	assert.False(t, got[3].ack)
	assert.False(t, got[3].requeue)

	w.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.completed, validID)
}

func TestShouldRequeue(t *testing.T) {
	assert.True(t, shouldRequeue(domain.NewRetryableError(errors.New("timeout"))))
	assert.False(t, shouldRequeue(domain.ErrRunAlreadyClaimed))
	assert.False(t, shouldRequeue(domain.ErrRunFailed))
	assert.False(t, shouldRequeue(errors.New("unknown")))
}
