package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/apify"
	"github.com/cuongbtq/metals-aggregator/internal/dealer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callRecord struct {
	jobID string
	input RunRequest
	opts  apify.CallOptions
}

// fakeRunner answers Call/ListItems from per-job hooks. Dataset IDs are
// "ds-<jobID>" so ListItems can tell dealers apart.
type fakeRunner struct {
	mu    sync.Mutex
	calls []callRecord

	call func(ctx context.Context, jobID string) (*apify.Run, error)
	list func(ctx context.Context, jobID string) ([]map[string]any, error)
}

func (f *fakeRunner) Call(ctx context.Context, jobID string, input any, opts apify.CallOptions) (*apify.Run, error) {
	f.mu.Lock()
	f.calls = append(f.calls, callRecord{jobID: jobID, input: input.(RunRequest), opts: opts})
	f.mu.Unlock()

	if f.call != nil {
		return f.call(ctx, jobID)
	}
	return &apify.Run{ID: "run-" + jobID, Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
}

func (f *fakeRunner) ListItems(ctx context.Context, datasetID string) ([]map[string]any, error) {
	jobID := strings.TrimPrefix(datasetID, "ds-")
	if f.list != nil {
		return f.list(ctx, jobID)
	}
	return nil, nil
}

func (f *fakeRunner) calledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.jobID
	}
	return out
}

func itemsOf(n int) func(context.Context, string) ([]map[string]any, error) {
	return func(_ context.Context, jobID string) ([]map[string]any, error) {
		items := make([]map[string]any, n)
		for i := range items {
			items[i] = map[string]any{"title": fmt.Sprintf("%s item %d", jobID, i), "price": 30.5 + float64(i)}
		}
		return items, nil
	}
}

type memSink struct {
	records []Record
	failAt  int
}

func (s *memSink) Push(_ context.Context, r Record) error {
	if s.failAt > 0 && len(s.records)+1 == s.failAt {
		return errors.New("sink closed")
	}
	s.records = append(s.records, r)
	return nil
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logCapture) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logCapture) entries(t *testing.T, level string) []map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(l.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if e["level"] == level {
			out = append(out, e)
		}
	}
	return out
}

func newTestAggregator(runner JobRunner) (*Aggregator, *logCapture) {
	logs := &logCapture{}
	a := New(&Config{
		Logger:   slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Registry: dealer.Default(),
		Runner:   runner,
	})
	return a, logs
}

func jobIDFor(t *testing.T, name string) string {
	t.Helper()
	e, ok := dealer.Default().Lookup(name)
	require.True(t, ok, name)
	return e.JobID
}

func assertDealerTags(t *testing.T, records []Record, allowed []dealer.Entry) {
	t.Helper()
	valid := map[string]bool{}
	for _, e := range allowed {
		valid[e.Name] = true
	}
	for _, r := range records {
		name, ok := r[DealerField].(string)
		require.True(t, ok)
		assert.NotEmpty(t, name)
		assert.True(t, valid[name], "unexpected dealer %q", name)
	}
}

func TestRun_AllDealersSucceed(t *testing.T) {
	runner := &fakeRunner{list: itemsOf(2)}
	a, logs := newTestAggregator(runner)
	sink := &memSink{}

	summary, err := a.Run(context.Background(), Input{
		SearchTerms:       []string{"Gold bar"},
		MaxItemsPerDealer: 2,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, 22, summary.TotalRecords)
	assert.Equal(t, 11, summary.DealerCount)
	assert.False(t, summary.FellBack)
	require.Len(t, sink.records, 22)
	assertDealerTags(t, sink.records, dealer.Default().Entries())

	runner.mu.Lock()
	for _, c := range runner.calls {
		assert.Equal(t, RunRequest{SearchTerms: []string{"Gold bar"}, MaxItems: 2}, c.input)
		assert.Equal(t, 300*time.Second, c.opts.Timeout)
		if c.jobID == jobIDFor(t, "JM Bullion") {
			assert.Equal(t, 4096, c.opts.MemoryMB)
		} else {
			assert.Equal(t, 512, c.opts.MemoryMB)
		}
	}
	runner.mu.Unlock()

	done := logs.entries(t, "INFO")
	last := done[len(done)-1]
	assert.Equal(t, "Aggregation complete", last["msg"])
	assert.Equal(t, float64(22), last["total_products"])
	assert.Equal(t, float64(11), last["dealer_count"])
}

func TestRun_FilterSelectsSubset(t *testing.T) {
	runner := &fakeRunner{list: itemsOf(1)}
	a, _ := newTestAggregator(runner)
	sink := &memSink{}

	summary, err := a.Run(context.Background(), Input{
		SearchTerms: DefaultSearchTerms,
		Dealers:     []string{"kitco", "bgasc"},
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.DealerCount)
	assert.ElementsMatch(t, []string{jobIDFor(t, "Kitco"), jobIDFor(t, "BGASC")}, runner.calledJobs())

	require.Len(t, sink.records, 2)
	assert.Equal(t, "BGASC", sink.records[0][DealerField])
	assert.Equal(t, "Kitco", sink.records[1][DealerField])
}

func TestRun_UnmatchedFilterFallsBack(t *testing.T) {
	runner := &fakeRunner{list: itemsOf(0)}
	a, logs := newTestAggregator(runner)

	summary, err := a.Run(context.Background(), Input{Dealers: []string{"nonexistent"}}, &memSink{})
	require.NoError(t, err)

	assert.True(t, summary.FellBack)
	assert.Equal(t, 11, summary.DealerCount)
	assert.Len(t, runner.calledJobs(), 11)

	warnings := logs.entries(t, "WARN")
	require.NotEmpty(t, warnings)
	assert.Equal(t, "No matching dealers found, running all", warnings[0]["msg"])
}

func TestRun_FailedStatusContributesNothing(t *testing.T) {
	jm := jobIDFor(t, "JM Bullion")
	runner := &fakeRunner{
		call: func(_ context.Context, jobID string) (*apify.Run, error) {
			if jobID == jm {
				return &apify.Run{Status: apify.StatusFailed, DefaultDatasetID: "ds-" + jobID}, nil
			}
			return &apify.Run{Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
		},
		list: itemsOf(3),
	}
	a, logs := newTestAggregator(runner)
	sink := &memSink{}

	summary, err := a.Run(context.Background(), Input{MaxItemsPerDealer: 3}, sink)
	require.NoError(t, err)

	assert.Equal(t, 30, summary.TotalRecords)
	assert.Equal(t, 11, summary.DealerCount)
	for _, r := range sink.records {
		assert.NotEqual(t, "JM Bullion", r[DealerField])
	}

	assert.Equal(t, "JM Bullion", summary.Dealers[0].Dealer)
	assert.Equal(t, "FAILED", summary.Dealers[0].Status)
	assert.Zero(t, summary.Dealers[0].Count)

	warnings := logs.entries(t, "WARN")
	require.Len(t, warnings, 1)
	assert.Equal(t, "JM Bullion", warnings[0]["dealer"])
	assert.Equal(t, "FAILED", warnings[0]["status"])
}

func TestRun_FetchErrorIsIsolated(t *testing.T) {
	apmex := jobIDFor(t, "APMEX")
	runner := &fakeRunner{
		list: func(ctx context.Context, jobID string) ([]map[string]any, error) {
			if jobID == apmex {
				return nil, errors.New("dial tcp: connection reset by peer")
			}
			return itemsOf(2)(ctx, jobID)
		},
	}
	a, logs := newTestAggregator(runner)
	sink := &memSink{}

	summary, err := a.Run(context.Background(), Input{}, sink)
	require.NoError(t, err)

	assert.Equal(t, 20, summary.TotalRecords)
	assert.Len(t, sink.records, 20)
	for _, r := range sink.records {
		assert.NotEqual(t, "APMEX", r[DealerField])
	}

	errs := logs.entries(t, "ERROR")
	require.Len(t, errs, 1)
	assert.Equal(t, "APMEX", errs[0]["dealer"])
	assert.Contains(t, errs[0]["error"], "connection reset")
}

func TestRun_CallErrorAndMissingDataset(t *testing.T) {
	kitco := jobIDFor(t, "Kitco")
	hero := jobIDFor(t, "Hero Bullion")
	runner := &fakeRunner{
		call: func(_ context.Context, jobID string) (*apify.Run, error) {
			switch jobID {
			case kitco:
				return nil, context.DeadlineExceeded
			case hero:
				return &apify.Run{Status: apify.StatusSucceeded}, nil
			}
			return &apify.Run{Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
		},
		list: itemsOf(1),
	}
	a, _ := newTestAggregator(runner)

	summary, err := a.Run(context.Background(), Input{}, &memSink{})
	require.NoError(t, err)

	assert.Equal(t, 9, summary.TotalRecords)

	byDealer := map[string]DealerResult{}
	for _, d := range summary.Dealers {
		byDealer[d.Dealer] = d
	}
	assert.Equal(t, StatusError, byDealer["Kitco"].Status)
	assert.Equal(t, StatusNoDataset, byDealer["Hero Bullion"].Status)
}

func TestRun_PanicIsContained(t *testing.T) {
	silver := jobIDFor(t, "Silver.com")
	runner := &fakeRunner{
		list: func(ctx context.Context, jobID string) ([]map[string]any, error) {
			if jobID == silver {
				panic("decoder blew up")
			}
			return itemsOf(1)(ctx, jobID)
		},
	}
	a, logs := newTestAggregator(runner)

	summary, err := a.Run(context.Background(), Input{}, &memSink{})
	require.NoError(t, err)

	assert.Equal(t, 10, summary.TotalRecords)

	errs := logs.entries(t, "ERROR")
	require.Len(t, errs, 1)
	assert.Equal(t, "Dealer task exception", errs[0]["msg"])
	assert.Equal(t, "Silver.com", errs[0]["dealer"])
}

func TestRun_OutputFollowsDispatchOrder(t *testing.T) {
	// Earlier dealers finish last
	reg := dealer.Default()
	delay := map[string]time.Duration{}
	for i, e := range reg.Entries() {
		delay[e.JobID] = time.Duration(reg.Len()-i) * 5 * time.Millisecond
	}

	runner := &fakeRunner{
		call: func(_ context.Context, jobID string) (*apify.Run, error) {
			time.Sleep(delay[jobID])
			return &apify.Run{Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
		},
		list: itemsOf(2),
	}
	a, _ := newTestAggregator(runner)
	sink := &memSink{}

	_, err := a.Run(context.Background(), Input{}, sink)
	require.NoError(t, err)

	var got []string
	for _, r := range sink.records {
		got = append(got, r[DealerField].(string))
	}

	var want []string
	for _, e := range reg.Entries() {
		want = append(want, e.Name, e.Name)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "JM Bullion", sink.records[0][DealerField])
	assert.True(t, strings.HasSuffix(sink.records[1]["title"].(string), "item 1"))
}

func TestRun_DealersRunConcurrently(t *testing.T) {
	reg := dealer.Default()
	var started sync.WaitGroup
	started.Add(reg.Len())
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	runner := &fakeRunner{
		call: func(_ context.Context, jobID string) (*apify.Run, error) {
			started.Done()
			select {
			case <-allStarted:
			case <-time.After(2 * time.Second):
				return nil, errors.New("dealers were not dispatched concurrently")
			}
			return &apify.Run{Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
		},
		list: itemsOf(1),
	}
	a, _ := newTestAggregator(runner)

	summary, err := a.Run(context.Background(), Input{}, &memSink{})
	require.NoError(t, err)
	assert.Equal(t, 11, summary.TotalRecords)
}

func TestRun_SinkFailureStopsForwarding(t *testing.T) {
	runner := &fakeRunner{list: itemsOf(2)}
	a, _ := newTestAggregator(runner)
	sink := &memSink{failAt: 5}

	summary, err := a.Run(context.Background(), Input{}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink closed")
	assert.Equal(t, 4, summary.TotalRecords)
	assert.Len(t, sink.records, 4)
}

func TestRun_CanceledContextIsNotACompletedRun(t *testing.T) {
	runner := &fakeRunner{
		call: func(ctx context.Context, jobID string) (*apify.Run, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a, logs := newTestAggregator(runner)
	sink := &memSink{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary, err := a.Run(ctx, Input{}, sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), err.Error())
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.TotalRecords)
	assert.Len(t, summary.Dealers, 11)
	assert.Empty(t, sink.records)

	for _, e := range logs.entries(t, "INFO") {
		assert.NotEqual(t, "Aggregation complete", e["msg"])
	}
	assert.NotEmpty(t, logs.entries(t, "WARN"))
}

func TestRun_TotalEqualsSumOfDealerCounts(t *testing.T) {
	reg := dealer.Default()
	counts := map[string]int{}
	for i, e := range reg.Entries() {
		counts[e.JobID] = i % 4
	}

	runner := &fakeRunner{
		list: func(ctx context.Context, jobID string) ([]map[string]any, error) {
			return itemsOf(counts[jobID])(ctx, jobID)
		},
	}
	a, _ := newTestAggregator(runner)
	sink := &memSink{}

	summary, err := a.Run(context.Background(), Input{}, sink)
	require.NoError(t, err)

	sum := 0
	for _, d := range summary.Dealers {
		sum += d.Count
	}
	assert.Equal(t, sum, summary.TotalRecords)
	assert.Equal(t, len(sink.records), summary.TotalRecords)
}

func TestRunDealer_NilItemAndOverwrite(t *testing.T) {
	runner := &fakeRunner{
		list: func(context.Context, string) ([]map[string]any, error) {
			return []map[string]any{nil, {"dealer": "spoofed", "title": "Maple Leaf"}}, nil
		},
	}
	a, _ := newTestAggregator(runner)

	res := a.RunDealer(context.Background(), dealer.Entry{Name: "Kitco", JobID: "k"}, RunRequest{})
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Kitco", res.Records[0][DealerField])
	assert.Equal(t, "Kitco", res.Records[1][DealerField])
	assert.Equal(t, "Maple Leaf", res.Records[1]["title"])
}

func TestRun_MaxConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	runner := &fakeRunner{
		call: func(_ context.Context, jobID string) (*apify.Run, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return &apify.Run{Status: apify.StatusSucceeded, DefaultDatasetID: "ds-" + jobID}, nil
		},
	}
	a := New(&Config{Runner: runner, MaxConcurrency: 3})

	summary, err := a.Run(context.Background(), Input{}, &memSink{})
	require.NoError(t, err)
	assert.Equal(t, 11, summary.DealerCount)
	assert.LessOrEqual(t, peak, 3)
}
