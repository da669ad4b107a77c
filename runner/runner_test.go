package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsheet/cache"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/sink"
	"github.com/dhcgn/mailsheet/state"
	"github.com/dhcgn/mailsheet/stats"
)

type sourceFunc func(ctx context.Context, c model.Criteria) (model.Fetch, error)

func (f sourceFunc) Fetch(ctx context.Context, c model.Criteria) (model.Fetch, error) {
	return f(ctx, c)
}

func csvFetch(name, content string) model.Fetch {
	return model.Fetch{
		MessagesFound: 1,
		Subject:       "Weekly Report",
		Attachment:    &model.RawAttachment{Filename: name, Content: []byte(content), SizeBytes: int64(len(content))},
		Considered:    []string{name},
	}
}

func staticSource(fetch model.Fetch, err error) Source {
	return sourceFunc(func(context.Context, model.Criteria) (model.Fetch, error) { return fetch, err })
}

func newRunner(t *testing.T, src Source, mutate ...func(*Config)) *Runner {
	t.Helper()
	cfg := Config{Source: src, Cache: cache.New(), RunTimeout: time.Second, Interval: time.Hour}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Cache: cache.New()}, nil)
	assert.Error(t, err)
	_, err = New(Config{Source: staticSource(model.Fetch{}, nil)}, nil)
	assert.Error(t, err)
}

func TestRunOnceDecoded(t *testing.T) {
	r := newRunner(t, staticSource(csvFetch("report.csv", "a,b\n1,2\n3,4\n"), nil))

	outcome, err := r.RunOnce(context.Background(), model.Criteria{Senders: []string{"bob"}})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeDecoded, outcome.Kind)
	require.NotNil(t, outcome.Dataset)
	assert.Equal(t, 2, outcome.Dataset.RowCount())
	assert.NotEmpty(t, outcome.RunID)

	entry := r.Cache().Get()
	require.NotNil(t, entry)
	assert.Equal(t, outcome.RunID, entry.RunID)
	assert.Same(t, outcome.Dataset, entry.Dataset)

	stage, current := r.State()
	assert.Equal(t, model.StageIdle, stage)
	assert.Empty(t, current)

	s := r.Stats().Snapshot()
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, 1, s.Decoded)
	assert.Equal(t, string(stats.EventTypeDecoded), s.LastOutcome)
}

func TestRunOnceNotFoundOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.OutcomeKind
	}{
		{"no message", model.ErrNoQualifyingMessage, model.OutcomeNoQualifyingMessage},
		{"no attachment", model.ErrNoSupportedAttachment, model.OutcomeNoSupportedAttachment},
		{"connection", model.ErrConnection, model.OutcomeFailed},
		{"protocol", model.ErrProtocol, model.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t, staticSource(model.Fetch{MessagesFound: 3}, tt.err))

			outcome, err := r.RunOnce(context.Background(), model.Criteria{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome.Kind)
			assert.Equal(t, 3, outcome.Fetch.MessagesFound)
			assert.Nil(t, outcome.Dataset)
			assert.Nil(t, r.Cache().Get())
			if tt.want == model.OutcomeFailed {
				assert.ErrorIs(t, outcome.Err, tt.err)
			}
		})
	}
}

func TestRunOnceMalformedKeepsCache(t *testing.T) {
	var content atomic.Value
	content.Store("a,b\n1,2\n")
	src := sourceFunc(func(context.Context, model.Criteria) (model.Fetch, error) {
		return csvFetch("report.csv", content.Load().(string)), nil
	})
	r := newRunner(t, src)

	first, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDecoded, first.Kind)
	before := r.Cache().Get()

	content.Store("a,b\n\"broken,2\n")
	second, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFailed, second.Kind)
	assert.ErrorIs(t, second.Err, model.ErrMalformedContent)
	assert.Same(t, before, r.Cache().Get())
	assert.Equal(t, uint64(1), r.Cache().Publications())
}

func TestRunOnceUnsupportedFormatFailsSafely(t *testing.T) {
	r := newRunner(t, staticSource(csvFetch("report.ods", "x"), nil))

	outcome, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, model.ErrUnsupportedFormat)
}

func TestRunOnceRecoversPanics(t *testing.T) {
	src := sourceFunc(func(context.Context, model.Criteria) (model.Fetch, error) {
		panic("source exploded")
	})
	r := newRunner(t, src)

	outcome, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, errPanic)
	assert.False(t, r.Running())
}

func TestRunOnceTimeoutIsConnectionError(t *testing.T) {
	src := sourceFunc(func(ctx context.Context, _ model.Criteria) (model.Fetch, error) {
		<-ctx.Done()
		return model.Fetch{}, ctx.Err()
	})
	r := newRunner(t, src, func(c *Config) { c.RunTimeout = 20 * time.Millisecond })

	outcome, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, model.ErrConnection)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	src := sourceFunc(func(ctx context.Context, _ model.Criteria) (model.Fetch, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return csvFetch("report.csv", "a\n1\n"), nil
	})
	r := newRunner(t, src)

	var (
		wg    sync.WaitGroup
		first model.RunOutcome
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = r.RunOnce(context.Background(), model.Criteria{})
	}()
	<-entered

	stage, current := r.State()
	assert.Equal(t, model.StageConnecting, stage)
	assert.NotEmpty(t, current)

	_, err := r.RunOnce(context.Background(), model.Criteria{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = r.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	wg.Wait()

	assert.Equal(t, model.OutcomeDecoded, first.Kind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), r.Cache().Publications())
	assert.Equal(t, 2, r.Stats().Snapshot().Skipped)
}

func TestBeginMarksRunBeforeSourceIsCalled(t *testing.T) {
	r := newRunner(t, staticSource(model.Fetch{}, model.ErrNoQualifyingMessage))

	require.NoError(t, r.begin("test", "run-1"))
	stage, current := r.State()
	assert.Equal(t, model.StageConnecting, stage)
	assert.Equal(t, "run-1", current)
	assert.True(t, r.Running())

	r.finish()
	r.slot.Release(1)
	r.runsWG.Done()
	assert.False(t, r.Running())
}

func TestClosedRunnerRefusesRuns(t *testing.T) {
	r := newRunner(t, staticSource(csvFetch("report.csv", "a\n1\n"), nil))
	require.NoError(t, r.Close())

	_, err := r.RunOnce(context.Background(), model.Criteria{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	stage, current := r.State()
	assert.Equal(t, model.StageIdle, stage)
	assert.Empty(t, current)
	assert.Nil(t, r.Cache().Get())
}

func TestTriggerRunsInBackground(t *testing.T) {
	r := newRunner(t, staticSource(csvFetch("report.csv", "a\n1\n"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	runID, err := r.Trigger(ctx)
	cancel()
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		entry := r.Cache().Get()
		return entry != nil && entry.RunID == runID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStageHook(t *testing.T) {
	var seen model.Stage
	var r *Runner
	src := sourceFunc(func(ctx context.Context, _ model.Criteria) (model.Fetch, error) {
		model.ReportStage(ctx, model.StageSearching)
		seen, _ = r.State()
		return model.Fetch{}, model.ErrNoQualifyingMessage
	})
	r = newRunner(t, src)

	_, err := r.RunOnce(context.Background(), model.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, model.StageSearching, seen)
}

func TestCallerStageHookSeesRunStages(t *testing.T) {
	r := newRunner(t, staticSource(csvFetch("data.csv", "a\n1\n"), nil))

	var stages []model.Stage
	ctx := model.WithStageHook(context.Background(), func(s model.Stage) { stages = append(stages, s) })
	outcome, err := r.RunOnce(ctx, model.Criteria{})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDecoded, outcome.Kind)
	assert.Equal(t, []model.Stage{model.StageConnecting, model.StageDecoding, model.StagePublishing}, stages)
}

type countingSink struct {
	mu    sync.Mutex
	names []string
}

func (c *countingSink) Name() string { return "counting" }

func (c *countingSink) Deliver(_ context.Context, d sink.Delivery) error {
	c.mu.Lock()
	c.names = append(c.names, d.Filename())
	c.mu.Unlock()
	return nil
}

func TestDecodedRunIsDelivered(t *testing.T) {
	target := &countingSink{}
	collector := stats.NewCollector()
	dispatcher := sink.NewDispatcher(state.NewMemoryTracker(), collector.Record, nil, target)
	r := newRunner(t, staticSource(csvFetch("report.csv", "a\n1\n"), nil), func(c *Config) {
		c.Dispatcher = dispatcher
		c.Stats = collector
	})

	for i := 0; i < 2; i++ {
		outcome, err := r.RunOnce(context.Background(), model.Criteria{})
		require.NoError(t, err)
		require.Equal(t, model.OutcomeDecoded, outcome.Kind)
		r.WaitDeliveries()
	}

	assert.Equal(t, []string{"report.csv"}, target.names, "same content is delivered once")
	assert.Equal(t, uint64(2), r.Cache().Publications(), "cache is republished every run")
	s := collector.Snapshot()
	assert.Equal(t, 1, s.Delivered)
	assert.Equal(t, 1, s.DeliveryDuplicates)
}

func TestStartRunsImmediatelyAndOnInterval(t *testing.T) {
	var calls atomic.Int32
	src := sourceFunc(func(context.Context, model.Criteria) (model.Fetch, error) {
		calls.Add(1)
		return model.Fetch{}, model.ErrNoQualifyingMessage
	})
	r := newRunner(t, src, func(c *Config) { c.Interval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestStartRequiresInterval(t *testing.T) {
	r := newRunner(t, staticSource(model.Fetch{}, errors.New("unused")), func(c *Config) { c.Interval = 0 })
	assert.Error(t, r.Start(context.Background()))
}
