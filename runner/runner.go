package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dhcgn/mailsheet/cache"
	"github.com/dhcgn/mailsheet/decoder"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/sink"
	"github.com/dhcgn/mailsheet/state"
	"github.com/dhcgn/mailsheet/stats"
)

const (
	DefaultRunTimeout = 2 * time.Minute
	deliveryTimeout   = 5 * time.Minute
)

var (
	ErrRunInProgress = errors.New("run already in progress")
	ErrClosed        = errors.New("runner closed")
	errPanic         = errors.New("run panicked")
)

// Source yields the candidate attachment for one run.
type Source interface {
	Fetch(ctx context.Context, criteria model.Criteria) (model.Fetch, error)
}

type DecodeFunc func(*model.RawAttachment) (*model.Dataset, error)

type Config struct {
	Source     Source
	Cache      *cache.Cache
	Dispatcher *sink.Dispatcher
	Stats      *stats.Collector
	Decode     DecodeFunc

	Criteria   model.Criteria
	Interval   time.Duration
	RunTimeout time.Duration
}

// Runner drives pipeline runs. At most one run is in flight at any time;
// a trigger that arrives while one is running is rejected, not queued.
type Runner struct {
	source     Source
	cache      *cache.Cache
	dispatcher *sink.Dispatcher
	stats      *stats.Collector
	decode     DecodeFunc
	logger     *slog.Logger

	criteria   model.Criteria
	interval   time.Duration
	runTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	slot *semaphore.Weighted

	stateMu    sync.RWMutex
	stage      model.Stage
	currentRun string
	closed     bool

	runsWG     sync.WaitGroup
	deliveryWG sync.WaitGroup

	now   func() time.Time
	newID func() string
}

func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("attachment source must not be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache must not be nil")
	}
	if cfg.Decode == nil {
		cfg.Decode = decoder.Decode
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		source:     cfg.Source,
		cache:      cfg.Cache,
		dispatcher: cfg.Dispatcher,
		stats:      cfg.Stats,
		decode:     cfg.Decode,
		logger:     logger,
		criteria:   cfg.Criteria,
		interval:   cfg.Interval,
		runTimeout: cfg.RunTimeout,
		ctx:        ctx,
		cancel:     cancel,
		slot:       semaphore.NewWeighted(1),
		stage:      model.StageIdle,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func (r *Runner) Cache() *cache.Cache {
	return r.cache
}

func (r *Runner) Stats() *stats.Collector {
	return r.stats
}

func (r *Runner) Criteria() model.Criteria {
	return r.criteria
}

// State returns the current stage and, while running, the run id.
func (r *Runner) State() (model.Stage, string) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.stage, r.currentRun
}

func (r *Runner) Running() bool {
	stage, _ := r.State()
	return stage != model.StageIdle
}

// RunOnce executes one run synchronously. The only errors are
// ErrRunInProgress and ErrClosed; every pipeline failure is reported in the
// outcome.
func (r *Runner) RunOnce(ctx context.Context, criteria model.Criteria) (model.RunOutcome, error) {
	runID := r.newID()
	if err := r.begin("run-once", runID); err != nil {
		return model.RunOutcome{}, err
	}
	defer r.slot.Release(1)
	defer r.runsWG.Done()
	return r.run(ctx, runID, criteria), nil
}

// Trigger starts a run in the background with the configured criteria and
// returns its id. The run outlives ctx's cancellation but not Close.
func (r *Runner) Trigger(ctx context.Context) (string, error) {
	runID := r.newID()
	if err := r.begin("trigger", runID); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.ctx, cancel)

	go func() {
		defer r.runsWG.Done()
		defer r.slot.Release(1)
		defer cancel()
		defer stop()
		r.run(runCtx, runID, r.criteria)
	}()
	return runID, nil
}

// begin claims the single-flight slot and marks runID as the current run.
// The caller releases the slot and calls runsWG.Done when the run ends.
func (r *Runner) begin(trigger, runID string) error {
	if !r.slot.TryAcquire(1) {
		r.skipped(trigger)
		return ErrRunInProgress
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.closed {
		r.slot.Release(1)
		return ErrClosed
	}
	r.currentRun = runID
	r.stage = model.StageConnecting
	r.runsWG.Add(1)
	return nil
}

// Close cancels in-flight work and waits for runs and deliveries to finish.
// Runs requested afterwards fail with ErrClosed.
func (r *Runner) Close() error {
	r.stateMu.Lock()
	r.closed = true
	r.stateMu.Unlock()

	r.cancel()
	r.runsWG.Wait()
	r.deliveryWG.Wait()
	r.stats.Log(r.logger, "stats summary")
	return nil
}

// WaitDeliveries blocks until detached sink deliveries have finished.
func (r *Runner) WaitDeliveries() {
	r.deliveryWG.Wait()
}

func (r *Runner) run(ctx context.Context, runID string, criteria model.Criteria) (outcome model.RunOutcome) {
	outcome = model.RunOutcome{RunID: runID, StartedAt: r.now()}
	r.stats.Record(stats.Event{Type: stats.EventTypeRunStarted, RunID: runID})
	r.logger.Debug("run started", "runID", runID)

	defer func() {
		if rec := recover(); rec != nil {
			outcome.Kind = model.OutcomeFailed
			outcome.Dataset = nil
			outcome.Err = fmt.Errorf("%w: %v", errPanic, rec)
		}
		outcome.Duration = r.now().Sub(outcome.StartedAt)
		r.finish()
		r.report(outcome)
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()
	runCtx = model.WithStageHook(runCtx, r.setStage)

	model.ReportStage(runCtx, model.StageConnecting)
	fetch, err := r.source.Fetch(runCtx, criteria)
	outcome.Fetch = fetch
	switch {
	case errors.Is(err, model.ErrNoQualifyingMessage):
		outcome.Kind = model.OutcomeNoQualifyingMessage
		return outcome
	case errors.Is(err, model.ErrNoSupportedAttachment):
		outcome.Kind = model.OutcomeNoSupportedAttachment
		return outcome
	case err != nil:
		if runCtx.Err() != nil && !errors.Is(err, model.ErrConnection) {
			err = fmt.Errorf("%w: %w", model.ErrConnection, err)
		}
		return failed(outcome, fmt.Errorf("fetch: %w", err))
	case fetch.Attachment == nil:
		return failed(outcome, fmt.Errorf("fetch: %w: source returned no attachment", model.ErrProtocol))
	}

	model.ReportStage(runCtx, model.StageDecoding)
	ds, err := r.decode(fetch.Attachment)
	if err != nil {
		return failed(outcome, fmt.Errorf("decode %s: %w", fetch.Attachment.Filename, err))
	}

	model.ReportStage(runCtx, model.StagePublishing)
	entry, err := r.cache.Publish(runID, ds, r.now())
	if err != nil {
		return failed(outcome, fmt.Errorf("publish: %w", err))
	}

	outcome.Kind = model.OutcomeDecoded
	outcome.Dataset = ds
	r.deliver(entry, fetch)
	return outcome
}

func failed(outcome model.RunOutcome, err error) model.RunOutcome {
	outcome.Kind = model.OutcomeFailed
	outcome.Dataset = nil
	outcome.Err = err
	return outcome
}

// deliver hands the published dataset to the sinks without waiting for them.
func (r *Runner) deliver(entry *model.CacheEntry, fetch model.Fetch) {
	if r.dispatcher == nil || r.dispatcher.Len() == 0 {
		return
	}

	delivery := sink.Delivery{
		RunID:       entry.RunID,
		Attachment:  fetch.Attachment,
		Dataset:     entry.Dataset,
		Subject:     fetch.Subject,
		From:        fetch.From,
		Warnings:    fetch.Warnings,
		ProcessedAt: entry.ProcessedAt,
		Hash:        state.Hash(fetch.Attachment.Content),
	}

	r.deliveryWG.Add(1)
	go func() {
		defer r.deliveryWG.Done()
		ctx, cancel := context.WithTimeout(r.ctx, deliveryTimeout)
		defer cancel()
		if err := r.dispatcher.Dispatch(ctx, delivery); err != nil {
			r.logger.Warn("delivery incomplete", "runID", delivery.RunID, "err", err)
		}
	}()
}

func (r *Runner) report(outcome model.RunOutcome) {
	attrs := outcome.LogAttrs()
	evt := stats.Event{RunID: outcome.RunID, Err: outcome.Err, At: outcome.StartedAt.Add(outcome.Duration)}

	switch outcome.Kind {
	case model.OutcomeDecoded:
		evt.Type = stats.EventTypeDecoded
		r.logger.Info("run decoded attachment", attrs...)
	case model.OutcomeNoQualifyingMessage:
		evt.Type = stats.EventTypeNoMessage
		r.logger.Info("run found no qualifying message", attrs...)
	case model.OutcomeNoSupportedAttachment:
		evt.Type = stats.EventTypeNoAttachment
		r.logger.Warn("run found no supported attachment", attrs...)
	default:
		evt.Type = stats.EventTypeFailed
		r.logger.Error("run failed", attrs...)
	}
	r.stats.Record(evt)
}

func (r *Runner) skipped(trigger string) {
	_, current := r.State()
	r.stats.Record(stats.Event{Type: stats.EventTypeSkipped, Detail: trigger})
	r.logger.Warn("run skipped", "trigger", trigger, "reason", ErrRunInProgress.Error(), "currentRun", current)
}

func (r *Runner) finish() {
	r.stateMu.Lock()
	r.currentRun = ""
	r.stage = model.StageIdle
	r.stateMu.Unlock()
}

func (r *Runner) setStage(stage model.Stage) {
	r.stateMu.Lock()
	r.stage = stage
	r.stateMu.Unlock()
	r.logger.Debug("run stage", "stage", string(stage))
}
