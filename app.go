package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mailsheet/cache"
	"github.com/dhcgn/mailsheet/config"
	"github.com/dhcgn/mailsheet/decoder"
	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/imap"
	"github.com/dhcgn/mailsheet/mbox"
	"github.com/dhcgn/mailsheet/runner"
	"github.com/dhcgn/mailsheet/sink"
	"github.com/dhcgn/mailsheet/state"
	"github.com/dhcgn/mailsheet/stats"
)

// app holds the wired pipeline and whatever must be released on exit.
type app struct {
	runner  *runner.Runner
	source  fmt.Stringer
	sinks   []string
	logger  *slog.Logger
	closers []func() error
}

type attachmentSource interface {
	runner.Source
	fmt.Stringer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	f, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	src, err := newSource(cfg, f, logger)
	if err != nil {
		return nil, err
	}
	a.source = src

	tracker, err := newTracker(cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := tracker.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	sinks, err := a.newSinks(ctx, cfg)
	if err != nil {
		return nil, err
	}

	collector := stats.NewCollector()
	dispatcher := sink.NewDispatcher(tracker, collector.Record, logger, sinks...)
	a.sinks = dispatcher.Names()

	r, err := runner.New(runner.Config{
		Source:     src,
		Cache:      cache.New(),
		Dispatcher: dispatcher,
		Stats:      collector,
		Decode:     decoder.Decode,
		Criteria:   cfg.Criteria(),
		Interval:   cfg.Interval,
		RunTimeout: cfg.RunTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runner.New: %w", err)
	}
	a.runner = r
	return a, nil
}

func newSource(cfg config.Config, f *filter.Filter, logger *slog.Logger) (attachmentSource, error) {
	if cfg.Offline() {
		src, err := mbox.NewSource(mbox.Options{Path: cfg.MboxPath}, f, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewSource: %w", err)
		}
		return src, nil
	}

	src, err := imap.NewSource(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
		ConnectTimeout:     cfg.ConnectTimeout,
		ScanLimit:          cfg.ScanLimit,
	}, f, logger)
	if err != nil {
		return nil, fmt.Errorf("imap.NewSource: %w", err)
	}
	return src, nil
}

func newTracker(cfg config.Config) (state.Tracker, error) {
	if cfg.StateDir == "" {
		return state.NewMemoryTracker(), nil
	}
	tracker, err := state.NewFileTracker(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("state.NewFileTracker: %w", err)
	}
	return tracker, nil
}

func (a *app) newSinks(ctx context.Context, cfg config.Config) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.OutputDir != "" {
		dir, err := sink.NewDir(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("sink.NewDir: %w", err)
		}
		sinks = append(sinks, dir)
	}

	if cfg.GCSBucket != "" {
		gcs, err := sink.NewGCS(ctx, sink.GCSOptions{
			Bucket:          cfg.GCSBucket,
			Project:         cfg.GCSProject,
			CredentialsFile: cfg.GCSCredentials,
		})
		if err != nil {
			return nil, fmt.Errorf("sink.NewGCS: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		sinks = append(sinks, gcs)
	}

	if cfg.SendGridKey != "" {
		notifier, err := sink.NewNotifier(sink.NotifierOptions{
			APIKey: cfg.SendGridKey,
			From:   cfg.NotifyFrom,
			To:     cfg.NotifyTo,
		})
		if err != nil {
			return nil, fmt.Errorf("sink.NewNotifier: %w", err)
		}
		sinks = append(sinks, notifier)
	}

	return sinks, nil
}

// Close stops the runner, then releases sinks and state.
func (a *app) Close() error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *app) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
