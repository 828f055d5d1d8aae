// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"time"
)

// defaultMaxPollTimeout bounds each readiness wait of an [IOManager], so
// idle workers re-check the stopping predicate periodically.
const defaultMaxPollTimeout = 3 * time.Second

// schedulerOptions holds configuration options for Scheduler and IOManager
// creation.
type schedulerOptions struct {
	logger         *Logger
	name           string
	threads        int
	maxPollTimeout time.Duration
	useCaller      bool
	loggerSet      bool
}

// --- Scheduler Options ---

// Option configures a Scheduler or IOManager instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithThreads sets the number of worker threads, including the calling
// thread when [WithUseCaller] is enabled. Defaults to 1.
func WithThreads(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 1 {
			return ErrInvalidThreadCount
		}
		opts.threads = n
		return nil
	}}
}

// WithUseCaller sets whether the goroutine constructing the scheduler counts
// as one of its worker threads. Such a scheduler runs work on the caller
// only while the caller is blocked in Stop, and must be stopped from the
// same goroutine. Defaults to true.
func WithUseCaller(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.useCaller = enabled
		return nil
	}}
}

// WithName sets the scheduler name, used to name its worker threads.
func WithName(name string) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger sets the logger used by the scheduler. When not set, the
// package-level logger (see [SetLogger]) is used. A nil logger disables
// logging.
func WithLogger(logger *Logger) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		opts.loggerSet = true
		return nil
	}}
}

// WithMaxPollTimeout bounds how long an [IOManager] worker blocks in a single
// readiness wait. Ignored by a plain [Scheduler]. Defaults to 3s.
func WithMaxPollTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return ErrInvalidPollTimeout
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		threads:        1,
		useCaller:      true,
		maxPollTimeout: defaultMaxPollTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.loggerSet {
		cfg.logger = getLogger()
	}
	return cfg, nil
}
