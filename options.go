// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package looptest

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger          *logiface.Logger[logiface.Event]
	panicLimiter    *catrate.Limiter
	panicLimiterSet bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger to the loop. The loop logs at
// debug on run start/stop, timer scheduling, and stop requests, and at error
// on recovered callback panics. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicLogLimiter replaces the rate limiter applied to panic log output.
// By default repeated panics log at most a handful of times per second; pass
// nil to log every panic.
func WithPanicLogLimiter(limiter *catrate.Limiter) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.panicLimiter = limiter
		opts.panicLimiterSet = true
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.panicLimiterSet {
		cfg.panicLimiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		})
	}
	return cfg, nil
}
