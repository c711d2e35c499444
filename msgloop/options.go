// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

import "github.com/joeycumines/go-taskloop/internal/obslog"

// options holds configuration resolved from Option values at New.
type options struct {
	name   string
	logger obslog.Logger
}

// Option configures a Loop instance.
type Option interface {
	applyLoop(*options)
}

type optionFunc func(*options)

func (f optionFunc) applyLoop(o *options) { f(o) }

// WithName sets the loop's diagnostic name, used only in log fields; it has
// no effect on dispatch semantics.
func WithName(name string) Option {
	return optionFunc(func(o *options) { o.name = name })
}

// WithLogger attaches a structured logger. Lifecycle transitions (looping,
// stop requested, terminated) are logged at Debug; individual message
// dispatches are not logged. Omitted defaults to a disabled logger, i.e.
// zero overhead.
func WithLogger(logger obslog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

func resolveOptions(opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyLoop(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = obslog.Disabled()
	}
	return cfg
}
