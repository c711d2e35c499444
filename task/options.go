// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package task

import (
	"time"

	"github.com/joeycumines/go-taskloop/internal/obslog"
	"github.com/joeycumines/go-taskloop/msgloop"
)

// defaultPublishIntervalMS is the default publish_interval_ms per §3, below
// which an accepted progress publish will not be followed by another.
const defaultPublishIntervalMS = 500

type config struct {
	name              string
	priority          msgloop.Priority
	logger            obslog.Logger
	publishIntervalMS int64
}

// Option configures a Task at New.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithName sets the task's fixed display name (truncated to 32 bytes, per
// §3's "fixed name (≤32 chars)" field).
func WithName(name string) Option {
	return optionFunc(func(c *config) {
		if len(name) > 32 {
			name = name[:32]
		}
		c.name = name
	})
}

// WithPriority sets the task's scheduling priority, consumed by a
// taskmanager's ready queues — never by the OS thread scheduler, since the
// source marks thread-priority as not implemented.
func WithPriority(p msgloop.Priority) Option {
	return optionFunc(func(c *config) { c.priority = p })
}

// WithLogger attaches a structured logger for state-transition and
// body-panic diagnostics; throttled progress publishes are not logged.
func WithLogger(logger obslog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = logger })
}

// WithPublishInterval overrides the default 500ms progress-publish
// throttle window.
func WithPublishInterval(d time.Duration) Option {
	return optionFunc(func(c *config) { c.publishIntervalMS = d.Milliseconds() })
}

func resolveOptions(opts []Option) *config {
	c := &config{
		priority:          msgloop.Normal,
		publishIntervalMS: defaultPublishIntervalMS,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	if c.logger == nil {
		c.logger = obslog.Disabled()
	}
	return c
}
