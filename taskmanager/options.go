// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package taskmanager implements the slot-limited, multi-priority task
// scheduler of the task execution core: a bounded run queue fed from five
// priority ready queues, serialized by a single mutex so that queue-event
// notifications always observe the same ordering as the state transitions
// they describe.
package taskmanager

import "github.com/joeycumines/go-taskloop/internal/obslog"

// unlimitedSlots mirrors the source's large-sentinel treatment of a
// non-positive slot count: effectively unbounded concurrency.
const unlimitedSlots = 999999999

type config struct {
	name   string
	logger obslog.Logger
}

// Option configures a Manager at New.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithName sets a display name used in log output.
func WithName(name string) Option {
	return optionFunc(func(c *config) { c.name = name })
}

// WithLogger attaches a structured logger. It records a task that fails to
// start when promoted to the run queue; admission and termination
// accounting are not logged.
func WithLogger(logger obslog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = logger })
}

func resolveOptions(opts []Option) *config {
	c := &config{}
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
