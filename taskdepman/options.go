// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskdepman

import "github.com/joeycumines/go-taskloop/internal/obslog"

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

// WithLogger attaches a structured logger. It records a leaf or successor
// task that the task manager refuses to admit; graph mutations are not
// logged.
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
