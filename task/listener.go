// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package task

import "github.com/joeycumines/go-taskloop/msgloop"

// Listener receives a Task's lifecycle notifications. Every method is
// optional in the sense that a caller may embed NopListener and override
// only what it needs. All callbacks are delivered on the listener's
// registered handler (the task's owner, for the intrinsic listener; a
// caller-chosen handler for extrinsic listeners added via AddListener),
// never inline on the task's own worker goroutine.
type Listener interface {
	// OnStarted fires on entering STARTED.
	OnStarted(t *Task)
	// OnDone fires after the body returns and the task reaches DONE, with
	// the body's result and errcode (0 on success).
	OnDone(t *Task, result any, errcode int)
	// OnCancelling fires on entering CANCELLING. started reports whether
	// the task had already entered STARTED when cancel was requested.
	OnCancelling(t *Task, started bool)
	// OnCancelled fires after the task reaches CANCELLED.
	OnCancelled(t *Task, errcode int)
	// OnProgressInit fires when publish_progress_init succeeds, and again
	// (replaying the current max, not history) for any listener added
	// after initialization has already occurred.
	OnProgressInit(t *Task, maxProg int64)
	// OnProgress fires for each accepted (non-throttled) progress publish.
	OnProgress(t *Task, prog int64)
}

// NopListener implements Listener with no-op methods, so callers can embed
// it and override only the callbacks they care about.
type NopListener struct{}

func (NopListener) OnStarted(*Task)                  {}
func (NopListener) OnDone(*Task, any, int)            {}
func (NopListener) OnCancelling(*Task, bool)          {}
func (NopListener) OnCancelled(*Task, int)            {}
func (NopListener) OnProgressInit(*Task, int64)       {}
func (NopListener) OnProgress(*Task, int64)           {}

// ListenerID identifies a registered extrinsic listener for removal.
type ListenerID uint64

type listenerEntry struct {
	id      ListenerID
	handler *msgloop.Handler
	l       Listener
}
