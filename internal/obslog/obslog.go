// Package obslog centralizes the structured-logging wiring shared by every
// layer of the task execution core: a logiface.Logger bound to the
// izerolog/zerolog backend, with a disabled-by-default logger for callers
// that never supply one. Field key names are collected here so every
// package logs the same vocabulary (loop_id, task_id, task_name, manager,
// priority, state, errcode) rather than inventing per-package spellings.
package obslog

import "github.com/joeycumines/logiface"
import "github.com/joeycumines/izerolog"

// Logger is the concrete logger type threaded through every constructor's
// WithLogger option: a logiface facade bound to izerolog's Event.
type Logger = *logiface.Logger[*izerolog.Event]

// Disabled returns a Logger that discards everything at effectively zero
// cost, the default for any component not given an explicit Logger.
func Disabled() Logger {
	return logiface.New[*izerolog.Event]()
}

// Field keys shared across packages, so a single log aggregation query
// works regardless of which component emitted the entry.
const (
	FieldLoopID    = "loop_id"
	FieldTaskID    = "task_id"
	FieldTaskName  = "task_name"
	FieldManager   = "manager"
	FieldPriority  = "priority"
	FieldState     = "state"
	FieldErrcode   = "errcode"
	FieldEventType = "event"
)
