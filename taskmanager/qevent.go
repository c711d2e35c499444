// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmanager

import (
	"github.com/joeycumines/go-taskloop/msgloop"
	"github.com/joeycumines/go-taskloop/task"
)

// QueueEvent describes a task's movement through a Manager's ready and run
// queues.
type QueueEvent int

const (
	// AddedToReady fires when a task is admitted and queued.
	AddedToReady QueueEvent = iota
	// RemovedFromReady fires when a queued (not yet running) task is
	// cancelled out of its ready queue.
	RemovedFromReady
	// MovedToRun fires when a ready task is dequeued into the run queue and
	// started.
	MovedToRun
	// RemovedFromRun fires when a running task reaches a terminal state and
	// is dropped from the run queue.
	RemovedFromRun
)

func (ev QueueEvent) String() string {
	switch ev {
	case AddedToReady:
		return "ADDED_TO_READY"
	case RemovedFromReady:
		return "REMOVED_FROM_READY"
	case MovedToRun:
		return "MOVED_TO_RUN"
	case RemovedFromRun:
		return "REMOVED_FROM_RUN"
	default:
		return "UNKNOWN"
	}
}

// QueueType reports which of a Manager's queues a task currently occupies.
type QueueType int

const (
	NotQueued QueueType = iota
	Ready
	Run
)

// QueueListener observes a Manager's queue events. readyqSize/runqSize are
// the queue sizes as of the moment the event was emitted (under the
// manager's queue mutex), not the moment the listener callback runs.
type QueueListener interface {
	OnQueueEvent(m *Manager, ev QueueEvent, readyqSize, runqSize int, t *task.Task)
}

// ListenerID identifies a registered QueueListener for removal.
type ListenerID uint64

type qListenerEntry struct {
	id      ListenerID
	handler *msgloop.Handler
	l       QueueListener
}
