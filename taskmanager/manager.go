// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmanager

import (
	"sync"

	"github.com/joeycumines/go-taskloop/errs"
	"github.com/joeycumines/go-taskloop/internal/obslog"
	"github.com/joeycumines/go-taskloop/internal/plist"
	"github.com/joeycumines/go-taskloop/internal/tagmap"
	"github.com/joeycumines/go-taskloop/msgloop"
	"github.com/joeycumines/go-taskloop/task"
)

const numPriorities = int(msgloop.Lower) + 1

// managedEntry is the manager's private bookkeeping for one admitted task:
// the source's "ttg" tag. inRun tracks which of the two queues currently
// holds the task, since removal/notification logic differs by queue.
type managedEntry struct {
	t          *task.Task
	listenerID task.ListenerID
	inRun      bool
}

// Manager is a slot-limited scheduler: tasks are admitted into one of five
// priority ready queues and promoted into a bounded run queue as slots free
// up, highest priority first.
type Manager struct {
	owner  *msgloop.Handler
	slots  int
	logger obslog.Logger
	name   string

	// mu guards ready, run and managed together — deliberately one lock, not
	// one per queue, so a queue-event notification is always emitted in the
	// same serialization as the state change it reports.
	mu      sync.Mutex
	ready   [numPriorities]*plist.Queue[*task.Task]
	run     map[uint64]*task.Task
	managed map[uint64]*managedEntry

	tags *tagmap.Map

	listenersMu    sync.Mutex
	listeners      *plist.Queue[*qListenerEntry]
	nextListenerID uint64
}

// New constructs a Manager owned by owner, with slots concurrently running
// tasks (a non-positive slots is treated as effectively unlimited).
func New(owner *msgloop.Handler, slots int, opts ...Option) *Manager {
	cfg := resolveOptions(opts)
	if slots <= 0 {
		slots = unlimitedSlots
	}

	m := &Manager{
		owner:          owner,
		slots:          slots,
		logger:         cfg.logger,
		name:           cfg.name,
		run:            make(map[uint64]*task.Task),
		managed:        make(map[uint64]*managedEntry),
		tags:           tagmap.New(),
		listeners:      plist.New[*qListenerEntry](),
		nextListenerID: 1,
	}
	for i := range m.ready {
		m.ready[i] = plist.New[*task.Task]()
	}
	return m
}

// Owner returns the manager's owner handler.
func (m *Manager) Owner() *msgloop.Handler { return m.owner }

// Slots returns the configured run-queue capacity.
func (m *Manager) Slots() int { return m.slots }

// Size returns the total number of tasks currently managed (ready + run).
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.managed)
}

// Contains reports which queue, if any, currently holds t.
func (m *Manager) Contains(t *task.Task) QueueType {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.managed[t.ID()]
	if !ok {
		return NotQueued
	}
	if e.inRun {
		return Run
	}
	return Ready
}

// AddTask admits t: requires t.State() == task.Ready and that it is not
// already managed. It tags the task for bookkeeping, subscribes an
// internal terminal listener so the manager can account for the task
// regardless of which queue it ends up leaving from, places it at the tail
// of its priority's ready queue, takes a reference, emits AddedToReady, and
// attempts to balance.
func (m *Manager) AddTask(t *task.Task) error {
	m.mu.Lock()
	if _, already := m.managed[t.ID()]; already {
		m.mu.Unlock()
		return errs.WithOp("taskmanager.AddTask", errs.ErrInvalidArgument)
	}
	if t.State() != task.Ready {
		m.mu.Unlock()
		return errs.WithOp("taskmanager.AddTask", errs.ErrInvalidArgument)
	}

	entry := &managedEntry{t: t}
	entry.listenerID = t.AddListener(m.owner, &terminationListener{m: m, taskID: t.ID()})
	m.managed[t.ID()] = entry
	t.Get()
	m.ready[int(t.Priority())].Push(t)
	m.notifyQueueEventLocked(AddedToReady, t)
	m.balanceLocked()
	m.mu.Unlock()
	return nil
}

// balanceLocked assumes mu is held. It promotes ready tasks into the run
// queue, highest priority first, until either no slot or no ready task
// remains.
func (m *Manager) balanceLocked() {
	for len(m.run) < m.slots {
		t, ok := m.popHighestReadyLocked()
		if !ok {
			return
		}
		m.run[t.ID()] = t
		if e, ok := m.managed[t.ID()]; ok {
			e.inRun = true
		}
		m.notifyQueueEventLocked(MovedToRun, t)
		if err := t.Start(); err != nil {
			m.logger.Err().Uint64(obslog.FieldTaskID, t.ID()).Log("taskmanager: failed to start task")
		}
	}
}

func (m *Manager) popHighestReadyLocked() (*task.Task, bool) {
	for p := 0; p < numPriorities; p++ {
		if t, ok := m.ready[p].Pop(); ok {
			return t, true
		}
	}
	return nil, false
}

// terminationListener is the internal listener subscribed at admission
// time: it removes the task from manager bookkeeping (and, if it had been
// promoted, the run queue) once the task reaches a terminal outcome.
type terminationListener struct {
	task.NopListener
	m      *Manager
	taskID uint64
}

func (l *terminationListener) OnDone(*task.Task, any, int) { l.m.onTaskTerminal(l.taskID) }
func (l *terminationListener) OnCancelled(*task.Task, int) { l.m.onTaskTerminal(l.taskID) }

func (m *Manager) onTaskTerminal(taskID uint64) {
	m.mu.Lock()
	entry, ok := m.managed[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.managed, taskID)
	if entry.inRun {
		delete(m.run, taskID)
		m.notifyQueueEventLocked(RemovedFromRun, entry.t)
	}
	m.balanceLocked()
	m.mu.Unlock()

	// Dropping the manager's reference is not time-critical; do it outside
	// the lock, as the source does for task_put.
	entry.t.Put()
}

// CancelTask cancels a managed task. If it is still in a ready queue it is
// removed immediately (emitting RemovedFromReady) before cancellation is
// requested; if already running, cancellation alone is requested and the
// terminal event removes it from the run queue. Rejected for a task the
// manager does not hold.
func (m *Manager) CancelTask(t *task.Task) error {
	m.mu.Lock()
	entry, ok := m.managed[t.ID()]
	if !ok {
		m.mu.Unlock()
		return errs.WithOp("taskmanager.CancelTask", errs.ErrNotFound)
	}
	if !entry.inRun {
		if m.ready[int(t.Priority())].Remove(func(tt *task.Task) bool { return tt.ID() == t.ID() }) {
			m.notifyQueueEventLocked(RemovedFromReady, t)
		}
	}
	m.mu.Unlock()
	return t.Cancel(false)
}

// CancelAll cancels every managed task, ready or running.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	var toCancel []*task.Task
	for p := 0; p < numPriorities; p++ {
		var drained []*task.Task
		m.ready[p].Each(func(t *task.Task) bool { drained = append(drained, t); return true })
		for _, t := range drained {
			m.ready[p].Remove(func(tt *task.Task) bool { return tt.ID() == t.ID() })
			m.notifyQueueEventLocked(RemovedFromReady, t)
			toCancel = append(toCancel, t)
		}
	}
	for _, e := range m.managed {
		if e.inRun {
			toCancel = append(toCancel, e.t)
		}
	}
	m.mu.Unlock()

	for _, t := range toCancel {
		_ = t.Cancel(false)
	}
}

// FindTask returns the first managed task (ready queues first, in priority
// order, then the run queue) for which match returns true.
func (m *Manager) FindTask(match func(*task.Task) bool) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := 0; p < numPriorities; p++ {
		var found *task.Task
		m.ready[p].Each(func(t *task.Task) bool {
			if match(t) {
				found = t
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	for _, t := range m.run {
		if match(t) {
			return t
		}
	}
	return nil
}

// Destroy fails with errs.ErrPermission if the manager is non-empty. A
// correctly shutting-down caller cancels every task and polls Size until it
// reaches zero before calling Destroy.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.managed) > 0 {
		return errs.WithOp("taskmanager.Destroy", errs.ErrPermission)
	}
	m.tags.Close()
	return nil
}

// AddTag attaches an opaque value under key, releasing any prior value for
// that key immediately.
func (m *Manager) AddTag(key string, value any, release func(any)) {
	m.tags.Add(key, value, release)
}

// GetTag retrieves the value for key, if any.
func (m *Manager) GetTag(key string) (any, bool) { return m.tags.Get(key) }

// RemoveTag removes and releases the value for key, reporting whether one
// was present.
func (m *Manager) RemoveTag(key string) bool { return m.tags.Remove(key) }

// AddQueueEventListener registers l, delivered on handler, for every
// subsequent queue event.
func (m *Manager) AddQueueEventListener(handler *msgloop.Handler, l QueueListener) ListenerID {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := ListenerID(m.nextListenerID)
	m.nextListenerID++
	m.listeners.Push(&qListenerEntry{id: id, handler: handler, l: l})
	return id
}

// RemoveQueueEventListener unregisters a listener by id.
func (m *Manager) RemoveQueueEventListener(id ListenerID) bool {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	return m.listeners.Remove(func(e *qListenerEntry) bool { return e.id == id })
}

// notifyQueueEventLocked posts ev to every registered listener. It must be
// called with mu held, so the post (not the eventual callback) happens in
// the same serialization as the queue mutation it describes; readyq/runq
// sizes are captured now, not when the listener callback eventually runs.
func (m *Manager) notifyQueueEventLocked(ev QueueEvent, t *task.Task) {
	readyqSize := 0
	for p := 0; p < numPriorities; p++ {
		readyqSize += m.ready[p].Len()
	}
	runqSize := len(m.run)

	m.listenersMu.Lock()
	var entries []*qListenerEntry
	m.listeners.Each(func(e *qListenerEntry) bool {
		entries = append(entries, e)
		return true
	})
	m.listenersMu.Unlock()

	for _, e := range entries {
		e := e
		_ = e.handler.PostExec(nil, nil, func(any) {
			e.l.OnQueueEvent(m, ev, readyqSize, runqSize, t)
		})
	}
}
