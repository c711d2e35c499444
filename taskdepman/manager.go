// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskdepman

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-taskloop/errs"
	"github.com/joeycumines/go-taskloop/internal/dag"
	"github.com/joeycumines/go-taskloop/internal/obslog"
	"github.com/joeycumines/go-taskloop/msgloop"
	"github.com/joeycumines/go-taskloop/task"
	"github.com/joeycumines/go-taskloop/taskmanager"
)

// OnDone is called exactly once when a Manager reaches a terminal state:
// on the owner handler's goroutine when its last task finishes, or
// synchronously from Cancel when a READY manager with no tasks is
// cancelled. result is the root task on successful
// completion, the first task whose errcode was non-zero on failure, or nil
// on cancellation.
type OnDone func(result *task.Task)

// Manager drives a DAG of tasks through a taskmanager.Manager: it injects
// every leaf (a task with no prerequisites) at Start, and as each task
// completes, decrements its direct dependents' remaining-prerequisite
// count, injecting any that reach zero.
type Manager struct {
	owner  *msgloop.Handler
	tm     *taskmanager.Manager
	onDone OnDone
	logger obslog.Logger
	name   string

	stateMu        sync.Mutex
	state          State
	unhandledCount int
	errcode        int
	target         *task.Task // the unique root, captured at a successful Start
	failingTask    *task.Task // first task observed with a non-zero errcode

	graphMu         sync.Mutex
	g               *dag.Graph
	vertexOf        map[uint64]string
	taskOf          map[string]*task.Task
	prereqRemaining map[string]int
	listenerOf      map[string]task.ListenerID
}

// New constructs a Manager in READY state, driving tm (its own private
// taskmanager.Manager, typically) and calling onDone exactly once at a
// terminal outcome.
func New(owner *msgloop.Handler, tm *taskmanager.Manager, onDone OnDone, opts ...Option) *Manager {
	cfg := resolveOptions(opts)
	return &Manager{
		owner:           owner,
		tm:              tm,
		onDone:          onDone,
		logger:          cfg.logger,
		name:            cfg.name,
		g:               dag.New(),
		vertexOf:        make(map[uint64]string),
		taskOf:          make(map[string]*task.Task),
		prereqRemaining: make(map[string]int),
		listenerOf:      make(map[string]task.ListenerID),
	}
}

// Owner returns the manager's owner handler.
func (m *Manager) Owner() *msgloop.Handler { return m.owner }

// TaskManager returns the taskmanager.Manager tasks are injected into.
func (m *Manager) TaskManager() *taskmanager.Manager { return m.tm }

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Errcode returns the errcode of the first task observed to fail, or 0 if
// none has (yet) or the manager ended CANCELLED. Stable only once
// State().IsTerminal().
func (m *Manager) Errcode() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.errcode
}

func vertexID(t *task.Task) string { return fmt.Sprintf("t%d", t.ID()) }

// AddTask admits t into the dependency graph as an isolated vertex (no
// edges). Legal only in READY. Rejects a task already added.
func (m *Manager) AddTask(t *task.Task) error {
	if m.State() != Ready {
		return errs.WithOp("taskdepman.AddTask", errs.ErrPermission)
	}

	m.graphMu.Lock()
	if _, already := m.vertexOf[t.ID()]; already {
		m.graphMu.Unlock()
		return errs.WithOp("taskdepman.AddTask", errs.ErrInvalidArgument)
	}
	v := vertexID(t)
	m.g.AddVertex(v)
	m.vertexOf[t.ID()] = v
	m.taskOf[v] = t
	m.prereqRemaining[v] = 0
	m.graphMu.Unlock()

	id := t.AddListener(m.owner, &depListener{m: m})
	m.graphMu.Lock()
	m.listenerOf[v] = id
	m.graphMu.Unlock()

	m.stateMu.Lock()
	m.unhandledCount++
	m.stateMu.Unlock()
	return nil
}

// RemoveTask removes t from the dependency graph, along with any edges
// touching it. Legal only in READY.
func (m *Manager) RemoveTask(t *task.Task) error {
	if m.State() != Ready {
		return errs.WithOp("taskdepman.RemoveTask", errs.ErrPermission)
	}

	m.graphMu.Lock()
	v, ok := m.vertexOf[t.ID()]
	if !ok {
		m.graphMu.Unlock()
		return errs.WithOp("taskdepman.RemoveTask", errs.ErrNotFound)
	}
	m.g.RemoveVertex(v)
	listenerID := m.listenerOf[v]
	delete(m.vertexOf, t.ID())
	delete(m.taskOf, v)
	delete(m.prereqRemaining, v)
	delete(m.listenerOf, v)
	m.graphMu.Unlock()

	t.RemoveListener(listenerID)

	m.stateMu.Lock()
	m.unhandledCount--
	m.stateMu.Unlock()
	return nil
}

// AddDependency records that target awaits prereq: target's
// remaining-prerequisite count is incremented, and an edge prereq→target
// is added to the graph. Legal only in READY.
func (m *Manager) AddDependency(target, prereq *task.Task) error {
	if m.State() != Ready {
		return errs.WithOp("taskdepman.AddDependency", errs.ErrPermission)
	}

	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	tv, ok := m.vertexOf[target.ID()]
	if !ok {
		return errs.WithOp("taskdepman.AddDependency", errs.ErrInvalidArgument)
	}
	pv, ok := m.vertexOf[prereq.ID()]
	if !ok {
		return errs.WithOp("taskdepman.AddDependency", errs.ErrInvalidArgument)
	}
	if !m.g.AddEdge(pv, tv) {
		return errs.WithOp("taskdepman.AddDependency", errs.ErrInvalidArgument)
	}
	m.prereqRemaining[tv]++
	return nil
}

// RemoveDependency undoes a prior AddDependency. Legal only in READY.
func (m *Manager) RemoveDependency(target, prereq *task.Task) error {
	if m.State() != Ready {
		return errs.WithOp("taskdepman.RemoveDependency", errs.ErrPermission)
	}

	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	tv, ok := m.vertexOf[target.ID()]
	if !ok {
		return errs.WithOp("taskdepman.RemoveDependency", errs.ErrInvalidArgument)
	}
	pv, ok := m.vertexOf[prereq.ID()]
	if !ok {
		return errs.WithOp("taskdepman.RemoveDependency", errs.ErrInvalidArgument)
	}
	if !m.g.RemoveEdge(pv, tv) {
		return errs.WithOp("taskdepman.RemoveDependency", errs.ErrInvalidArgument)
	}
	m.prereqRemaining[tv]--
	return nil
}

// Verify classifies the dependency graph's structural state. Legal only in
// READY. root is populated only when the verdict is dag.OK.
func (m *Manager) Verify() (verdict dag.Verdict, root *task.Task, err error) {
	if m.State() != Ready {
		return 0, nil, errs.WithOp("taskdepman.Verify", errs.ErrPermission)
	}

	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	verdict = m.g.Verify()
	if verdict == dag.OK {
		roots := m.g.Roots()
		root = m.taskOf[roots[0]]
	}
	return verdict, root, nil
}

// Start verifies the graph, then transitions READY->STARTED and injects
// every leaf task (one with no prerequisites) into the task manager.
func (m *Manager) Start() error {
	verdict, root, err := m.Verify()
	if err != nil {
		return err
	}
	if verdict != dag.OK {
		return errs.Wrap("taskdepman.Start", errs.ErrInvalidArgument, fmt.Errorf("graph verdict: %s", verdict))
	}

	m.stateMu.Lock()
	if m.state != Ready {
		m.stateMu.Unlock()
		return errs.WithOp("taskdepman.Start", errs.ErrPermission)
	}
	m.state = Started
	m.target = root
	m.stateMu.Unlock()

	m.graphMu.Lock()
	leaves := m.g.Leaves()
	tasks := make([]*task.Task, 0, len(leaves))
	for _, v := range leaves {
		tasks = append(tasks, m.taskOf[v])
	}
	m.graphMu.Unlock()

	for _, t := range tasks {
		if err := m.tm.AddTask(t); err != nil {
			m.logger.Err().Uint64(obslog.FieldTaskID, t.ID()).Log("taskdepman: failed to inject leaf task")
		}
	}
	return nil
}

// Cancel transitions to CANCELLING (or directly to CANCELLED if READY with
// no tasks outstanding) and requests cancellation of every task still in
// the graph; best-effort, as a cooperative body that never checks
// CancelRequested runs to completion regardless.
func (m *Manager) Cancel() error {
	m.stateMu.Lock()
	switch m.state {
	case Ready, Started:
	default:
		m.stateMu.Unlock()
		return errs.WithOp("taskdepman.Cancel", errs.ErrPermission)
	}
	if m.state == Ready && m.unhandledCount == 0 {
		m.state = Cancelled
		m.stateMu.Unlock()
		m.invokeOnDone(nil)
		return nil
	}
	m.state = Cancelling
	m.stateMu.Unlock()

	m.graphMu.Lock()
	tasks := make([]*task.Task, 0, len(m.taskOf))
	for _, t := range m.taskOf {
		tasks = append(tasks, t)
	}
	m.graphMu.Unlock()

	for _, t := range tasks {
		_ = t.Cancel(false)
	}
	return nil
}

// Destroy fails unless the manager has reached DONE or CANCELLED. It then
// polls the task manager until it drains (terminal accounting on a task's
// owner handler trails this manager's own terminal transition by at most
// one posted notification) before destroying it.
func (m *Manager) Destroy() error {
	if !m.State().IsTerminal() {
		return errs.WithOp("taskdepman.Destroy", errs.ErrPermission)
	}
	for m.tm.Size() > 0 {
		time.Sleep(time.Millisecond)
	}
	return m.tm.Destroy()
}

func (m *Manager) invokeOnDone(result *task.Task) {
	if m.onDone != nil {
		m.onDone(result)
	}
}

// depListener is the internal per-task listener subscribed at AddTask
// time: it accounts for the task's terminal outcome and propagates
// readiness to its direct dependents.
type depListener struct {
	task.NopListener
	m *Manager
}

func (l *depListener) OnDone(t *task.Task, _ any, errcode int) { l.m.onTaskFinished(t, errcode) }
func (l *depListener) OnCancelled(t *task.Task, errcode int)   { l.m.onTaskFinished(t, errcode) }

func (m *Manager) onTaskFinished(t *task.Task, errcode int) {
	m.stateMu.Lock()
	state := m.state
	switch state {
	case Ready, Done, Cancelled:
		m.stateMu.Unlock()
		errs.Fatal("taskdepman: task finished while manager in state %s", state)
		return
	case Cancelling, Started:
	}

	m.unhandledCount--
	if errcode != 0 && m.failingTask == nil {
		m.failingTask = t
		m.errcode = errcode
	}

	finished := m.unhandledCount == 0
	var result *task.Task
	if finished {
		switch state {
		case Cancelling:
			m.state = Cancelled
			m.errcode = 0
			result = nil
		case Started:
			m.state = Done
			if m.failingTask != nil {
				result = m.failingTask
			} else {
				result = m.target
			}
		}
	}
	wasCancelling := state == Cancelling
	m.stateMu.Unlock()

	if finished {
		m.removeVertex(t)
		m.invokeOnDone(result)
		return
	}

	if !wasCancelling {
		m.propagate(t)
	}
	m.removeVertex(t)
}

// propagate decrements the remaining-prerequisite count of t's direct
// dependents and injects any that reach zero.
func (m *Manager) propagate(t *task.Task) {
	m.graphMu.Lock()
	v, ok := m.vertexOf[t.ID()]
	if !ok {
		m.graphMu.Unlock()
		return
	}
	var ready []*task.Task
	for _, s := range m.g.OutEdges(v) {
		m.prereqRemaining[s]--
		if m.prereqRemaining[s] == 0 {
			ready = append(ready, m.taskOf[s])
		}
	}
	m.graphMu.Unlock()

	for _, next := range ready {
		if err := m.tm.AddTask(next); err != nil {
			m.logger.Err().Uint64(obslog.FieldTaskID, next.ID()).Log("taskdepman: failed to inject successor task")
		}
	}
}

func (m *Manager) removeVertex(t *task.Task) {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	v, ok := m.vertexOf[t.ID()]
	if !ok {
		return
	}
	m.g.RemoveVertex(v)
	delete(m.vertexOf, t.ID())
	delete(m.taskOf, v)
	delete(m.prereqRemaining, v)
	delete(m.listenerOf, v)
}
