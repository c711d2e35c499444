// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-taskloop/errs"
	"github.com/joeycumines/go-taskloop/internal/obslog"
	"github.com/joeycumines/go-taskloop/internal/plist"
)

var loopIDCounter atomic.Uint64

// Loop owns a priority-partitioned FIFO of Messages, drained by exactly one
// dedicated goroutine: its dispatch loop. One loop per goroutine, pre-emptive
// at the OS-thread level but cooperative single-threaded inside the loop
// itself — only the loop goroutine ever dispatches a message.
type Loop struct {
	id      uint64
	name    string
	logger  obslog.Logger
	state   *fastState
	mu      sync.Mutex
	cond    *sync.Cond
	buckets [numPriorities]*plist.Queue[Message]

	goroutineID atomic.Uint64 // 0 until the dispatch goroutine starts

	loopingCh    chan struct{} // closed when state reaches Looping
	terminatedCh chan struct{} // closed when state reaches Terminated
}

// New constructs a Loop and starts its dispatch goroutine, returning once
// the loop has reached Looping — the equivalent of
// start_looper_thread() → Loop in the design.
func New(opts ...Option) *Loop {
	cfg := resolveOptions(opts)

	l := &Loop{
		id:           loopIDCounter.Add(1),
		name:         cfg.name,
		logger:       cfg.logger,
		state:        newFastState(),
		loopingCh:    make(chan struct{}),
		terminatedCh: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	for i := range l.buckets {
		l.buckets[i] = plist.New[Message]()
	}

	go l.run()
	<-l.loopingCh
	return l
}

// ID returns the loop's process-unique identity, for log correlation.
func (l *Loop) ID() uint64 { return l.id }

// State returns the loop's current lifecycle state.
func (l *Loop) State() State { return l.state.Load() }

// GoroutineID returns the dispatch goroutine's runtime id, or 0 if the loop
// has already terminated. Exposed only for diagnostics; Post/Stop never
// need it.
func (l *Loop) GoroutineID() uint64 { return l.goroutineID.Load() }

// IsLoopGoroutine reports whether the calling goroutine is this Loop's own
// dispatch goroutine — the fast-path check exec_on relies on to decide
// between inline execution and posting.
func (l *Loop) IsLoopGoroutine() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// Post enqueues msg at the tail of the bucket for its priority and wakes
// the dispatch goroutine. It fails with errs.ErrPermission if the loop is
// not in Ready or Looping — i.e. once Stop has been called, no further
// posts are accepted (this spec's chosen teardown policy: drain what was
// already enqueued, reject the rest).
func (l *Loop) Post(msg Message) error {
	if !msg.priority.valid() {
		return errs.WithOp("msgloop.Post", errs.ErrInvalidArgument)
	}

	l.mu.Lock()
	if !l.state.acceptsPost() {
		l.mu.Unlock()
		return errs.WithOp("msgloop.Post", errs.ErrPermission)
	}
	l.buckets[msg.priority].Push(msg)
	l.mu.Unlock()
	l.cond.Signal()
	return nil
}

// Stop requests an orderly shutdown: the state moves to Stopping, already
// enqueued messages continue to drain in priority/FIFO order, but Post
// starts rejecting further work immediately. Stop does not block; observe
// Terminated via State or Wait.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.state.Load() == Ready {
		// Never looped at all (impossible via New, which blocks until
		// Looping, but kept for defence-in-depth against future callers
		// that might construct a Loop without running the goroutine).
		l.state.Store(Stopping)
	} else {
		l.state.TryTransition(Looping, Stopping)
	}
	l.mu.Unlock()
	l.logDebug("stop requested")
	l.cond.Broadcast()
}

// Wait blocks until the loop reaches Terminated.
func (l *Loop) Wait() {
	<-l.terminatedCh
}

// run is the dispatch goroutine body: steps 1-5 of §4.A's algorithm.
func (l *Loop) run() {
	l.goroutineID.Store(currentGoroutineID())
	l.state.TryTransition(Ready, Looping)
	l.logDebug("looping")
	close(l.loopingCh)

	for {
		msg, stopping, ok := l.next()
		if !ok {
			if stopping {
				l.terminate()
				return
			}
			continue
		}
		l.dispatchOne(msg)
	}
}

// next pops the highest-priority queued message under the lock, or reports
// that the loop should wait (ok=false, stopping=false) or terminate
// (ok=false, stopping=true).
func (l *Loop) next() (msg Message, stopping bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for p := 0; p < numPriorities; p++ {
			if m, popped := l.buckets[p].Pop(); popped {
				return m, false, true
			}
		}
		if l.state.Load() == Stopping {
			return Message{}, true, false
		}
		l.cond.Wait()
	}
}

func (l *Loop) dispatchOne(msg Message) {
	defer msg.releaseOnce()
	msg.dispatch()
}

func (l *Loop) terminate() {
	l.state.Store(Terminated)
	l.goroutineID.Store(0)
	l.logDebug("terminated")
	close(l.terminatedCh)
}

func (l *Loop) logDebug(msg string) {
	l.logger.Debug().Uint64(obslog.FieldLoopID, l.id).Str("name", l.name).Log(msg)
}

// currentGoroutineID extracts the calling goroutine's runtime id by parsing
// runtime.Stack's "goroutine N [...]" header. This is the same technique
// used to detect loop-thread affinity for inline dispatch.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	const prefix = "goroutine "
	var id uint64
	i := len(prefix)
	for i < n && buf[i] >= '0' && buf[i] <= '9' {
		id = id*10 + uint64(buf[i]-'0')
		i++
	}
	return id
}
