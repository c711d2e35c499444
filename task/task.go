// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-taskloop/errs"
	"github.com/joeycumines/go-taskloop/internal/obslog"
	"github.com/joeycumines/go-taskloop/internal/plist"
	"github.com/joeycumines/go-taskloop/internal/tagmap"
	"github.com/joeycumines/go-taskloop/msgloop"
)

// RunFunc is a task body: the unit of work executed on a dedicated worker
// goroutine. It should poll t.CancelRequested periodically if it wants to
// cooperate with cancellation; errcode 0 means success, non-zero is
// recorded as the task's terminal errcode and delivered to listeners
// unchanged.
type RunFunc func(t *Task) (result any, errcode int)

var taskIDCounter atomic.Uint64

// Task is a cancellable, observable unit of work: the Threadex of the
// design. Exactly one goroutine ever runs its body; every lifecycle
// notification is posted to a handler rather than invoked inline, so
// listeners observe a stable causal order regardless of which goroutine
// raised the underlying event.
type Task struct {
	id       uint64
	name     string
	priority msgloop.Priority
	owner    *msgloop.Handler
	logger   obslog.Logger

	run           RunFunc
	arg           any
	argRelease    func(any)
	resultRelease func(any)

	mu              sync.Mutex
	state           State
	errcode         int
	result          any
	startedViaAsync bool
	startedViaSync  bool

	refCount atomic.Int64

	listenersMu    sync.Mutex
	intrinsic      Listener
	extrinsic      *plist.Queue[*listenerEntry]
	nextListenerID uint64

	progressMu        sync.Mutex
	maxProg           int64
	lastProg          int64
	progressInited    bool
	progressPublished bool
	limiter           *catrate.Limiter

	tags *tagmap.Map

	doneCh chan struct{}
}

// New constructs a Task in READY state, owned by owner. listener (may be
// nil) is the intrinsic listener, always notified on owner. arg/argRelease
// and resultRelease describe ownership of the body's input and output, per
// §3: release is invoked exactly once, when the task's reference count
// reaches zero.
func New(owner *msgloop.Handler, run RunFunc, arg any, argRelease func(any), resultRelease func(any), listener Listener, opts ...Option) *Task {
	cfg := resolveOptions(opts)

	t := &Task{
		id:             taskIDCounter.Add(1),
		name:           cfg.name,
		priority:       cfg.priority,
		owner:          owner,
		logger:         cfg.logger,
		run:            run,
		arg:            arg,
		argRelease:     argRelease,
		resultRelease:  resultRelease,
		intrinsic:      listener,
		extrinsic:      plist.New[*listenerEntry](),
		nextListenerID: 1,
		tags:           tagmap.New(),
		doneCh:         make(chan struct{}),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Duration(cfg.publishIntervalMS) * time.Millisecond: 1,
		}),
	}
	t.refCount.Store(1)
	return t
}

// ID returns the task's process-unique, monotonically increasing identity.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's fixed display name.
func (t *Task) Name() string { return t.name }

// Priority returns the task's scheduling priority (a ready-queue ordering
// key for a taskmanager, never an OS thread-scheduling hint).
func (t *Task) Priority() msgloop.Priority { return t.priority }

// Owner returns the task's owner handler.
func (t *Task) Owner() *msgloop.Handler { return t.owner }

// Arg returns the value passed as arg at New.
func (t *Task) Arg() any { return t.arg }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the body's result. Stable only once State().IsTerminal();
// undefined (and typically nil) before that.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Errcode returns the body's errcode, or the cancellation errcode. Stable
// only once State().IsTerminal().
func (t *Task) Errcode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errcode
}

// CancelRequested reports whether Cancel has been called and not yet
// consumed by a terminal transition — the cooperative polling hook a body
// should check periodically.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Cancelling
}

// Start transitions READY->STARTED and runs the body on a new goroutine.
// Fails with errs.ErrPermission if the task is not in READY.
func (t *Task) Start() error {
	if err := t.begin(); err != nil {
		return err
	}
	t.startedViaAsync = true
	go t.runBody()
	return nil
}

// StartSync transitions READY->STARTED and runs the body synchronously on
// the calling goroutine, returning once the body has returned. Lifecycle
// notifications are still posted to the owner/listener handlers exactly as
// in the asynchronous path; only the body's execution is inline. A task
// started this way cannot be Join-ed (ythreadex_join's source contract:
// join fails for thread started via start_sync).
func (t *Task) StartSync() error {
	if err := t.begin(); err != nil {
		return err
	}
	t.startedViaSync = true
	t.runBody()
	return nil
}

func (t *Task) begin() error {
	t.mu.Lock()
	if t.state != Ready {
		t.mu.Unlock()
		return errs.WithOp("task.Start", errs.ErrPermission)
	}
	t.state = Started
	t.mu.Unlock()
	t.logDebug("started")
	t.dispatchToListeners(func(l Listener) { l.OnStarted(t) })
	return nil
}

// runBody executes the body, then applies the cleanup hook: if the state
// was moved to CANCELLING while the body ran, the terminal transition is
// CANCELLED regardless of what the body returned; otherwise it is DONE
// with the body's own result/errcode.
func (t *Task) runBody() {
	result, errcode := t.invokeRun()

	t.mu.Lock()
	wasCancelling := t.state == Cancelling
	if wasCancelling {
		t.state = Cancelled
		t.errcode = errcode
	} else {
		t.state = Done
		t.result = result
		t.errcode = errcode
	}
	t.mu.Unlock()

	if wasCancelling {
		t.notifyCancelled(errcode)
	} else {
		t.notifyDone(result, errcode)
	}
}

// invokeRun calls the user body, converting a panic into a generic failure
// errcode rather than letting it escape the worker goroutine silently.
func (t *Task) invokeRun() (result any, errcode int) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Err().Interface("panic", r).Log("task body panicked")
			result = nil
			errcode = -1
		}
	}()
	return t.run(t)
}

// Cancel requests cancellation. Legal only in READY or STARTED; it moves
// the state to CANCELLING and posts on_cancelling(started) to every
// listener. If the task had not yet started, it is finalized to CANCELLED
// immediately (there is no worker body to consume the request); otherwise
// the body is expected to cooperatively observe CancelRequested and
// return.
//
// useThreadCancel mirrors the source's pthdcancel flag, but Go has no safe
// equivalent of forcibly killing a running goroutine, so it is rejected
// with errs.ErrInvalidArgument rather than silently downgraded to
// cooperative cancellation.
func (t *Task) Cancel(useThreadCancel bool) error {
	if useThreadCancel {
		return errs.WithOp("task.Cancel", errs.ErrInvalidArgument)
	}

	t.mu.Lock()
	switch t.state {
	case Ready, Started:
	default:
		t.mu.Unlock()
		return errs.WithOp("task.Cancel", errs.ErrPermission)
	}
	wasStarted := t.state == Started
	t.state = Cancelling
	t.mu.Unlock()

	t.logDebug("cancelling")
	t.dispatchToListeners(func(l Listener) { l.OnCancelling(t, wasStarted) })

	if !wasStarted {
		t.mu.Lock()
		t.state = Cancelled
		t.errcode = 0
		t.mu.Unlock()
		t.notifyCancelled(0)
	}
	return nil
}

// notifyDone dispatches OnDone to every listener, then — once delivery has
// been posted — transitions to the terminal TERMINATED state.
func (t *Task) notifyDone(result any, errcode int) {
	t.dispatchToListeners(func(l Listener) { l.OnDone(t, result, errcode) })
	t.finalizeTerminal(Terminated)
}

// notifyCancelled dispatches OnCancelled to every listener, then
// transitions to the terminal TERMINATED_CANCELLED state.
func (t *Task) notifyCancelled(errcode int) {
	t.dispatchToListeners(func(l Listener) { l.OnCancelled(t, errcode) })
	t.finalizeTerminal(TerminatedCancelled)
}

// finalizeTerminal posts the terminal-state flip to the owner handler, so
// it happens causally after every preceding listener dispatch to that same
// handler, then closes doneCh for Join waiters. If the owner's loop has
// already stopped, PostExec fails the notification cannot be made to
// happen causally after anything else, so the flip is applied directly
// here instead of being silently dropped.
func (t *Task) finalizeTerminal(final State) {
	t.Get()
	err := t.owner.PostExec(nil, nil, func(any) {
		defer t.Put()
		t.mu.Lock()
		t.state = final
		t.mu.Unlock()
		t.logDebug("terminal: " + final.String())
		close(t.doneCh)
	})
	if err != nil {
		t.Put()
		t.mu.Lock()
		t.state = final
		t.mu.Unlock()
		t.logDebug("terminal (posted locally, owner loop stopped): " + final.String())
		close(t.doneCh)
	}
}

// Join blocks until the task reaches a terminal state, then returns its
// result and errcode. It fails with errs.ErrPermission if the task was
// never started via Start, or was started via StartSync (no goroutine to
// join, in the source's terms).
func (t *Task) Join(ctx context.Context) (result any, errcode int, err error) {
	t.mu.Lock()
	startedAsync := t.startedViaAsync
	t.mu.Unlock()
	if !startedAsync {
		return nil, 0, errs.WithOp("task.Join", errs.ErrPermission)
	}

	select {
	case <-t.doneCh:
		return t.Result(), t.Errcode(), nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// dispatchToListeners posts cb to the intrinsic listener (on owner) first,
// then to every extrinsic listener on its own handler, in registration
// order — preserving per-handler FIFO causal ordering. Each dispatch bumps
// the task's reference count before posting and drops it after the
// callback runs, so the task cannot be freed while a notification is in
// flight.
func (t *Task) dispatchToListeners(cb func(Listener)) {
	if t.intrinsic != nil {
		t.postListenerCallback(t.owner, t.intrinsic, cb)
	}

	t.listenersMu.Lock()
	var entries []*listenerEntry
	t.extrinsic.Each(func(e *listenerEntry) bool {
		entries = append(entries, e)
		return true
	})
	t.listenersMu.Unlock()

	for _, e := range entries {
		t.postListenerCallback(e.handler, e.l, cb)
	}
}

func (t *Task) postListenerCallback(handler *msgloop.Handler, l Listener, cb func(Listener)) {
	t.Get()
	err := handler.PostExec(nil, nil, func(any) {
		defer t.Put()
		cb(l)
	})
	if err != nil {
		// The owning loop has already stopped; the notification is lost,
		// but the reference taken for it must still be dropped.
		t.Put()
	}
}

// AddListener registers an extrinsic listener, delivered on handler. If
// progress has already been initialized, the listener is immediately (and
// only) replayed the current max and latest published value — not the
// full publish history, which is intentionally not retained.
func (t *Task) AddListener(handler *msgloop.Handler, l Listener) ListenerID {
	t.listenersMu.Lock()
	id := ListenerID(t.nextListenerID)
	t.nextListenerID++
	entry := &listenerEntry{id: id, handler: handler, l: l}
	t.extrinsic.Push(entry)
	t.listenersMu.Unlock()

	t.progressMu.Lock()
	inited := t.progressInited
	max := t.maxProg
	published := t.progressPublished
	last := t.lastProg
	t.progressMu.Unlock()

	if inited {
		t.postListenerCallback(handler, l, func(ll Listener) { ll.OnProgressInit(t, max) })
		if published {
			t.postListenerCallback(handler, l, func(ll Listener) { ll.OnProgress(t, last) })
		}
	}

	return id
}

// RemoveListener unregisters an extrinsic listener by id, reporting
// whether it was present.
func (t *Task) RemoveListener(id ListenerID) bool {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	return t.extrinsic.Remove(func(e *listenerEntry) bool { return e.id == id })
}

// PublishProgressInit records max_prog and fires OnProgressInit. Must
// precede any PublishProgress call and may be called at most once per
// task; max<=0 is rejected as an invalid argument.
func (t *Task) PublishProgressInit(maxProg int64) error {
	if maxProg <= 0 {
		return errs.WithOp("task.PublishProgressInit", errs.ErrInvalidArgument)
	}
	if !t.progressEligibleState() {
		return errs.WithOp("task.PublishProgressInit", errs.ErrPermission)
	}

	t.progressMu.Lock()
	if t.progressInited {
		t.progressMu.Unlock()
		return errs.WithOp("task.PublishProgressInit", errs.ErrPermission)
	}
	t.maxProg = maxProg
	t.progressInited = true
	t.progressMu.Unlock()

	t.dispatchToListeners(func(l Listener) { l.OnProgressInit(t, maxProg) })
	return nil
}

// PublishProgress reports a throttled numerical update. It is silently
// rejected with errs.ErrPermission if: progress was never initialized, the
// (clamped) value is unchanged from the last accepted publish, or less
// than the configured publish interval has elapsed since the last accepted
// publish. A value above max_prog is clamped rather than rejected.
func (t *Task) PublishProgress(prog int64) error {
	if !t.progressEligibleState() {
		return errs.WithOp("task.PublishProgress", errs.ErrPermission)
	}

	t.progressMu.Lock()
	if !t.progressInited {
		t.progressMu.Unlock()
		return errs.WithOp("task.PublishProgress", errs.ErrPermission)
	}
	if prog > t.maxProg {
		prog = t.maxProg
	}
	if t.progressPublished && prog == t.lastProg {
		t.progressMu.Unlock()
		return errs.WithOp("task.PublishProgress", errs.ErrPermission)
	}
	if _, allowed := t.limiter.Allow(t.id); !allowed {
		t.progressMu.Unlock()
		return errs.WithOp("task.PublishProgress", errs.ErrPermission)
	}
	t.lastProg = prog
	t.progressPublished = true
	t.progressMu.Unlock()

	t.dispatchToListeners(func(l Listener) { l.OnProgress(t, prog) })
	return nil
}

func (t *Task) progressEligibleState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Started || t.state == Cancelling
}

// Get increments the task's reference count.
func (t *Task) Get() int64 { return t.refCount.Add(1) }

// Put decrements the task's reference count, releasing arg/result (via
// argRelease/resultRelease) exactly once when it reaches zero.
func (t *Task) Put() int64 {
	n := t.refCount.Add(-1)
	if n == 0 {
		if t.argRelease != nil {
			t.argRelease(t.arg)
		}
		if t.resultRelease != nil {
			t.resultRelease(t.result)
		}
		t.tags.Close()
	}
	return n
}

// AddTag attaches an arbitrary caller-owned value to the task under key,
// releasing any prior value under that key immediately and releasing this
// one (via release, if non-nil) exactly once when the task is destroyed or
// the tag removed. Reports whether key was previously unset.
func (t *Task) AddTag(key string, value any, release func(any)) bool {
	return t.tags.Add(key, value, release)
}

// GetTag returns the value stored under key, if any. The tag is not
// removed or released by Get.
func (t *Task) GetTag(key string) (any, bool) { return t.tags.Get(key) }

// RemoveTag removes and releases the value stored under key, if present.
func (t *Task) RemoveTag(key string) bool { return t.tags.Remove(key) }

// Destroy drops the caller's reference, failing with errs.ErrPermission if
// the task has not yet reached a terminal state.
func (t *Task) Destroy() error {
	if !t.State().IsTerminal() {
		return errs.WithOp("task.Destroy", errs.ErrPermission)
	}
	t.Put()
	return nil
}

func (t *Task) logDebug(msg string) {
	t.logger.Debug().
		Uint64(obslog.FieldTaskID, t.id).
		Str(obslog.FieldTaskName, t.name).
		Log(msg)
}
