package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-taskloop/msgloop"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	NopListener
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recordingListener) OnStarted(*Task)                       { r.record("started") }
func (r *recordingListener) OnDone(*Task, any, int)                 { r.record("done") }
func (r *recordingListener) OnCancelling(_ *Task, started bool) {
	if started {
		r.record("cancelling(started)")
	} else {
		r.record("cancelling")
	}
}
func (r *recordingListener) OnCancelled(*Task, int) { r.record("cancelled") }

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func newTestHandler(t *testing.T, l *msgloop.Loop) *msgloop.Handler {
	t.Helper()
	return msgloop.NewHandler(l, nil, nil, nil)
}

// TestTask_CooperativeSuccess covers S1: a single task that runs to
// completion and reports done with a successful errcode.
func TestTask_CooperativeSuccess(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)
	lst := &recordingListener{}

	tsk := New(owner, func(tk *Task) (any, int) {
		return "ok", 0
	}, nil, nil, nil, lst)

	require.NoError(t, tsk.Start())

	result, errcode, err := tsk.Join(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 0, errcode)

	require.Eventually(t, func() bool {
		return tsk.State() == Terminated
	}, time.Second, time.Millisecond)

	require.Equal(t, []string{"started", "done"}, lst.snapshot())
}

// TestTask_CancelBeforeStart covers S2: cancelling a READY task finalizes
// directly to cancelled/terminated without ever observing STARTED.
func TestTask_CancelBeforeStart(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)
	lst := &recordingListener{}

	ran := false
	tsk := New(owner, func(tk *Task) (any, int) {
		ran = true
		return nil, 0
	}, nil, nil, nil, lst)

	require.NoError(t, tsk.Cancel(false))

	require.Eventually(t, func() bool {
		return tsk.State() == TerminatedCancelled
	}, time.Second, time.Millisecond)

	require.False(t, ran)
	require.Equal(t, []string{"cancelling", "cancelled"}, lst.snapshot())
}

// TestTask_CancelRejectsThreadCancel documents the Go-idiomatic refusal of
// OS-enforced cancellation: there is no safe equivalent of forcibly killing
// a running goroutine, so useThreadCancel=true is always rejected.
func TestTask_CancelRejectsThreadCancel(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	tsk := New(owner, func(tk *Task) (any, int) { return nil, 0 }, nil, nil, nil, nil)
	require.Error(t, tsk.Cancel(true))
	require.Equal(t, Ready, tsk.State())
}

// TestTask_CooperativeCancelWhileStarted covers cancelling a running task:
// the body observes CancelRequested, returns early, and the cleanup hook
// finalizes to CANCELLED regardless of the body's own errcode.
func TestTask_CooperativeCancelWhileStarted(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)
	lst := &recordingListener{}

	started := make(chan struct{})
	tsk := New(owner, func(tk *Task) (any, int) {
		close(started)
		for !tk.CancelRequested() {
			time.Sleep(time.Millisecond)
		}
		return "ignored", 7
	}, nil, nil, nil, lst)

	require.NoError(t, tsk.Start())
	<-started
	require.NoError(t, tsk.Cancel(false))

	require.Eventually(t, func() bool {
		return tsk.State() == TerminatedCancelled
	}, time.Second, time.Millisecond)

	require.Equal(t, []string{"started", "cancelling(started)", "cancelled"}, lst.snapshot())
}

// TestTask_ProgressThrottling covers S4: progress publishes are dropped
// when unchanged, clamped above max, or issued faster than the publish
// interval allows.
func TestTask_ProgressThrottling(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	var mu sync.Mutex
	var progress []int64

	lst := &recordingListener{}
	doneCh := make(chan struct{})

	tsk := New(owner, func(tk *Task) (any, int) {
		require.NoError(t, tk.PublishProgressInit(10))
		require.Error(t, tk.PublishProgressInit(10)) // only once

		require.NoError(t, tk.PublishProgress(3))
		require.Error(t, tk.PublishProgress(3)) // unchanged, dropped

		require.Error(t, tk.PublishProgress(1_000_000)) // clamps to max=10, but throttled immediately after previous accept

		close(doneCh)
		return nil, 0
	}, nil, nil, nil, lst, WithPublishInterval(time.Hour))

	tsk.AddListener(owner, progressRecorder{mu: &mu, out: &progress})

	require.NoError(t, tsk.Start())
	<-doneCh

	_, _, err := tsk.Join(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) >= 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{3}, progress)
}

type progressRecorder struct {
	NopListener
	mu  *sync.Mutex
	out *[]int64
}

func (p progressRecorder) OnProgress(_ *Task, prog int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.out = append(*p.out, prog)
}

// TestTask_RefCountReleasesOnZero verifies arg/result release fire exactly
// once, when the reference count reaches zero via Destroy after a terminal
// state is reached.
func TestTask_RefCountReleasesOnZero(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	var argReleases, resultReleases int
	tsk := New(owner,
		func(tk *Task) (any, int) { return "r", 0 },
		"a",
		func(any) { argReleases++ },
		func(any) { resultReleases++ },
		nil,
	)

	require.NoError(t, tsk.Start())
	_, _, err := tsk.Join(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tsk.State().IsTerminal() }, time.Second, time.Millisecond)

	require.NoError(t, tsk.Destroy())
	require.Equal(t, 1, argReleases)
	require.Equal(t, 1, resultReleases)
}

// TestTask_DestroyRejectedBeforeTerminal ensures Destroy refuses to drop
// the creator's reference while the task is still active.
func TestTask_DestroyRejectedBeforeTerminal(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	tsk := New(owner, func(tk *Task) (any, int) { return nil, 0 }, nil, nil, nil, nil)
	require.Error(t, tsk.Destroy())
}

// TestTask_JoinRejectsStartSync mirrors the source contract: a task
// started synchronously has no goroutine to join.
func TestTask_JoinRejectsStartSync(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	tsk := New(owner, func(tk *Task) (any, int) { return "x", 0 }, nil, nil, nil, nil)
	require.NoError(t, tsk.StartSync())

	_, _, err := tsk.Join(context.Background())
	require.Error(t, err)
}

// TestTask_AddListenerReplaysCurrentProgress covers the late-subscriber
// replay: a listener added after progress has been initialized sees the
// current max and latest value, not the full history.
func TestTask_AddListenerReplaysCurrentProgress(t *testing.T) {
	l := msgloop.New()
	defer func() { l.Stop(); l.Wait() }()
	owner := newTestHandler(t, l)

	progressReady := make(chan struct{})
	proceed := make(chan struct{})
	tsk := New(owner, func(tk *Task) (any, int) {
		require.NoError(t, tk.PublishProgressInit(10))
		require.NoError(t, tk.PublishProgress(5))
		close(progressReady)
		<-proceed
		return nil, 0
	}, nil, nil, nil, nil)

	require.NoError(t, tsk.Start())
	<-progressReady

	var mu sync.Mutex
	var inits []int64
	var progs []int64
	late := lateListener{mu: &mu, inits: &inits, progs: &progs}
	tsk.AddListener(owner, late)
	close(proceed)

	_, _, err := tsk.Join(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inits) == 1 && len(progs) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{10}, inits)
	require.Equal(t, []int64{5}, progs)
}

type lateListener struct {
	NopListener
	mu    *sync.Mutex
	inits *[]int64
	progs *[]int64
}

func (l lateListener) OnProgressInit(_ *Task, maxProg int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.inits = append(*l.inits, maxProg)
}

func (l lateListener) OnProgress(_ *Task, prog int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.progs = append(*l.progs, prog)
}
