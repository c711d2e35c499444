package msgloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-taskloop/errs"
	"github.com/stretchr/testify/require"
)

func TestLoop_PostExecDispatchesFIFOWithinPriority(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for _, i := range []int{1, 2, 3} {
		i := i
		require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, Normal, 0)))
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestLoop_PriorityOrdering(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	block := make(chan struct{})
	require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
		<-block
	}, Normal, 0)))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(3)

	post := func(name string, p Priority) {
		require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			wg.Done()
		}, p, 0)))
	}

	post("low", Low)
	post("normal", Normal)
	post("high", High)

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestLoop_ReleaseInvokedExactlyOnceOnDispatch(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	var releases int
	done := make(chan struct{})
	require.NoError(t, l.Post(NewExecMessage("payload", func(any) {
		releases++
	}, func(any) {
		close(done)
	}, Normal, 0)))

	<-done
	require.Eventually(t, func() bool { return releases == 1 }, time.Second, time.Millisecond)
}

func TestLoop_ReleaseInvokedOnDrainAfterStop(t *testing.T) {
	l := New()

	block := make(chan struct{})
	require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
		<-block
	}, Normal, 0)))

	released := make(chan struct{})
	require.NoError(t, l.Post(NewExecMessage("x", func(any) {
		close(released)
	}, func(any) {}, Normal, 0)))

	close(block)
	l.Stop()
	l.Wait()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release was not invoked for drained message")
	}
}

func TestLoop_PostRejectedAfterStop(t *testing.T) {
	l := New()
	l.Stop()
	l.Wait()

	err := l.Post(NewExecMessage(nil, nil, func(any) {}, Normal, 0))
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrPermission))
}

func TestLoop_IsLoopGoroutine(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	require.False(t, l.IsLoopGoroutine())

	result := make(chan bool, 1)
	require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
		result <- l.IsLoopGoroutine()
	}, Normal, 0)))

	require.True(t, <-result)
}

func TestHandler_ExecOnInlineWhenOnLoopGoroutine(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()
	h := NewHandler(l, nil, nil, nil)

	result := make(chan bool, 1)
	require.NoError(t, l.Post(NewExecMessage(nil, nil, func(any) {
		ran := false
		require.NoError(t, h.ExecOn(nil, nil, func(any) { ran = true }))
		result <- ran
	}, Normal, 0)))

	require.True(t, <-result)
}

func TestHandler_ExecOnPostsWhenOffLoopGoroutine(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()
	h := NewHandler(l, nil, nil, nil)

	done := make(chan struct{})
	require.NoError(t, h.ExecOn(nil, nil, func(any) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exec_on did not post to loop goroutine")
	}
}

func TestHandler_PostDataDispatchesToHandlerFunc(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	received := make(chan int, 1)
	h := NewHandler(l, func(msg Message) {
		received <- msg.Code()
	}, nil, nil)

	require.NoError(t, h.PostData(7, nil, nil))
	require.Equal(t, 7, <-received)
}

func TestHandler_DestroyInvokesTagRelease(t *testing.T) {
	l := New()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	released := false
	h := NewHandler(l, nil, "tag", func(any) { released = true })
	h.Destroy()
	require.True(t, released)
}
