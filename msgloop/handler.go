// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

// DispatchFunc handles a Data message delivered to a Handler. It must not
// mutate or retain msg beyond the call, mirroring the source's "handle MUST
// NOT change value or destroy msg object" contract; Loop releases the
// message immediately after dispatch returns.
type DispatchFunc func(msg Message)

// Handler is an immutable, named endpoint bound to a Loop. Every field is
// fixed at construction, except that Destroy clears the tag release so it
// runs at most once.
type Handler struct {
	loop       *Loop
	dispatch   DispatchFunc
	tag        any
	tagRelease func(any)
}

// NewHandler builds a Handler bound to loop. dispatch handles Data messages
// posted through PostData; it may be nil, in which case PostData messages
// are silently dropped on arrival (their release still fires). tag is an
// opaque value the caller can retrieve with Tag; tagRelease, if non-nil, is
// invoked exactly once when the handler is destroyed.
func NewHandler(loop *Loop, dispatch DispatchFunc, tag any, tagRelease func(any)) *Handler {
	return &Handler{
		loop:       loop,
		dispatch:   dispatch,
		tag:        tag,
		tagRelease: tagRelease,
	}
}

// Loop returns the handler's owning loop.
func (h *Handler) Loop() *Loop { return h.loop }

// Tag returns the opaque value set at construction.
func (h *Handler) Tag() any { return h.tag }

// Destroy releases the handler's tag. It does not stop the loop; a loop
// may outlive every handler bound to it, and a handler may be destroyed
// while its loop keeps running other handlers' messages.
func (h *Handler) Destroy() {
	if h.tagRelease != nil {
		h.tagRelease(h.tag)
		h.tagRelease = nil
	}
}

// PostData builds and posts a Data message at NORMAL priority with no
// options set, forwarding it to the handler's loop.
func (h *Handler) PostData(code int, payload any, release func(any)) error {
	return h.PostDataPriority(code, payload, release, Normal, 0)
}

// PostDataPriority is PostData with an explicit priority and options
// bitmask, the equivalent of the source's post_data2 overload.
func (h *Handler) PostDataPriority(code int, payload any, release func(any), priority Priority, options Options) error {
	msg := newDataMessage(code, payload, release, priority, options, h.onData)
	return h.loop.Post(msg)
}

// PostExec builds and posts an Exec message at NORMAL priority with no
// options set: run is invoked directly by the loop, bypassing the
// handler's dispatch function entirely.
func (h *Handler) PostExec(payload any, release func(any), run func(any)) error {
	return h.PostExecPriority(payload, release, run, Normal, 0)
}

// PostExecPriority is PostExec with an explicit priority and options
// bitmask, the equivalent of the source's post_exec2 overload.
func (h *Handler) PostExecPriority(payload any, release func(any), run func(any), priority Priority, options Options) error {
	msg := NewExecMessage(payload, release, run, priority, options)
	return h.loop.Post(msg)
}

// ExecOn runs run(payload) synchronously if the calling goroutine is
// already the handler's loop goroutine, releasing payload immediately
// afterward; otherwise it behaves exactly like PostExec, queuing the work
// for the loop goroutine instead.
func (h *Handler) ExecOn(payload any, release func(any), run func(any)) error {
	if h.loop.IsLoopGoroutine() {
		run(payload)
		if release != nil {
			release(payload)
		}
		return nil
	}
	return h.PostExec(payload, release, run)
}

// onData is the Message.onData callback bound into every Data message this
// handler posts: it invokes the handler's DispatchFunc, tolerating a nil
// dispatch (the message is simply dropped once released).
func (h *Handler) onData(msg Message) {
	if h.dispatch != nil {
		h.dispatch(msg)
	}
}
