// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

// Options carries the per-post bitmask described for Message; it is opaque
// to the loop itself and forwarded to Handler dispatch functions verbatim,
// the same way the source's uint32 opt field is never interpreted by the
// looper.
type Options uint32

// kind distinguishes the two Message variants: Data and Exec.
type kind int

const (
	kindData kind = iota
	kindExec
)

// Message is the immutable unit of work enqueued on a Loop. It is a tagged
// union of two variants, Data and Exec, constructed via newDataMessage (via
// a Handler) and NewExecMessage respectively. release, when non-nil, is
// invoked exactly once, right after the message is dispatched; the loop
// drains every enqueued message before terminating, so none is discarded.
// A message that Post rejects is never enqueued and its release is not
// invoked.
type Message struct {
	priority Priority
	options  Options
	kind     kind

	// Data variant.
	code    int
	payload any
	onData  func(Message) // the owning Handler's dispatch function

	// Exec variant.
	run func(payload any)

	release func(payload any)
}

// newDataMessage builds a Data message bound to a Handler's dispatch
// function. Unexported: a Data message is only ever constructed by
// Handler.PostData, since the loop dispatches Data messages by invoking
// the owner handler's dispatch fn, not a free-standing one.
func newDataMessage(code int, payload any, release func(any), priority Priority, options Options, onData func(Message)) Message {
	return Message{
		priority: priority,
		options:  options,
		kind:     kindData,
		code:     code,
		payload:  payload,
		onData:   onData,
		release:  release,
	}
}

// NewExecMessage builds an Exec message: an opaque payload plus a run
// function invoked with it directly by the loop, bypassing the handler's
// dispatch function.
func NewExecMessage(payload any, release func(any), run func(any), priority Priority, options Options) Message {
	return Message{
		priority: priority,
		options:  options,
		kind:     kindExec,
		payload:  payload,
		run:      run,
		release:  release,
	}
}

// Priority reports the message's queueing priority.
func (m Message) Priority() Priority { return m.priority }

// Options reports the opaque per-post bitmask.
func (m Message) Options() Options { return m.options }

// Code reports the Data variant's code. Zero for an Exec message.
func (m Message) Code() int { return m.code }

// Payload reports the message's opaque payload.
func (m Message) Payload() any { return m.payload }

// IsExec reports whether this message is the Exec variant.
func (m Message) IsExec() bool { return m.kind == kindExec }

// releaseOnce invokes the message's release function exactly once. Calling
// it more than once is a caller bug; Loop's dispatch invokes it exactly once
// per enqueued message, after that message's dispatch returns.
func (m Message) releaseOnce() {
	if m.release != nil {
		m.release(m.payload)
	}
}

// dispatch executes the message's behavior: Exec messages call their own
// run function directly; Data messages are handed to the owning handler's
// dispatch function, bound at construction time.
func (m Message) dispatch() {
	if m.kind == kindExec {
		m.run(m.payload)
		return
	}
	if m.onData != nil {
		m.onData(m)
	}
}
