// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package msgloop

import "sync/atomic"

// State is a Loop's lifecycle state, per §3/§4.A of the design.
type State uint32

const (
	// Ready: the loop has been created but its dispatch goroutine has not
	// yet started looping.
	Ready State = iota
	// Looping: the dispatch goroutine is actively draining the queue.
	Looping
	// Stopping: Stop has been called; remaining enqueued messages still
	// drain, but further posts are rejected.
	Stopping
	// Terminated: the queue has drained and the dispatch goroutine has
	// exited. Terminal.
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Looping:
		return "LOOPING"
	case Stopping:
		return "STOPPING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// fastState is a lock-free, cache-line-padded holder for a Loop's State,
// read far more often (every post, to check acceptance) than written (once
// per lifecycle transition).
type fastState struct {
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(Ready))
	return s
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(v State) { s.v.Store(uint32(v)) }

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// acceptsPost reports whether the loop is in a state that accepts new
// posts: READY or LOOPING, per §4.A.
func (s *fastState) acceptsPost() bool {
	switch s.Load() {
	case Ready, Looping:
		return true
	default:
		return false
	}
}
