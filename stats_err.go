// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"
)

// Stats tracks various counts received and sent on a connection. All
// fields are updated under the connection lock and may be read via
// Conn.StatsSnapshot() for a point-in-time snapshot.
type Stats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// maxErrStackDepth bounds the call-stack list captured alongside an
// error, per spec §4.11 ("bounded call-stack list").
const maxErrStackDepth = 16

// errCarrier is the per-connection last-error/stack accessor described
// in spec §4.11 as "thread-local". Go connections are shared across
// goroutines rather than pinned to one OS thread, so this is scoped to
// the Conn instead; the shape (error + short text + bounded stack +
// reentrancy guard) is otherwise exactly what the spec asks for.
type errCarrier struct {
	mu          sync.Mutex
	err         error
	frames      []string
	noStack     int32 // reentrancy guard; see withoutStack
}

// set records err as the last error for this carrier, capturing a
// bounded call stack unless a withoutStack section is active (used by
// formatters/helpers that must not clobber the stack of the error they
// are describing).
func (c *errCarrier) set(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	if atomic.LoadInt32(&c.noStack) != 0 {
		return
	}
	cs := stack.Trace().TrimRuntime()
	if len(cs) > maxErrStackDepth {
		cs = cs[:maxErrStackDepth]
	}
	frames := make([]string, 0, len(cs))
	for _, call := range cs {
		frames = append(frames, fmt.Sprintf("%n", call))
	}
	c.frames = frames
}

func (c *errCarrier) last() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// stackTrace returns the bounded list of function names captured with
// the last error, innermost call first.
func (c *errCarrier) stackTrace() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

// withoutStack runs fn with stack capture suppressed, for helpers that
// format or rethrow an existing error without wanting to overwrite its
// stack with their own call site.
func (c *errCarrier) withoutStack(fn func()) {
	atomic.AddInt32(&c.noStack, 1)
	defer atomic.AddInt32(&c.noStack, -1)
	fn()
}
