// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
	"sync"
	"time"
)

// MsgHandler processes messages delivered to an asynchronous
// subscriber.
type MsgHandler func(msg *Msg)

// SubStats is a point-in-time snapshot of one subscription's counters,
// for the GetStats accessor of spec §6.
type SubStats struct {
	Delivered uint64
	Dropped   uint64
	Pending   int
	Max       uint64
}

// Subscription represents interest in a subject, optionally scoped to a
// queue group, per spec §3.
type Subscription struct {
	mu sync.Mutex

	conn    *Conn
	sid     uint64
	Subject string
	Queue   string

	mcb MsgHandler // nil for a synchronous subscription

	delivered uint64
	maxMsgs   uint64 // 0 = unlimited

	msgLimit  int
	byteLimit int
	msgs      []*Msg
	bytes     int

	scLatched      bool // slow-consumer drop gate
	dropPending    bool // one-shot surface for NextMsg
	dropped        uint64

	closed   bool
	removed  bool // detached from the connection's subscription table

	signal chan struct{} // level-triggered wake for NextMsg waiters

	draining  bool
	drainDone chan struct{}
}

// newSubscription allocates a Subscription with the connection's
// default pending limits.
func newSubscription(nc *Conn, subj, queue string, cb MsgHandler) *Subscription {
	limit := nc.opts.MaxPendingMsgs
	if limit <= 0 {
		limit = DefaultMaxChanLen
	}
	return &Subscription{
		conn:     nc,
		Subject:  subj,
		Queue:    queue,
		mcb:      cb,
		msgLimit: limit,
		signal:   make(chan struct{}, 1),
	}
}

// ---- Conn-side subscribe/unsubscribe ----

// subscribe is the shared implementation behind Subscribe,
// QueueSubscribe, SubscribeSync and QueueSubscribeSync.
func (nc *Conn) subscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	if subj == "" {
		return nil, ErrInvalidSubject
	}

	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	sub := newSubscription(nc, subj, queue, cb)
	nc.ssid++
	sub.sid = nc.ssid
	nc.subs[sub.sid] = sub

	var frame string
	if queue == "" {
		frame = fmt.Sprintf("SUB %s %d\r\n", subj, sub.sid)
	} else {
		frame = fmt.Sprintf("SUB %s %s %d\r\n", subj, queue, sub.sid)
	}
	writeErr := nc.bufferWriteLocked([]byte(frame))
	nc.mu.Unlock()

	if writeErr != nil {
		return nil, writeErr
	}

	if cb != nil {
		nc.assignToDispatcher(sub)
	}

	nc.kickFlusher()
	return sub, nil
}

// Subscribe expresses interest in subj; messages are delivered to cb.
// If cb is nil the subscription is synchronous and must be polled via
// Subscription.NextMsg.
func (nc *Conn) Subscribe(subj string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, "", cb)
}

// SubscribeSync is sugar for Subscribe(subj, nil).
func (nc *Conn) SubscribeSync(subj string) (*Subscription, error) {
	return nc.subscribe(subj, "", nil)
}

// QueueSubscribe creates an asynchronous queue subscriber: each message
// goes to exactly one member of the named group.
func (nc *Conn) QueueSubscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, queue, cb)
}

// QueueSubscribeSync is the synchronous counterpart of QueueSubscribe.
func (nc *Conn) QueueSubscribeSync(subj, queue string) (*Subscription, error) {
	return nc.subscribe(subj, queue, nil)
}

// removeSubscription detaches sid from the table, closes the
// subscription, and wakes any delivery waiters. It does not write
// UNSUB: callers that need the wire side effect call unsubscribe
// instead. Callers must be certain no unconsumed messages remain (or
// don't care about them) — closing discards the queue. Use
// detachSubscription when queued-but-undelivered messages must survive
// the subscription leaving the table.
func (nc *Conn) removeSubscription(sid uint64) *Subscription {
	sub := nc.detachSubscription(sid)
	if sub != nil {
		sub.close()
	}
	return sub
}

// detachSubscription removes sid from the table without touching the
// subscription's queue or closed state, so messages already delivered
// into it can still be drained by NextMsg or the dispatcher pool.
func (nc *Conn) detachSubscription(sid uint64) *Subscription {
	nc.mu.Lock()
	sub := nc.subs[sid]
	if sub != nil {
		delete(nc.subs, sid)
	}
	nc.mu.Unlock()
	return sub
}

// unsubscribe implements Subscription.Unsubscribe/AutoUnsubscribe, per
// spec §4.9.
func (nc *Conn) unsubscribe(sub *Subscription, max int) error {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if _, ok := nc.subs[sub.sid]; !ok {
		nc.mu.Unlock()
		return ErrBadSubscription
	}

	var frame string
	if max > 0 {
		sub.mu.Lock()
		sub.maxMsgs = uint64(max)
		sub.mu.Unlock()
		frame = fmt.Sprintf("UNSUB %d %d\r\n", sub.sid, max)
	} else {
		delete(nc.subs, sub.sid)
		frame = fmt.Sprintf("UNSUB %d\r\n", sub.sid)
	}
	writeErr := nc.bufferWriteLocked([]byte(frame))
	nc.mu.Unlock()

	if max == 0 {
		sub.close()
	}
	nc.kickFlusher()
	return writeErr
}

// resendSubscriptionsLocked re-issues SUB (and UNSUB <sid> <max> if an
// auto-unsub cap is set) for every live subscription after a successful
// reconnect, per spec §4.6.
func (nc *Conn) resendSubscriptionsLocked() {
	for _, s := range nc.subs {
		s.mu.Lock()
		subj, queue, sid, max := s.Subject, s.Queue, s.sid, s.maxMsgs
		s.mu.Unlock()

		var frame string
		if queue == "" {
			frame = fmt.Sprintf("SUB %s %d\r\n", subj, sid)
		} else {
			frame = fmt.Sprintf("SUB %s %s %d\r\n", subj, queue, sid)
		}
		nc.bufferWriteLocked([]byte(frame))
		if max > 0 {
			nc.bufferWriteLocked([]byte(fmt.Sprintf("UNSUB %d %d\r\n", sid, max)))
		}
	}
}

// ---- ingress / delivery ----

// deliver is called by the reader with a freshly decoded message for
// this subscription. It enforces the bounded-queue and slow-consumer
// rules of spec §4.9, then wakes the right waiter: the dispatcher pool
// for an async subscription, or the NextMsg signal for a sync one.
func (s *Subscription) deliver(m *Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.maxMsgs > 0 && s.delivered >= s.maxMsgs {
		s.mu.Unlock()
		return
	}

	overCount := len(s.msgs) >= s.msgLimit
	overBytes := s.byteLimit > 0 && s.bytes+len(m.Data) > s.byteLimit
	if overCount || overBytes {
		s.dropped++
		s.dropPending = true
		fireCB := !s.scLatched
		s.scLatched = true
		s.mu.Unlock()
		if fireCB {
			s.conn.fireSlowConsumer(s)
		}
		return
	}

	s.msgs = append(s.msgs, m)
	s.bytes += len(m.Data)
	s.delivered++
	s.scLatched = false // queue had room: drained since the last drop episode
	reachedCap := s.maxMsgs > 0 && s.delivered >= s.maxMsgs
	if reachedCap {
		s.removed = true
	}
	async := s.mcb != nil
	sid := s.sid
	s.mu.Unlock()

	// Take sid out of the table as soon as the cap is hit so no further
	// MSG is ever looked up for it, but leave the queue and closed state
	// alone: this message (and anything already queued ahead of it)
	// still has to reach NextMsg/the dispatcher. popReady finishes the
	// job once the queue actually drains to empty.
	if reachedCap {
		s.conn.detachSubscription(sid)
	}

	if async {
		s.conn.wakeDispatcher(sid)
	} else {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

// fireSlowConsumer schedules the async-error callback exactly once per
// slow-consumer episode.
func (nc *Conn) fireSlowConsumer(s *Subscription) {
	nc.errCarrier.set(ErrSlowConsumer)
	cb := nc.opts.AsyncErrorCB
	if cb == nil {
		return
	}
	dispatchAsync(func() { cb(nc, s, ErrSlowConsumer) })
}

// popReady removes and returns the head message if one is available.
// If this was the last queued message for a subscription already
// detached from the table (auto-unsubscribe cap reached), it finalizes
// the close here — once the caller has this message in hand, nothing
// is left to drain.
func (s *Subscription) popReady() (*Msg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil, false
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	s.bytes -= len(m.Data)
	if s.removed && len(s.msgs) == 0 {
		s.closed = true
	}
	return m, true
}

func (s *Subscription) hasReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs) > 0
}

// ---- sync delivery ----

// NextMsg blocks for up to timeout waiting for the next message on a
// synchronous subscription, per spec §4.9.
func (s *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	s.mu.Lock()
	if s.mcb != nil {
		s.mu.Unlock()
		return nil, ErrIllegalState
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrBadSubscription
	}
	if s.dropPending {
		s.dropPending = false
		s.mu.Unlock()
		return nil, ErrSlowConsumer
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrConnectionClosed
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if m, ok := s.popReady(); ok {
			return m, nil
		}

		s.mu.Lock()
		if s.closed {
			removed := s.removed
			maxed := s.maxMsgs > 0 && s.delivered >= s.maxMsgs
			s.mu.Unlock()
			if maxed {
				return nil, ErrMaxMessages
			}
			if removed {
				return nil, ErrBadSubscription
			}
			return nil, ErrConnectionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
			continue
		case <-deadline.C:
			return nil, ErrTimeout
		case <-s.conn.closedCh:
			return nil, ErrConnectionClosed
		}
	}
}

// ---- lifecycle ----

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Unsubscribe removes interest immediately.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, 0)
}

// AutoUnsubscribe arranges for the server (and client) to drop interest
// once max messages have been delivered.
func (s *Subscription) AutoUnsubscribe(max int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	if max <= 0 {
		return conn.unsubscribe(s, 0)
	}
	return conn.unsubscribe(s, max)
}

// QueuedMsgs returns the number of messages currently queued for
// delivery on this subscription.
func (s *Subscription) QueuedMsgs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// SetPendingLimits overrides the per-subscription queue caps. A
// msgLimit <= 0 restores the default message cap (DefaultMaxChanLen);
// a byteLimit <= 0 means no byte cap.
func (s *Subscription) SetPendingLimits(msgLimit, byteLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadSubscription
	}
	if msgLimit <= 0 {
		msgLimit = DefaultMaxChanLen
	}
	s.msgLimit = msgLimit
	s.byteLimit = byteLimit
	return nil
}

// GetStats returns a snapshot of this subscription's counters.
func (s *Subscription) GetStats() SubStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubStats{
		Delivered: s.delivered,
		Dropped:   s.dropped,
		Pending:   len(s.msgs),
		Max:       s.maxMsgs,
	}
}

// close marks the subscription closed, wakes any NextMsg waiter, and
// clears its queue. It does not talk to the server; it is the local
// half of removal.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.removed = true
	s.msgs = nil
	s.bytes = 0
	drainDone := s.drainDone
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	if drainDone != nil {
		close(drainDone)
	}
}

// closeForConnShutdown is called by Conn.Close for every still-live
// subscription.
func (s *Subscription) closeForConnShutdown() {
	s.close()
}

// Drain implements the GLOSSARY's Drain operation for a single
// subscription: stop new ingress (send UNSUB with no max so the server
// stops routing new messages once it processes the frame), then wait
// for already-queued/in-flight messages to finish before closing. This
// is a supplemented feature (SPEC_FULL.md §C), grounded on the
// teacher's own test/drain_test.go.
func (s *Subscription) Drain() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.drainDone = make(chan struct{})
	done := s.drainDone
	s.mu.Unlock()

	conn.mu.Lock()
	writeErr := conn.bufferWriteLocked([]byte(fmt.Sprintf("UNSUB %d\r\n", s.sid)))
	conn.mu.Unlock()
	if writeErr != nil {
		return writeErr
	}

	// A round trip proves the server has processed the UNSUB (TCP is
	// ordered, so no further MSG for this sid can arrive after the PONG),
	// satisfying the "let the server acknowledge UNSUB" step before
	// draining whatever already arrived.
	conn.Flush()

	go func() {
		for s.hasReady() {
			time.Sleep(time.Millisecond)
		}
		conn.removeSubscription(s.sid)
	}()

	select {
	case <-done:
	case <-conn.closedCh:
	}
	return nil
}

// Drain implements an orderly connection-wide shutdown: drain every
// subscription, flush, then close.
func (nc *Conn) Drain() error {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	subs := make([]*Subscription, 0, len(nc.subs))
	for _, s := range nc.subs {
		subs = append(subs, s)
	}
	nc.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			s.Drain()
		}(s)
	}
	wg.Wait()

	nc.Flush()
	nc.Close()
	return nil
}

// ---- shared dispatcher pool ----

// numDispatchWorkers bounds the number of goroutines used to deliver
// asynchronous messages across every subscription on a connection, per
// spec §4.9's "shared dispatcher pool" (the authoritative design per
// DESIGN.md's Open Question resolution — no per-subscription goroutine
// is spawned).
const numDispatchWorkers = 8

// dispatcher owns a disjoint subset of a connection's asynchronous
// subscriptions (assigned by sid modulo pool size) and processes them
// to completion in FIFO order whenever woken, preserving per-
// subscription ordering while bounding total goroutine count.
type dispatcher struct {
	wake chan struct{}

	mu   sync.Mutex
	subs map[uint64]*Subscription
}

func (nc *Conn) ensureDispatchers() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.dispatchersStarted {
		return
	}
	nc.dispatchersStarted = true
	for i := range nc.dispatchers {
		d := &dispatcher{wake: make(chan struct{}, 1), subs: make(map[uint64]*Subscription)}
		nc.dispatchers[i] = d
		go nc.runDispatcher(d)
	}
}

func (nc *Conn) assignToDispatcher(sub *Subscription) {
	nc.ensureDispatchers()
	idx := sub.sid % uint64(len(nc.dispatchers))
	d := nc.dispatchers[idx]
	d.mu.Lock()
	d.subs[sub.sid] = sub
	d.mu.Unlock()
}

func (nc *Conn) wakeDispatcher(sid uint64) {
	nc.mu.Lock()
	started := nc.dispatchersStarted
	nc.mu.Unlock()
	if !started {
		return
	}
	d := nc.dispatchers[sid%uint64(len(nc.dispatchers))]
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (nc *Conn) runDispatcher(d *dispatcher) {
	for {
		select {
		case <-d.wake:
		case <-nc.closedCh:
			return
		}
		d.drainReady(nc)
	}
}

// drainReady delivers every currently-queued message for every
// subscription this worker owns, invoking callbacks outside any lock.
func (d *dispatcher) drainReady(nc *Conn) {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for sid, s := range d.subs {
		if s.closed {
			delete(d.subs, sid)
			continue
		}
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		for {
			// The head stays queued while its callback runs, so Drain's
			// hasReady poll does not report empty until it has returned.
			s.mu.Lock()
			if len(s.msgs) == 0 {
				s.mu.Unlock()
				break
			}
			m := s.msgs[0]
			cb := s.mcb
			s.mu.Unlock()
			if cb != nil {
				cb(m)
			}
			s.popReady()
		}
	}
}
