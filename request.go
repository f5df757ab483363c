// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
)

// InboxPrefix is prepended to every generated inbox subject.
const InboxPrefix = "_INBOX."

// inboxSeq is the process-wide counter appended to every inbox.
var inboxSeq uint64

// NewInbox returns a unique subject suitable for a reply-to address,
// per spec §4.10: InboxPrefix, a nuid, then a monotonic counter.
func NewInbox() string {
	return fmt.Sprintf("%s%s.%d", InboxPrefix, nuid.Next(), atomic.AddUint64(&inboxSeq, 1))
}

// encodeSig base64-url-encodes an nkey signature for the CONNECT
// frame's sig field.
func encodeSig(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// requestMap implements the optimized request style of spec §4.10: one
// shared wildcard subscription per connection, with individual replies
// routed to per-call waiters keyed by the inbox's last token. This is
// the default; UseOldRequestStyle falls back to a plain
// SubscribeSync+AutoUnsubscribe(1) per call instead.
type requestMap struct {
	nc     *Conn
	prefix string // e.g. "_INBOX.<nuid>."
	next   uint64

	mu      sync.Mutex
	started bool
	waiters map[string]chan *Msg
}

func newRequestMap(nc *Conn) *requestMap {
	return &requestMap{
		nc:      nc,
		prefix:  NewInbox() + ".",
		waiters: make(map[string]chan *Msg),
	}
}

func (rm *requestMap) ensureStarted() error {
	rm.mu.Lock()
	if rm.started {
		rm.mu.Unlock()
		return nil
	}
	rm.mu.Unlock()

	sub, err := rm.nc.Subscribe(rm.prefix+"*", rm.onReply)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	if rm.started {
		rm.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	rm.started = true
	rm.mu.Unlock()
	return nil
}

func (rm *requestMap) onReply(m *Msg) {
	token := m.Subject[len(rm.prefix):]
	rm.mu.Lock()
	ch := rm.waiters[token]
	delete(rm.waiters, token)
	rm.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- m:
	default:
	}
}

// newWaiter registers a fresh reply inbox and returns its subject and
// the channel its reply (if any) arrives on.
func (rm *requestMap) newWaiter() (subject string, ch chan *Msg) {
	token := fmt.Sprintf("%x", atomic.AddUint64(&rm.next, 1))
	ch = make(chan *Msg, 1)
	rm.mu.Lock()
	rm.waiters[token] = ch
	rm.mu.Unlock()
	return rm.prefix + token, ch
}

func (rm *requestMap) cancelWaiter(subject string) {
	token := subject[len(rm.prefix):]
	rm.mu.Lock()
	delete(rm.waiters, token)
	rm.mu.Unlock()
}

// Request sends data on subj and waits up to timeout for a single
// reply, per spec §4.10. With UseOldRequestStyle it subscribes once per
// call; otherwise it reuses the connection-wide shared inbox.
func (nc *Conn) Request(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	if nc.opts.UseOldRequestStyle {
		return nc.oldRequest(subj, data, timeout)
	}
	return nc.fastRequest(subj, data, timeout)
}

func (nc *Conn) oldRequest(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	inbox := NewInbox()
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()
	sub.AutoUnsubscribe(1)

	if err := nc.publish(subj, inbox, data); err != nil {
		return nil, err
	}
	return sub.NextMsg(timeout)
}

func (nc *Conn) fastRequest(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	if err := nc.reqs.ensureStarted(); err != nil {
		return nil, err
	}
	replySubject, ch := nc.reqs.newWaiter()

	if err := nc.publish(subj, replySubject, data); err != nil {
		nc.reqs.cancelWaiter(replySubject)
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m := <-ch:
		return m, nil
	case <-t.C:
		nc.reqs.cancelWaiter(replySubject)
		return nil, ErrTimeout
	case <-nc.closedCh:
		nc.reqs.cancelWaiter(replySubject)
		return nil, ErrConnectionClosed
	}
}
