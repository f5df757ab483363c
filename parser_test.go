// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"testing"
	"time"
)

// newTestConn builds a Conn with just enough state for the parser's
// dispatch methods (processMsg/processPing/processInfo/processErr) to
// run safely without a live socket.
func newTestConn() *Conn {
	nc := &Conn{
		subs:     make(map[uint64]*Subscription),
		closedCh: make(chan struct{}),
	}
	nc.ps = newParser(nc)
	return nc
}

func feed(t *testing.T, ps *parser, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		if err := ps.parse([]byte(c)); err != nil {
			t.Fatalf("parse(%q): %v", c, err)
		}
	}
}

func TestParserDecodesMsgInOneShot(t *testing.T) {
	nc := newTestConn()
	sub := &Subscription{conn: nc, sid: 1, Subject: "foo", msgLimit: 10, signal: make(chan struct{}, 1)}
	nc.subs[1] = sub

	feed(t, nc.ps, "MSG foo 1 5\r\nhello\r\n")

	m, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if m.Subject != "foo" || string(m.Data) != "hello" {
		t.Fatalf("got subject=%q data=%q", m.Subject, m.Data)
	}
}

func TestParserDecodesMsgSplitAcrossReads(t *testing.T) {
	nc := newTestConn()
	sub := &Subscription{conn: nc, sid: 7, Subject: "bar", msgLimit: 10, signal: make(chan struct{}, 1)}
	nc.subs[7] = sub

	full := "MSG bar 7 reply.subj 11\r\nhello world\r\n"
	for i := 0; i < len(full); i++ {
		feed(t, nc.ps, full[i:i+1])
	}

	m, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if m.Subject != "bar" || m.Reply != "reply.subj" || string(m.Data) != "hello world" {
		t.Fatalf("got subject=%q reply=%q data=%q", m.Subject, m.Reply, m.Data)
	}
}

func TestParserDecodesZeroLengthMsg(t *testing.T) {
	nc := newTestConn()
	sub := &Subscription{conn: nc, sid: 2, Subject: "empty", msgLimit: 10, signal: make(chan struct{}, 1)}
	nc.subs[2] = sub

	feed(t, nc.ps, "MSG empty 2 0\r\n\r\n")

	m, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if len(m.Data) != 0 {
		t.Fatalf("got %d bytes, want 0", len(m.Data))
	}
}

func TestParserIgnoresUnknownSid(t *testing.T) {
	nc := newTestConn()
	// No subscription registered for sid 99; processMsg must simply drop
	// the message rather than erroring.
	feed(t, nc.ps, "MSG nosub 99 3\r\nabc\r\n")
}

func TestParserHandlesPing(t *testing.T) {
	nc := newTestConn()
	feed(t, nc.ps, "PING\r\n")
	if nc.writeBuf == nil || string(nc.writeBuf.Bytes()) != pongProto {
		t.Fatalf("expected a queued PONG reply, got %v", nc.writeBuf)
	}
}

func TestParserHandlesInfo(t *testing.T) {
	nc := newTestConn()
	feed(t, nc.ps, `INFO {"server_id":"abc","max_payload":1048576}`+"\r\n")
	if nc.info.ID != "abc" || nc.info.MaxPayload != 1048576 {
		t.Fatalf("got info = %+v", nc.info)
	}
}

func TestParserRejectsBadOp(t *testing.T) {
	nc := newTestConn()
	if err := nc.ps.parse([]byte("ZZZ\r\n")); err == nil {
		t.Fatalf("expected a protocol error for an unrecognized op")
	}
}

func TestParserFailReportsState(t *testing.T) {
	ps := &parser{state: msgArgState}
	err := ps.fail('!')
	if err == nil {
		t.Fatalf("expected an error")
	}
	// The bug this regresses: fail() once reset ps.state to opStart
	// before building the message, so every failure reported state 0
	// regardless of where it actually occurred.
	want := "state 14" // msgArgState's iota value
	if got := err.Error(); len(got) < len(want) || got[len(got)-len(want):] != want {
		t.Fatalf("got %q, want it to end with %q", got, want)
	}
}
