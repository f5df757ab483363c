// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"encoding/json"
	"net"
)

// readBufSize is the chunk size pulled from the transport on each read,
// per spec §4.8 ("fixed-size chunks (≈32 KiB)").
const readBufSize = 32 * 1024

// readLoop pulls bytes from the transport without holding the
// connection lock, and re-acquires it only to dispatch parser side
// effects, per spec §4.8.
func (nc *Conn) readLoop() {
	buf := make([]byte, readBufSize)

	for {
		nc.mu.Lock()
		conn := nc.conn
		closed := nc.status == CLOSED
		reconnecting := nc.status == RECONNECTING
		nc.mu.Unlock()

		if closed || reconnecting || conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			nc.handleReadErr(conn, err)
			return
		}
		if n == 0 {
			continue
		}

		nc.mu.Lock()
		ps := nc.ps
		nc.mu.Unlock()

		// parse runs lock-free: its side effects (processMsg,
		// processPong, processInfo, processErr→Close, ...) all
		// re-acquire nc.mu themselves, on this same goroutine, per
		// spec §4.8.
		perr := ps.parse(buf[:n])

		if perr != nil {
			nc.handleReadErr(conn, perr)
			return
		}
	}
}

// handleReadErr reacts to a fatal reader/parser error per spec §4.6: if
// the connection is already closing or reconnecting, this goroutine
// simply exits; otherwise it drives the reconnect (or close, if
// reconnect is disabled) path.
func (nc *Conn) handleReadErr(conn net.Conn, err error) {
	nc.mu.Lock()
	status := nc.status
	sameConn := nc.conn == conn
	nc.mu.Unlock()

	if status == CLOSED || status == RECONNECTING || !sameConn {
		return
	}

	nc.errCarrier.set(err)
	if nc.opts.AllowReconnect {
		nc.transitionToReconnecting()
	} else {
		nc.Close()
	}
}

// processMsg is invoked by the parser once a full MSG frame (args and,
// if size>0, payload) has been decoded. payload is nil for zero-length
// messages and is otherwise exactly ma.size bytes owned by the caller
// until this function returns it into a subscription queue.
func (nc *Conn) processMsg(ma *msgArg, payload []byte) {
	nc.mu.Lock()
	nc.InMsgs++
	nc.InBytes += uint64(len(payload))
	sub := nc.subs[ma.sid]
	nc.mu.Unlock()

	if sub == nil {
		return
	}

	m := &Msg{
		Subject: string(ma.subject),
		Data:    payload,
		sub:     sub,
	}
	if ma.reply != nil {
		m.Reply = string(ma.reply)
	}

	sub.deliver(m)
}

// processPing responds immediately with PONG; the server uses this to
// detect dead clients.
func (nc *Conn) processPing() {
	nc.bufferWrite([]byte(pongProto))
	nc.kickFlusher()
}

// processPong pops the oldest outstanding flush waiter (if any) and
// resets the unanswered-ping counter, since any PONG proves liveness.
func (nc *Conn) processPong() {
	nc.mu.Lock()
	nc.pingsOut = 0
	var ch chan struct{}
	if len(nc.pongs) > 0 {
		ch = nc.pongs[0]
		nc.pongs = nc.pongs[1:]
	}
	nc.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// processOK is a no-op placeholder for verbose-mode acknowledgements.
func (nc *Conn) processOK() {}

// processInfo parses an INFO frame received after the initial handshake
// (e.g. a cluster topology update); it refreshes the cached server info
// fields consumed elsewhere (tls/auth requirements, max payload).
func (nc *Conn) processInfo(raw string) {
	if raw == "" {
		return
	}
	var info serverInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return
	}
	nc.mu.Lock()
	nc.info = info
	nc.mu.Unlock()
}

// processErr handles a -ERR frame. A "Stale Connection" text triggers
// reconnect; anything else is fatal and closes the connection, per
// spec §4.5.
func (nc *Conn) processErr(text string) {
	if text == "Stale Connection" {
		nc.errCarrier.set(ErrStaleConnection)
		if nc.opts.AllowReconnect {
			nc.transitionToReconnecting()
		} else {
			nc.Close()
		}
		return
	}
	nc.errCarrier.set(&serverError{text: text})
	nc.Close()
}

// serverError wraps an arbitrary -ERR payload the server sent us.
type serverError struct{ text string }

func (e *serverError) Error() string { return "nats: server: " + e.text }
