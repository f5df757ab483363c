// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// schedulePing arms the heartbeat timer, per spec §4.6. Every
// PingInterval it sends a PING; MaxPingsOut consecutive unanswered
// pings mark the connection stale and trigger reconnect, via
// processPong's reset of pingsOut on any PONG.
func (nc *Conn) schedulePing() {
	nc.mu.Lock()
	interval := nc.opts.PingInterval
	nc.mu.Unlock()
	if interval <= 0 {
		return
	}
	nc.armPingTimerLocked(interval)
}

func (nc *Conn) armPingTimerLocked(interval time.Duration) {
	e := lib.wheel.schedule(time.Now().Add(interval), func() { nc.firePing(interval) }, func() {})
	nc.mu.Lock()
	nc.pingTimer = e
	nc.mu.Unlock()
}

// firePing runs on the global timer wheel goroutine: it sends a ping,
// bumps the outstanding count, and either reconnects (too many
// outstanding) or reschedules itself.
func (nc *Conn) firePing(interval time.Duration) {
	nc.mu.Lock()
	if nc.status != CONNECTED {
		nc.mu.Unlock()
		return
	}
	nc.pingsOut++
	maxOut := nc.opts.MaxPingsOut
	if maxOut <= 0 {
		maxOut = DefaultMaxPingOut
	}
	tooMany := nc.pingsOut > maxOut
	nc.mu.Unlock()

	if tooMany {
		nc.errCarrier.set(ErrStaleConnection)
		if nc.opts.AllowReconnect {
			nc.transitionToReconnecting()
		} else {
			nc.Close()
		}
		return
	}

	nc.bufferWrite([]byte(pingProto))
	nc.kickFlusher()
	nc.armPingTimerLocked(interval)
}

// transitionToReconnecting implements spec §4.6's Reconnect state
// entry: stop the heartbeat, tear down the socket, open the bounded
// pending buffer, and hand off to a dedicated goroutine that retries the
// pool until it runs out of servers or regains a connection. No final
// flush is attempted here; bytes still in writeBuf stay there and go
// out on the next successful connection. The parser is not reset here
// either; reconnectAttempt resets it before each handshake.
func (nc *Conn) transitionToReconnecting() {
	nc.mu.Lock()
	if nc.status == CLOSED || nc.status == RECONNECTING {
		nc.mu.Unlock()
		return
	}
	nc.status = RECONNECTING

	if nc.pingTimer != nil {
		lib.wheel.cancel(nc.pingTimer)
		nc.pingTimer = nil
	}

	conn := nc.conn
	nc.conn = nil
	nc.pendingBuf = newByteBuffer(defaultBufSize)
	nc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	nc.kickFlusher() // wake the old flusher so it sees RECONNECTING and exits

	if nc.opts.DisconnectedCB != nil {
		cb := nc.opts.DisconnectedCB
		dispatchAsync(func() { cb(nc) })
	}

	go nc.doReconnect()
}

// doReconnect retries every pool member (rotating via srvPool.next, per
// spec §4.4) until one succeeds or the pool is exhausted, spacing
// attempts by ReconnectWait.
func (nc *Conn) doReconnect() {
	wait := nc.opts.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	maxReconnect := nc.opts.MaxReconnect

	for {
		nc.mu.Lock()
		if nc.status != RECONNECTING {
			nc.mu.Unlock()
			return
		}
		s := nc.pool.next(maxReconnect)
		nc.mu.Unlock()

		if s == nil {
			nc.Close()
			return
		}

		if elapsed := time.Since(s.lastAttempt); elapsed < wait && !s.lastAttempt.IsZero() {
			time.Sleep(wait - elapsed)
		}
		s.lastAttempt = time.Now()
		s.reconnects++
		if err := nc.reconnectAttempt(s); err != nil {
			nc.errCarrier.set(err)
			continue
		}

		nc.mu.Lock()
		nc.cur = s
		s.didConnect = true
		s.reconnects = 0
		nc.status = CONNECTED
		nc.Reconnects++
		nc.resendSubscriptionsLocked()
		pending := nc.pendingBuf
		nc.pendingBuf = nil
		if pending != nil && pending.Len() > 0 {
			if nc.writeBuf == nil {
				nc.writeBuf = newByteBuffer(defaultBufSize)
			}
			nc.writeBuf.Append(pending.Bytes())
		}
		nc.mu.Unlock()

		go nc.readLoop()
		go nc.flusher()
		nc.kickFlusher()
		nc.schedulePing()

		if nc.opts.ReconnectedCB != nil {
			cb := nc.opts.ReconnectedCB
			dispatchAsync(func() { cb(nc) })
		}
		return
	}
}

// reconnectAttempt is attemptConnect's counterpart for the reconnecting
// state: same handshake, but it must not touch writeBuf/pendingBuf
// (publishes issued while reconnecting are already queued there) and it
// leaves status alone for the caller to flip once resubscription and
// buffer splicing are done.
func (nc *Conn) reconnectAttempt(s *srv) error {
	timeout := nc.opts.Timeout
	if timeout <= 0 {
		timeout = connectWaitDefault
	}
	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("tcp", s.url.String(), timeout)
	if err != nil {
		return err
	}
	conn.SetDeadline(deadline)

	nc.mu.Lock()
	nc.conn = conn
	nc.resetParserLocked()
	nc.mu.Unlock()

	info, err := nc.readInfoLine(conn)
	if err != nil {
		conn.Close()
		return err
	}
	nc.mu.Lock()
	nc.info = *info
	nc.mu.Unlock()

	if info.tlsRequired() {
		if !nc.opts.Secure {
			conn.Close()
			return ErrSecureConnRequired
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.url.Host})
		tlsConn.SetDeadline(deadline)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return err
		}
		nc.mu.Lock()
		nc.conn = tlsConn
		nc.mu.Unlock()
		conn = tlsConn
	} else if nc.opts.Secure {
		conn.Close()
		return ErrSecureConnWanted
	}

	if err := nc.sendConnectFrame(conn, info, s.url); err != nil {
		conn.Close()
		return err
	}
	if err := nc.writeLine(conn, "PING\r\n"); err != nil {
		conn.Close()
		return err
	}
	line, err := readOneLine(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if line != "PONG" {
		conn.Close()
		if len(line) > 0 && line[0] == '-' && isAuthError(line) {
			return fmt.Errorf("%w: %s", ErrAuthorization, line)
		}
		if len(line) > 0 && line[0] == '-' {
			return fmt.Errorf("%w: %s", ErrNoServers, line)
		}
		return fmt.Errorf("%w: unexpected handshake reply %q", ErrNoServers, line)
	}

	conn.SetDeadline(time.Time{})
	return nil
}
