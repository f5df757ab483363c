// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
	"time"
)

// defaultBufSize is the initial size of the outbound write buffer.
const defaultBufSize = 32768

const pingProto = "PING\r\n"
const pongProto = "PONG\r\n"

// bufferWrite appends framed bytes to the outgoing path, per spec §4.7
// operation buffer_write. While reconnecting (pendingBuf != nil) bytes
// go to the bounded pending buffer instead of the write buffer; once the
// pending buffer is full, further writes fail with
// ErrInsufficientBuffer rather than growing unbounded.
func (nc *Conn) bufferWrite(p []byte) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.bufferWriteLocked(p)
}

func (nc *Conn) bufferWriteLocked(p []byte) error {
	if nc.status == CLOSED {
		return ErrConnectionClosed
	}
	if nc.pendingBuf != nil {
		limit := nc.opts.ReconnectBufSize
		if limit <= 0 {
			limit = DefaultReconnectBufSize
		}
		if nc.pendingBuf.Len()+len(p) > limit {
			return ErrInsufficientBuffer
		}
		return nc.pendingBuf.Append(p)
	}
	if nc.writeBuf == nil {
		nc.writeBuf = newByteBuffer(defaultBufSize)
	}
	return nc.writeBuf.Append(p)
}

// kickFlusher signals the flusher goroutine that there is work to do,
// coalescing multiple kicks into one pending wakeup.
func (nc *Conn) kickFlusher() {
	nc.mu.Lock()
	fch := nc.fch
	nc.mu.Unlock()
	if fch == nil {
		return
	}
	select {
	case fch <- struct{}{}:
	default:
	}
}

// bufferFlush drains the write buffer to the socket. On a partial write
// it compacts the buffer to retain only the unsent tail, per spec §4.7.
func (nc *Conn) bufferFlush() error {
	nc.mu.Lock()
	if nc.status == CLOSED && nc.conn == nil {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	conn := nc.conn
	buf := nc.writeBuf
	nc.mu.Unlock()

	if conn == nil || buf == nil || buf.Len() == 0 {
		return nil
	}

	written := 0
	data := buf.Bytes()
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			nc.mu.Lock()
			if buf.Len() >= written {
				remainder := append([]byte(nil), buf.Bytes()[written:]...)
				buf.Reset()
				buf.Append(remainder)
			}
			nc.mu.Unlock()
			return err
		}
	}
	// Drop only the bytes just written; anything appended while the
	// write was in progress stays queued for the next flush.
	nc.mu.Lock()
	if nc.writeBuf == buf && buf.Len() >= len(data) {
		remainder := append([]byte(nil), buf.Bytes()[len(data):]...)
		buf.Reset()
		buf.Append(remainder)
	}
	nc.mu.Unlock()
	return nil
}

// flusher waits for a kick, gives a short window to accumulate further
// writes (the classic 1ms coalescing delay; DESIGN.md records this as
// the fixed policy the spec's Open Question allows to keep), then
// flushes. It exits when the connection closes or starts reconnecting.
func (nc *Conn) flusher() {
	nc.mu.Lock()
	fch := nc.fch
	nc.mu.Unlock()

	for {
		select {
		case _, ok := <-fch:
			if !ok {
				return
			}
		case <-nc.closedCh:
			return
		}
		nc.mu.Lock()
		status := nc.status
		nc.mu.Unlock()
		if status == CLOSED || status == RECONNECTING {
			return
		}

		time.Sleep(time.Millisecond)

		nc.mu.Lock()
		status = nc.status
		nc.mu.Unlock()
		if status == CLOSED || status == RECONNECTING {
			return
		}
		if err := nc.bufferFlush(); err != nil {
			nc.errCarrier.set(err)
		}
	}
}

// publishFrame writes a PUB frame and wakes the flusher. MaxPayload is
// checked by the caller before this is reached, per spec §7 ("MaxPayload
// is evaluated before queuing the publish").
func (nc *Conn) publishFrame(subj, reply string, data []byte) error {
	var head string
	if reply == "" {
		head = fmt.Sprintf("PUB %s %d\r\n", subj, len(data))
	} else {
		head = fmt.Sprintf("PUB %s %s %d\r\n", subj, reply, len(data))
	}

	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if err := nc.bufferWriteLocked([]byte(head)); err != nil {
		nc.mu.Unlock()
		return err
	}
	if err := nc.bufferWriteLocked(data); err != nil {
		nc.mu.Unlock()
		return err
	}
	if err := nc.bufferWriteLocked([]byte("\r\n")); err != nil {
		nc.mu.Unlock()
		return err
	}
	nc.OutMsgs++
	nc.OutBytes += uint64(len(data))
	nc.mu.Unlock()

	nc.kickFlusher()
	return nil
}

// Publish sends data on subj with no reply subject set.
func (nc *Conn) Publish(subj string, data []byte) error {
	return nc.publish(subj, "", data)
}

// PublishMsg is sugar for Publish(m.Subject, m.Data) that also forwards
// m.Reply, letting a handler re-publish (or forward) a received Msg.
func (nc *Conn) PublishMsg(m *Msg) error {
	if m == nil {
		return ErrInvalidArg
	}
	return nc.publish(m.Subject, m.Reply, m.Data)
}

// PublishRequest publishes data on subj with reply set, without waiting
// for a response; see Request for the waiting counterpart.
func (nc *Conn) PublishRequest(subj, reply string, data []byte) error {
	return nc.publish(subj, reply, data)
}

func (nc *Conn) publish(subj, reply string, data []byte) error {
	if subj == "" {
		return ErrInvalidSubject
	}
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	max := nc.info.MaxPayload
	nc.mu.Unlock()
	if max > 0 && int64(len(data)) > max {
		return ErrMaxPayload
	}
	return nc.publishFrame(subj, reply, data)
}

// FlushTimeout performs the PING-anchored round trip of spec §4.7: it
// writes a PING and waits for the matching PONG, an expired deadline, or
// connection close. Only one may be in flight at a time.
func (nc *Conn) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.flushing {
		nc.mu.Unlock()
		return ErrNotPermitted
	}
	nc.flushing = true
	ch := make(chan struct{})
	nc.pongs = append(nc.pongs, ch)
	if err := nc.bufferWriteLocked([]byte(pingProto)); err != nil {
		nc.flushing = false
		nc.pongs = nc.pongs[:len(nc.pongs)-1]
		nc.mu.Unlock()
		return err
	}
	nc.mu.Unlock()

	nc.kickFlusher()

	t := time.NewTimer(timeout)
	defer t.Stop()

	var err error
	select {
	case <-ch:
		err = nil
	case <-t.C:
		err = ErrTimeout
	case <-nc.closedCh:
		err = ErrConnectionClosed
	}

	nc.mu.Lock()
	nc.flushing = false
	if err != nil {
		nc.removeFlushEntryLocked(ch)
	}
	nc.mu.Unlock()
	return err
}

// Flush is FlushTimeout with a generous default timeout.
func (nc *Conn) Flush() error {
	return nc.FlushTimeout(60 * time.Second)
}

func (nc *Conn) removeFlushEntryLocked(ch chan struct{}) {
	for i, c := range nc.pongs {
		if c == ch {
			nc.pongs = append(nc.pongs[:i], nc.pongs[i+1:]...)
			return
		}
	}
}

// clearPendingFlushLocked drops every outstanding pong waiter. Callers
// blocked in FlushTimeout are woken via closedCh (closed once by
// Close), not by this: closing the per-call pong channel here too would
// race with a genuine PONG arriving at the same instant and could
// report success for a flush that never actually completed. Caller
// holds nc.mu.
func (nc *Conn) clearPendingFlushLocked() {
	nc.pongs = nil
}
