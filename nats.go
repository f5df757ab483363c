// Copyright 2012 Apcera Inc. All rights reserved.

// Package nats is a Go client for the NATS publish/subscribe messaging
// system. It maintains one or more long-lived TCP (or TLS) connections
// to a cluster of servers, publishes and subscribes on hierarchical
// subjects, supports request/reply round trips, and reconnects
// automatically across server restarts.
package nats

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	Version     = "1.0.0"
	clientLang  = "go"
	connectWaitDefault = 2 * time.Second
)

// Error taxonomy, per spec §7. These are sentinel errors compared with
// errors.Is, matching the teacher's flat errors.New style rather than a
// wrapped-error hierarchy.
var (
	ErrConnectionClosed    = errors.New("nats: connection closed")
	ErrSecureConnRequired  = errors.New("nats: secure connection required")
	ErrSecureConnWanted    = errors.New("nats: secure connection not available")
	ErrBadSubscription     = errors.New("nats: invalid subscription")
	ErrSlowConsumer        = errors.New("nats: slow consumer, messages dropped")
	ErrTimeout             = errors.New("nats: timeout")
	ErrInvalidArg          = errors.New("nats: invalid argument")
	ErrInvalidSubject      = errors.New("nats: invalid subject")
	ErrNoServers           = errors.New("nats: no servers available for connection")
	ErrNotPermitted        = errors.New("nats: operation not permitted")
	ErrNotFound            = errors.New("nats: not found")
	ErrMaxPayload          = errors.New("nats: maximum payload exceeded")
	ErrMaxMessages         = errors.New("nats: maximum messages delivered")
	ErrStaleConnection     = errors.New("nats: stale connection")
	ErrAuthorization       = errors.New("nats: authorization violation")
	ErrNoResponders        = errors.New("nats: no responders available for request")
	ErrInsufficientBuffer  = errors.New("nats: insufficient buffer")
	ErrIllegalState        = errors.New("nats: illegal state")
	ErrInvalidTimeout      = errors.New("nats: invalid timeout")
)

// Status describes the connection lifecycle state machine of spec §4.6.
type Status int

const (
	DISCONNECTED Status = iota
	CONNECTING
	CONNECTED
	RECONNECTING
	CLOSED
)

func (s Status) String() string {
	switch s {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case CONNECTED:
		return "CONNECTED"
	case RECONNECTING:
		return "RECONNECTING"
	case CLOSED:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// serverInfo is the set of INFO fields the client consumes, per spec §6.
type serverInfo struct {
	ID           string `json:"server_id"`
	Version      string `json:"version"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	AuthRequired bool   `json:"auth_required"`
	TLSRequired  bool   `json:"tls_required"`
	SSLRequired  bool   `json:"ssl_required"` // historical alias of tls_required
	MaxPayload   int64  `json:"max_payload"`
	Nonce        string `json:"nonce,omitempty"`
}

func (si *serverInfo) tlsRequired() bool {
	return si.TLSRequired || si.SSLRequired
}

// connectInfo is what the client sends in CONNECT, per spec §6.
type connectInfo struct {
	Verbose     bool   `json:"verbose"`
	Pedantic    bool   `json:"pedantic"`
	TLSRequired bool   `json:"tls_required"`
	Name        string `json:"name,omitempty"`
	Lang        string `json:"lang"`
	Version     string `json:"version"`
	User        string `json:"user,omitempty"`
	Pass        string `json:"pass,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
	Nkey        string `json:"nkey,omitempty"`
	Sig         string `json:"sig,omitempty"`
}

// Msg is a single published or delivered message; see spec §3.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	sub *Subscription
}

// Respond replies to a request-style message on its Reply subject.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" {
		return ErrNotPermitted
	}
	if m.sub == nil || m.sub.conn == nil {
		return ErrBadSubscription
	}
	return m.sub.conn.Publish(m.Reply, data)
}

// Conn represents a (possibly reconnecting) session with one server out
// of a pool. Exported field Stats is the atomically-snapshottable
// counter set of spec §4.11; everything else is guarded by mu.
type Conn struct {
	Stats
	errCarrier

	mu   sync.Mutex
	opts Options

	pool *srvPool
	cur  *srv

	conn net.Conn
	ps   *parser
	info serverInfo

	status Status

	// Outbound path, per spec §4.7: writeBuf is flushed to conn by the
	// flusher goroutine; pendingBuf, non-nil only while reconnecting,
	// absorbs publishes that happen while there is no live socket.
	writeBuf   *byteBuffer
	pendingBuf *byteBuffer
	fch        chan struct{}

	subs map[uint64]*Subscription
	ssid uint64

	pongs     []chan struct{}
	pingsOut  int
	pingTimer *timerEntry

	flushing bool // true while a flushTimeout call is outstanding (NotPermitted guard)

	reqs *requestMap

	dispatchers        [numDispatchWorkers]*dispatcher
	dispatchersStarted bool

	closedCh chan struct{} // closed exactly once, when status becomes CLOSED
}

// Connect opens a connection to the given single server URL with
// default options.
func Connect(url string, options ...Option) (*Conn, error) {
	opts := GetDefaultOptions()
	opts.Url = url
	if err := opts.Apply(options...); err != nil {
		return nil, err
	}
	return opts.Connect()
}

// Connect opens a connection using the receiver's settings. The options
// are cloned; later mutation of o has no effect on the resulting Conn.
func (o Options) Connect() (*Conn, error) {
	opts := o.clone()

	pool, err := newSrvPool(&opts)
	if err != nil {
		return nil, err
	}

	nc := &Conn{
		opts:     opts,
		pool:     pool,
		subs:     make(map[uint64]*Subscription),
		closedCh: make(chan struct{}),
	}
	nc.reqs = newRequestMap(nc)

	libAcquire()
	if err := nc.connect(); err != nil {
		libRelease()
		return nil, err
	}
	return nc, nil
}

// connect walks the server pool attempting TCP (then TLS) connects,
// per spec §4.6 Connect.
func (nc *Conn) connect() error {
	nc.mu.Lock()
	nc.status = CONNECTING
	nc.mu.Unlock()

	triedAll := nc.pool.size()
	var lastErr error

	for attempt := 0; attempt < triedAll; attempt++ {
		nc.mu.Lock()
		cur := nc.pool.get(attempt)
		nc.mu.Unlock()
		if cur == nil {
			continue
		}
		cur.lastAttempt = time.Now()

		if err := nc.attemptConnect(cur); err != nil {
			lastErr = err
			if errors.Is(err, ErrAuthorization) || errors.Is(err, ErrSecureConnRequired) {
				nc.mu.Lock()
				nc.status = CLOSED
				nc.mu.Unlock()
				return err
			}
			continue
		}

		nc.mu.Lock()
		nc.cur = cur
		nc.pool.current = attempt
		nc.pool.setDidConnect(attempt, true)
		cur.didConnect = true
		cur.reconnects = 0
		nc.status = CONNECTED
		nc.mu.Unlock()

		nc.startBackgroundTasks()
		return nil
	}

	nc.mu.Lock()
	nc.status = CLOSED
	nc.mu.Unlock()
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoServers, lastErr)
	}
	return ErrNoServers
}

// attemptConnect performs one handshake attempt (dial, INFO, optional
// TLS upgrade, CONNECT, PING/PONG) against a single pool member.
func (nc *Conn) attemptConnect(s *srv) error {
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
	if nc.writeBuf == nil {
		nc.writeBuf = newByteBuffer(defaultBufSize)
	}
	if nc.fch == nil {
		nc.fch = make(chan struct{}, 1)
	}
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
	switch {
	case line == "PONG":
		// success
	case len(line) > 0 && (line[0] == '-'):
		conn.Close()
		if isAuthError(line) {
			return fmt.Errorf("%w: %s", ErrAuthorization, line)
		}
		return fmt.Errorf("%w: %s", ErrNoServers, line)
	default:
		conn.Close()
		return fmt.Errorf("%w: unexpected handshake reply %q", ErrNoServers, line)
	}

	conn.SetDeadline(time.Time{}) // blocking mode: clear the handshake deadline
	return nil
}

// isAuthError reports whether a -ERR handshake reply names an
// authentication/authorization failure as opposed to some other fatal
// condition (e.g. max connections reached).
func isAuthError(errLine string) bool {
	s := []byte(trimWhitespaceString(errLine))
	for i := range s {
		s[i] = lower(s[i])
	}
	return containsFold(string(s), "auth")
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// readInfoLine reads exactly one line and requires it to be INFO.
func (nc *Conn) readInfoLine(conn net.Conn) (*serverInfo, error) {
	line, err := readOneLine(conn)
	if err != nil {
		return nil, err
	}
	if len(line) < 5 || !equalFold(line[:4], "INFO") {
		return nil, fmt.Errorf("%w: expected INFO, got %q", ErrProtocol, line)
	}
	jsonPart := trimWhitespaceString(line[4:])
	info := &serverInfo{}
	if err := json.Unmarshal([]byte(jsonPart), info); err != nil {
		return nil, err
	}
	return info, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}

func trimWhitespaceString(s string) string {
	return string(trimWhitespace([]byte(s)))
}

// readOneLine reads raw bytes up to and including CRLF/LF and returns
// the line without the terminator. Used only during the handshake,
// before the steady-state reader loop and parser take over.
func readOneLine(conn net.Conn) (string, error) {
	buf := make([]byte, 0, 256)
	b := make([]byte, 1)
	for {
		n, err := conn.Read(b)
		if n == 0 && err != nil {
			return "", err
		}
		if n > 0 {
			if b[0] == '\n' {
				if len(buf) > 0 && buf[len(buf)-1] == '\r' {
					buf = buf[:len(buf)-1]
				}
				return string(buf), nil
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			return "", err
		}
	}
}

func (nc *Conn) writeLine(conn net.Conn, s string) error {
	_, err := conn.Write([]byte(s))
	return err
}

// sendConnectFrame marshals and writes the CONNECT frame, signing the
// server's nonce with the configured nkey if present (SPEC_FULL.md §B).
// Credentials embedded in the server URL itself are used as a fallback
// when Options carries none, matching the precedence a server pool
// built from a mix of bare and credentialed URLs expects.
func (nc *Conn) sendConnectFrame(conn net.Conn, info *serverInfo, u *serverURL) error {
	user, pass, token := nc.opts.User, nc.opts.Password, nc.opts.Token
	if user == "" && token == "" && u != nil && u.HasUserInfo {
		if u.HasPassword {
			user, pass = u.User, u.Password
		} else {
			token = u.User
		}
	}
	ci := connectInfo{
		Verbose:     nc.opts.Verbose,
		Pedantic:    nc.opts.Pedantic,
		TLSRequired: nc.opts.Secure,
		Name:        nc.opts.Name,
		Lang:        clientLang,
		Version:     Version,
		User:        user,
		Pass:        pass,
		AuthToken:   token,
	}
	if nc.opts.Nkey != "" && nc.opts.SignatureCB != nil && info.Nonce != "" {
		sig, err := nc.opts.SignatureCB([]byte(info.Nonce))
		if err != nil {
			return err
		}
		ci.Nkey = nc.opts.Nkey
		ci.Sig = encodeSig(sig)
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	return nc.writeLine(conn, fmt.Sprintf("CONNECT %s\r\n", b))
}

// startBackgroundTasks launches the reader, the flusher, and (if
// configured) the heartbeat timer, per spec §4.6's "On success" clause.
func (nc *Conn) startBackgroundTasks() {
	go nc.readLoop()
	go nc.flusher()
	nc.schedulePing()
}

// Status returns the current lifecycle status.
func (nc *Conn) Status() Status {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.status
}

// IsClosed reports whether Close has been called.
func (nc *Conn) IsClosed() bool {
	return nc.Status() == CLOSED
}

// IsReconnecting reports whether the connection is currently attempting
// to reconnect.
func (nc *Conn) IsReconnecting() bool {
	return nc.Status() == RECONNECTING
}

// LastError returns the last error recorded on this connection.
func (nc *Conn) LastError() error {
	return nc.errCarrier.last()
}

// LastErrorStack returns the bounded call stack captured alongside
// LastError, innermost call first.
func (nc *Conn) LastErrorStack() []string {
	return nc.errCarrier.stackTrace()
}

// StatsSnapshot returns a point-in-time copy of the connection counters.
func (nc *Conn) StatsSnapshot() Stats {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.Stats
}

// Servers returns the host:port of every pool member, in pool order
// (supplemented accessor, see SPEC_FULL.md §C).
func (nc *Conn) Servers() []string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.pool.urls()
}

// DiscoveredServers returns pool members this client didn't originally
// configure. The core pool never grows from INFO updates on its own
// (no cluster discovery protocol is implemented), so today this always
// returns an empty slice; the accessor exists so callers compiled
// against this API don't need a feature flag when that lands.
func (nc *Conn) DiscoveredServers() []string {
	return nil
}

// Close shuts the connection down. It is idempotent and safe to call
// concurrently with any public operation, per spec §4.6 Close.
func (nc *Conn) Close() {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return
	}
	wasConnected := nc.conn != nil
	nc.status = CLOSED
	if nc.pingTimer != nil {
		lib.mu.Lock()
		w := lib.wheel
		lib.mu.Unlock()
		if w != nil {
			w.cancel(nc.pingTimer)
		}
		nc.pingTimer = nil
	}
	nc.clearPendingFlushLocked()
	subs := nc.subs
	nc.subs = nil
	conn := nc.conn
	nc.mu.Unlock()

	for _, s := range subs {
		s.closeForConnShutdown()
	}

	if wasConnected && nc.opts.DisconnectedCB != nil {
		cb := nc.opts.DisconnectedCB
		dispatchAsync(func() { cb(nc) })
	}

	if conn != nil {
		nc.bufferFlush()
		conn.Close()
	}

	close(nc.closedCh)

	if nc.opts.ClosedCB != nil {
		cb := nc.opts.ClosedCB
		dispatchAsync(func() { cb(nc) })
	}

	libRelease()
}

// resetParserLocked installs a fresh parser; called on every transition
// into connecting, per spec §4.6's "parser state must be reset".
// Caller must hold nc.mu.
func (nc *Conn) resetParserLocked() {
	if nc.ps == nil {
		nc.ps = newParser(nc)
	} else {
		nc.ps.reset()
	}
}
