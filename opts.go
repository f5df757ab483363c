// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nkeys"
)

// Default configuration values, per spec §4.3.
const (
	DefaultURL            = "nats://localhost:4222"
	DefaultPort            = 4222
	DefaultMaxReconnect    = 60
	DefaultReconnectWait   = 2 * time.Second
	DefaultTimeout         = 2 * time.Second
	DefaultPingInterval    = 120 * time.Second
	DefaultMaxPingOut      = 2
	DefaultMaxChanLen      = 65536
	DefaultReconnectBufSize = 8 * 1024 * 1024
)

// ConnHandler is used for asynchronous connection lifecycle events:
// connected, disconnected, reconnected, closed.
type ConnHandler func(*Conn)

// ErrHandler processes asynchronous errors encountered while handling
// inbound messages for a particular subscription (e.g. slow consumer).
type ErrHandler func(*Conn, *Subscription, error)

// SignatureCB signs a server-provided nonce with an nkey seed; see
// Nkey() and SPEC_FULL.md §B for the nonce-challenge auth extension.
type SignatureCB func(nonce []byte) ([]byte, error)

// Options configures a connection. Build one with GetDefaultOptions()
// and Option funcs, or construct it directly; Connect() clones whatever
// is passed so later mutation of the caller's copy has no effect on a
// live connection.
type Options struct {
	Url     string
	Servers []string

	NoRandomize bool
	Name        string
	Verbose     bool
	Pedantic    bool
	Secure      bool

	User     string
	Password string
	Token    string

	Nkey        string
	SignatureCB SignatureCB

	Timeout          time.Duration
	PingInterval     time.Duration
	MaxPingsOut      int
	AllowReconnect   bool
	MaxReconnect     int
	ReconnectWait    time.Duration
	ReconnectBufSize int
	MaxPendingMsgs   int

	UseOldRequestStyle bool

	ClosedCB       ConnHandler
	DisconnectedCB ConnHandler
	ReconnectedCB  ConnHandler
	AsyncErrorCB   ErrHandler
}

// GetDefaultOptions returns an Options populated with the defaults of
// spec §4.3.
func GetDefaultOptions() Options {
	return Options{
		AllowReconnect:   true,
		MaxReconnect:     DefaultMaxReconnect,
		ReconnectWait:    DefaultReconnectWait,
		ReconnectBufSize: DefaultReconnectBufSize,
		Timeout:          DefaultTimeout,
		PingInterval:     DefaultPingInterval,
		MaxPingsOut:      DefaultMaxPingOut,
		MaxPendingMsgs:   DefaultMaxChanLen,
	}
}

// Option configures an Options via the functional-options pattern.
type Option func(*Options) error

// Apply applies a set of Option funcs in order, starting from the
// receiver's current values.
func (o *Options) Apply(opts ...Option) error {
	for _, fn := range opts {
		if fn == nil {
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func Url(url string) Option {
	return func(o *Options) error { o.Url = url; return nil }
}

func Servers(servers []string) Option {
	return func(o *Options) error { o.Servers = servers; return nil }
}

func DontRandomize() Option {
	return func(o *Options) error { o.NoRandomize = true; return nil }
}

func Name(name string) Option {
	return func(o *Options) error { o.Name = name; return nil }
}

func Secure() Option {
	return func(o *Options) error { o.Secure = true; return nil }
}

func UserInfo(user, password string) Option {
	return func(o *Options) error { o.User = user; o.Password = password; return nil }
}

func Token(token string) Option {
	return func(o *Options) error { o.Token = token; return nil }
}

// Nkey configures nonce-challenge authentication: pubKey is advertised
// in CONNECT and sigCB signs whatever nonce the server hands back in
// INFO (see request.go's encodeSig and nats.go's sendConnectFrame).
func Nkey(pubKey string, sigCB SignatureCB) Option {
	return func(o *Options) error {
		o.Nkey = pubKey
		o.SignatureCB = sigCB
		return nil
	}
}

// NkeyOptionFromSeed reads an nkey seed from a file and derives both
// halves of the nonce-challenge from it: the public key advertised in
// CONNECT and a SignatureCB that signs with the decoded seed, so
// callers don't have to wire nkeys themselves.
func NkeyOptionFromSeed(seedFile string) (Option, error) {
	seed, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("nats: reading nkey seed file: %w", err)
	}
	kp, err := nkeys.ParseDecoratedNKey(seed)
	if err != nil {
		return nil, fmt.Errorf("nats: parsing nkey seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("nats: deriving nkey public key: %w", err)
	}
	sigCB := func(nonce []byte) ([]byte, error) {
		return kp.Sign(nonce)
	}
	return Nkey(pub, sigCB), nil
}

func Timeout(t time.Duration) Option {
	return func(o *Options) error { o.Timeout = t; return nil }
}

func PingInterval(t time.Duration) Option {
	return func(o *Options) error { o.PingInterval = t; return nil }
}

func MaxPingsOutstanding(n int) Option {
	return func(o *Options) error { o.MaxPingsOut = n; return nil }
}

func NoReconnect() Option {
	return func(o *Options) error { o.AllowReconnect = false; return nil }
}

func MaxReconnects(n int) Option {
	return func(o *Options) error { o.MaxReconnect = n; return nil }
}

func ReconnectWait(t time.Duration) Option {
	return func(o *Options) error { o.ReconnectWait = t; return nil }
}

func ReconnectBufSize(n int) Option {
	return func(o *Options) error { o.ReconnectBufSize = n; return nil }
}

func MaxPendingMsgs(n int) Option {
	return func(o *Options) error { o.MaxPendingMsgs = n; return nil }
}

func UseOldRequestStyle() Option {
	return func(o *Options) error { o.UseOldRequestStyle = true; return nil }
}

func DisconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.DisconnectedCB = cb; return nil }
}

func ReconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

func ClosedHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

func ErrorHandler(cb ErrHandler) Option {
	return func(o *Options) error { o.AsyncErrorCB = cb; return nil }
}

// clone returns a deep-enough copy for the connection to own; Servers is
// copied so later caller mutation of the slice is invisible to the
// connection, matching spec §4.3's "subsequent mutations... must not
// affect live connections".
func (o Options) clone() Options {
	c := o
	if o.Servers != nil {
		c.Servers = make([]string, len(o.Servers))
		copy(c.Servers, o.Servers)
	}
	return c
}
