// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"math/rand"
	"time"
)

// srv tracks one candidate server and its attempt history, per spec
// §4.4's Server record.
type srv struct {
	url            *serverURL
	didConnect     bool
	reconnects     int
	lastAttempt    time.Time
}

// srvPool is an ordered, optionally randomized list of candidate
// servers. The zero value is not usable; build one with newSrvPool.
type srvPool struct {
	servers []*srv
	current int // index of the currently-selected server
}

// newSrvPool builds a pool from opts.Url plus opts.Servers, shuffling
// once unless NoRandomize is set. If the combined set is empty the pool
// holds DefaultURL alone.
func newSrvPool(o *Options) (*srvPool, error) {
	var raw []string
	if o.Url != "" {
		raw = append(raw, o.Url)
	}
	raw = append(raw, o.Servers...)
	if len(raw) == 0 {
		raw = []string{DefaultURL}
	}

	pool := &srvPool{}
	for _, u := range raw {
		parsed, err := parseServerURL(u)
		if err != nil {
			return nil, err
		}
		if parsed.Port == 0 {
			parsed.Port = DefaultPort
		}
		pool.servers = append(pool.servers, &srv{url: parsed})
	}

	if !o.NoRandomize {
		rand.Shuffle(len(pool.servers), func(i, j int) {
			pool.servers[i], pool.servers[j] = pool.servers[j], pool.servers[i]
		})
	}
	return pool, nil
}

func (p *srvPool) size() int {
	return len(p.servers)
}

func (p *srvPool) get(i int) *srv {
	if i < 0 || i >= len(p.servers) {
		return nil
	}
	return p.servers[i]
}

// currentServer returns the presently selected server, or nil if the pool is
// empty.
func (p *srvPool) currentServer() *srv {
	if len(p.servers) == 0 {
		return nil
	}
	if p.current >= len(p.servers) {
		p.current = 0
	}
	return p.servers[p.current]
}

func (p *srvPool) setDidConnect(i int, v bool) {
	if s := p.get(i); s != nil {
		s.didConnect = v
	}
}

// next advances to the next candidate per spec §4.4: if the current
// server has exhausted its reconnect budget it is dropped from the
// pool entirely; otherwise it is rotated to the end, preserving order
// among the remaining entries. Returns the new current server, or nil
// if the pool became empty (reconnect exhaustion).
func (p *srvPool) next(maxReconnect int) *srv {
	if len(p.servers) == 0 {
		return nil
	}
	cur := p.servers[p.current]
	rest := make([]*srv, 0, len(p.servers))
	rest = append(rest, p.servers[:p.current]...)
	rest = append(rest, p.servers[p.current+1:]...)

	if maxReconnect > 0 && cur.reconnects >= maxReconnect {
		// cur is exhausted; drop it.
		p.servers = rest
	} else {
		// rotate cur to the end.
		p.servers = append(rest, cur)
	}

	p.current = 0
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[0]
}

// urls returns the host:port of every pool member, in pool order, for
// the Conn.Servers() accessor.
func (p *srvPool) urls() []string {
	out := make([]string, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.url.String())
	}
	return out
}
