// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedURL is returned by parseURL when the host portion is empty
// after stripping scheme and userinfo.
var ErrMalformedURL = errors.New("nats: malformed server URL")

// serverURL is a structured view of a server address in the form
// [scheme://][user[:password]@]host[:port], plus a bare host:port.
//
// This is a hand-rolled parser rather than net/url: the NATS ecosystem
// has historically accepted ambiguous inputs like "ivan:localhost:4222"
// (colon inside what looks like a bare host, no scheme, no userinfo)
// and test suites depend on that exact, slightly loose, interpretation.
// net/url rejects or reinterprets those. This parser reproduces the
// historical behavior deliberately (see DESIGN.md Open Question).
type serverURL struct {
	Scheme string

	// User/Password hold the parsed userinfo. HasUserInfo is true if an
	// "@" separated a userinfo section at all; HasPassword is true only
	// if that section itself contained a ":" splitting user from pass.
	// When HasUserInfo is true and HasPassword is false, User holds a
	// bare token (e.g. an auth token) rather than a username.
	User        string
	Password    string
	HasUserInfo bool
	HasPassword bool

	Host string
	Port int
}

// String reconstructs a host:port pair suitable for net.Dial.
func (u *serverURL) String() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// parseServerURL parses a single server URL per the grammar above.
func parseServerURL(raw string) (*serverURL, error) {
	u := &serverURL{}
	rest := raw

	if idx := strings.Index(rest, "://"); idx >= 0 {
		u.Scheme = rest[:idx]
		rest = rest[idx+3:]
	}

	// Split userinfo from host by scanning for the LAST "@" in the
	// remainder: historical inputs can carry "@" only once in practice,
	// but scanning from the end matches the documented "first @
	// scanning from the end of the userinfo section" rule and avoids
	// misreading an "@" that might legally appear later (it cannot in
	// valid host/port text, so this is equivalent to scanning from the
	// start, but stated this way to mirror spec wording precisely).
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]
		u.HasUserInfo = true
		if cidx := strings.Index(userinfo, ":"); cidx >= 0 {
			u.User = userinfo[:cidx]
			u.Password = userinfo[cidx+1:]
			u.HasPassword = true
		} else {
			u.User = userinfo
		}
	}

	if rest == "" {
		return nil, ErrMalformedURL
	}

	// The host may itself contain ":" characters (historical inputs),
	// so take the LAST colon as the port separator only if what
	// follows it is entirely numeric; otherwise treat the whole
	// remainder as host with no port.
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		hostPart := rest[:idx]
		portPart := rest[idx+1:]
		if portPart != "" {
			if port, err := strconv.Atoi(portPart); err == nil {
				u.Host = hostPart
				u.Port = port
			} else {
				u.Host = rest
			}
		} else {
			u.Host = rest
		}
	} else {
		u.Host = rest
	}

	if u.Host == "" {
		return nil, ErrMalformedURL
	}
	return u, nil
}
