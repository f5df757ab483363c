// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// runServer starts an embedded nats-server instance on an ephemeral
// port for the duration of one test, per SPEC_FULL.md's ambient test
// tooling (embedded nats-server/v2 rather than a mocked transport).
func runServer(t *testing.T) (*natsserver.Server, string) {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // let the OS pick a free port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to build embedded server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatalf("embedded server did not become ready in time")
	}
	t.Cleanup(srv.Shutdown)

	url := "nats://" + srv.Addr().String()
	return srv, url
}

// startOnPort starts an embedded server bound to a specific, caller-
// chosen port, so a test can stop it and bring up a fresh instance on
// the same address to exercise reconnect.
func startOnPort(t *testing.T, port int) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to build embedded server on port %d: %v", port, err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatalf("embedded server on port %d did not become ready in time", port)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connectToTestServer(t *testing.T, url string, options ...Option) *Conn {
	t.Helper()
	nc, err := Connect(url, options...)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
