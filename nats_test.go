// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSubscribeEcho(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	ch := make(chan *Msg, 1)
	sub, err := nc.Subscribe("greet.hello", func(m *Msg) { ch <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := nc.Flush(); err != nil {
		t.Fatalf("flush after subscribe: %v", err)
	}
	if err := nc.Publish("greet.hello", []byte("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-ch:
		if string(m.Data) != "hi" {
			t.Fatalf("got %q, want %q", m.Data, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeSyncNextMsg(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	sub, err := nc.SubscribeSync("sync.subj")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := nc.Publish("sync.subj", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	m, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if string(m.Data) != "payload" {
		t.Fatalf("got %q", m.Data)
	}
}

func TestQueueSubscribeBalancesAcrossMembers(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	var count1, count2 int64
	s1, err := nc.QueueSubscribe("work", "workers", func(m *Msg) { atomic.AddInt64(&count1, 1) })
	if err != nil {
		t.Fatalf("queue subscribe 1: %v", err)
	}
	defer s1.Unsubscribe()
	s2, err := nc.QueueSubscribe("work", "workers", func(m *Msg) { atomic.AddInt64(&count2, 1) })
	if err != nil {
		t.Fatalf("queue subscribe 2: %v", err)
	}
	defer s2.Unsubscribe()

	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	const total = 20
	for i := 0; i < total; i++ {
		if err := nc.Publish("work", []byte("x")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	got := atomic.LoadInt64(&count1) + atomic.LoadInt64(&count2)
	if got != total {
		t.Fatalf("delivered %d of %d messages across the queue group", got, total)
	}
	if atomic.LoadInt64(&count1) == 0 || atomic.LoadInt64(&count2) == 0 {
		t.Fatalf("expected both queue members to receive at least one message, got %d and %d",
			count1, count2)
	}
}

func TestAutoUnsubscribeStopsAfterMax(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	var delivered int64
	sub, err := nc.Subscribe("capped", func(m *Msg) { atomic.AddInt64(&delivered, 1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.AutoUnsubscribe(3); err != nil {
		t.Fatalf("auto-unsubscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := 0; i < 10; i++ {
		nc.Publish("capped", []byte("x"))
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt64(&delivered); got != 3 {
		t.Fatalf("delivered %d messages, want exactly 3", got)
	}
	if sub.IsValid() {
		t.Fatalf("subscription should no longer be valid once its cap is reached")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	sub, err := nc.Subscribe("svc.echo", func(m *Msg) {
		m.Respond(append([]byte("echo:"), m.Data...))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reply, err := nc.Request("svc.echo", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Fatalf("got %q", reply.Data)
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	_, err := nc.Request("nobody.listening", []byte("ping"), 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
}

func TestOldRequestStyleRoundTrip(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url, UseOldRequestStyle())

	sub, err := nc.Subscribe("svc.old", func(m *Msg) { m.Respond([]byte("ok")) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reply, err := nc.Request("svc.old", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != "ok" {
		t.Fatalf("got %q", reply.Data)
	}
}

func TestSlowConsumerDropsAndReports(t *testing.T) {
	_, url := runServer(t)

	var reported int32
	nc := connectToTestServer(t, url, ErrorHandler(func(c *Conn, s *Subscription, err error) {
		if err == ErrSlowConsumer {
			atomic.StoreInt32(&reported, 1)
		}
	}))

	release := make(chan struct{})
	sub, err := nc.Subscribe("slow.topic", func(m *Msg) {
		<-release // block delivery so the queue backs up
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.SetPendingLimits(5, 0); err != nil {
		t.Fatalf("set pending limits: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := 0; i < 50; i++ {
		nc.Publish("slow.topic", []byte("x"))
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	close(release)

	if atomic.LoadInt32(&reported) == 0 {
		t.Fatalf("expected the slow consumer callback to fire")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	const port = 18422
	srv := startOnPort(t, port)
	url := fmt.Sprintf("nats://127.0.0.1:%d", port)

	var reconnected int32
	nc := connectToTestServer(t, url,
		ReconnectWait(50*time.Millisecond),
		MaxReconnects(-1),
		ReconnectHandler(func(c *Conn) { atomic.StoreInt32(&reconnected, 1) }),
	)

	ch := make(chan *Msg, 1)
	sub, err := nc.Subscribe("after.reconnect", func(m *Msg) { ch <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	srv.Shutdown()
	startOnPort(t, port)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&reconnected) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&reconnected) == 0 {
		t.Fatalf("reconnect handler never fired after server restart")
	}

	if err := nc.Publish("after.reconnect", []byte("back")); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
	select {
	case m := <-ch:
		if string(m.Data) != "back" {
			t.Fatalf("got %q", m.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not resent after reconnect")
	}
}

func TestDrainStopsNewDeliveryButFinishesQueued(t *testing.T) {
	_, url := runServer(t)
	nc := connectToTestServer(t, url)

	var processed int64
	sub, err := nc.QueueSubscribe("drain.work", "workers", func(m *Msg) {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&processed, 1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := 0; i < 5; i++ {
		nc.Publish("drain.work", []byte("x"))
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := sub.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sub.IsValid() {
		t.Fatalf("subscription should be invalid once drain completes")
	}
	if atomic.LoadInt64(&processed) != 5 {
		t.Fatalf("expected all 5 queued messages to be processed before drain completed, got %d",
			processed)
	}
}
