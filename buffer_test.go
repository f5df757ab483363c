// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import "testing"

func TestByteBufferAppendGrows(t *testing.T) {
	b := newByteBuffer(4)
	if err := b.Append([]byte("hello world")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if string(b.Bytes()) != "hello world" {
		t.Fatalf("got %q", b.Bytes())
	}
	if b.Cap() < b.Len() {
		t.Fatalf("capacity %d smaller than length %d", b.Cap(), b.Len())
	}
}

func TestByteBufferAppendByteGrows(t *testing.T) {
	b := newByteBuffer(0)
	for i := 0; i < 10; i++ {
		if err := b.AppendByte(byte('a' + i)); err != nil {
			t.Fatalf("append byte %d: %v", i, err)
		}
	}
	if string(b.Bytes()) != "abcdefghij" {
		t.Fatalf("got %q", b.Bytes())
	}
}

func TestByteBufferResetKeepsCapacity(t *testing.T) {
	b := newByteBuffer(16)
	b.Append([]byte("0123456789abcdef"))
	capBefore := b.Cap()
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", b.Len())
	}
	if b.Cap() != capBefore {
		t.Fatalf("cap after reset = %d, want %d", b.Cap(), capBefore)
	}
}

func TestByteBufferRewindTo(t *testing.T) {
	b := newByteBuffer(8)
	b.Append([]byte("abcdef"))
	b.RewindTo(3)
	if string(b.Bytes()) != "abc" {
		t.Fatalf("got %q", b.Bytes())
	}
}

func TestByteBufferExpandRejectsOverflow(t *testing.T) {
	b := newByteBuffer(4)
	if err := b.Expand(-1); err != ErrNoMemory {
		t.Fatalf("got %v, want ErrNoMemory", err)
	}
}

func TestWrapByteBufferCopyOnExpand(t *testing.T) {
	storage := make([]byte, 0, 4)
	b := wrapByteBuffer(storage)
	if err := b.Append([]byte("12345678")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !b.owned {
		t.Fatalf("expected buffer to take ownership after growing past wrapped storage")
	}
	if string(b.Bytes()) != "12345678" {
		t.Fatalf("got %q", b.Bytes())
	}
}
