// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nkeys"
)

func TestNkeyOptionFromSeedSignsWithDerivedKey(t *testing.T) {
	kp, err := nkeys.CreateUser()
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	seed, err := kp.Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	wantPub, err := kp.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	seedFile := filepath.Join(t.TempDir(), "user.nk")
	if err := os.WriteFile(seedFile, seed, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opt, err := NkeyOptionFromSeed(seedFile)
	if err != nil {
		t.Fatalf("NkeyOptionFromSeed: %v", err)
	}

	o := &Options{}
	if err := opt(o); err != nil {
		t.Fatalf("applying option: %v", err)
	}
	if o.Nkey != wantPub {
		t.Fatalf("got nkey %q, want %q", o.Nkey, wantPub)
	}

	nonce := []byte("test-nonce")
	sig, err := o.SignatureCB(nonce)
	if err != nil {
		t.Fatalf("SignatureCB: %v", err)
	}
	if err := kp.Verify(nonce, sig); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}

func TestNkeyOptionFromSeedRejectsMissingFile(t *testing.T) {
	if _, err := NkeyOptionFromSeed(filepath.Join(t.TempDir(), "nope.nk")); err == nil {
		t.Fatalf("expected an error for a missing seed file")
	}
}
