package core

import (
	"crypto/rand"
	"testing"
	"time"

	"reticulumd/internal/testutil"
)

func newTestRatchetStore(t *testing.T) (*RatchetStore, *PrivateIdentity) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	id, err := NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	return NewRatchetStore(sb.Root, id), id
}

func TestRatchetStoreRotateAndPersist(t *testing.T) {
	store, _ := newTestRatchetStore(t)
	dest := AddressHashFrom([]byte("dest-1"))
	now := time.Now()

	rotated, err := store.RotateIfNeeded(dest, now, rand.Reader)
	if err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	if !rotated {
		t.Fatalf("expected first rotation to occur")
	}

	rotated, err = store.RotateIfNeeded(dest, now.Add(time.Second), rand.Reader)
	if err != nil {
		t.Fatalf("RotateIfNeeded again: %v", err)
	}
	if rotated {
		t.Fatalf("expected second rotation within interval to be skipped")
	}

	priv, ok := store.Get(dest, now.Add(time.Second))
	if !ok {
		t.Fatalf("expected a ratchet to be stored for %s", dest)
	}
	if priv == nil {
		t.Fatalf("expected non-nil private key")
	}
}

func TestRatchetStoreLoadRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	id, err := NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	dest := AddressHashFrom([]byte("dest-2"))
	now := time.Now()

	store := NewRatchetStore(sb.Root, id)
	if _, err := store.RotateIfNeeded(dest, now, rand.Reader); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	wantPriv, ok := store.Get(dest, now)
	if !ok {
		t.Fatalf("expected a ratchet after rotation")
	}

	reloaded := NewRatchetStore(sb.Root, id)
	if err := reloaded.Load(dest); err != nil {
		t.Fatalf("Load: %v", err)
	}
	gotPriv, ok := reloaded.Get(dest, now)
	if !ok {
		t.Fatalf("expected a ratchet to survive reload")
	}
	if string(gotPriv.Bytes()) != string(wantPriv.Bytes()) {
		t.Fatalf("reloaded ratchet does not match persisted one")
	}
}

func TestRatchetStoreExpiresOldEntries(t *testing.T) {
	store, _ := newTestRatchetStore(t)
	dest := AddressHashFrom([]byte("dest-3"))
	longAgo := time.Now().Add(-40 * 24 * time.Hour)

	if _, err := store.RotateIfNeeded(dest, longAgo, rand.Reader); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	if _, ok := store.Get(dest, time.Now()); ok {
		t.Fatalf("expected ratchet older than TTL to be expired")
	}
}
