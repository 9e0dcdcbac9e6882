package rpc

import (
	"testing"
	"time"
)

func recordAt(id string, ts int64, status string) MessageRecord {
	return MessageRecord{ID: id, Timestamp: ts, ReceiptStatus: status}
}

func TestApplyBeforeInsertNoopUnderCapacity(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("a", 1, ""))
	policy := StoreForwardPolicy{MaxMessages: 5, CapacityPolicy: "reject_new"}
	if err := ApplyBeforeInsert(store, policy, time.Now()); err != nil {
		t.Fatalf("expected no error under capacity, got %v", err)
	}
}

func TestApplyBeforeInsertRejectNewAtCapacity(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("a", 1, ""))
	store.Insert(recordAt("b", 2, ""))
	policy := StoreForwardPolicy{MaxMessages: 2, CapacityPolicy: "reject_new"}
	err := ApplyBeforeInsert(store, policy, time.Now())
	if err != ErrCapacityReached {
		t.Fatalf("expected ErrCapacityReached, got %v", err)
	}
	count, _ := store.Count()
	if count != 2 {
		t.Fatalf("expected reject_new to leave the store untouched, got count %d", count)
	}
}

func TestApplyBeforeInsertDropOldestEvictsOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("old", 1, ""))
	store.Insert(recordAt("new", 2, ""))
	policy := StoreForwardPolicy{MaxMessages: 2, CapacityPolicy: "drop_oldest", EvictionPriority: "oldest_first"}
	if err := ApplyBeforeInsert(store, policy, time.Now()); err != nil {
		t.Fatalf("ApplyBeforeInsert: %v", err)
	}
	if _, ok, _ := store.Get("old"); ok {
		t.Fatalf("expected the oldest record evicted")
	}
	if _, ok, _ := store.Get("new"); !ok {
		t.Fatalf("expected the newer record to survive")
	}
}

func TestApplyBeforeInsertDropOldestPrefersTerminalFirst(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("oldest-inflight", 1, "sent:queued"))
	store.Insert(recordAt("middle-terminal", 2, "delivered"))
	store.Insert(recordAt("newest-inflight", 3, "sent:queued"))
	policy := StoreForwardPolicy{MaxMessages: 3, CapacityPolicy: "drop_oldest", EvictionPriority: "terminal_first"}
	if err := ApplyBeforeInsert(store, policy, time.Now()); err != nil {
		t.Fatalf("ApplyBeforeInsert: %v", err)
	}
	if _, ok, _ := store.Get("middle-terminal"); ok {
		t.Fatalf("expected the terminal record to be evicted ahead of older in-flight records")
	}
	if _, ok, _ := store.Get("oldest-inflight"); !ok {
		t.Fatalf("expected the oldest in-flight record to survive under terminal_first priority")
	}
	if _, ok, _ := store.Get("newest-inflight"); !ok {
		t.Fatalf("expected the newest in-flight record to survive under terminal_first priority")
	}
}

func TestApplyBeforeInsertExpiresStaleNonTerminalRecords(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Insert(recordAt("stale", now.Add(-time.Hour).UnixMilli(), "sent:queued"))
	store.Insert(recordAt("fresh", now.UnixMilli(), "sent:queued"))
	policy := StoreForwardPolicy{MaxMessageAgeMS: int64(time.Minute / time.Millisecond)}
	if err := ApplyBeforeInsert(store, policy, now); err != nil {
		t.Fatalf("ApplyBeforeInsert: %v", err)
	}
	stale, _, _ := store.Get("stale")
	if stale.ReceiptStatus != "expired" {
		t.Fatalf("expected the stale record marked expired, got %q", stale.ReceiptStatus)
	}
	fresh, _, _ := store.Get("fresh")
	if fresh.ReceiptStatus != "sent:queued" {
		t.Fatalf("expected the fresh record untouched, got %q", fresh.ReceiptStatus)
	}
}

func TestApplyBeforeInsertDoesNotExpireTerminalRecords(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Insert(recordAt("old-terminal", now.Add(-time.Hour).UnixMilli(), "delivered"))
	policy := StoreForwardPolicy{MaxMessageAgeMS: int64(time.Minute / time.Millisecond)}
	if err := ApplyBeforeInsert(store, policy, now); err != nil {
		t.Fatalf("ApplyBeforeInsert: %v", err)
	}
	rec, _, _ := store.Get("old-terminal")
	if rec.ReceiptStatus != "delivered" {
		t.Fatalf("expected a terminal status to remain sticky, got %q", rec.ReceiptStatus)
	}
}

func TestSetReceiptStatusIsStickyOnceTerminal(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("m", 1, "delivered"))
	if err := store.SetReceiptStatus("m", "sent:queued"); err != nil {
		t.Fatalf("SetReceiptStatus: %v", err)
	}
	rec, _, _ := store.Get("m")
	if rec.ReceiptStatus != "delivered" {
		t.Fatalf("expected the terminal status to stick, got %q", rec.ReceiptStatus)
	}
}

func TestMemoryStoreOldestReturnsEarliestTimestamp(t *testing.T) {
	store := NewMemoryStore()
	store.Insert(recordAt("b", 5, ""))
	store.Insert(recordAt("a", 1, ""))
	store.Insert(recordAt("c", 9, ""))
	oldest, ok, err := store.Oldest()
	if err != nil || !ok {
		t.Fatalf("Oldest: ok=%v err=%v", ok, err)
	}
	if oldest.ID != "a" {
		t.Fatalf("expected the earliest-timestamped record, got %q", oldest.ID)
	}
}
