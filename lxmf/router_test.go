package lxmf

import (
	"fmt"
	"testing"
	"time"

	"reticulumd/core"
)

type fakeAdapter struct {
	fail bool
	sent []core.AddressHash
}

func (a *fakeAdapter) Send(dest core.AddressHash, wire []byte) error {
	if a.fail {
		return fmt.Errorf("adapter send failed")
	}
	a.sent = append(a.sent, dest)
	return nil
}

func TestHandleOutboundIgnoredTakesPriorityOverAuth(t *testing.T) {
	r := NewRouter(&fakeAdapter{})
	dest := core.AddressHashFrom([]byte("ignored-and-auth"))
	msg := &OutboundMessage{
		ID:           "m1",
		Destination:  dest,
		IgnoredDest:  true,
		AuthRequired: true,
		destAllowed:  func(core.AddressHash) bool { return false },
	}
	r.Enqueue(msg, false)

	results := r.HandleOutbound(1)
	if len(results) != 1 || results[0] != OutboundIgnored {
		t.Fatalf("expected OutboundIgnored to take priority, got %+v", results)
	}
	ignored, rejected, _, _, _ := r.Counters()
	if ignored != 1 || rejected != 0 {
		t.Fatalf("expected only the ignored counter incremented, got ignored=%d rejected=%d", ignored, rejected)
	}
}

func TestHandleOutboundAuthRejectedTakesPriorityOverAdapter(t *testing.T) {
	r := NewRouter(&fakeAdapter{fail: true})
	dest := core.AddressHashFrom([]byte("auth-rejected"))
	msg := &OutboundMessage{
		ID:           "m2",
		Destination:  dest,
		AuthRequired: true,
		destAllowed:  func(core.AddressHash) bool { return false },
	}
	r.Enqueue(msg, false)

	results := r.HandleOutbound(1)
	if len(results) != 1 || results[0] != OutboundRejectedAuth {
		t.Fatalf("expected OutboundRejectedAuth ahead of any adapter error, got %+v", results)
	}
	_, rejected, adapterErrors, _, _ := r.Counters()
	if rejected != 1 || adapterErrors != 0 {
		t.Fatalf("expected only the auth-rejected counter incremented, got rejected=%d adapterErrors=%d", rejected, adapterErrors)
	}
}

func TestHandleOutboundDefersWithoutAdapter(t *testing.T) {
	r := NewRouter(nil)
	dest := core.AddressHashFrom([]byte("no-adapter"))
	r.Enqueue(&OutboundMessage{ID: "m3", Destination: dest}, false)

	results := r.HandleOutbound(1)
	if len(results) != 1 || results[0] != OutboundDeferredNoAdapter {
		t.Fatalf("expected OutboundDeferredNoAdapter, got %+v", results)
	}
	if r.OutboundLen() != 1 {
		t.Fatalf("expected the deferred message to remain queued, got len %d", r.OutboundLen())
	}
}

func TestHandleOutboundAdapterErrorRequeues(t *testing.T) {
	r := NewRouter(&fakeAdapter{fail: true})
	dest := core.AddressHashFrom([]byte("adapter-error"))
	r.Enqueue(&OutboundMessage{ID: "m4", Destination: dest}, false)

	results := r.HandleOutbound(1)
	if len(results) != 1 || results[0] != OutboundDeferredAdapterError {
		t.Fatalf("expected OutboundDeferredAdapterError, got %+v", results)
	}
	if r.OutboundLen() != 1 {
		t.Fatalf("expected the message to be requeued after an adapter error")
	}
	_, _, adapterErrors, _, _ := r.Counters()
	if adapterErrors != 1 {
		t.Fatalf("expected the adapter-error counter incremented, got %d", adapterErrors)
	}
}

func TestHandleOutboundSentDeliversAndCallsBack(t *testing.T) {
	adapter := &fakeAdapter{}
	r := NewRouter(adapter)
	dest := core.AddressHashFrom([]byte("sendable"))

	var delivered string
	var progressed int
	r.OnDelivery(func(id string, status OutboundStatus) {
		delivered = id
		_ = status
	})
	r.OnProgress(func(id string, progress int) {
		progressed = progress
	})

	r.Enqueue(&OutboundMessage{ID: "m5", Destination: dest, Wire: []byte("payload")}, false)
	results := r.HandleOutbound(1)
	if len(results) != 1 || results[0] != OutboundSent {
		t.Fatalf("expected OutboundSent, got %+v", results)
	}
	if delivered != "m5" || progressed != 100 {
		t.Fatalf("expected delivery/progress callbacks to fire, got delivered=%q progressed=%d", delivered, progressed)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != dest {
		t.Fatalf("expected the adapter to receive the send")
	}
	if r.OutboundLen() != 0 {
		t.Fatalf("expected the sent message to be dequeued")
	}
}

func TestEnqueuePrioritisedOrdering(t *testing.T) {
	r := NewRouter(nil)
	r.Enqueue(&OutboundMessage{ID: "first"}, false)
	r.Enqueue(&OutboundMessage{ID: "urgent"}, true)

	r.mu.Lock()
	order := append([]string(nil), r.queue...)
	r.mu.Unlock()
	if len(order) != 2 || order[0] != "urgent" || order[1] != "first" {
		t.Fatalf("expected prioritised message at the front, got %v", order)
	}
}

func TestCancelOutboundRemovesQueuedMessage(t *testing.T) {
	r := NewRouter(nil)
	r.Enqueue(&OutboundMessage{ID: "cancel-me"}, false)
	if !r.CancelOutbound("cancel-me") {
		t.Fatalf("expected CancelOutbound to report success")
	}
	if r.OutboundLen() != 0 {
		t.Fatalf("expected the cancelled message to be removed")
	}
	if r.CancelOutbound("cancel-me") {
		t.Fatalf("expected a second cancel of the same id to report failure")
	}
}

func TestStampCacheLifecycle(t *testing.T) {
	r := NewRouter(nil)
	r.CacheStamp("material-a", []byte{1, 2, 3})
	stamp, ok := r.CachedStamp("material-a")
	if !ok || len(stamp) != 3 {
		t.Fatalf("expected a cached stamp to be retrievable")
	}
	r.RemoveCachedStamp("material-a")
	if _, ok := r.CachedStamp("material-a"); ok {
		t.Fatalf("expected the stamp to be evicted")
	}
}

func TestTicketExpiryPrunedByJobs(t *testing.T) {
	r := NewRouter(nil)
	now := time.Now()
	dest := core.AddressHashFrom([]byte("ticket-dest"))
	r.CacheTicket(dest, Ticket{Expiry: now.Add(time.Minute), Material: []byte("t")})

	r.Jobs(now.Add(30*time.Second), time.Hour)
	if _, ok := r.TicketFor(dest); !ok {
		t.Fatalf("expected the ticket to survive before its expiry")
	}

	r.Jobs(now.Add(2*time.Minute), time.Hour)
	if _, ok := r.TicketFor(dest); ok {
		t.Fatalf("expected the ticket to be pruned once expired")
	}
}

func TestPropagationTransferLifecycleAndTTLPrune(t *testing.T) {
	r := NewRouter(nil)
	now := time.Now()
	id := [32]byte{1, 2, 3}

	r.RequestPropagationTransfer(id, now)
	state, ok := r.TransferState(id)
	if !ok || state.Phase != PhaseRequested {
		t.Fatalf("expected a Requested transfer, got %+v", state)
	}

	if err := r.UpdatePropagationProgress(id, 150, now.Add(time.Second)); err != nil {
		t.Fatalf("UpdatePropagationProgress: %v", err)
	}
	state, _ = r.TransferState(id)
	if state.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", state.Progress)
	}

	r.CompletePropagationTransfer(id, now.Add(2*time.Second))
	state, _ = r.TransferState(id)
	if state.Phase != PhaseCompleted {
		t.Fatalf("expected PhaseCompleted, got %v", state.Phase)
	}

	r.Jobs(now.Add(2*time.Second+time.Hour), time.Minute)
	if _, ok := r.TransferState(id); ok {
		t.Fatalf("expected the stale transfer to be pruned by Jobs")
	}
}

func TestUpdatePropagationProgressUnknownTransferErrors(t *testing.T) {
	r := NewRouter(nil)
	if err := r.UpdatePropagationProgress([32]byte{9}, 50, time.Now()); err == nil {
		t.Fatalf("expected an error updating an unknown transfer")
	}
}
