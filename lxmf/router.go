package lxmf

import (
	"fmt"
	"sync"
	"time"

	"reticulumd/core"
)

// OutboundStatus is the per-message result of one handle_outbound pass
// (§4.11).
type OutboundStatus uint8

const (
	OutboundQueued OutboundStatus = iota
	OutboundIgnored
	OutboundRejectedAuth
	OutboundDeferredNoAdapter
	OutboundDeferredAdapterError
	OutboundSent
	OutboundCancelled
)

// TransportAdapter is the narrow send capability the router needs; the
// daemon wires this to core.Transport.SendPacket (or an equivalent fan-out
// over a link).
type TransportAdapter interface {
	Send(dest core.AddressHash, wire []byte) error
}

// DeliveryCallback is invoked once a message transitions to Sent.
type DeliveryCallback func(messageID string, status OutboundStatus)

// ProgressCallback is invoked whenever a message's progress changes.
type ProgressCallback func(messageID string, progress int)

// OutboundMessage is one router-managed message.
type OutboundMessage struct {
	ID              string
	Destination     core.AddressHash
	Wire            []byte
	AuthRequired    bool
	IgnoredDest     bool
	destAllowed     func(core.AddressHash) bool
	Progress        int
	Status          OutboundStatus
}

// Router is the LXMF outbound queue plus stamp/ticket caches and
// propagation transfer tracking (§4.11).
type Router struct {
	mu sync.Mutex

	queue   []string // message ids, head = next to process
	byID    map[string]*OutboundMessage
	adapter TransportAdapter

	deliveryCallbacks []DeliveryCallback
	progressCallbacks []ProgressCallback

	outboundIgnoredTotal      int
	outboundRejectedAuthTotal int
	outboundAdapterErrorsTotal int
	outboundProcessedTotal    int
	outboundCancelledTotal    int

	stamps  map[string][]byte
	tickets map[core.AddressHash]Ticket

	transfers map[[32]byte]*PropagationTransfer
}

// Ticket is a cached propagation-node access ticket.
type Ticket struct {
	Expiry   time.Time
	Material []byte
}

// PropagationPhase enumerates a propagation transfer's lifecycle.
type PropagationPhase uint8

const (
	PhaseRequested PropagationPhase = iota
	PhaseInProgress
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

// PropagationTransfer tracks one transient-id-keyed propagation transfer.
type PropagationTransfer struct {
	Phase     PropagationPhase
	Progress  int
	UpdatedAt time.Time
	Reason    string
}

// NewRouter constructs an empty router bound to adapter (may be nil until
// the transport is wired up; sends will defer with OutboundDeferredNoAdapter
// until then).
func NewRouter(adapter TransportAdapter) *Router {
	return &Router{
		byID:      make(map[string]*OutboundMessage),
		stamps:    make(map[string][]byte),
		tickets:   make(map[core.AddressHash]Ticket),
		transfers: make(map[[32]byte]*PropagationTransfer),
		adapter:   adapter,
	}
}

// SetAdapter attaches or replaces the transport adapter.
func (r *Router) SetAdapter(adapter TransportAdapter) {
	r.mu.Lock()
	r.adapter = adapter
	r.mu.Unlock()
}

// OnDelivery registers a delivery callback.
func (r *Router) OnDelivery(cb DeliveryCallback) {
	r.mu.Lock()
	r.deliveryCallbacks = append(r.deliveryCallbacks, cb)
	r.mu.Unlock()
}

// OnProgress registers a progress callback.
func (r *Router) OnProgress(cb ProgressCallback) {
	r.mu.Lock()
	r.progressCallbacks = append(r.progressCallbacks, cb)
	r.mu.Unlock()
}

// Enqueue adds a message to the router's queue; prioritised messages are
// pushed to the front, others to the back.
func (r *Router) Enqueue(msg *OutboundMessage, prioritised bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[msg.ID] = msg
	if prioritised {
		r.queue = append([]string{msg.ID}, r.queue...)
	} else {
		r.queue = append(r.queue, msg.ID)
	}
}

// OutboundLen counts distinct queued messages.
func (r *Router) OutboundLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// CancelOutbound removes a message from the map/queue/progress state.
func (r *Router) CancelOutbound(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[messageID]; !ok {
		return false
	}
	delete(r.byID, messageID)
	for i, id := range r.queue {
		if id == messageID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.outboundCancelledTotal++
	return true
}

// HandleOutbound processes up to maxItems head messages according to the
// §4.11 policy table, returning each message's terminal status for this
// pass.
func (r *Router) HandleOutbound(maxItems int) []OutboundStatus {
	var results []OutboundStatus
	for i := 0; i < maxItems; i++ {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			break
		}
		id := r.queue[0]
		r.queue = r.queue[1:]
		msg, ok := r.byID[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		status := r.processLocked(msg)
		r.mu.Unlock()
		results = append(results, status)
	}
	return results
}

// processLocked applies the per-message policy. Caller must hold r.mu.
func (r *Router) processLocked(msg *OutboundMessage) OutboundStatus {
	if msg.IgnoredDest {
		r.outboundIgnoredTotal++
		msg.Status = OutboundIgnored
		delete(r.byID, msg.ID)
		return OutboundIgnored
	}
	if msg.AuthRequired && msg.destAllowed != nil && !msg.destAllowed(msg.Destination) {
		r.outboundRejectedAuthTotal++
		msg.Status = OutboundRejectedAuth
		delete(r.byID, msg.ID)
		return OutboundRejectedAuth
	}
	if r.adapter == nil {
		msg.Status = OutboundDeferredNoAdapter
		r.queue = append(r.queue, msg.ID)
		return OutboundDeferredNoAdapter
	}
	if err := r.adapter.Send(msg.Destination, msg.Wire); err != nil {
		r.outboundAdapterErrorsTotal++
		msg.Status = OutboundDeferredAdapterError
		r.queue = append(r.queue, msg.ID)
		return OutboundDeferredAdapterError
	}
	r.outboundProcessedTotal++
	msg.Status = OutboundSent
	msg.Progress = 100
	delete(r.byID, msg.ID)
	for _, cb := range r.deliveryCallbacks {
		cb(msg.ID, OutboundSent)
	}
	for _, cb := range r.progressCallbacks {
		cb(msg.ID, 100)
	}
	return OutboundSent
}

// CacheStamp stores a precomputed proof-of-work stamp for material so the
// router can avoid recomputing it.
func (r *Router) CacheStamp(material string, stamp []byte) {
	r.mu.Lock()
	r.stamps[material] = stamp
	r.mu.Unlock()
}

// CachedStamp retrieves a previously-cached stamp.
func (r *Router) CachedStamp(material string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stamps[material]
	return s, ok
}

// RemoveCachedStamp evicts a cached stamp.
func (r *Router) RemoveCachedStamp(material string) {
	r.mu.Lock()
	delete(r.stamps, material)
	r.mu.Unlock()
}

// CacheTicket stores a propagation-node access ticket for destination.
func (r *Router) CacheTicket(destination core.AddressHash, t Ticket) {
	r.mu.Lock()
	r.tickets[destination] = t
	r.mu.Unlock()
}

// TicketFor retrieves a cached ticket.
func (r *Router) TicketFor(destination core.AddressHash) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[destination]
	return t, ok
}

// RemoveTicket evicts a cached ticket.
func (r *Router) RemoveTicket(destination core.AddressHash) {
	r.mu.Lock()
	delete(r.tickets, destination)
	r.mu.Unlock()
}

// Jobs prunes expired tickets and evicts stale propagation transfers,
// matching the combined periodic-maintenance entry point named "jobs(now)"
// for both caches in §4.11.
func (r *Router) Jobs(now time.Time, transferStateTTL time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dest, t := range r.tickets {
		if now.After(t.Expiry) {
			delete(r.tickets, dest)
		}
	}
	for id, tr := range r.transfers {
		if now.Sub(tr.UpdatedAt) > transferStateTTL {
			delete(r.transfers, id)
		}
	}
}

// RequestPropagationTransfer starts tracking a transient-id-keyed transfer
// in the Requested phase.
func (r *Router) RequestPropagationTransfer(transientID [32]byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transfers[transientID]; exists {
		return
	}
	r.transfers[transientID] = &PropagationTransfer{Phase: PhaseRequested, UpdatedAt: now}
}

// UpdatePropagationProgress moves a transfer to InProgress with the given
// clamped progress.
func (r *Router) UpdatePropagationProgress(transientID [32]byte, progress int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.transfers[transientID]
	if !ok {
		return fmt.Errorf("lxmf: unknown propagation transfer")
	}
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	tr.Phase = PhaseInProgress
	tr.Progress = progress
	tr.UpdatedAt = now
	return nil
}

// CompletePropagationTransfer marks a transfer Completed with progress 100.
func (r *Router) CompletePropagationTransfer(transientID [32]byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.transfers[transientID]; ok {
		tr.Phase = PhaseCompleted
		tr.Progress = 100
		tr.UpdatedAt = now
	}
}

// CancelPropagationTransfer marks a transfer Cancelled with reason.
func (r *Router) CancelPropagationTransfer(transientID [32]byte, reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.transfers[transientID]; ok {
		tr.Phase = PhaseCancelled
		tr.Reason = reason
		tr.UpdatedAt = now
	}
}

// TransferState returns a copy of a transfer's current state.
func (r *Router) TransferState(transientID [32]byte) (PropagationTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.transfers[transientID]
	if !ok {
		return PropagationTransfer{}, false
	}
	return *tr, true
}

// Counters returns the router's cumulative counters for status reporting.
func (r *Router) Counters() (ignored, rejectedAuth, adapterErrors, processed, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outboundIgnoredTotal, r.outboundRejectedAuthTotal, r.outboundAdapterErrorsTotal, r.outboundProcessedTotal, r.outboundCancelledTotal
}
