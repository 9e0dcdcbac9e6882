package core

import (
	"sync"
	"time"
)

// PathEntryTTL is how long a learned path remains valid without being
// refreshed by a new announce (§4.5).
const PathEntryTTL = 2 * time.Hour

// PathEntry records the next hop and cost towards a destination, learned
// from the best announce seen so far.
type PathEntry struct {
	Destination  AddressHash
	ReceivingIface AddressHash
	NextHop      *AddressHash // nil when the destination is directly reachable
	HopCount     uint8
	UpdatedAt    time.Time
}

func (p PathEntry) expired(now time.Time) bool {
	return now.Sub(p.UpdatedAt) > PathEntryTTL
}

// PathTable is the routing table built from accepted announces: for every
// known destination, the cheapest path (lowest hop count) currently known.
type PathTable struct {
	mu      sync.RWMutex
	entries map[AddressHash]PathEntry
}

// NewPathTable constructs an empty table.
func NewPathTable() *PathTable {
	return &PathTable{entries: make(map[AddressHash]PathEntry)}
}

// Update records a path learned from an accepted announce, replacing the
// current entry only if the new path is cheaper or the old one has expired.
func (t *PathTable) Update(dest, receivingIface AddressHash, nextHop *AddressHash, hopCount uint8, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.entries[dest]
	if ok && !existing.expired(now) && existing.HopCount <= hopCount {
		return
	}
	t.entries[dest] = PathEntry{
		Destination:    dest,
		ReceivingIface: receivingIface,
		NextHop:        nextHop,
		HopCount:       hopCount,
		UpdatedAt:      now,
	}
}

// Lookup returns the current path to dest, if any and not expired.
func (t *PathTable) Lookup(dest AddressHash, now time.Time) (PathEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[dest]
	if !ok || e.expired(now) {
		return PathEntry{}, false
	}
	return e, true
}

// Remove drops a destination's path, e.g. after repeated delivery failure.
func (t *PathTable) Remove(dest AddressHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dest)
}

// ExpireStale drops every entry older than PathEntryTTL, returning the
// removed destinations for callers that need to react (e.g. cancel pending
// resource transfers routed through them).
func (t *PathTable) ExpireStale(now time.Time) []AddressHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []AddressHash
	for dest, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, dest)
			removed = append(removed, dest)
		}
	}
	return removed
}

// Len reports the number of known paths.
func (t *PathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
