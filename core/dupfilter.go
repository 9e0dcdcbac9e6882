package core

import (
	"sync"
	"time"
)

// dupEntry is a recent-packet-cache record: when the packet hash was first
// observed, used for age eviction.
type dupEntry struct {
	firstSeen time.Time
}

// DuplicateFilter implements §4.7: every received packet is hashed and
// looked up in a bounded, age-evicted cache, with per-(type,context) rules
// about whether a repeat is tolerated.
type DuplicateFilter struct {
	mu      sync.Mutex
	seen    map[[32]byte]dupEntry
	maxAge  time.Duration
	links   LinkLookup
}

// LinkLookup is the narrow view the duplicate filter needs into the link
// table to decide whether a repeated proof still targets a not-yet-active
// link.
type LinkLookup interface {
	IsNotYetActive(linkID AddressHash) bool
}

// NewDuplicateFilter constructs a filter whose entries are evicted once
// older than maxAge (release(duration) in §4.7).
func NewDuplicateFilter(maxAge time.Duration, links LinkLookup) *DuplicateFilter {
	return &DuplicateFilter{
		seen:   make(map[[32]byte]dupEntry),
		maxAge: maxAge,
		links:  links,
	}
}

// Allow applies the §4.7 rules for packet p, recording it in the cache
// regardless of outcome (so a subsequent identical packet is consistently
// judged against the first sighting).
func (f *DuplicateFilter) Allow(p *Packet, now time.Time) bool {
	h := p.Hash()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(now)

	_, dup := f.seen[h]
	if !dup {
		f.seen[h] = dupEntry{firstSeen: now}
	}

	switch p.Flags.Type {
	case PacketAnnounce:
		return true
	case PacketLinkRequest:
		return true
	case PacketProof:
		if p.Context != ContextLinkRequestProof {
			return !dup
		}
		if f.links == nil {
			return !dup
		}
		return f.links.IsNotYetActive(p.Destination)
	case PacketData:
		if p.Context == ContextKeepAliveRequest || p.Context == ContextKeepAliveResponse {
			return true
		}
		return !dup
	default:
		return !dup
	}
}

func (f *DuplicateFilter) evictLocked(now time.Time) {
	for h, e := range f.seen {
		if now.Sub(e.firstSeen) > f.maxAge {
			delete(f.seen, h)
		}
	}
}

// Release is the explicit eviction entry point named by §4.7
// (release(duration)); it evicts using the filter's configured maxAge.
func (f *DuplicateFilter) Release(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(now)
}

// Len reports the number of cached packet hashes.
func (f *DuplicateFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
