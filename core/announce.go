package core

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AnnounceMaxHops bounds how many times an announce may be rebroadcast
// before it is dropped, matching the transport-wide hop ceiling (§4.5).
const AnnounceMaxHops = 128

// announceCacheSize bounds the duplicate-announce LRU; sized generously for
// a mesh with thousands of concurrently-known destinations.
const announceCacheSize = 8192

// Announce is the decoded payload of a PacketAnnounce packet (§3, §4.5).
type Announce struct {
	Destination    AddressHash
	Identity       Identity
	NameHash       NameHash
	RandomHash     [10]byte
	Signature      []byte
	AppData        []byte
	Ratchet        *[32]byte // present iff the announce carries a ratchet public key
	ReceivedHops   uint8
	ReceivingIface AddressHash
	ReceivedAt     time.Time
}

// signedBlob returns the byte sequence the announce's signature is computed
// over: destination || identity_keys || name_hash || random_hash || [ratchet] || app_data.
func (a *Announce) signedBlob() []byte {
	out := make([]byte, 0, 16+64+10+10+32+len(a.AppData))
	out = append(out, a.Destination[:]...)
	out = append(out, a.Identity.EncryptionPub[:]...)
	out = append(out, a.Identity.SigningPub[:]...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandomHash[:]...)
	if a.Ratchet != nil {
		out = append(out, a.Ratchet[:]...)
	}
	out = append(out, a.AppData...)
	return out
}

// Verify checks the announce's signature and that its destination hash
// matches the identity it carries.
func (a *Announce) Verify() error {
	if a.Identity.AddressHash() != a.Destination {
		return fmt.Errorf("%w: announce destination does not match identity", ErrIncorrectHash)
	}
	if !a.Identity.Verify(a.signedBlob(), a.Signature) {
		return fmt.Errorf("%w: announce signature verification failed", ErrIncorrectSignature)
	}
	return nil
}

// announceDedupKey is the value used to recognize a previously-seen
// announce regardless of which interface it arrived on.
type announceDedupKey [32]byte

func dedupKeyFor(a *Announce) announceDedupKey {
	var k announceDedupKey
	copy(k[:], sha256Truncated(32, a.Destination[:], a.RandomHash[:]))
	return k
}

// AnnounceTable tracks the best-known announce for each destination and
// suppresses duplicate rebroadcasts using an LRU-backed cache keyed on
// announce identity.
type AnnounceTable struct {
	mu      sync.RWMutex
	latest  map[AddressHash]*Announce
	seen    *lru.Cache[announceDedupKey, struct{}]
}

// NewAnnounceTable constructs an empty table.
func NewAnnounceTable() (*AnnounceTable, error) {
	seen, err := lru.New[announceDedupKey, struct{}](announceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("announce dedup cache: %w", err)
	}
	return &AnnounceTable{
		latest: make(map[AddressHash]*Announce),
		seen:   seen,
	}, nil
}

// Offer validates and records an announce, reporting whether it should be
// rebroadcast: true for any announce whose (destination, random hash) pair
// has not been seen before. The announce becomes the best-known one for its
// destination when none is recorded yet or it arrived over fewer hops; its
// hop count is not modified.
func (t *AnnounceTable) Offer(a *Announce) (shouldRebroadcast bool, err error) {
	if a.ReceivedHops >= AnnounceMaxHops {
		return false, nil
	}
	if err := a.Verify(); err != nil {
		return false, err
	}
	key := dedupKeyFor(a)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.seen.Get(key); dup {
		return false, nil
	}
	t.seen.Add(key, struct{}{})

	if existing, ok := t.latest[a.Destination]; !ok || a.ReceivedHops < existing.ReceivedHops {
		t.latest[a.Destination] = a
	}
	return true, nil
}

// Lookup returns the best-known announce for a destination, if any.
func (t *AnnounceTable) Lookup(dest AddressHash) (*Announce, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.latest[dest]
	return a, ok
}

// Destinations returns every destination with a known announce.
func (t *AnnounceTable) Destinations() []AddressHash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]AddressHash, 0, len(t.latest))
	for d := range t.latest {
		out = append(out, d)
	}
	return out
}
