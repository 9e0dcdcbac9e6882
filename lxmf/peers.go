package lxmf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"reticulumd/core"
)

// PropagationPerSyncLimit bounds how many unhandled ids a single peer sync
// batch returns, unless the caller requests fewer (§4.11).
const PropagationPerSyncLimit = 64

// Peer tracks one propagation-peer's sync queues and relay costs (§4.11,
// §4.12).
type Peer struct {
	Hash        core.AddressHash
	Name        string
	NameSource  string
	FirstSeen   time.Time
	LastSeen    time.Time
	SeenCount   int
	Capabilities []string

	StampCost            float64
	StampCostFlexibility float64
	PeeringCost          float64

	unhandled []TransientID
	handled   []TransientID
	backoff   int
}

// TransientID is an LXMF message's transient identifier, as derived by
// TransientIDFromPaper.
type TransientID [32]byte

// PeerTable tracks every known propagation peer.
type PeerTable struct {
	mu    sync.Mutex
	peers map[core.AddressHash]*Peer
	dupSeen map[TransientID]struct{}
	dupCount int
}

// NewPeerTable constructs an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:   make(map[core.AddressHash]*Peer),
		dupSeen: make(map[TransientID]struct{}),
	}
}

// Upsert registers or refreshes a peer's last-seen bookkeeping.
func (t *PeerTable) Upsert(hash core.AddressHash, now time.Time) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[hash]
	if !ok {
		p = &Peer{Hash: hash, FirstSeen: now}
		t.peers[hash] = p
	}
	p.LastSeen = now
	p.SeenCount++
	return p
}

// QueuePeerUnhandled upserts a peer and appends a transient id to its
// unhandled queue.
func (t *PeerTable) QueuePeerUnhandled(hash core.AddressHash, id TransientID, now time.Time) {
	p := t.Upsert(hash, now)
	t.mu.Lock()
	p.unhandled = append(p.unhandled, id)
	t.mu.Unlock()
}

// QueuePeerHandled upserts a peer and appends a transient id to its handled
// queue.
func (t *PeerTable) QueuePeerHandled(hash core.AddressHash, id TransientID, now time.Time) {
	p := t.Upsert(hash, now)
	t.mu.Lock()
	p.handled = append(p.handled, id)
	t.mu.Unlock()
}

// BuildPeerSyncBatch returns up to min(requested, PropagationPerSyncLimit)
// ids from the front of peer's unhandled queue, starting a propagation
// transfer for each one that doesn't already have one tracked. The ids are
// copied, not removed: they stay unhandled until ApplyPeerSyncResult reports
// them delivered, so a later call returns the same ids again.
func (t *PeerTable) BuildPeerSyncBatch(hash core.AddressHash, requested int, router *Router, now time.Time) ([]TransientID, error) {
	t.mu.Lock()
	p, ok := t.peers[hash]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("lxmf: unknown peer %s", hash)
	}
	n := requested
	if n > PropagationPerSyncLimit {
		n = PropagationPerSyncLimit
	}
	if n > len(p.unhandled) {
		n = len(p.unhandled)
	}
	batch := append([]TransientID(nil), p.unhandled[:n]...)
	t.mu.Unlock()

	for _, id := range batch {
		if router != nil {
			if _, tracked := router.TransferState([32]byte(id)); !tracked {
				router.RequestPropagationTransfer([32]byte(id), now)
			}
		}
	}
	return batch, nil
}

// ApplyPeerSyncResult moves delivered ids to the handled queue (completing
// their transfers) and re-queues rejected ids to unhandled (cancelling
// their transfers with "peer rejected"), adjusting backoff.
func (t *PeerTable) ApplyPeerSyncResult(hash core.AddressHash, delivered, rejected []TransientID, router *Router, now time.Time) error {
	t.mu.Lock()
	p, ok := t.peers[hash]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("lxmf: unknown peer %s", hash)
	}

	deliveredSet := make(map[TransientID]struct{}, len(delivered))
	for _, id := range delivered {
		deliveredSet[id] = struct{}{}
	}
	rejectedSet := make(map[TransientID]struct{}, len(rejected))
	for _, id := range rejected {
		rejectedSet[id] = struct{}{}
	}

	var stillUnhandled []TransientID
	for _, id := range p.unhandled {
		if _, isDelivered := deliveredSet[id]; isDelivered {
			p.handled = append(p.handled, id)
			continue
		}
		if _, isRejected := rejectedSet[id]; isRejected {
			stillUnhandled = append(stillUnhandled, id)
			continue
		}
		stillUnhandled = append(stillUnhandled, id)
	}
	for id := range rejectedSet {
		found := false
		for _, u := range stillUnhandled {
			if u == id {
				found = true
				break
			}
		}
		if !found {
			stillUnhandled = append(stillUnhandled, id)
		}
	}
	p.unhandled = stillUnhandled

	if len(rejected) == 0 {
		p.backoff = 0
	} else {
		p.backoff = minInt(300, p.backoff+5)
	}
	t.mu.Unlock()

	if router != nil {
		for _, id := range delivered {
			router.CompletePropagationTransfer([32]byte(id), now)
		}
		for _, id := range rejected {
			router.CancelPropagationTransfer([32]byte(id), "peer rejected", now)
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// IngestResult reports the outcome of a paper ingest call.
type IngestResult struct {
	Duplicate   bool
	TransientID TransientID
	Destination core.AddressHash
}

// IngestPaperMessageBytes implements §4.11's paper ingest: requires >=17
// bytes, extracts destination and transient id, and is idempotent on
// transient id (a repeat is reported as a duplicate without altering peer
// queues).
func (t *PeerTable) IngestPaperMessageBytes(paper []byte, now time.Time) (IngestResult, error) {
	if len(paper) < 17 {
		return IngestResult{}, fmt.Errorf("lxmf: paper message must be at least 17 bytes")
	}
	var dest core.AddressHash
	copy(dest[:], paper[:16])
	tid := TransientID(TransientIDFromPaper(paper))

	t.mu.Lock()
	_, dup := t.dupSeen[tid]
	if dup {
		t.dupCount++
		t.mu.Unlock()
		return IngestResult{Duplicate: true, TransientID: tid, Destination: dest}, nil
	}
	t.dupSeen[tid] = struct{}{}
	t.mu.Unlock()

	t.QueuePeerUnhandled(dest, tid, now)
	return IngestResult{Duplicate: false, TransientID: tid, Destination: dest}, nil
}

// IngestLXMURI decodes an lxm:// URI and ingests its paper body.
func (t *PeerTable) IngestLXMURI(uri string, now time.Time) (IngestResult, error) {
	paper, err := DecodeLXMURI(uri)
	if err != nil {
		return IngestResult{}, err
	}
	return t.IngestPaperMessageBytes(paper, now)
}

// DuplicateCount returns how many duplicate paper ingests have been
// observed.
func (t *PeerTable) DuplicateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dupCount
}

// PeerRecord is the client-facing view of a Peer, surfacing relay costs so
// callers can rank candidates (§4.12).
type PeerRecord struct {
	Hash                 string
	Name                 string
	FirstSeen            int64
	LastSeen             int64
	SeenCount            int
	Capabilities         []string
	StampCost            float64
	StampCostFlexibility float64
	PeeringCost          float64
}

// Records returns every known peer as a client-facing record, sorted by
// last-seen descending, then by hash ascending — the default ordering used
// by peer listing.
func (t *PeerTable) Records() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerRecord{
			Hash:                 p.Hash.String(),
			Name:                 p.Name,
			FirstSeen:            p.FirstSeen.Unix(),
			LastSeen:             p.LastSeen.Unix(),
			SeenCount:            p.SeenCount,
			Capabilities:         append([]string(nil), p.Capabilities...),
			StampCost:            p.StampCost,
			StampCostFlexibility: p.StampCostFlexibility,
			PeeringCost:          p.PeeringCost,
		})
	}
	sortPeerRecords(out)
	return out
}

func sortPeerRecords(records []PeerRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastSeen != records[j].LastSeen {
			return records[i].LastSeen > records[j].LastSeen
		}
		return records[i].Hash < records[j].Hash
	})
}

// RankPeers implements the CLI-grade fuzzy peer selector: an exact hash or
// name match ranks best (0/1), then hash-prefix (2), name-prefix (3), and
// name-substring (4); non-matches are excluded. Ties break by the same
// last-seen-descending/hash-ascending order as Records.
func RankPeers(records []PeerRecord, query string) []PeerRecord {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	type scored struct {
		score  int
		record PeerRecord
	}
	var ranked []scored
	for _, r := range records {
		score, ok := rankOne(r, query)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{score: score, record: r})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		if ranked[i].record.LastSeen != ranked[j].record.LastSeen {
			return ranked[i].record.LastSeen > ranked[j].record.LastSeen
		}
		return ranked[i].record.Hash < ranked[j].record.Hash
	})
	out := make([]PeerRecord, len(ranked))
	for i, s := range ranked {
		out[i] = s.record
	}
	return out
}

func rankOne(r PeerRecord, query string) (int, bool) {
	hashLower := strings.ToLower(r.Hash)
	nameLower := strings.ToLower(r.Name)
	switch {
	case hashLower == query:
		return 0, true
	case r.Name != "" && nameLower == query:
		return 1, true
	case strings.HasPrefix(hashLower, query):
		return 2, true
	case r.Name != "" && strings.HasPrefix(nameLower, query):
		return 3, true
	case r.Name != "" && strings.Contains(nameLower, query):
		return 4, true
	default:
		return 0, false
	}
}
