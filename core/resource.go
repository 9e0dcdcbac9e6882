package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// ResourceMetadataMax bounds the optional metadata blob prepended to a
// resource transfer (§4.8 step 1: "Reject metadata > 16MiB-1").
const ResourceMetadataMax = 16*1024*1024 - 1

// ResourceEventKind enumerates the terminal states published for a resource
// transfer.
type ResourceEventKind uint8

const (
	ResourceEventComplete ResourceEventKind = iota
	ResourceEventFailed
)

// ResourceEvent is published when a transfer finishes, successfully or not.
type ResourceEvent struct {
	ResourceHash [32]byte
	Kind         ResourceEventKind
	Data         []byte
	Metadata     []byte
}

// ResourceAdvertisement is the initial context-ResourceAdvertisement packet
// body: total part count plus the first hashmap segment.
type ResourceAdvertisement struct {
	ResourceHash [32]byte
	RandomHash   [4]byte
	TotalParts   int
	Hashmap      [][4]byte // segment 0, up to HashmapMaxLen entries
}

// ResourceRequest asks the sender for specific missing parts, identified by
// their map hash.
type ResourceRequest struct {
	ResourceHash     [32]byte
	RequestedHashes  [][4]byte
	HashmapExhausted bool
	LastMapHash      [4]byte
}

// ResourceHashUpdate carries the next hashmap segment once the receiver has
// exhausted its known slots.
type ResourceHashUpdate struct {
	ResourceHash [32]byte
	SegmentIndex int
	Hashmap      [][4]byte
}

// ResourceProof is emitted by the receiver on successful reassembly.
type ResourceProof struct {
	ResourceHash [32]byte
	Proof        [32]byte
}

func mapHash(part, randomHash []byte) [4]byte {
	var out [4]byte
	copy(out[:], sha256Truncated(4, part, randomHash))
	return out
}

// prependMetadata implements step 1: a 3-byte big-endian length prefix
// followed by metadata, only when metadata is non-empty.
func prependMetadata(data, metadata []byte) ([]byte, error) {
	if len(metadata) == 0 {
		return data, nil
	}
	if len(metadata) > ResourceMetadataMax {
		return nil, fmt.Errorf("%w: resource metadata %d exceeds %d bytes", ErrOutOfMemory, len(metadata), ResourceMetadataMax)
	}
	out := make([]byte, 0, 3+len(metadata)+len(data))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(metadata)))
	out = append(out, lenBuf[1:]...) // 3-byte big-endian length
	out = append(out, metadata...)
	out = append(out, data...)
	return out, nil
}

func splitMetadata(combined []byte, hasMetadata bool) (data, metadata []byte, err error) {
	if !hasMetadata {
		return combined, nil, nil
	}
	if len(combined) < 3 {
		return nil, nil, fmt.Errorf("%w: resource payload shorter than metadata length prefix", ErrPacket)
	}
	n := int(combined[0])<<16 | int(combined[1])<<8 | int(combined[2])
	if len(combined) < 3+n {
		return nil, nil, fmt.Errorf("%w: resource metadata length exceeds payload", ErrPacket)
	}
	return combined[3+n:], combined[3 : 3+n], nil
}

// ResourceSender drives the sender side of a single transfer: one call to
// StartSend produces the first advertisement; HandleRequest answers
// ResourceRequest traffic from the receiver.
type ResourceSender struct {
	mu           sync.Mutex
	resourceHash [32]byte
	randomHash   [4]byte
	expectedProof [32]byte
	parts        [][]byte
	hashmap      [][4]byte
	key          []byte
	done         bool
}

// StartSend implements §4.8 steps 1-5 against linkKey (the Fernet key of
// the link the transfer rides over).
func StartSend(linkKey, data, metadata []byte, rng io.Reader) (*ResourceSender, *ResourceAdvertisement, error) {
	combined, err := prependMetadata(data, metadata)
	if err != nil {
		return nil, nil, err
	}
	var randomHash [4]byte
	if _, err := io.ReadFull(rng, randomHash[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: resource random hash: %v", ErrCrypto, err)
	}
	resourceHash := [32]byte(sha256Sum(combined, randomHash[:]))
	expectedProof := [32]byte(sha256Sum(combined, resourceHash[:]))

	var prefix [4]byte
	if _, err := io.ReadFull(rng, prefix[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: resource prefix: %v", ErrCrypto, err)
	}
	plain := make([]byte, 0, 4+len(combined))
	plain = append(plain, prefix[:]...)
	plain = append(plain, combined...)

	token, err := FernetEncrypt(linkKey, plain)
	if err != nil {
		return nil, nil, err
	}
	parts := chunk(token, PacketMDU)
	hashmap := make([][4]byte, len(parts))
	for i, part := range parts {
		hashmap[i] = mapHash(part, randomHash[:])
	}

	s := &ResourceSender{
		resourceHash:  resourceHash,
		randomHash:    randomHash,
		expectedProof: expectedProof,
		parts:         parts,
		hashmap:       hashmap,
		key:           linkKey,
	}
	segment := hashmap
	if len(segment) > HashmapMaxLen {
		segment = segment[:HashmapMaxLen]
	}
	adv := &ResourceAdvertisement{
		ResourceHash: resourceHash,
		RandomHash:   randomHash,
		TotalParts:   len(parts),
		Hashmap:      append([][4]byte(nil), segment...),
	}
	return s, adv, nil
}

func chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	if len(out) == 0 {
		out = append(out, []byte{})
	}
	return out
}

// HandleRequest answers a ResourceRequest with the matching part packets'
// payloads and, when the requester has exhausted its known hashmap slots
// and a later segment exists, also a ResourceHashUpdate.
func (s *ResourceSender) HandleRequest(req *ResourceRequest) (parts [][]byte, update *ResourceHashUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHash := make(map[[4]byte][]byte, len(s.hashmap))
	for i, h := range s.hashmap {
		byHash[h] = s.parts[i]
	}
	for _, h := range req.RequestedHashes {
		if part, ok := byHash[h]; ok {
			parts = append(parts, part)
		}
	}
	if req.HashmapExhausted {
		lastIdx := -1
		for i, h := range s.hashmap {
			if h == req.LastMapHash {
				lastIdx = i
				break
			}
		}
		if lastIdx >= 0 {
			nextSegment := lastIdx/HashmapMaxLen + 1
			start := nextSegment * HashmapMaxLen
			if start < len(s.hashmap) {
				end := start + HashmapMaxLen
				if end > len(s.hashmap) {
					end = len(s.hashmap)
				}
				update = &ResourceHashUpdate{
					ResourceHash: s.resourceHash,
					SegmentIndex: nextSegment,
					Hashmap:      append([][4]byte(nil), s.hashmap[start:end]...),
				}
			}
		}
	}
	return parts, update
}

func sha256Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// ResourceReceiver drives the receiver side: advertisement -> requests ->
// parts/hash-updates -> finalize.
type ResourceReceiver struct {
	mu             sync.Mutex
	resourceHash   [32]byte
	randomHash     [4]byte
	totalParts     int
	hashmap        [][4]byte
	received       [][]byte
	receivedCount  int
	receivedBytes  int
	key            []byte
	hasMetadata    bool
	lastRequest    time.Time
	lastProgress   time.Time
	retryCount     int
	failed         bool
}

// OnAdvertisement allocates receiver state from the initial advertisement
// and builds the first ResourceRequest for up to ResourceWindow missing
// parts.
func OnAdvertisement(linkKey []byte, adv *ResourceAdvertisement, hasMetadata bool, now time.Time) (*ResourceReceiver, *ResourceRequest) {
	r := &ResourceReceiver{
		resourceHash: adv.ResourceHash,
		randomHash:   adv.RandomHash,
		totalParts:   adv.TotalParts,
		hashmap:      make([][4]byte, adv.TotalParts),
		received:     make([][]byte, adv.TotalParts),
		key:          linkKey,
		hasMetadata:  hasMetadata,
		lastRequest:  now,
		lastProgress: now,
	}
	copy(r.hashmap, adv.Hashmap)
	return r, r.buildRequestLocked()
}

// buildRequestLocked walks the leading prefix of known hashmap entries,
// collecting up to ResourceWindow missing hashes; if it reaches an unknown
// slot it marks the request exhausted. Caller must hold r.mu implicitly
// (only called from constructor/handlers that already serialize access).
func (r *ResourceReceiver) buildRequestLocked() *ResourceRequest {
	req := &ResourceRequest{ResourceHash: r.resourceHash}
	var lastKnown [4]byte
	haveLast := false
	for i, h := range r.hashmap {
		zero := h == [4]byte{}
		if zero {
			req.HashmapExhausted = true
			if haveLast {
				req.LastMapHash = lastKnown
			}
			break
		}
		lastKnown = h
		haveLast = true
		if r.received[i] == nil && len(req.RequestedHashes) < ResourceWindow {
			req.RequestedHashes = append(req.RequestedHashes, h)
		}
	}
	return req
}

// ApplyHashUpdate installs a later hashmap segment and returns a fresh
// request.
func (r *ResourceReceiver) ApplyHashUpdate(u *ResourceHashUpdate, now time.Time) *ResourceRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := u.SegmentIndex * HashmapMaxLen
	for i, h := range u.Hashmap {
		idx := start + i
		if idx < len(r.hashmap) {
			r.hashmap[idx] = h
		}
	}
	r.lastRequest = now
	return r.buildRequestLocked()
}

// HandlePart stores a received part, looked up by its map hash, into the
// matching hashmap slot iff not already present.
func (r *ResourceReceiver) HandlePart(part []byte, now time.Time) {
	h := mapHash(part, r.randomHash[:])
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, slot := range r.hashmap {
		if slot == h && r.received[i] == nil {
			r.received[i] = part
			r.receivedCount++
			r.receivedBytes += len(part)
			r.lastProgress = now
			return
		}
	}
}

// Complete reports whether every part has been received.
func (r *ResourceReceiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receivedCount == r.totalParts && r.totalParts > 0
}

// Finalize implements §4.8's finalization: concatenate, decrypt, strip the
// 4-byte random prefix, split the metadata length prefix if present, and
// verify the resource hash before building the outbound ResourceProof and
// Complete event.
func (r *ResourceReceiver) Finalize() (*ResourceProof, *ResourceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receivedCount != r.totalParts {
		return nil, nil, fmt.Errorf("%w: resource transfer incomplete", ErrInvalidArgument)
	}
	ciphertext := make([]byte, 0, r.receivedBytes)
	for _, p := range r.received {
		ciphertext = append(ciphertext, p...)
	}
	verified, err := FernetVerify(r.key, Token(ciphertext))
	if err != nil {
		r.failed = true
		return nil, &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventFailed}, err
	}
	plain, err := FernetDecrypt(verified)
	if err != nil {
		r.failed = true
		return nil, &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventFailed}, err
	}
	if len(plain) < 4 {
		r.failed = true
		return nil, &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventFailed}, fmt.Errorf("%w: resource plaintext shorter than random prefix", ErrPacket)
	}
	combined := plain[4:]
	data, metadata, err := splitMetadata(combined, r.hasMetadata)
	if err != nil {
		r.failed = true
		return nil, &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventFailed}, err
	}
	payloadForHash := combined
	want := sha256Sum(payloadForHash, r.randomHash[:])
	if [32]byte(want) != r.resourceHash {
		r.failed = true
		return nil, &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventFailed}, fmt.Errorf("%w: resource hash mismatch on finalize", ErrIncorrectHash)
	}
	proof := &ResourceProof{
		ResourceHash: r.resourceHash,
		Proof:        [32]byte(sha256Sum(payloadForHash, r.resourceHash[:])),
	}
	event := &ResourceEvent{ResourceHash: r.resourceHash, Kind: ResourceEventComplete, Data: data, Metadata: metadata}
	return proof, event, nil
}

// RetryIfStale reports whether a fresh request should be re-emitted: both
// lastProgress and lastRequest predate now-retryInterval. It also tracks
// retryCount, returning dropped=true once retryLimit is reached.
func (r *ResourceReceiver) RetryIfStale(retryInterval time.Duration, retryLimit int, now time.Time) (req *ResourceRequest, dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastProgress) < retryInterval || now.Sub(r.lastRequest) < retryInterval {
		return nil, false
	}
	r.retryCount++
	if r.retryCount >= retryLimit {
		return nil, true
	}
	r.lastRequest = now
	return r.buildRequestLocked(), false
}

// randomResourceTag is a small helper retained for callers that need a
// standalone random identifier outside of StartSend (e.g. resource
// cancellation correlation ids).
func randomResourceTag() ([4]byte, error) {
	var out [4]byte
	_, err := rand.Read(out[:])
	return out, err
}

// Encode serializes a ResourceAdvertisement packet body: resource_hash(32)
// || random_hash(4) || total_parts(4) || hashmap_len(2) || hashmap entries(4
// each).
func (a *ResourceAdvertisement) Encode() ([]byte, error) {
	if len(a.Hashmap) > HashmapMaxLen {
		return nil, fmt.Errorf("%w: resource advertisement hashmap %d exceeds %d entries", ErrOutOfMemory, len(a.Hashmap), HashmapMaxLen)
	}
	out := make([]byte, 0, 32+4+4+2+4*len(a.Hashmap))
	out = append(out, a.ResourceHash[:]...)
	out = append(out, a.RandomHash[:]...)
	var totalParts [4]byte
	binary.BigEndian.PutUint32(totalParts[:], uint32(a.TotalParts))
	out = append(out, totalParts[:]...)
	var hmLen [2]byte
	binary.BigEndian.PutUint16(hmLen[:], uint16(len(a.Hashmap)))
	out = append(out, hmLen[:]...)
	for _, h := range a.Hashmap {
		out = append(out, h[:]...)
	}
	return out, nil
}

// DecodeResourceAdvertisement parses the wire form produced by Encode.
func DecodeResourceAdvertisement(body []byte) (*ResourceAdvertisement, error) {
	if len(body) < 32+4+4+2 {
		return nil, fmt.Errorf("%w: resource advertisement shorter than fixed header", ErrPacket)
	}
	a := &ResourceAdvertisement{}
	off := 0
	copy(a.ResourceHash[:], body[off:off+32])
	off += 32
	copy(a.RandomHash[:], body[off:off+4])
	off += 4
	a.TotalParts = int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if n > HashmapMaxLen || len(body) < off+4*n {
		return nil, fmt.Errorf("%w: resource advertisement hashmap truncated", ErrPacket)
	}
	a.Hashmap = make([][4]byte, n)
	for i := 0; i < n; i++ {
		copy(a.Hashmap[i][:], body[off:off+4])
		off += 4
	}
	return a, nil
}

// Encode serializes a ResourceRequest packet body: resource_hash(32) ||
// exhausted_flag(1) || last_map_hash(4) || requested_count(2) || hashes(4
// each).
func (r *ResourceRequest) Encode() ([]byte, error) {
	out := make([]byte, 0, 32+1+4+2+4*len(r.RequestedHashes))
	out = append(out, r.ResourceHash[:]...)
	if r.HashmapExhausted {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, r.LastMapHash[:]...)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(r.RequestedHashes)))
	out = append(out, count[:]...)
	for _, h := range r.RequestedHashes {
		out = append(out, h[:]...)
	}
	return out, nil
}

// DecodeResourceRequest parses the wire form produced by Encode.
func DecodeResourceRequest(body []byte) (*ResourceRequest, error) {
	if len(body) < 32+1+4+2 {
		return nil, fmt.Errorf("%w: resource request shorter than fixed header", ErrPacket)
	}
	r := &ResourceRequest{}
	off := 0
	copy(r.ResourceHash[:], body[off:off+32])
	off += 32
	r.HashmapExhausted = body[off] != 0
	off++
	copy(r.LastMapHash[:], body[off:off+4])
	off += 4
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+4*n {
		return nil, fmt.Errorf("%w: resource request hash list truncated", ErrPacket)
	}
	r.RequestedHashes = make([][4]byte, n)
	for i := 0; i < n; i++ {
		copy(r.RequestedHashes[i][:], body[off:off+4])
		off += 4
	}
	return r, nil
}

// Encode serializes a ResourceHashUpdate packet body: resource_hash(32) ||
// segment_index(4) || hashmap_len(2) || hashmap entries(4 each).
func (u *ResourceHashUpdate) Encode() ([]byte, error) {
	out := make([]byte, 0, 32+4+2+4*len(u.Hashmap))
	out = append(out, u.ResourceHash[:]...)
	var seg [4]byte
	binary.BigEndian.PutUint32(seg[:], uint32(u.SegmentIndex))
	out = append(out, seg[:]...)
	var hmLen [2]byte
	binary.BigEndian.PutUint16(hmLen[:], uint16(len(u.Hashmap)))
	out = append(out, hmLen[:]...)
	for _, h := range u.Hashmap {
		out = append(out, h[:]...)
	}
	return out, nil
}

// DecodeResourceHashUpdate parses the wire form produced by Encode.
func DecodeResourceHashUpdate(body []byte) (*ResourceHashUpdate, error) {
	if len(body) < 32+4+2 {
		return nil, fmt.Errorf("%w: resource hash update shorter than fixed header", ErrPacket)
	}
	u := &ResourceHashUpdate{}
	off := 0
	copy(u.ResourceHash[:], body[off:off+32])
	off += 32
	u.SegmentIndex = int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+4*n {
		return nil, fmt.Errorf("%w: resource hash update entries truncated", ErrPacket)
	}
	u.Hashmap = make([][4]byte, n)
	for i := 0; i < n; i++ {
		copy(u.Hashmap[i][:], body[off:off+4])
		off += 4
	}
	return u, nil
}

// Encode serializes a ResourceProof packet body: resource_hash(32) ||
// proof(32).
func (p *ResourceProof) Encode() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.ResourceHash[:]...)
	out = append(out, p.Proof[:]...)
	return out
}

// DecodeResourceProof parses the wire form produced by Encode.
func DecodeResourceProof(body []byte) (*ResourceProof, error) {
	if len(body) < 64 {
		return nil, fmt.Errorf("%w: resource proof shorter than 64 bytes", ErrPacket)
	}
	p := &ResourceProof{}
	copy(p.ResourceHash[:], body[:32])
	copy(p.Proof[:], body[32:64])
	return p, nil
}

// resourceRole distinguishes which side of a transfer a resourceState tracks.
type resourceRole uint8

const (
	resourceRoleSender resourceRole = iota
	resourceRoleReceiver
)

// resourceState bundles one side of an in-flight transfer with the link it
// rides over.
type resourceState struct {
	role     resourceRole
	linkID   AddressHash
	sender   *ResourceSender
	receiver *ResourceReceiver
}

// ResourceTable tracks every resource transfer in flight, keyed by resource
// hash, mirroring LinkTable's role for links (§4.8).
type ResourceTable struct {
	mu    sync.Mutex
	items map[[32]byte]*resourceState
}

// NewResourceTable constructs an empty table.
func NewResourceTable() *ResourceTable {
	return &ResourceTable{items: make(map[[32]byte]*resourceState)}
}

// AddSender registers the sending side of a transfer started over linkID.
func (t *ResourceTable) AddSender(hash [32]byte, linkID AddressHash, s *ResourceSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[hash] = &resourceState{role: resourceRoleSender, linkID: linkID, sender: s}
}

// AddReceiver registers the receiving side of a transfer started over
// linkID.
func (t *ResourceTable) AddReceiver(hash [32]byte, linkID AddressHash, r *ResourceReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[hash] = &resourceState{role: resourceRoleReceiver, linkID: linkID, receiver: r}
}

// Sender looks up an in-flight sender by resource hash.
func (t *ResourceTable) Sender(hash [32]byte) (*ResourceSender, AddressHash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[hash]
	if !ok || st.role != resourceRoleSender {
		return nil, AddressHash{}, false
	}
	return st.sender, st.linkID, true
}

// Receiver looks up an in-flight receiver by resource hash.
func (t *ResourceTable) Receiver(hash [32]byte) (*ResourceReceiver, AddressHash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[hash]
	if !ok || st.role != resourceRoleReceiver {
		return nil, AddressHash{}, false
	}
	return st.receiver, st.linkID, true
}

// Remove drops a transfer from the table once it completes or fails.
func (t *ResourceTable) Remove(hash [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, hash)
}

// Receivers returns every in-flight receiver's resource hash and link id,
// for retry sweeps.
func (t *ResourceTable) Receivers() map[[32]byte]AddressHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[[32]byte]AddressHash, len(t.items))
	for hash, st := range t.items {
		if st.role == resourceRoleReceiver {
			out[hash] = st.linkID
		}
	}
	return out
}

// receiverOnLink finds the resource hash of the (at most one, by
// convention) in-flight receiver riding linkID, for contexts that don't
// carry an explicit resource hash on the wire (plain parts).
func (t *ResourceTable) receiverOnLink(linkID AddressHash) ([32]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hash, st := range t.items {
		if st.role == resourceRoleReceiver && st.linkID == linkID {
			return hash, true
		}
	}
	return [32]byte{}, false
}
