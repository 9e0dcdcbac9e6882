package core

import (
	"crypto/ecdh"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ratchetKeySize   = 64 // 32B HMAC signing key + 32B AES key, consumed by Fernet
	ratchetTTL       = 30 * 24 * time.Hour
	defaultRatchetInterval  = 30 * time.Minute
	defaultRetainedRatchets = 512
)

// EncryptForPublicKey implements ratchets::encrypt_for_public_key: it
// generates an ephemeral X25519 key pair, performs a DH exchange with
// peerPub, derives a Fernet key via DerivedKeyNew(shared, salt), encrypts
// plaintext, and prepends the ephemeral public key.
//
// Wire format: ephemeral_pub(32) || fernet_token.
func EncryptForPublicKey(peerPub [32]byte, salt, plaintext []byte, rng io.Reader) ([]byte, error) {
	ephPriv, ephPub, err := GenerateEphemeralX25519(rng)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrCrypto, err)
	}
	shared, err := X25519Shared(ephPriv, peerPub)
	if err != nil {
		return nil, err
	}
	key, err := DerivedKeyNew(shared, salt, ratchetKeySize)
	if err != nil {
		return nil, err
	}
	token, err := FernetEncrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(token))
	out = append(out, ephPub[:]...)
	out = append(out, token...)
	return out, nil
}

// DecryptWithPrivateKey is the inverse of EncryptForPublicKey given the raw
// X25519 private scalar that should receive the message.
func DecryptWithPrivateKey(priv *ecdh.PrivateKey, salt, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 33 {
		return nil, fmt.Errorf("%w: ciphertext shorter than ephemeral-pub + token minimum", ErrInvalidArgument)
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	shared, err := X25519Shared(priv, ephPub)
	if err != nil {
		return nil, err
	}
	key, err := DerivedKeyNew(shared, salt, ratchetKeySize)
	if err != nil {
		return nil, err
	}
	verified, err := FernetVerify(key, Token(ciphertext[32:]))
	if err != nil {
		return nil, err
	}
	return FernetDecrypt(verified)
}

// DecryptWithIdentity is a convenience wrapper decrypting against a
// PrivateIdentity's long-term encryption key rather than a ratchet.
func DecryptWithIdentity(id *PrivateIdentity, salt, ciphertext []byte) ([]byte, error) {
	return DecryptWithPrivateKey(id.encryptionPriv, salt, ciphertext)
}

// RatchetRecord is the persisted, msgpack-encoded form of one ratchet
// rotation: a raw X25519 private-key blob and the Unix timestamp it was
// received/generated at.
type RatchetRecord struct {
	Ratchet  []byte  `msgpack:"ratchet"`
	Received float64 `msgpack:"received"`
}

type ratchetEntry struct {
	priv     *ecdh.PrivateKey
	received time.Time
}

// RatchetStore persists per-destination rotating X25519 private keys under
// a directory keyed by destination hex, following the persisted state
// layout of §6: <root>/ratchets/<destination_hex>.
type RatchetStore struct {
	root string
	id   *PrivateIdentity

	mu      sync.Mutex
	byDest  map[AddressHash][]ratchetEntry // newest last
	interval        time.Duration
	retained        int
	lastRotateAt    map[AddressHash]time.Time
}

// NewRatchetStore opens (without yet reading) a ratchet store rooted at
// root/ratchets, signed by id so persisted records are tamper-evident.
func NewRatchetStore(root string, id *PrivateIdentity) *RatchetStore {
	return &RatchetStore{
		root:         filepath.Join(root, "ratchets"),
		id:           id,
		byDest:       make(map[AddressHash][]ratchetEntry),
		interval:     defaultRatchetInterval,
		retained:     defaultRetainedRatchets,
		lastRotateAt: make(map[AddressHash]time.Time),
	}
}

// SetRotationPolicy overrides the default 30-minute / 512-entry rotation
// policy.
func (s *RatchetStore) SetRotationPolicy(interval time.Duration, retained int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.retained = retained
}

func (s *RatchetStore) destPath(dest AddressHash) string {
	return filepath.Join(s.root, dest.String())
}

// Remember inserts a ratchet private key for dest and persists the updated
// history. It is a no-op if the newest cached ratchet is byte-identical.
func (s *RatchetStore) Remember(dest AddressHash, priv *ecdh.PrivateKey, receivedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byDest[dest]
	if len(entries) > 0 && bytesEqual(entries[len(entries)-1].priv.Bytes(), priv.Bytes()) {
		return
	}
	entries = append(entries, ratchetEntry{priv: priv, received: receivedAt})
	if len(entries) > s.retained {
		entries = entries[len(entries)-s.retained:]
	}
	s.byDest[dest] = entries
	s.persistLocked(dest)
}

// Get returns the newest non-expired ratchet for dest, expiring entries
// older than 30 days both in memory and on disk.
func (s *RatchetStore) Get(dest AddressHash, now time.Time) (*ecdh.PrivateKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.expireLocked(dest, now)
	if len(entries) == 0 {
		return nil, false
	}
	return entries[len(entries)-1].priv, true
}

func (s *RatchetStore) expireLocked(dest AddressHash, now time.Time) []ratchetEntry {
	entries := s.byDest[dest]
	cutoff := now.Add(-ratchetTTL)
	kept := entries[:0:0]
	for _, e := range entries {
		if e.received.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(entries) {
		s.byDest[dest] = kept
		s.persistLocked(dest)
	}
	return kept
}

// CleanExpired walks the on-disk directory, loading any destination not yet
// held in memory, then expires every record older than 30 days for each
// destination, both in memory and on disk.
func (s *RatchetStore) CleanExpired(now time.Time) error {
	if files, err := os.ReadDir(s.root); err == nil {
		for _, f := range files {
			raw, err := hex.DecodeString(f.Name())
			if err != nil || len(raw) != len(AddressHash{}) {
				continue
			}
			var d AddressHash
			copy(d[:], raw)
			s.mu.Lock()
			_, known := s.byDest[d]
			s.mu.Unlock()
			if !known {
				_ = s.Load(d)
			}
		}
	}
	s.mu.Lock()
	dests := make([]AddressHash, 0, len(s.byDest))
	for d := range s.byDest {
		dests = append(dests, d)
	}
	s.mu.Unlock()
	sort.Slice(dests, func(i, j int) bool { return dests[i].String() < dests[j].String() })
	for _, d := range dests {
		s.mu.Lock()
		s.expireLocked(d, now)
		s.mu.Unlock()
	}
	return nil
}

// RotateIfNeeded generates and persists a fresh ephemeral ratchet for dest
// if the interval since the last rotation has elapsed.
func (s *RatchetStore) RotateIfNeeded(dest AddressHash, now time.Time, rng io.Reader) (rotated bool, err error) {
	s.mu.Lock()
	last, ok := s.lastRotateAt[dest]
	interval := s.interval
	s.mu.Unlock()
	if ok && now.Sub(last) < interval {
		return false, nil
	}
	priv, _, err := GenerateEphemeralX25519(rng)
	if err != nil {
		return false, err
	}
	s.Remember(dest, priv, now)
	s.mu.Lock()
	s.lastRotateAt[dest] = now
	s.mu.Unlock()
	return true, nil
}

// persistLocked writes the full rotation history for dest to disk as a
// msgpack array, signed by the owning identity so tampering is detectable.
// Caller must hold s.mu.
func (s *RatchetStore) persistLocked(dest AddressHash) {
	if s.root == "" {
		return
	}
	entries := s.byDest[dest]
	records := make([]RatchetRecord, len(entries))
	for i, e := range entries {
		records[i] = RatchetRecord{Ratchet: e.priv.Bytes(), Received: float64(e.received.Unix())}
	}
	body, err := msgpack.Marshal(records)
	if err != nil {
		return
	}
	sig := s.id.Sign(body)
	blob := make([]byte, 0, len(sig)+len(body))
	blob = append(blob, sig...)
	blob = append(blob, body...)

	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return
	}
	path := s.destPath(dest)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// Load reads a destination's persisted ratchet history from disk, verifying
// the signature against the owning identity before trusting the records.
func (s *RatchetStore) Load(dest AddressHash) error {
	path := s.destPath(dest)
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read ratchet file: %v", ErrPacket, err)
	}
	if len(blob) < 64 {
		return fmt.Errorf("%w: ratchet file truncated", ErrPacket)
	}
	sig, body := blob[:64], blob[64:]
	if !s.id.Verify(body, sig) {
		return fmt.Errorf("%w: ratchet file signature mismatch", ErrIncorrectSignature)
	}
	var records []RatchetRecord
	if err := msgpack.Unmarshal(body, &records); err != nil {
		return fmt.Errorf("%w: decode ratchet records: %v", ErrPacket, err)
	}
	entries := make([]ratchetEntry, 0, len(records))
	curve := ecdh.X25519()
	for _, r := range records {
		priv, err := curve.NewPrivateKey(r.Ratchet)
		if err != nil {
			continue
		}
		entries = append(entries, ratchetEntry{priv: priv, received: time.Unix(int64(r.Received), 0)})
	}
	s.mu.Lock()
	s.byDest[dest] = entries
	s.mu.Unlock()
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
