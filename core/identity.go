package core

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Identity is the public half of a destination's key material: an X25519
// encryption key and an Ed25519 signing key.
type Identity struct {
	EncryptionPub [32]byte
	SigningPub    [32]byte
}

// AddressHash implements the data-model rule:
// address_hash = SHA-256(encryption_pub || signing_pub)[:16].
func (id Identity) AddressHash() AddressHash {
	return AddressHashFrom(id.EncryptionPub[:], id.SigningPub[:])
}

// Verify checks sig over msg using the identity's Ed25519 public key.
func (id Identity) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id.SigningPub[:]), msg, sig)
}

// PrivateIdentity extends Identity with the matching secret scalars.
type PrivateIdentity struct {
	Identity
	encryptionPriv *ecdh.PrivateKey
	signingPriv    ed25519.PrivateKey
}

// NewFromRand generates a fresh PrivateIdentity using rng (typically
// crypto/rand.Reader; a deterministic reader is accepted for tests).
func NewFromRand(rng io.Reader) (*PrivateIdentity, error) {
	curve := ecdh.X25519()
	encPriv, err := curve.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pi := &PrivateIdentity{
		encryptionPriv: encPriv,
		signingPriv:    signPriv,
	}
	copy(pi.EncryptionPub[:], encPriv.PublicKey().Bytes())
	copy(pi.SigningPub[:], signPub)
	return pi, nil
}

// FromPrivateKeyBytes reconstructs a PrivateIdentity from a 64-byte blob:
// 32 bytes of X25519 scalar followed by the 32-byte Ed25519 seed.
func FromPrivateKeyBytes(b []byte) (*PrivateIdentity, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("%w: private key must be 64 bytes, got %d", ErrInvalidArgument, len(b))
	}
	curve := ecdh.X25519()
	encPriv, err := curve.NewPrivateKey(b[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 scalar: %v", ErrInvalidArgument, err)
	}
	signPriv := ed25519.NewKeyFromSeed(b[32:64])
	pi := &PrivateIdentity{encryptionPriv: encPriv, signingPriv: signPriv}
	copy(pi.EncryptionPub[:], encPriv.PublicKey().Bytes())
	copy(pi.SigningPub[:], signPriv.Public().(ed25519.PublicKey))
	return pi, nil
}

// Bytes returns the 64-byte private key encoding consumed by FromPrivateKeyBytes.
func (p *PrivateIdentity) Bytes() []byte {
	out := make([]byte, 64)
	copy(out, p.encryptionPriv.Bytes())
	copy(out[32:], p.signingPriv.Seed())
	return out
}

// Sign signs msg with the identity's Ed25519 secret key.
func (p *PrivateIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(p.signingPriv, msg)
}

// DeriveKey performs an X25519 Diffie-Hellman exchange against peerPub and
// stretches the shared secret with HKDF-SHA256 under salt, yielding keySize
// bytes of key material.
func (p *PrivateIdentity) DeriveKey(peerPub [32]byte, salt []byte, keySize int) ([]byte, error) {
	curve := ecdh.X25519()
	peer, err := curve.NewPublicKey(peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: peer public key: %v", ErrInvalidArgument, err)
	}
	shared, err := p.encryptionPriv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCrypto, err)
	}
	return DerivedKeyNew(shared, salt, keySize)
}

// DerivedKeyNew is the "DerivedKey::new(shared, salt)" HKDF-style
// derivation used by both identity key agreement and the ephemeral-DH
// ratchet encryption path.
func DerivedKeyNew(shared, salt []byte, keySize int) ([]byte, error) {
	r := hkdf.New(newSHA256, shared, salt, []byte("reticulum-derived-key"))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrCrypto, err)
	}
	return out, nil
}

// GenerateEphemeralX25519 produces a fresh X25519 key pair for one-shot
// ephemeral-DH encryption (ratchets.encrypt_for_public_key).
func GenerateEphemeralX25519(rng io.Reader) (priv *ecdh.PrivateKey, pub [32]byte, err error) {
	priv, err = ecdh.X25519().GenerateKey(rng)
	if err != nil {
		return nil, pub, err
	}
	copy(pub[:], priv.PublicKey().Bytes())
	return priv, pub, nil
}

// X25519Shared performs ECDH between priv and peerPub.
func X25519Shared(priv *ecdh.PrivateKey, peerPub [32]byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: peer public key: %v", ErrInvalidArgument, err)
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrCrypto, err)
	}
	return shared, nil
}

var secureRandom = rand.Reader
