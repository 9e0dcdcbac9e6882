package lxmf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"reticulumd/core"
)

// WireMessage is the link framing: destination(16) || source(16) ||
// signature(64) || packed_payload. Signature covers
// destination || source || packed_payload.
type WireMessage struct {
	Destination core.AddressHash
	Source      core.AddressHash
	Signature   []byte
	Payload     *Payload
}

func signedWireBlob(dest, source core.AddressHash, packed []byte) []byte {
	out := make([]byte, 0, 32+len(packed))
	out = append(out, dest[:]...)
	out = append(out, source[:]...)
	out = append(out, packed...)
	return out
}

// EncodeWire signs and serializes a WireMessage using the sender's identity.
func EncodeWire(dest, source core.AddressHash, payload *Payload, signer *core.PrivateIdentity) ([]byte, error) {
	packed, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	sig := signer.Sign(signedWireBlob(dest, source, packed))
	out := make([]byte, 0, 16+16+64+len(packed))
	out = append(out, dest[:]...)
	out = append(out, source[:]...)
	out = append(out, sig...)
	out = append(out, packed...)
	return out, nil
}

// DecodeWire parses and signature-verifies a wire-framed message against
// the source identity's signing key.
func DecodeWire(b []byte, sourceIdentity *core.Identity) (*WireMessage, error) {
	if len(b) < 16+16+64 {
		return nil, fmt.Errorf("lxmf: wire message shorter than fixed header")
	}
	var dest, source core.AddressHash
	copy(dest[:], b[:16])
	copy(source[:], b[16:32])
	sig := append([]byte(nil), b[32:96]...)
	packed := b[96:]

	if sourceIdentity != nil {
		if !ed25519.Verify(ed25519.PublicKey(sourceIdentity.SigningPub[:]), signedWireBlob(dest, source, packed), sig) {
			return nil, fmt.Errorf("%w: wire message signature mismatch", core.ErrIncorrectSignature)
		}
	}
	payload, err := DecodePayload(packed)
	if err != nil {
		return nil, err
	}
	return &WireMessage{Destination: dest, Source: source, Signature: sig, Payload: payload}, nil
}

// PaperMessage is the offline/out-of-band framing: the destination hash
// followed by an ephemeral-DH-encrypted blob targeting the destination's
// identity.
type PaperMessage struct {
	Destination core.AddressHash
	Ciphertext  []byte
}

// TransientIDFromPaper implements transient_id = SHA-256(paper_bytes)[:32].
func TransientIDFromPaper(paper []byte) [32]byte {
	return sha256.Sum256(paper)
}

// EncodePaper builds a paper message: the 16-byte destination hash followed
// by ratchet-encrypted wire bytes targeting destIdentity.
func EncodePaper(dest core.AddressHash, destIdentity core.Identity, source core.AddressHash, payload *Payload, signer *core.PrivateIdentity, rng io.Reader) ([]byte, error) {
	wire, err := EncodeWire(dest, source, payload, signer)
	if err != nil {
		return nil, err
	}
	ciphertext, err := core.EncryptForPublicKey(destIdentity.EncryptionPub, dest[:], wire, rng)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 16+len(ciphertext))
	out = append(out, dest[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodePaper parses a paper message's destination hash and ciphertext;
// decryption requires the recipient's private identity (see DecryptPaper).
func DecodePaper(paper []byte) (*PaperMessage, error) {
	if len(paper) < 17 {
		return nil, fmt.Errorf("lxmf: paper message must be at least 17 bytes")
	}
	var dest core.AddressHash
	copy(dest[:], paper[:16])
	return &PaperMessage{Destination: dest, Ciphertext: paper[16:]}, nil
}

// DecryptPaper decrypts a paper message's ciphertext and parses the
// recovered wire bytes.
func DecryptPaper(pm *PaperMessage, recipient *core.PrivateIdentity, sourceIdentity *core.Identity) (*WireMessage, error) {
	plain, err := core.DecryptWithIdentity(recipient, pm.Destination[:], pm.Ciphertext)
	if err != nil {
		return nil, err
	}
	return DecodeWire(plain, sourceIdentity)
}

// LXMURIPrefix is the URI scheme paper messages are exchanged under.
const LXMURIPrefix = "lxm://"

// EncodeLXMURI renders a paper message as lxm://<hex_destination>/<hex_paper_body>.
func EncodeLXMURI(paper []byte) (string, error) {
	if len(paper) < 16 {
		return "", fmt.Errorf("lxmf: paper body shorter than destination hash")
	}
	return fmt.Sprintf("%s%s/%s", LXMURIPrefix, hex.EncodeToString(paper[:16]), hex.EncodeToString(paper)), nil
}

// DecodeLXMURI parses an lxm:// URI back into its raw paper bytes.
func DecodeLXMURI(uri string) ([]byte, error) {
	rest := strings.TrimPrefix(uri, LXMURIPrefix)
	if rest == uri {
		return nil, fmt.Errorf("lxmf: uri missing %q scheme", LXMURIPrefix)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("lxmf: malformed lxm uri")
	}
	paper, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("lxmf: decode paper body hex: %w", err)
	}
	return paper, nil
}

// PropagationMessage is the store-and-forward carrier framing: a signed
// container around a paper blob, used opportunistically between
// propagation peers.
type PropagationMessage struct {
	Paper     []byte
	Signer    core.AddressHash
	Signature []byte
}

// EncodePropagation wraps a paper blob in a signed propagation container.
func EncodePropagation(paper []byte, signer *core.PrivateIdentity) ([]byte, error) {
	sig := signer.Sign(paper)
	out := make([]byte, 0, 16+64+len(paper))
	addr := signer.AddressHash()
	out = append(out, addr[:]...)
	out = append(out, sig...)
	out = append(out, paper...)
	return out, nil
}

// DecodePropagation parses and verifies a propagation container, returning
// the embedded paper blob.
func DecodePropagation(b []byte, signerIdentity *core.Identity) (*PropagationMessage, error) {
	if len(b) < 16+64 {
		return nil, fmt.Errorf("lxmf: propagation container shorter than fixed header")
	}
	var signer core.AddressHash
	copy(signer[:], b[:16])
	sig := append([]byte(nil), b[16:80]...)
	paper := b[80:]
	if signerIdentity != nil {
		if !ed25519.Verify(ed25519.PublicKey(signerIdentity.SigningPub[:]), paper, sig) {
			return nil, fmt.Errorf("%w: propagation container signature mismatch", core.ErrIncorrectSignature)
		}
	}
	return &PropagationMessage{Paper: paper, Signer: signer, Signature: sig}, nil
}
