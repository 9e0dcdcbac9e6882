package core

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func fernetTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestFernetEncryptVerifyDecryptRoundTrip(t *testing.T) {
	key := fernetTestKey(t)
	plain := []byte("the quick brown fox jumps over the lazy dog")

	token, err := FernetEncrypt(key, plain)
	if err != nil {
		t.Fatalf("FernetEncrypt: %v", err)
	}
	verified, err := FernetVerify(key, token)
	if err != nil {
		t.Fatalf("FernetVerify: %v", err)
	}
	got, err := FernetDecrypt(verified)
	if err != nil {
		t.Fatalf("FernetDecrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}
}

func TestFernetVerifyRejectsTamperedTag(t *testing.T) {
	key := fernetTestKey(t)
	token, err := FernetEncrypt(key, []byte("authenticate me"))
	if err != nil {
		t.Fatalf("FernetEncrypt: %v", err)
	}
	tampered := append([]byte(nil), token...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := FernetVerify(key, tampered); err == nil {
		t.Fatalf("expected FernetVerify to reject a tampered tag")
	}
}

func TestFernetVerifyRejectsTamperedCiphertext(t *testing.T) {
	key := fernetTestKey(t)
	token, err := FernetEncrypt(key, []byte("authenticate me too"))
	if err != nil {
		t.Fatalf("FernetEncrypt: %v", err)
	}
	tampered := append([]byte(nil), token...)
	tampered[fernetIVSize] ^= 0xFF

	if _, err := FernetVerify(key, tampered); err == nil {
		t.Fatalf("expected FernetVerify to reject tampered ciphertext")
	}
}

func TestFernetVerifyRejectsWrongKey(t *testing.T) {
	key := fernetTestKey(t)
	other := fernetTestKey(t)
	token, err := FernetEncrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("FernetEncrypt: %v", err)
	}
	if _, err := FernetVerify(other, token); err == nil {
		t.Fatalf("expected FernetVerify to reject a mismatched key")
	}
}

func TestEncryptForPublicKeyDecryptWithPrivateKeyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateEphemeralX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEphemeralX25519: %v", err)
	}
	salt := []byte("ratchet-salt")
	plain := []byte("ratchet-encrypted payload")

	ciphertext, err := EncryptForPublicKey(pub, salt, plain, rand.Reader)
	if err != nil {
		t.Fatalf("EncryptForPublicKey: %v", err)
	}
	got, err := DecryptWithPrivateKey(priv, salt, ciphertext)
	if err != nil {
		t.Fatalf("DecryptWithPrivateKey: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("ratchet round trip mismatch: got %q want %q", got, plain)
	}
}

func TestDecryptWithIdentityRoundTrip(t *testing.T) {
	id, err := NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	salt := []byte("identity-salt")
	plain := []byte("identity-encrypted payload")

	ciphertext, err := EncryptForPublicKey(id.EncryptionPub, salt, plain, rand.Reader)
	if err != nil {
		t.Fatalf("EncryptForPublicKey: %v", err)
	}
	got, err := DecryptWithIdentity(id, salt, ciphertext)
	if err != nil {
		t.Fatalf("DecryptWithIdentity: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("identity round trip mismatch: got %q want %q", got, plain)
	}
}

func TestAnnounceSignatureMutationFailsVerification(t *testing.T) {
	id, err := NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	a := &Announce{
		Destination: id.AddressHash(),
		Identity:    id.Identity,
		NameHash:    NameHashFrom("test-app", "aspect"),
		AppData:     []byte("app data"),
	}
	a.Signature = id.Sign(a.signedBlob())
	if err := a.Verify(); err != nil {
		t.Fatalf("expected a freshly-signed announce to verify: %v", err)
	}

	mutated := *a
	mutated.Signature = append([]byte(nil), a.Signature...)
	mutated.Signature[0] ^= 0xFF
	if err := mutated.Verify(); err == nil {
		t.Fatalf("expected a mutated signature to fail verification")
	}

	tamperedData := *a
	tamperedData.AppData = []byte("tampered data")
	if err := tamperedData.Verify(); err == nil {
		t.Fatalf("expected a tampered payload to fail signature verification")
	}
}
