package peer

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Test vectors generated from Python nacl with deterministic seed bytes(range(32)).
const (
	testSeedB64   = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	testPubkeyB64 = "A6EHv/POEL4dcN0Y50vAmWfk1jCbpQ1fHdyGZBJVMbg="
	testDID       = "did:key:z6MkehRgf7yJbgaGfYsdoAsKdBPE3dj2CYhowQdcjqSJgvVd"
)

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	seed, err := base64.StdEncoding.DecodeString(testSeedB64)
	if err != nil {
		t.Fatal(err)
	}
	return NewIdentity(ed25519.NewKeyFromSeed(seed))
}

func TestEncodePeerID_KnownVector(t *testing.T) {
	pub, err := base64.StdEncoding.DecodeString(testPubkeyB64)
	if err != nil {
		t.Fatal(err)
	}
	if got := EncodePeerID(pub); got != testDID {
		t.Errorf("EncodePeerID mismatch\n  got:  %s\n  want: %s", got, testDID)
	}
	if id := testIdentity(t); id.DID != testDID || id.PublicKey != testPubkeyB64 {
		t.Errorf("NewIdentity = %s / %s", id.DID, id.PublicKey)
	}
}

func TestDecodePeerID_KnownVector(t *testing.T) {
	pub, err := DecodePeerID(testDID)
	if err != nil {
		t.Fatalf("DecodePeerID: %v", err)
	}
	want, _ := base64.StdEncoding.DecodeString(testPubkeyB64)
	if !pub.Equal(ed25519.PublicKey(want)) {
		t.Fatalf("pubkey = %x, want %x", pub, want)
	}
}

func TestDecodePeerID_Invalid(t *testing.T) {
	for _, did := range []string{
		"bad:key:z123",
		"did:key:z",
		"did:key:z0OIl", // '0', 'O', 'I', 'l' are not in base58btc
		"did:key:f00",
	} {
		if _, err := DecodePeerID(did); !errors.Is(err, ErrInvalidPeerID) {
			t.Errorf("DecodePeerID(%q): err = %v, want ErrInvalidPeerID", did, err)
		}
	}
}

func TestSignVerify(t *testing.T) {
	id := testIdentity(t)
	msg := []byte("nonce")
	sig := id.Sign(msg)

	if err := Verify(id.DID, msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(id.DID, []byte("other"), sig); err == nil {
		t.Error("signature over a different message verified")
	}

	_, otherPriv, _ := ed25519.GenerateKey(nil)
	other := NewIdentity(otherPriv)
	if err := Verify(other.DID, msg, sig); err == nil {
		t.Error("signature verified under the wrong peer id")
	}
}

func TestLoadIdentity_GeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity perm = %o, want 0600", info.Mode().Perm())
	}

	second, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.DID != second.DID {
		t.Fatalf("reload changed id: %s -> %s", first.DID, second.DID)
	}
	if err := Verify(first.DID, []byte("m"), second.Sign([]byte("m"))); err != nil {
		t.Fatalf("reloaded key cannot sign for its id: %v", err)
	}
}

func TestLoadIdentity_Mismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	content := `{"did":"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK","public_key":"","private_key":"` + testSeedB64 + `"}`
	os.WriteFile(path, []byte(content), 0600)

	if _, err := LoadIdentity(path); err == nil {
		t.Fatal("expected error for DID that does not match the key")
	}
}
