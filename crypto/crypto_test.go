package crypto

import (
	"testing"

	earthstar "github.com/earthstar-project/earthstar-go"
)

func TestSignAndVerify(t *testing.T) {
	d := Default()

	kp, err := GenerateAuthorKeypair(d, "test")
	if err != nil {
		t.Fatal(err)
	}

	sig, err := SignBase32(d, kp, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}

	if !VerifyBase32(d, kp.Address, sig, []byte("abc")) {
		t.Fatal("signature does not verify")
	}
	if VerifyBase32(d, kp.Address, sig, []byte("abd")) {
		t.Fatal("signature verified against altered message")
	}
	if VerifyBase32(d, kp.Address, "garbage", []byte("abc")) {
		t.Fatal("garbage signature verified")
	}

	// Ed25519 signing is deterministic.
	sig1, err := SignBase32(d, kp, []byte("aaa"))
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := SignBase32(d, kp, []byte("aaa"))
	if err != nil {
		t.Fatal(err)
	}
	if sig1 != sig2 {
		t.Fatalf("got different signatures %s and %s for the same message", sig1, sig2)
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	d := Default()
	if d.Verify(nil, nil, []byte("x")) {
		t.Fatal("nil keys verified")
	}
	if d.Verify([]byte("short"), make([]byte, 64), []byte("x")) {
		t.Fatal("short pubkey verified")
	}
	if d.Verify(make([]byte, 32), []byte("short"), []byte("x")) {
		t.Fatal("short signature verified")
	}
}

func TestGenerateAuthorKeypairShortname(t *testing.T) {
	d := Default()
	if _, err := GenerateAuthorKeypair(d, "toolong"); err == nil {
		t.Fatal("wanted error for a bad shortname")
	}
	if _, err := GenerateAuthorKeypair(d, "1abc"); err == nil {
		t.Fatal("wanted error for a shortname starting with a digit")
	}
}

func TestSignRejectsMismatchedKeypair(t *testing.T) {
	d := Default()
	kp1, err := GenerateAuthorKeypair(d, "suzy")
	if err != nil {
		t.Fatal(err)
	}
	kp2, err := GenerateAuthorKeypair(d, "bobb")
	if err != nil {
		t.Fatal(err)
	}

	frankenstein := earthstar.AuthorKeypair{Address: kp1.Address, Secret: kp2.Secret}
	if _, err := SignBase32(d, frankenstein, []byte("x")); err == nil {
		t.Fatal("wanted error signing with a secret that does not match the address")
	}
}

func TestSha256Base32(t *testing.T) {
	d := Default()
	h1 := Sha256Base32(d, []byte("abc"))
	h2 := Sha256Base32(d, []byte("abc"))
	if h1 != h2 {
		t.Fatal("hashing is not deterministic")
	}
	if h1[0] != 'b' {
		t.Fatalf("hash %q is not b-prefixed", h1)
	}
	decoded, err := earthstar.DecodeBase32(h1)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 32 {
		t.Fatalf("got %d hash bytes, want 32", len(decoded))
	}
}
