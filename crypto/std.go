package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"
)

// StdDriver implements Driver on the standard library's Ed25519 and
// SHA-256. It is the process default.
type StdDriver struct{}

var _ Driver = StdDriver{}

// Sha256 implements Driver.
func (StdDriver) Sha256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// UpdatableSha256 implements Driver.
func (StdDriver) UpdatableSha256() hash.Hash {
	return sha256.New()
}

// GenerateKeypairBytes implements Driver.
func (StdDriver) GenerateKeypairBytes() (pubkey, secret []byte, err error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generating Ed25519 keypair")
	}
	return public, private.Seed(), nil
}

// Sign implements Driver. Ed25519 signatures are deterministic: signing
// the same message with the same secret always yields the same bytes.
func (StdDriver) Sign(secret, msg []byte) ([]byte, error) {
	if len(secret) != ed25519.SeedSize {
		return nil, errors.Errorf("secret has %d bytes, want %d", len(secret), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(secret)
	return ed25519.Sign(private, msg), nil
}

// Verify implements Driver. Length checks come first so malformed input
// can never panic the underlying library.
func (StdDriver) Verify(pubkey, sig, msg []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig)
}
