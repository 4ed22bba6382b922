// Package crypto provides the hashing and Ed25519 signing primitives
// used by formats and replicas, behind a swappable Driver interface.
//
// The active driver is a process-wide setting. Consumers must snapshot
// the driver once per operation (crypto.Default()) so a hot swap never
// splits a single ingest between implementations.
package crypto

import (
	"hash"
	"sync/atomic"

	earthstar "github.com/earthstar-project/earthstar-go"
)

// Driver is a low-level crypto implementation. Implementations must be
// stateless and safe for concurrent use.
type Driver interface {
	// Sha256 returns the 32-byte SHA-256 digest of b.
	Sha256(b []byte) []byte

	// UpdatableSha256 returns an incremental hasher for streaming
	// attachment verification.
	UpdatableSha256() hash.Hash

	// GenerateKeypairBytes produces a fresh Ed25519 keypair: the 32-byte
	// public key and the 32-byte secret seed.
	GenerateKeypairBytes() (pubkey, secret []byte, err error)

	// Sign produces a deterministic 64-byte signature of msg.
	Sign(secret, msg []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature of msg by pubkey.
	// It must return false, never panic, on malformed input.
	Verify(pubkey, sig, msg []byte) bool
}

var defaultDriver atomic.Value

func init() {
	defaultDriver.Store(Driver(StdDriver{}))
}

// Default returns the process-wide driver. Call once per operation and
// hold on to the result.
func Default() Driver {
	return defaultDriver.Load().(Driver)
}

// SetDefault swaps the process-wide driver. Operations already holding a
// snapshot are unaffected.
func SetDefault(d Driver) {
	defaultDriver.Store(d)
}

// Sha256Base32 hashes b with the driver and encodes the digest.
func Sha256Base32(d Driver, b []byte) string {
	return earthstar.EncodeBase32(d.Sha256(b))
}

// GenerateAuthorKeypair mints a new author identity with the given
// 4-character shortname.
func GenerateAuthorKeypair(d Driver, shortname string) (earthstar.AuthorKeypair, error) {
	pubkey, secret, err := d.GenerateKeypairBytes()
	if err != nil {
		return earthstar.AuthorKeypair{}, err
	}
	addr := earthstar.AuthorAddress("@" + shortname + "." + earthstar.EncodeBase32(pubkey))
	if _, err := earthstar.ParseAuthorAddress(addr); err != nil {
		return earthstar.AuthorKeypair{}, err
	}
	return earthstar.AuthorKeypair{
		Address: addr,
		Secret:  earthstar.EncodeBase32(secret),
	}, nil
}

// GenerateShareKeypair mints a new share address with the given name.
func GenerateShareKeypair(d Driver, name string) (earthstar.ShareKeypair, error) {
	pubkey, secret, err := d.GenerateKeypairBytes()
	if err != nil {
		return earthstar.ShareKeypair{}, err
	}
	addr := earthstar.ShareAddress("+" + name + "." + earthstar.EncodeBase32(pubkey))
	if _, err := earthstar.ParseShareAddress(addr); err != nil {
		return earthstar.ShareKeypair{}, err
	}
	return earthstar.ShareKeypair{
		Address: addr,
		Secret:  earthstar.EncodeBase32(secret),
	}, nil
}

// SignBase32 signs msg with the keypair and returns the b-prefixed
// base32 signature. The keypair's secret must match its address.
func SignBase32(d Driver, kp earthstar.AuthorKeypair, msg []byte) (string, error) {
	secret, err := earthstar.DecodeBase32(kp.Secret)
	if err != nil {
		return "", err
	}
	parsed, err := earthstar.ParseAuthorAddress(kp.Address)
	if err != nil {
		return "", err
	}
	sig, err := d.Sign(secret, msg)
	if err != nil {
		return "", err
	}
	// The secret must actually belong to the address, or the signature
	// would validate against a different author.
	if !d.Verify(parsed.Pubkey, sig, msg) {
		return "", earthstar.Validationf("keypair secret does not match address %s", kp.Address)
	}
	return earthstar.EncodeBase32(sig), nil
}

// VerifyBase32 reports whether sigBase32 is the author's signature of
// msg. Malformed input yields false, never an error.
func VerifyBase32(d Driver, author earthstar.AuthorAddress, sigBase32 string, msg []byte) bool {
	parsed, err := earthstar.ParseAuthorAddress(author)
	if err != nil {
		return false
	}
	sig, err := earthstar.DecodeBase32(sigBase32)
	if err != nil {
		return false
	}
	return d.Verify(parsed.Pubkey, sig, msg)
}
