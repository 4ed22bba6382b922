// Package settings implements the client-side settings registry: the
// current author keypair, known shares and their secrets, and known
// servers, persisted as JSON values in a small key/value store under
// the "earthstar:" key space. It also parses and builds invitation
// URLs. Replicas never consume any of this; it exists for clients and
// the CLI.
package settings

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
)

// KV is the persistence the registry writes through. Package-provided:
// FileKV. Get returns ErrNotFound for absent keys.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

// SharedSettings is the settings registry, optionally namespaced so
// several apps can share one KV.
type SharedSettings struct {
	kv        KV
	namespace string
}

// New produces a registry over kv. namespace may be empty.
func New(kv KV, namespace string) *SharedSettings {
	return &SharedSettings{kv: kv, namespace: namespace}
}

func (s *SharedSettings) key(name string) string {
	if s.namespace == "" {
		return "earthstar:" + name
	}
	return "earthstar:" + s.namespace + ":" + name
}

func (s *SharedSettings) getJSON(name string, out interface{}) error {
	raw, err := s.kv.Get(s.key(name))
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal([]byte(raw), out), "decoding %s", name)
}

func (s *SharedSettings) setJSON(name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	return s.kv.Set(s.key(name), string(raw))
}

// Author returns the stored author keypair, or nil if none is set.
func (s *SharedSettings) Author() (*earthstar.AuthorKeypair, error) {
	var kp earthstar.AuthorKeypair
	err := s.getJSON("current_author", &kp)
	if errors.Is(err, earthstar.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &kp, nil
}

// SetAuthor stores the author keypair after validating its address.
func (s *SharedSettings) SetAuthor(kp earthstar.AuthorKeypair) error {
	if _, err := earthstar.ParseAuthorAddress(kp.Address); err != nil {
		return err
	}
	return s.setJSON("current_author", kp)
}

// ClearAuthor removes the stored author keypair.
func (s *SharedSettings) ClearAuthor() error {
	return s.kv.Delete(s.key("current_author"))
}

// Shares returns the known shares, sorted.
func (s *SharedSettings) Shares() ([]earthstar.ShareAddress, error) {
	var shares []earthstar.ShareAddress
	err := s.getJSON("shares", &shares)
	if errors.Is(err, earthstar.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i] < shares[j] })
	return shares, nil
}

// AddShare records a share address.
func (s *SharedSettings) AddShare(addr earthstar.ShareAddress) error {
	if _, err := earthstar.ParseShareAddress(addr); err != nil {
		return err
	}
	shares, err := s.Shares()
	if err != nil {
		return err
	}
	for _, known := range shares {
		if known == addr {
			return nil
		}
	}
	return s.setJSON("shares", append(shares, addr))
}

// RemoveShare forgets a share and its secret.
func (s *SharedSettings) RemoveShare(addr earthstar.ShareAddress) error {
	shares, err := s.Shares()
	if err != nil {
		return err
	}
	kept := shares[:0]
	for _, known := range shares {
		if known != addr {
			kept = append(kept, known)
		}
	}
	if err := s.setJSON("shares", kept); err != nil {
		return err
	}
	secrets, err := s.ShareSecrets()
	if err != nil {
		return err
	}
	delete(secrets, addr)
	return s.setJSON("share_secrets", secrets)
}

// ShareSecrets returns the stored share secrets.
func (s *SharedSettings) ShareSecrets() (map[earthstar.ShareAddress]string, error) {
	secrets := make(map[earthstar.ShareAddress]string)
	err := s.getJSON("share_secrets", &secrets)
	if errors.Is(err, earthstar.ErrNotFound) {
		return secrets, nil
	}
	if err != nil {
		return nil, err
	}
	return secrets, nil
}

// AddSecret stores the secret for a known share, verifying that it
// actually belongs to the share's public key.
func (s *SharedSettings) AddSecret(addr earthstar.ShareAddress, secret string) error {
	parsed, err := earthstar.ParseShareAddress(addr)
	if err != nil {
		return err
	}
	shares, err := s.Shares()
	if err != nil {
		return err
	}
	known := false
	for _, sh := range shares {
		if sh == addr {
			known = true
			break
		}
	}
	if !known {
		return errors.Wrapf(earthstar.ErrNotFound, "share %s is not known", addr)
	}

	d := crypto.Default()
	seed, err := earthstar.DecodeBase32(secret)
	if err != nil {
		return err
	}
	probe := []byte("earthstar-secret-check")
	sig, err := d.Sign(seed, probe)
	if err != nil || !d.Verify(parsed.Pubkey, sig, probe) {
		return earthstar.Validationf("secret does not match share %s", addr)
	}

	secrets, err := s.ShareSecrets()
	if err != nil {
		return err
	}
	secrets[addr] = secret
	return s.setJSON("share_secrets", secrets)
}

// Servers returns the known server URLs, sorted.
func (s *SharedSettings) Servers() ([]string, error) {
	var servers []string
	err := s.getJSON("servers", &servers)
	if errors.Is(err, earthstar.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(servers)
	return servers, nil
}

// AddServer records a server URL.
func (s *SharedSettings) AddServer(url string) error {
	servers, err := s.Servers()
	if err != nil {
		return err
	}
	for _, known := range servers {
		if known == url {
			return nil
		}
	}
	return s.setJSON("servers", append(servers, url))
}

// Clear removes every key in this registry's namespace.
func (s *SharedSettings) Clear() error {
	for _, name := range []string{"current_author", "shares", "share_secrets", "servers"} {
		if err := s.kv.Delete(s.key(name)); err != nil {
			return err
		}
	}
	return nil
}
