package earthstar

import "strings"

type (
	// ShareAddress names a replication group: "+name.bxxxx" where the
	// suffix is a base32-encoded Ed25519 public key.
	ShareAddress string

	// AuthorAddress identifies a writer: "@name.bxxxx" with a four-letter
	// shortname and a base32-encoded Ed25519 public key.
	AuthorAddress string
)

// encodedPubkeyLen is the length of a base32-encoded 32-byte key,
// excluding the "b" marker.
const encodedPubkeyLen = 52

// ParsedAddress is the result of splitting a share or author address.
type ParsedAddress struct {
	Name   string
	Suffix string // base32 public key, including the "b" marker
	Pubkey []byte // decoded public key, 32 bytes
}

// ParseAuthorAddress validates an author address and returns its parts.
func ParseAuthorAddress(addr AuthorAddress) (ParsedAddress, error) {
	s := string(addr)
	if !strings.HasPrefix(s, "@") {
		return ParsedAddress{}, Validationf("author address %q must start with @", s)
	}
	name, suffix, err := splitAddress(s[1:])
	if err != nil {
		return ParsedAddress{}, err
	}
	if len(name) != 4 {
		return ParsedAddress{}, Validationf("author shortname %q must be 4 characters", name)
	}
	if err := checkName(name); err != nil {
		return ParsedAddress{}, err
	}
	pubkey, err := checkSuffix(suffix)
	if err != nil {
		return ParsedAddress{}, err
	}
	return ParsedAddress{Name: name, Suffix: suffix, Pubkey: pubkey}, nil
}

// ParseShareAddress validates a share address and returns its parts.
func ParseShareAddress(addr ShareAddress) (ParsedAddress, error) {
	s := string(addr)
	if !strings.HasPrefix(s, "+") {
		return ParsedAddress{}, Validationf("share address %q must start with +", s)
	}
	name, suffix, err := splitAddress(s[1:])
	if err != nil {
		return ParsedAddress{}, err
	}
	if len(name) < 1 || len(name) > 15 {
		return ParsedAddress{}, Validationf("share name %q must be 1-15 characters", name)
	}
	if err := checkName(name); err != nil {
		return ParsedAddress{}, err
	}
	pubkey, err := checkSuffix(suffix)
	if err != nil {
		return ParsedAddress{}, err
	}
	return ParsedAddress{Name: name, Suffix: suffix, Pubkey: pubkey}, nil
}

// AuthorIsValid tells whether addr is a well-formed author address.
func AuthorIsValid(addr AuthorAddress) bool {
	_, err := ParseAuthorAddress(addr)
	return err == nil
}

// ShareIsValid tells whether addr is a well-formed share address.
func ShareIsValid(addr ShareAddress) bool {
	_, err := ParseShareAddress(addr)
	return err == nil
}

func splitAddress(s string) (name, suffix string, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return "", "", Validationf("address %q must have exactly one period", s)
	}
	return parts[0], parts[1], nil
}

func checkName(name string) error {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return Validationf("name %q must start with a lowercase letter", name)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return Validationf("name %q may only contain lowercase letters and digits", name)
		}
	}
	return nil
}

func checkSuffix(suffix string) ([]byte, error) {
	if len(suffix) != 1+encodedPubkeyLen || suffix[0] != 'b' {
		return nil, Validationf("address suffix %q must be a b-prefixed base32 key of %d characters", suffix, encodedPubkeyLen)
	}
	for i := 1; i < len(suffix); i++ {
		if !IsBase32Char(suffix[i]) {
			return nil, Validationf("address suffix %q contains invalid base32 character %q", suffix, suffix[i])
		}
	}
	pubkey, err := DecodeBase32(suffix)
	if err != nil {
		return nil, err
	}
	if len(pubkey) != 32 {
		return nil, Validationf("address suffix %q does not decode to a 32-byte key", suffix)
	}
	return pubkey, nil
}
