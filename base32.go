package earthstar

import "encoding/base32"

// Earthstar base32 is RFC 4648 lowercase without padding, marked with a
// leading "b" so an encoded string can never be mistaken for hex.
const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

var b32 = base32.NewEncoding(base32Alphabet).WithPadding(base32.NoPadding)

// EncodeBase32 encodes b, prepending the "b" marker.
func EncodeBase32(b []byte) string {
	return "b" + b32.EncodeToString(b)
}

// DecodeBase32 decodes a "b"-prefixed base32 string.
func DecodeBase32(s string) ([]byte, error) {
	if len(s) == 0 || s[0] != 'b' {
		return nil, Validationf("base32 string %q does not start with b", s)
	}
	out, err := b32.DecodeString(s[1:])
	if err != nil {
		return nil, Validationf("invalid base32 string %q: %s", s, err)
	}
	return out, nil
}

// IsBase32Char reports whether c belongs to the base32 alphabet.
func IsBase32Char(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '2' && c <= '7')
}
