package earthstar

// AuthorKeypair is an author address together with its secret: the
// b-prefixed base32 encoding of the 32-byte Ed25519 seed.
type AuthorKeypair struct {
	Address AuthorAddress `json:"address"`
	Secret  string        `json:"secret"`
}

// ShareKeypair names a share together with the secret that proves
// ownership of the share address. Replicas never need the secret; it is
// carried by invitations and the settings layer.
type ShareKeypair struct {
	Address ShareAddress `json:"address"`
	Secret  string       `json:"secret"`
}
