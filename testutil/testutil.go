// Package testutil provides fixtures and driver-conformance helpers
// shared by the driver test suites.
package testutil

import (
	"testing"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/format"
)

// Keypair mints a fresh author keypair for tests.
func Keypair(t *testing.T, shortname string) earthstar.AuthorKeypair {
	t.Helper()
	kp, err := crypto.GenerateAuthorKeypair(crypto.Default(), shortname)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

// Share mints a fresh share address for tests.
func Share(t *testing.T, name string) earthstar.ShareAddress {
	t.Helper()
	kp, err := crypto.GenerateShareKeypair(crypto.Default(), name)
	if err != nil {
		t.Fatal(err)
	}
	return kp.Address
}

// SignedDoc produces a valid signed es.5 document.
func SignedDoc(t *testing.T, kp earthstar.AuthorKeypair, share earthstar.ShareAddress, path earthstar.Path, text string, timestamp int64) earthstar.Doc {
	t.Helper()
	doc, err := format.Es5.GenerateDocument(crypto.Default(), kp, share, format.DocInput{
		Path: path,
		Text: text,
	}, timestamp)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

// EphemeralDoc produces a valid signed ephemeral es.5 document. The
// path must contain "!".
func EphemeralDoc(t *testing.T, kp earthstar.AuthorKeypair, share earthstar.ShareAddress, path earthstar.Path, text string, timestamp, deleteAfter int64) earthstar.Doc {
	t.Helper()
	doc, err := format.Es5.GenerateDocument(crypto.Default(), kp, share, format.DocInput{
		Path:        path,
		Text:        text,
		DeleteAfter: deleteAfter,
	}, timestamp)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}
