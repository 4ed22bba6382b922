package format

import (
	"testing"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
)

func testKeypair(t *testing.T, shortname string) earthstar.AuthorKeypair {
	t.Helper()
	kp, err := crypto.GenerateAuthorKeypair(crypto.Default(), shortname)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func testShare(t *testing.T) earthstar.ShareAddress {
	t.Helper()
	kp, err := crypto.GenerateShareKeypair(crypto.Default(), "gardening")
	if err != nil {
		t.Fatal(err)
	}
	return kp.Address
}

func TestLookup(t *testing.T) {
	f, err := Lookup("es.4")
	if err != nil || f.ID() != "es.4" {
		t.Fatalf("got %v, %v", f, err)
	}
	f, err = Lookup("")
	if err != nil || f.ID() != Default.ID() {
		t.Fatalf("got %v, %v for empty tag", f, err)
	}
	if _, err := Lookup("es.99"); err == nil {
		t.Fatal("wanted error for unknown format")
	}
}

func TestGenerateAndValidate(t *testing.T) {
	for _, f := range All() {
		t.Run(f.ID(), func(t *testing.T) {
			var (
				d     = crypto.Default()
				kp    = testKeypair(t, "suzy")
				share = testShare(t)
				now   = earthstar.Now()
			)

			doc, err := f.GenerateDocument(d, kp, share, DocInput{Path: "/wiki/thing", Text: "hello"}, now)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.CheckDocumentIsValid(d, doc, now); err != nil {
				t.Fatal(err)
			}

			// The signature must cover the canonical hash.
			hash, err := f.HashDocument(d, doc)
			if err != nil {
				t.Fatal(err)
			}
			if !crypto.VerifyBase32(d, doc.Author, doc.Signature, []byte(hash)) {
				t.Fatal("signature does not cover the document hash")
			}

			// Tampering breaks validation.
			tampered := doc
			tampered.Timestamp++
			if err := f.CheckDocumentIsValid(d, tampered, now); err == nil {
				t.Fatal("tampered timestamp validated")
			}
		})
	}
}

func TestHashDocumentIdempotence(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		share = testShare(t)
		now   = earthstar.Now()
	)

	doc, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/a", Text: "x"}, now)
	if err != nil {
		t.Fatal(err)
	}

	h1, err := Es5.HashDocument(d, doc)
	if err != nil {
		t.Fatal(err)
	}
	resigned, err := Es5.SignDocument(d, kp, doc)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Es5.HashDocument(d, resigned)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash changed across re-signing: %s vs %s", h1, h2)
	}
}

func TestCheckDocumentIsValidRejections(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		other = testKeypair(t, "bobb")
		share = testShare(t)
		now   = earthstar.Now()
	)

	valid, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/wiki/thing", Text: "hello"}, now)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func(doc earthstar.Doc) earthstar.Doc
	}{
		{name: "future timestamp", mutate: func(doc earthstar.Doc) earthstar.Doc {
			out, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/wiki/thing", Text: "hello"}, now+earthstar.FutureCutoff+1_000_000)
			if err != nil {
				t.Fatal(err)
			}
			return out
		}},
		{name: "timestamp below range", mutate: func(doc earthstar.Doc) earthstar.Doc {
			out, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/wiki/thing", Text: "hello"}, earthstar.MinTimestamp-1)
			if err != nil {
				t.Fatal(err)
			}
			return out
		}},
		{name: "bad path shape", mutate: func(doc earthstar.Doc) earthstar.Doc {
			out, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/wiki//thing", Text: "hello"}, now)
			if err != nil {
				t.Fatal(err)
			}
			return out
		}},
		{name: "owned path by other author", mutate: func(doc earthstar.Doc) earthstar.Doc {
			out, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: earthstar.Path("/about/~" + string(other.Address) + "/name"), Text: "hello"}, now)
			if err != nil {
				t.Fatal(err)
			}
			return out
		}},
		{name: "wrong signature", mutate: func(doc earthstar.Doc) earthstar.Doc {
			doc.Signature = earthstar.EncodeBase32(make([]byte, 64))
			return doc
		}},
		{name: "text does not match hash", mutate: func(doc earthstar.Doc) earthstar.Doc {
			doc.Text = "altered"
			return doc
		}},
		{name: "extra fields", mutate: func(doc earthstar.Doc) earthstar.Doc {
			doc.Extra = map[string]interface{}{"surprise": true}
			return doc
		}},
		{name: "permanent doc with bang path", mutate: func(doc earthstar.Doc) earthstar.Doc {
			out, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/chat/!msg", Text: "hello"}, now)
			if err != nil {
				t.Fatal(err)
			}
			return out
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			doc := c.mutate(valid)
			err := Es5.CheckDocumentIsValid(d, doc, now)
			if err == nil {
				t.Fatal("wanted a validation error")
			}
			if !earthstar.IsValidationError(err) {
				t.Fatalf("got %T (%v), want ValidationError", err, err)
			}
		})
	}
}

func TestEphemeralChecks(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		share = testShare(t)
		now   = earthstar.Now()
	)

	doc, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/chat/!msg", Text: "hi", DeleteAfter: now + 1_000_000}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := Es5.CheckDocumentIsValid(d, doc, now); err != nil {
		t.Fatal(err)
	}

	// Expired is invalid.
	if err := Es5.CheckDocumentIsValid(d, doc, now+2_000_000); err == nil {
		t.Fatal("expired ephemeral doc validated")
	}

	// Ephemeral without bang path is invalid.
	doc2, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/chat/msg", Text: "hi", DeleteAfter: now + 1_000_000}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := Es5.CheckDocumentIsValid(d, doc2, now); err == nil {
		t.Fatal("ephemeral doc without ! validated")
	}
}

func TestWipeDocument(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		share = testShare(t)
		now   = earthstar.Now()
	)

	doc, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/wiki/thing", Text: "hello"}, now)
	if err != nil {
		t.Fatal(err)
	}
	doc, err = Es5.UpdateAttachmentFields(d, kp, doc, 3, crypto.Sha256Base32(d, []byte("Hi!")))
	if err != nil {
		t.Fatal(err)
	}

	wiped, err := Es5.WipeDocument(d, kp, doc)
	if err != nil {
		t.Fatal(err)
	}
	if wiped.Text != "" {
		t.Fatalf("wiped doc has text %q", wiped.Text)
	}
	if wiped.AttachmentHash != "" || wiped.AttachmentSize != 0 {
		t.Fatal("wiped doc kept its attachment descriptor")
	}
	if wiped.Timestamp != doc.Timestamp+1 {
		t.Fatalf("got wiped timestamp %d, want %d", wiped.Timestamp, doc.Timestamp+1)
	}
	if err := Es5.CheckDocumentIsValid(d, wiped, now); err != nil {
		t.Fatal(err)
	}

	// At the ceiling the wipe must fail, not clamp.
	atCeiling := doc
	atCeiling.Timestamp = earthstar.MaxTimestamp
	if _, err := Es5.WipeDocument(d, kp, atCeiling); err == nil {
		t.Fatal("wipe at the timestamp ceiling succeeded")
	}
}

func TestRemoveExtraFields(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		share = testShare(t)
	)

	doc, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/a", Text: "x"}, earthstar.Now())
	if err != nil {
		t.Fatal(err)
	}
	doc.Extra = map[string]interface{}{"_index": 7.0, "junk": "drop me"}

	stripped, extras, err := Es5.RemoveExtraFields(doc)
	if err != nil {
		t.Fatal(err)
	}
	if stripped.Extra != nil {
		t.Fatal("stripped doc still carries extras")
	}
	if extras["_index"] != 7.0 {
		t.Fatalf("underscore extra lost: %v", extras)
	}
	if _, ok := extras["junk"]; ok {
		t.Fatal("non-underscore extra retained")
	}
}

func TestAttachmentInfo(t *testing.T) {
	var (
		d     = crypto.Default()
		kp    = testKeypair(t, "suzy")
		share = testShare(t)
	)

	doc, err := Es5.GenerateDocument(d, kp, share, DocInput{Path: "/a.txt", Text: "x"}, earthstar.Now())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Es5.AttachmentInfo(doc); err == nil {
		t.Fatal("wanted ErrNoAttachment for a doc with no attachment")
	}

	hash := crypto.Sha256Base32(d, []byte("Hi!"))
	doc, err = Es5.UpdateAttachmentFields(d, kp, doc, 3, hash)
	if err != nil {
		t.Fatal(err)
	}
	info, err := Es5.AttachmentInfo(doc)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 3 || info.Hash != hash {
		t.Fatalf("got info %+v", info)
	}

	// es.4 has no attachments at all.
	if _, err := Es4.AttachmentInfo(doc); err == nil {
		t.Fatal("wanted ErrNotSupported from es.4")
	}
}
