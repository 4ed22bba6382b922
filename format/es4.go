package format

import (
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
)

// es4 is the classic text-only format. Content travels inline and is
// hashed into the signed fields via contentHash.
type es4 struct{}

// MaxContentLength is the largest es.4 content, in UTF-8 bytes. Larger
// payloads must travel as es.5 attachments.
const MaxContentLength = 4_000_000

func (es4) ID() string { return "es.4" }

func (f es4) structuralCheck(doc earthstar.Doc) error {
	if doc.Format != f.ID() {
		return earthstar.Validationf("expected format %q, got %q", f.ID(), doc.Format)
	}
	if doc.Text != "" || doc.TextHash != "" || doc.AttachmentHash != "" || doc.AttachmentSize != 0 {
		return earthstar.Validationf("es.4 documents carry content, not text or attachments")
	}
	if len(doc.Extra) > 0 {
		return earthstar.Validationf("document has fields outside the es.4 schema")
	}
	if !hashIsWellShaped(doc.ContentHash) {
		return earthstar.Validationf("contentHash %q is not a base32 sha256 digest", doc.ContentHash)
	}
	if len(doc.Content) > MaxContentLength {
		return earthstar.Validationf("content is %d bytes, above the %d-byte limit", len(doc.Content), MaxContentLength)
	}
	if !signatureIsWellShaped(doc.Signature) {
		return earthstar.Validationf("signature %q is not a base32 ed25519 signature", doc.Signature)
	}
	return nil
}

func (es4) hashFields(doc earthstar.Doc) map[string]string {
	fields := map[string]string{
		"author":      string(doc.Author),
		"contentHash": doc.ContentHash,
		"format":      doc.Format,
		"path":        string(doc.Path),
		"share":       string(doc.Share),
		"timestamp":   formatInt(doc.Timestamp),
	}
	if doc.DeleteAfter != 0 {
		fields["deleteAfter"] = formatInt(doc.DeleteAfter)
	}
	return fields
}

// HashDocument implements Format.
func (f es4) HashDocument(d crypto.Driver, doc earthstar.Doc) (string, error) {
	check := doc
	if check.Signature == "" {
		check.Signature = fakeSignature
	}
	if err := f.structuralCheck(check); err != nil {
		return "", err
	}
	return canonicalHash(d, f.hashFields(doc)), nil
}

// GenerateDocument implements Format.
func (f es4) GenerateDocument(d crypto.Driver, kp earthstar.AuthorKeypair, share earthstar.ShareAddress, input DocInput, timestamp int64) (earthstar.Doc, error) {
	doc := earthstar.Doc{
		Format:      f.ID(),
		Author:      kp.Address,
		Share:       share,
		Path:        input.Path,
		Timestamp:   timestamp,
		DeleteAfter: input.DeleteAfter,
		Content:     input.Text,
		ContentHash: crypto.Sha256Base32(d, []byte(input.Text)),
	}
	return f.SignDocument(d, kp, doc)
}

// SignDocument implements Format.
func (f es4) SignDocument(d crypto.Driver, kp earthstar.AuthorKeypair, doc earthstar.Doc) (earthstar.Doc, error) {
	if kp.Address != doc.Author {
		return earthstar.Doc{}, earthstar.Validationf("keypair %s cannot sign a document by %s", kp.Address, doc.Author)
	}
	hash, err := f.HashDocument(d, doc)
	if err != nil {
		return earthstar.Doc{}, err
	}
	sig, err := crypto.SignBase32(d, kp, []byte(hash))
	if err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "signing document")
	}
	doc.Signature = sig
	return doc, nil
}

// WipeDocument implements Format.
func (f es4) WipeDocument(d crypto.Driver, kp earthstar.AuthorKeypair, doc earthstar.Doc) (earthstar.Doc, error) {
	if doc.Timestamp+1 > earthstar.MaxTimestamp {
		return earthstar.Doc{}, earthstar.Validationf("cannot wipe document at timestamp ceiling %d", doc.Timestamp)
	}
	return f.GenerateDocument(d, kp, doc.Share, DocInput{
		Path:        doc.Path,
		Text:        "",
		DeleteAfter: doc.DeleteAfter,
	}, doc.Timestamp+1)
}

// RemoveExtraFields implements Format.
func (es4) RemoveExtraFields(doc earthstar.Doc) (earthstar.Doc, map[string]interface{}, error) {
	stripped, extras := splitExtras(doc)
	return stripped, extras, nil
}

// CheckDocumentIsValid implements Format. The order runs cheapest
// checks first; signature and content-hash verification come last.
func (f es4) CheckDocumentIsValid(d crypto.Driver, doc earthstar.Doc, now int64) error {
	if err := f.structuralCheck(doc); err != nil {
		return err
	}
	if err := checkTimestamps(doc, now); err != nil {
		return err
	}
	if err := checkPathAndAddresses(doc); err != nil {
		return err
	}
	hash := canonicalHash(d, f.hashFields(doc))
	if !crypto.VerifyBase32(d, doc.Author, doc.Signature, []byte(hash)) {
		return earthstar.Validationf("signature by %s does not verify", doc.Author)
	}
	if crypto.Sha256Base32(d, []byte(doc.Content)) != doc.ContentHash {
		return earthstar.Validationf("content does not match contentHash")
	}
	return nil
}

// AttachmentInfo implements Format. es.4 has no attachments.
func (es4) AttachmentInfo(earthstar.Doc) (AttachmentInfo, error) {
	return AttachmentInfo{}, errors.Wrap(earthstar.ErrNotSupported, "es.4 documents cannot have attachments")
}

// UpdateAttachmentFields implements Format.
func (es4) UpdateAttachmentFields(crypto.Driver, earthstar.AuthorKeypair, earthstar.Doc, int64, string) (earthstar.Doc, error) {
	return earthstar.Doc{}, errors.Wrap(earthstar.ErrNotSupported, "es.4 documents cannot have attachments")
}
