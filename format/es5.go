package format

import (
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
)

// es5 is the attachment-capable format. Inline text travels with the
// document; larger payloads are opaque attachments addressed by hash.
type es5 struct{}

func (es5) ID() string { return "es.5" }

func (f es5) structuralCheck(doc earthstar.Doc) error {
	if doc.Format != f.ID() {
		return earthstar.Validationf("expected format %q, got %q", f.ID(), doc.Format)
	}
	if doc.Content != "" || doc.ContentHash != "" {
		return earthstar.Validationf("es.5 documents carry text, not content")
	}
	if len(doc.Extra) > 0 {
		return earthstar.Validationf("document has fields outside the es.5 schema")
	}
	if !hashIsWellShaped(doc.TextHash) {
		return earthstar.Validationf("textHash %q is not a base32 sha256 digest", doc.TextHash)
	}
	if len(doc.Text) > MaxContentLength {
		return earthstar.Validationf("text is %d bytes, above the %d-byte limit", len(doc.Text), MaxContentLength)
	}
	hasHash := doc.AttachmentHash != ""
	hasSize := doc.AttachmentSize != 0
	if hasSize && !hasHash {
		return earthstar.Validationf("attachmentSize without attachmentHash")
	}
	if hasHash {
		if !hashIsWellShaped(doc.AttachmentHash) {
			return earthstar.Validationf("attachmentHash %q is not a base32 sha256 digest", doc.AttachmentHash)
		}
		if doc.AttachmentSize < 0 {
			return earthstar.Validationf("attachmentSize %d is negative", doc.AttachmentSize)
		}
	}
	if !signatureIsWellShaped(doc.Signature) {
		return earthstar.Validationf("signature %q is not a base32 ed25519 signature", doc.Signature)
	}
	return nil
}

func (es5) hashFields(doc earthstar.Doc) map[string]string {
	fields := map[string]string{
		"author":    string(doc.Author),
		"format":    doc.Format,
		"path":      string(doc.Path),
		"share":     string(doc.Share),
		"textHash":  doc.TextHash,
		"timestamp": formatInt(doc.Timestamp),
	}
	if doc.DeleteAfter != 0 {
		fields["deleteAfter"] = formatInt(doc.DeleteAfter)
	}
	if doc.AttachmentHash != "" {
		fields["attachmentHash"] = doc.AttachmentHash
		fields["attachmentSize"] = formatInt(doc.AttachmentSize)
	}
	return fields
}

// HashDocument implements Format.
func (f es5) HashDocument(d crypto.Driver, doc earthstar.Doc) (string, error) {
	check := doc
	if check.Signature == "" {
		check.Signature = fakeSignature
	}
	if err := f.structuralCheck(check); err != nil {
		return "", err
	}
	return canonicalHash(d, f.hashFields(doc)), nil
}

// GenerateDocument implements Format. The attachment descriptor is
// filled in later with UpdateAttachmentFields, once the bytes have been
// hashed.
func (f es5) GenerateDocument(d crypto.Driver, kp earthstar.AuthorKeypair, share earthstar.ShareAddress, input DocInput, timestamp int64) (earthstar.Doc, error) {
	doc := earthstar.Doc{
		Format:      f.ID(),
		Author:      kp.Address,
		Share:       share,
		Path:        input.Path,
		Timestamp:   timestamp,
		DeleteAfter: input.DeleteAfter,
		Text:        input.Text,
		TextHash:    crypto.Sha256Base32(d, []byte(input.Text)),
	}
	return f.SignDocument(d, kp, doc)
}

// SignDocument implements Format.
func (f es5) SignDocument(d crypto.Driver, kp earthstar.AuthorKeypair, doc earthstar.Doc) (earthstar.Doc, error) {
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

// WipeDocument implements Format. The attachment descriptor is cleared
// along with the text.
func (f es5) WipeDocument(d crypto.Driver, kp earthstar.AuthorKeypair, doc earthstar.Doc) (earthstar.Doc, error) {
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
func (es5) RemoveExtraFields(doc earthstar.Doc) (earthstar.Doc, map[string]interface{}, error) {
	stripped, extras := splitExtras(doc)
	return stripped, extras, nil
}

// CheckDocumentIsValid implements Format.
func (f es5) CheckDocumentIsValid(d crypto.Driver, doc earthstar.Doc, now int64) error {
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
	if crypto.Sha256Base32(d, []byte(doc.Text)) != doc.TextHash {
		return earthstar.Validationf("text does not match textHash")
	}
	return nil
}

// AttachmentInfo implements Format.
func (es5) AttachmentInfo(doc earthstar.Doc) (AttachmentInfo, error) {
	if doc.AttachmentHash == "" {
		return AttachmentInfo{}, ErrNoAttachment
	}
	return AttachmentInfo{Size: doc.AttachmentSize, Hash: doc.AttachmentHash}, nil
}

// UpdateAttachmentFields implements Format.
func (f es5) UpdateAttachmentFields(d crypto.Driver, kp earthstar.AuthorKeypair, doc earthstar.Doc, size int64, hash string) (earthstar.Doc, error) {
	if !hashIsWellShaped(hash) {
		return earthstar.Doc{}, earthstar.Validationf("attachment hash %q is not a base32 sha256 digest", hash)
	}
	doc.AttachmentSize = size
	doc.AttachmentHash = hash
	return f.SignDocument(d, kp, doc)
}
