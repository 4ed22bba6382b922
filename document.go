package earthstar

import "encoding/json"

// Doc is a signed, path-addressed document. One struct covers every
// format; a format interprets and validates the fields it owns. Text-only
// formats fill Content/ContentHash, attachment-capable formats fill
// Text/TextHash and the attachment descriptor.
//
// LocalIndex is assigned by the replica at ingest time and is never part
// of the signed fields. Extra carries fields outside the schema; only
// names beginning with "_" survive RemoveExtraFields.
type Doc struct {
	Format      string        `json:"format"`
	Author      AuthorAddress `json:"author"`
	Share       ShareAddress  `json:"share"`
	Path        Path          `json:"path"`
	Timestamp   int64         `json:"timestamp"`
	DeleteAfter int64         `json:"deleteAfter,omitempty"`
	Signature   string        `json:"signature"`

	Content     string `json:"content,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`

	Text           string `json:"text,omitempty"`
	TextHash       string `json:"textHash,omitempty"`
	AttachmentSize int64  `json:"attachmentSize,omitempty"`
	AttachmentHash string `json:"attachmentHash,omitempty"`

	LocalIndex int64 `json:"_localIndex,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

// docAlias avoids recursion in the JSON methods.
type docAlias Doc

var knownDocFields = map[string]bool{
	"format": true, "author": true, "share": true, "path": true,
	"timestamp": true, "deleteAfter": true, "signature": true,
	"content": true, "contentHash": true,
	"text": true, "textHash": true, "attachmentSize": true, "attachmentHash": true,
	"_localIndex": true,
}

// MarshalJSON emits the known fields plus any extras.
func (d Doc) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(docAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if !knownDocFields[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the known fields and collects everything else
// into Extra.
func (d *Doc) UnmarshalJSON(b []byte) error {
	var a docAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*d = Doc(a)
	for k, raw := range m {
		if knownDocFields[k] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if d.Extra == nil {
			d.Extra = make(map[string]interface{})
		}
		d.Extra[k] = v
	}
	return nil
}

// Body returns the document's inline content regardless of format.
func (d Doc) Body() string {
	if d.TextHash != "" {
		return d.Text
	}
	return d.Content
}

// HasAttachment reports whether the document declares an attachment.
func (d Doc) HasAttachment() bool {
	return d.AttachmentHash != ""
}

// DocIsNewer tells whether a supersedes b in a path's history: larger
// timestamps win, equal timestamps break ties on the signature,
// lexicographically descending.
func DocIsNewer(a, b Doc) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Signature > b.Signature
}
