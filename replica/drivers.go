// Package replica implements the authoritative local store of documents
// for one share: validation, ingestion, conflict resolution, attachment
// staging and garbage collection, expiry sweeps, and the typed event
// stream the synchronizer consumes.
//
// A replica mediates two abstract back-ends: a DocDriver for document
// records and an AttachmentDriver for opaque attachment bytes. Drivers
// live in package store and its subpackages.
package replica

import (
	"context"
	"io"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
)

// Well-known config keys persisted through DocDriver.SetConfig.
const (
	ConfigShareKey         = "share"
	ConfigSchemaVersionKey = "schemaVersion"

	// SchemaVersion is the persisted layout version this code writes and
	// accepts.
	SchemaVersion = "2"
)

// DocDriver persists document records for one share.
//
// Implementations must reject every operation after Close and must
// either declare a share at open time or inherit one from their
// persisted config; a mismatch is a fatal open error.
type DocDriver interface {
	// Share returns the share this driver stores.
	Share() earthstar.ShareAddress

	// IsClosed reports whether Close has been called.
	IsClosed() bool

	// Close releases the back-end. When erase is true, backing files are
	// removed. A second Close fails with ErrReplicaClosed.
	Close(ctx context.Context, erase bool) error

	// GetConfig reads a persisted config value. Absent keys yield
	// ErrNotFound.
	GetConfig(ctx context.Context, key string) (string, error)

	// SetConfig writes a persisted config value.
	SetConfig(ctx context.Context, key, value string) error

	// DeleteConfig removes a key, reporting whether it existed.
	DeleteConfig(ctx context.Context, key string) (bool, error)

	// ListConfigKeys returns all config keys in sorted order.
	ListConfigKeys(ctx context.Context) ([]string, error)

	// MaxLocalIndex returns the highest assigned local index, or -1 when
	// the store is empty.
	MaxLocalIndex(ctx context.Context) (int64, error)

	// QueryDocs executes a canonicalised query.
	QueryDocs(ctx context.Context, q query.Query) ([]earthstar.Doc, error)

	// Upsert stores doc with a freshly assigned local index, replacing
	// any existing row for the same (path, author, format).
	Upsert(ctx context.Context, doc earthstar.Doc) (earthstar.Doc, error)

	// EraseExpiredDocs atomically removes every doc whose deleteAfter
	// lies before now, returning the removed set.
	EraseExpiredDocs(ctx context.Context, now int64) ([]earthstar.Doc, error)
}

// AttachmentID addresses an attachment: the format tag of the declaring
// document plus the content hash of the bytes.
type AttachmentID struct {
	Format string
	Hash   string
}

// StagedAttachment is an attachment consumed into staging but not yet
// visible. Exactly one of Commit or Reject must be called.
type StagedAttachment interface {
	// Hash is the base32 content hash computed while staging.
	Hash() string

	// Size is the number of bytes staged.
	Size() int64

	// Commit atomically publishes the staged bytes. Committing an
	// already-present attachment is a no-op.
	Commit(ctx context.Context) error

	// Reject discards the staged bytes.
	Reject(ctx context.Context) error
}

// AttachmentDriver persists opaque attachment bytes keyed by
// (format, hash).
type AttachmentDriver interface {
	// Stage consumes r, hashing incrementally. Nothing becomes visible
	// until the returned stage handle is committed.
	Stage(ctx context.Context, format string, r io.Reader) (StagedAttachment, error)

	// Get opens an attachment for reading, or returns ErrNotFound.
	Get(ctx context.Context, id AttachmentID) (io.ReadCloser, error)

	// Erase removes an attachment, reporting whether it was present.
	Erase(ctx context.Context, id AttachmentID) (bool, error)

	// Filter erases every attachment not in keep and returns the erased
	// set. This is the GC pass run against the doc driver's ground truth.
	Filter(ctx context.Context, keep map[AttachmentID]struct{}) ([]AttachmentID, error)

	// ClearAll removes everything, staged or committed. Used only at
	// replica erase.
	ClearAll(ctx context.Context) error
}

// Driver pairs the two back-ends a replica needs.
type Driver struct {
	Docs        DocDriver
	Attachments AttachmentDriver
}
