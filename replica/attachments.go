package replica

import (
	"context"
	"io"

	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/format"
	"github.com/earthstar-project/earthstar-go/query"
)

// IngestAttachment streams the attachment bytes a document declares into
// the attachment store. It returns true if the bytes were stored, false
// if the attachment was already present (idempotent, no side effects).
// A hash or size mismatch against the document's descriptor rejects the
// staged bytes and returns a ValidationError.
func (r *Replica) IngestAttachment(ctx context.Context, f format.Format, doc earthstar.Doc, source io.Reader, sourceTag string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	if f == nil {
		var err error
		f, err = format.Lookup(doc.Format)
		if err != nil {
			return false, err
		}
	}
	d := crypto.Default()

	info, err := f.AttachmentInfo(doc)
	if err != nil {
		return false, err
	}
	if err := f.CheckDocumentIsValid(d, doc, r.clock()); err != nil {
		return false, err
	}

	id := AttachmentID{Format: f.ID(), Hash: info.Hash}
	if existing, err := r.atts.Get(ctx, id); err == nil {
		existing.Close()
		return false, nil
	} else if !errors.Is(err, earthstar.ErrNotFound) {
		return false, earthstar.Storagef("check attachment", err)
	}

	staged, err := r.atts.Stage(ctx, f.ID(), source)
	if err != nil {
		return false, earthstar.Storagef("stage attachment", err)
	}
	if staged.Hash() != info.Hash {
		_ = staged.Reject(ctx)
		return false, earthstar.Validationf("attachment hash %s does not match declared %s", staged.Hash(), info.Hash)
	}
	if staged.Size() != info.Size {
		_ = staged.Reject(ctx)
		return false, earthstar.Validationf("attachment is %d bytes, document declares %d", staged.Size(), info.Size)
	}

	if err := r.commitStaged(ctx, f.ID(), staged, sourceTag, &doc); err != nil {
		return false, err
	}
	return true, nil
}

// GetAttachment opens the attachment a document declares. It returns
// ErrNotSupported for formats without attachments, a ValidationError
// for a document that declares none, and ErrNotFound when the bytes are
// not (or no longer) present.
func (r *Replica) GetAttachment(ctx context.Context, doc earthstar.Doc) (io.ReadCloser, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	f, err := format.Lookup(doc.Format)
	if err != nil {
		return nil, err
	}
	info, err := f.AttachmentInfo(doc)
	if err != nil {
		return nil, err
	}
	rc, err := r.atts.Get(ctx, AttachmentID{Format: f.ID(), Hash: info.Hash})
	if errors.Is(err, earthstar.ErrNotFound) {
		return nil, errors.Wrapf(earthstar.ErrNotFound, "attachment %s", info.Hash)
	}
	return rc, earthstar.Storagef("get attachment", err)
}

// commitStaged publishes staged bytes unless the attachment is already
// present, and emits the attachment_ingest event.
func (r *Replica) commitStaged(ctx context.Context, formatID string, staged StagedAttachment, sourceTag string, doc *earthstar.Doc) error {
	id := AttachmentID{Format: formatID, Hash: staged.Hash()}

	if existing, err := r.atts.Get(ctx, id); err == nil {
		existing.Close()
		return staged.Reject(ctx)
	} else if !errors.Is(err, earthstar.ErrNotFound) {
		return earthstar.Storagef("check attachment", err)
	}

	if err := staged.Commit(ctx); err != nil {
		return earthstar.Storagef("commit attachment", err)
	}
	r.bus.emit(Event{
		Kind:       EventAttachmentIngest,
		Doc:        doc,
		Attachment: &id,
		Size:       staged.Size(),
		SourceTag:  sourceTag,
	})
	return nil
}

// pruneAttachments erases every attachment no live document references,
// emitting attachment_prune for each. The doc driver is the ground
// truth. Only committed attachments are considered; bytes left staged by
// a crashed process are discarded by the attachment driver itself.
func (r *Replica) pruneAttachments(ctx context.Context) ([]AttachmentID, error) {
	docs, err := r.docs.QueryDocs(ctx, canonical(query.Query{HistoryMode: query.HistoryAll}))
	if err != nil {
		return nil, earthstar.Storagef("query docs for prune", err)
	}

	keep := make(map[AttachmentID]struct{})
	for _, doc := range docs {
		if doc.HasAttachment() {
			keep[AttachmentID{Format: doc.Format, Hash: doc.AttachmentHash}] = struct{}{}
		}
	}

	erased, err := r.atts.Filter(ctx, keep)
	if err != nil {
		return nil, earthstar.Storagef("filter attachments", err)
	}
	for i := range erased {
		r.bus.emit(Event{Kind: EventAttachmentPrune, Attachment: &erased[i]})
	}
	return erased, nil
}
