package replica

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/format"
	"github.com/earthstar-project/earthstar-go/query"
)

// Config configures a replica.
type Config struct {
	Share  earthstar.ShareAddress
	Driver Driver

	// Logger is an optional structured logger. If nil, a stderr text
	// logger at Info level is used.
	Logger *slog.Logger

	// Clock returns the current time in microseconds. Nil means the wall
	// clock. Tests inject their own.
	Clock func() int64
}

// Replica owns one share's documents and attachments. Ingests are
// serialized: the same-author check, upsert and ingest event happen
// under one mutex. Queries and attachment staging are not serialized.
type Replica struct {
	share earthstar.ShareAddress
	docs  DocDriver
	atts  AttachmentDriver
	log   *slog.Logger
	clock func() int64

	mu     sync.Mutex
	closed bool
	timer  *time.Timer

	bus *bus
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// Open validates the configured share against the driver's persisted
// state, sweeps expired documents, prunes orphaned attachments, and
// arms the expiry timer.
func Open(ctx context.Context, cfg Config) (*Replica, error) {
	if _, err := earthstar.ParseShareAddress(cfg.Share); err != nil {
		return nil, err
	}
	if cfg.Driver.Docs == nil || cfg.Driver.Attachments == nil {
		return nil, errors.New("replica requires both a doc driver and an attachment driver")
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = earthstar.Now
	}

	r := &Replica{
		share: cfg.Share,
		docs:  cfg.Driver.Docs,
		atts:  cfg.Driver.Attachments,
		log:   cfg.Logger,
		clock: cfg.Clock,
		bus:   newBus(),
	}

	if got := r.docs.Share(); got != "" && got != cfg.Share {
		return nil, earthstar.Validationf("driver stores share %s, not %s", got, cfg.Share)
	}

	stored, err := r.docs.GetConfig(ctx, ConfigShareKey)
	switch {
	case err == nil:
		if stored != string(cfg.Share) {
			return nil, earthstar.Validationf("driver config stores share %s, not %s", stored, cfg.Share)
		}
	case errors.Is(err, earthstar.ErrNotFound):
		if err := r.docs.SetConfig(ctx, ConfigShareKey, string(cfg.Share)); err != nil {
			return nil, earthstar.Storagef("set share config", err)
		}
	default:
		return nil, earthstar.Storagef("read share config", err)
	}

	version, err := r.docs.GetConfig(ctx, ConfigSchemaVersionKey)
	switch {
	case err == nil:
		if version != SchemaVersion {
			return nil, earthstar.Validationf("driver stores schema version %s, want %s", version, SchemaVersion)
		}
	case errors.Is(err, earthstar.ErrNotFound):
		if err := r.docs.SetConfig(ctx, ConfigSchemaVersionKey, SchemaVersion); err != nil {
			return nil, earthstar.Storagef("set schema version", err)
		}
	default:
		return nil, earthstar.Storagef("read schema version", err)
	}

	// A crash mid-stream can leave the two back-ends divergent: committed
	// attachment bytes no document references. Sweep and prune
	// against the doc driver's ground truth before accepting writes.
	if _, err := r.docs.EraseExpiredDocs(ctx, r.clock()); err != nil {
		return nil, earthstar.Storagef("expiry sweep at open", err)
	}
	if _, err := r.pruneAttachments(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.armExpiryTimerLocked(ctx)
	r.mu.Unlock()

	r.log.Debug("replica opened", "share", cfg.Share)
	return r, nil
}

// Share returns the share this replica stores.
func (r *Replica) Share() earthstar.ShareAddress { return r.share }

// IsClosed reports whether Close has been called.
func (r *Replica) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Replica) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return earthstar.ErrReplicaClosed
	}
	return nil
}

// Subscribe returns a stream of replica events. The buffer is the
// subscriber's: a full buffer blocks the emitter until the subscriber
// catches up or cancels. kinds narrows the stream to the named event
// channels; none means all. The returned cancel func releases the
// subscription; the channel closes when the replica closes.
func (r *Replica) Subscribe(buffer int, kinds ...EventKind) (<-chan Event, func()) {
	return r.bus.subscribe(buffer, kinds...)
}

// MaxLocalIndex returns the highest local index assigned so far, or -1
// if the replica holds no documents.
func (r *Replica) MaxLocalIndex(ctx context.Context) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	n, err := r.docs.MaxLocalIndex(ctx)
	return n, earthstar.Storagef("max local index", err)
}

// SetConfig writes a replica-scoped config value.
func (r *Replica) SetConfig(ctx context.Context, key, value string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return earthstar.Storagef("set config", r.docs.SetConfig(ctx, key, value))
}

// GetConfig reads a replica-scoped config value.
func (r *Replica) GetConfig(ctx context.Context, key string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	return r.docs.GetConfig(ctx, key)
}

// SetInput is the caller-supplied part of a Set.
type SetInput struct {
	Path earthstar.Path
	Text string

	// DeleteAfter, in microseconds, makes the document ephemeral.
	DeleteAfter int64

	// Timestamp overrides the default of max(now, latest-at-path + 1).
	Timestamp int64

	// Attachment, when non-nil, is streamed into the attachment store
	// and declared on the document. Requires an attachment-capable
	// format.
	Attachment io.Reader
}

// Set generates a signed document from input and ingests it, staging
// and committing the attachment if one is supplied. A nil f means the
// default format. The timestamp rule guarantees the write wins at its
// path.
func (r *Replica) Set(ctx context.Context, kp earthstar.AuthorKeypair, f format.Format, input SetInput) (IngestResult, error) {
	if err := r.checkOpen(); err != nil {
		return IngestResult{}, err
	}
	if f == nil {
		f = format.Default
	}
	d := crypto.Default()

	// The timestamp query and attachment staging are independent; run
	// them together.
	var (
		staged    StagedAttachment
		timestamp = input.Timestamp
	)
	g, gctx := errgroup.WithContext(ctx)
	if timestamp == 0 {
		g.Go(func() error {
			existing, err := r.docs.QueryDocs(gctx, canonical(query.Query{
				HistoryMode: query.HistoryAll,
				Filter:      &query.Filter{Path: &input.Path},
			}))
			if err != nil {
				return earthstar.Storagef("query latest at path", err)
			}
			timestamp = r.clock()
			for _, doc := range existing {
				if doc.Timestamp+1 > timestamp {
					timestamp = doc.Timestamp + 1
				}
			}
			return nil
		})
	}
	if input.Attachment != nil {
		g.Go(func() error {
			var err error
			staged, err = r.atts.Stage(gctx, f.ID(), input.Attachment)
			return earthstar.Storagef("stage attachment", err)
		})
	}
	if err := g.Wait(); err != nil {
		if staged != nil {
			_ = staged.Reject(ctx)
		}
		return IngestResult{}, err
	}

	doc, err := f.GenerateDocument(d, kp, r.share, format.DocInput{
		Path:        input.Path,
		Text:        input.Text,
		DeleteAfter: input.DeleteAfter,
	}, timestamp)
	if err == nil && staged != nil {
		doc, err = f.UpdateAttachmentFields(d, kp, doc, staged.Size(), staged.Hash())
	}
	if err != nil {
		if staged != nil {
			_ = staged.Reject(ctx)
		}
		return IngestResult{}, err
	}

	result, err := r.ingest(ctx, d, f, doc, "local")
	if staged != nil {
		if err != nil || result.Kind == IngestNothing {
			_ = staged.Reject(ctx)
		} else if err2 := r.commitStaged(ctx, f.ID(), staged, "local", &result.Doc); err2 != nil {
			return result, err2
		}
	}
	return result, err
}

// Ingest validates doc and stores it unless an equal-or-newer document
// by the same author already occupies its path. sourceTag names where
// the doc came from (a peer address, "local", ...) and travels on the
// emitted event.
func (r *Replica) Ingest(ctx context.Context, f format.Format, doc earthstar.Doc, sourceTag string) (IngestResult, error) {
	if err := r.checkOpen(); err != nil {
		return IngestResult{}, err
	}
	if f == nil {
		var err error
		f, err = format.Lookup(doc.Format)
		if err != nil {
			return IngestResult{}, err
		}
	}
	return r.ingest(ctx, crypto.Default(), f, doc, sourceTag)
}

func (r *Replica) ingest(ctx context.Context, d crypto.Driver, f format.Format, doc earthstar.Doc, sourceTag string) (IngestResult, error) {
	doc, _, err := f.RemoveExtraFields(doc)
	if err != nil {
		return r.ingestFailure(doc, sourceTag, err)
	}
	if doc.Share != r.share {
		return r.ingestFailure(doc, sourceTag, earthstar.Validationf("document belongs to share %s, not %s", doc.Share, r.share))
	}
	if err := f.CheckDocumentIsValid(d, doc, r.clock()); err != nil {
		return r.ingestFailure(doc, sourceTag, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return IngestResult{}, earthstar.ErrReplicaClosed
	}

	existing, err := r.docs.QueryDocs(ctx, canonical(query.Query{
		HistoryMode: query.HistoryAll,
		Filter:      &query.Filter{Path: &doc.Path},
	}))
	if err != nil {
		return IngestResult{}, earthstar.Storagef("query existing docs", err)
	}

	var (
		latestOther earthstar.Doc
		haveOther   bool
	)
	for _, prior := range existing {
		if prior.Author == doc.Author && prior.Format == doc.Format {
			if !earthstar.DocIsNewer(doc, prior) {
				result := IngestResult{Kind: IngestNothing, Doc: prior, Reason: "obsolete_from_same_author"}
				r.bus.emit(Event{Kind: EventIngest, Doc: &prior, Ingest: IngestNothing, Reason: result.Reason, SourceTag: sourceTag})
				return result, nil
			}
			continue
		}
		if !haveOther || earthstar.DocIsNewer(prior, latestOther) {
			latestOther = prior
			haveOther = true
		}
	}

	stored, err := r.docs.Upsert(ctx, doc)
	if err != nil {
		return IngestResult{}, earthstar.Storagef("upsert", err)
	}

	kind := IngestSuccess
	if haveOther && earthstar.DocIsNewer(latestOther, stored) {
		kind = IngestSuccessButNotLatest
	}

	if stored.DeleteAfter != 0 {
		r.armExpiryTimerLocked(ctx)
	}

	r.bus.emit(Event{Kind: EventIngest, Doc: &stored, Ingest: kind, SourceTag: sourceTag})
	r.log.Debug("ingested document", "path", stored.Path, "author", stored.Author, "kind", string(kind))
	return IngestResult{Kind: kind, Doc: stored}, nil
}

func (r *Replica) ingestFailure(doc earthstar.Doc, sourceTag string, err error) (IngestResult, error) {
	r.bus.emit(Event{Kind: EventIngest, Doc: &doc, Ingest: IngestFailure, Reason: err.Error(), SourceTag: sourceTag, Err: err})
	return IngestResult{Kind: IngestFailure, Doc: doc, Reason: err.Error()}, err
}

// QueryDocs canonicalises and executes a query.
func (r *Replica) QueryDocs(ctx context.Context, q query.Query) ([]earthstar.Doc, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	cleaned, willMatch, err := query.CleanUp(q)
	if err != nil {
		return nil, err
	}
	if willMatch == query.WillMatchNothing {
		return nil, nil
	}
	docs, err := r.docs.QueryDocs(ctx, cleaned)
	return docs, earthstar.Storagef("query docs", err)
}

// GetAllDocs returns every stored document, oldest ingest first.
func (r *Replica) GetAllDocs(ctx context.Context) ([]earthstar.Doc, error) {
	return r.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryAll,
		OrderBy:     query.OrderLocalIndexAsc,
	})
}

// GetLatestDocs returns the winner at each path, ordered by path.
func (r *Replica) GetLatestDocs(ctx context.Context) ([]earthstar.Doc, error) {
	return r.QueryDocs(ctx, query.Query{HistoryMode: query.HistoryLatest})
}

// GetAllDocsAtPath returns every document at path, newest first.
func (r *Replica) GetAllDocsAtPath(ctx context.Context, path earthstar.Path) ([]earthstar.Doc, error) {
	return r.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryAll,
		Filter:      &query.Filter{Path: &path},
	})
}

// GetLatestDocAtPath returns the winner at path, or nil if the path is
// empty.
func (r *Replica) GetLatestDocAtPath(ctx context.Context, path earthstar.Path) (*earthstar.Doc, error) {
	docs, err := r.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryLatest,
		Filter:      &query.Filter{Path: &path},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	doc := docs[0]
	return &doc, nil
}

// QueryAuthors returns the distinct authors of the documents matching q,
// sorted.
func (r *Replica) QueryAuthors(ctx context.Context, q query.Query) ([]earthstar.AuthorAddress, error) {
	docs, err := r.QueryDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[earthstar.AuthorAddress]bool)
	var out []earthstar.AuthorAddress
	for _, doc := range docs {
		if !seen[doc.Author] {
			seen[doc.Author] = true
			out = append(out, doc.Author)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// QueryPaths returns the distinct paths of the documents matching q,
// sorted.
func (r *Replica) QueryPaths(ctx context.Context, q query.Query) ([]earthstar.Path, error) {
	docs, err := r.QueryDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[earthstar.Path]bool)
	var out []earthstar.Path
	for _, doc := range docs {
		if !seen[doc.Path] {
			seen[doc.Path] = true
			out = append(out, doc.Path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// OverwriteAllDocsByAuthor wipes every document of format f (the default
// format when f is nil) that the keypair's author has in the replica,
// one re-signed empty replacement per path, and returns how many were
// wiped. The author's documents in other formats are left as they are. A wipe that cannot be signed (timestamp at the
// ceiling) stops the run and is propagated.
func (r *Replica) OverwriteAllDocsByAuthor(ctx context.Context, kp earthstar.AuthorKeypair, f format.Format) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if f == nil {
		f = format.Default
	}
	d := crypto.Default()

	docs, err := r.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryAll,
		Filter:      &query.Filter{Author: &kp.Address},
		Formats:     []string{f.ID()},
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, doc := range docs {
		wiped, err := f.WipeDocument(d, kp, doc)
		if err != nil {
			return count, err
		}
		if _, err := r.ingest(ctx, d, f, wiped, "local"); err != nil {
			return count, err
		}
		count++
	}

	if _, err := r.pruneAttachments(ctx); err != nil {
		return count, err
	}
	return count, nil
}

// WipeDocAtPath replaces the author's document at path with an empty
// one and erases its attachment if nothing else references it.
func (r *Replica) WipeDocAtPath(ctx context.Context, kp earthstar.AuthorKeypair, path earthstar.Path) (IngestResult, error) {
	if err := r.checkOpen(); err != nil {
		return IngestResult{}, err
	}
	d := crypto.Default()

	docs, err := r.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryAll,
		Filter:      &query.Filter{Path: &path, Author: &kp.Address},
	})
	if err != nil {
		return IngestResult{}, err
	}
	if len(docs) == 0 {
		return IngestResult{}, errors.Wrapf(earthstar.ErrNotFound, "no document by %s at %q", kp.Address, path)
	}

	doc := docs[0]
	f, err := format.Lookup(doc.Format)
	if err != nil {
		return IngestResult{}, err
	}
	wiped, err := f.WipeDocument(d, kp, doc)
	if err != nil {
		return IngestResult{}, err
	}
	result, err := r.ingest(ctx, d, f, wiped, "local")
	if err != nil {
		return result, err
	}

	if doc.HasAttachment() {
		if _, err := r.pruneAttachments(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Close emits willClose, closes the doc driver (erasing if asked, in
// which case the attachment driver is cleared too), emits didClose, and
// shuts the event stream. Further operations, including a
// second Close, fail with ErrReplicaClosed.
func (r *Replica) Close(ctx context.Context, erase bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return earthstar.ErrReplicaClosed
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.bus.emit(Event{Kind: EventWillClose})

	var errs []error
	if err := r.docs.Close(ctx, erase); err != nil {
		errs = append(errs, earthstar.Storagef("close doc driver", err))
	}
	if erase {
		if err := r.atts.ClearAll(ctx); err != nil {
			errs = append(errs, earthstar.Storagef("clear attachments", err))
		}
	}

	r.bus.emit(Event{Kind: EventDidClose})
	r.bus.close()

	r.log.Debug("replica closed", "share", r.share, "erase", erase)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// canonical applies CleanUp defaults to an internally built query.
func canonical(q query.Query) query.Query {
	cleaned, _, err := query.CleanUp(q)
	if err != nil {
		panic(err) // internal queries use valid enums
	}
	return cleaned
}
