package testutil

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
)

// DocDriver permits testing a DocDriver implementation against the
// contract every back-end must honor. The driver must be open and
// empty; the suite closes it.
func DocDriver(ctx context.Context, t *testing.T, drv replica.DocDriver, share earthstar.ShareAddress) {
	t.Helper()

	if got := drv.Share(); got != share {
		t.Fatalf("got share %s, want %s", got, share)
	}
	if drv.IsClosed() {
		t.Fatal("driver reports closed before close")
	}

	// Config KV.
	if _, err := drv.GetConfig(ctx, "nope"); !errors.Is(err, earthstar.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := drv.SetConfig(ctx, "share", string(share)); err != nil {
		t.Fatal(err)
	}
	if err := drv.SetConfig(ctx, "schemaVersion", "2"); err != nil {
		t.Fatal(err)
	}
	got, err := drv.GetConfig(ctx, "share")
	if err != nil {
		t.Fatal(err)
	}
	if got != string(share) {
		t.Fatalf("got config %q, want %q", got, share)
	}
	keys, err := drv.ListConfigKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "schemaVersion" || keys[1] != "share" {
		t.Fatalf("got config keys %v", keys)
	}
	existed, err := drv.DeleteConfig(ctx, "schemaVersion")
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("deleting an existing key reported absent")
	}

	// Local index assignment.
	max, err := drv.MaxLocalIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != -1 {
		t.Fatalf("got max local index %d on empty store, want -1", max)
	}

	var (
		alice = Keypair(t, "alic")
		bobb  = Keypair(t, "bobb")
		now   = earthstar.Now()
	)

	doc1 := SignedDoc(t, alice, share, "/conformance/a", "one", now)
	stored1, err := drv.Upsert(ctx, doc1)
	if err != nil {
		t.Fatal(err)
	}
	if stored1.LocalIndex != 0 {
		t.Fatalf("got local index %d, want 0", stored1.LocalIndex)
	}

	doc2 := SignedDoc(t, bobb, share, "/conformance/a", "two", now+1)
	stored2, err := drv.Upsert(ctx, doc2)
	if err != nil {
		t.Fatal(err)
	}
	if stored2.LocalIndex != 1 {
		t.Fatalf("got local index %d, want 1", stored2.LocalIndex)
	}

	// Replacing alice's row keeps one row per (path, author).
	doc3 := SignedDoc(t, alice, share, "/conformance/a", "three", now+2)
	stored3, err := drv.Upsert(ctx, doc3)
	if err != nil {
		t.Fatal(err)
	}
	if stored3.LocalIndex != 2 {
		t.Fatalf("got local index %d, want 2", stored3.LocalIndex)
	}

	all, err := drv.QueryDocs(ctx, canonical(t, query.Query{HistoryMode: query.HistoryAll}))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d docs, want 2 (one per path+author)", len(all))
	}
	for _, doc := range all {
		if doc.Author == alice.Address && doc.Text != "three" {
			t.Fatalf("alice's surviving row has text %q, want %q", doc.Text, "three")
		}
	}

	latest, err := drv.QueryDocs(ctx, canonical(t, query.Query{HistoryMode: query.HistoryLatest}))
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 {
		t.Fatalf("got %d latest docs, want 1", len(latest))
	}
	if latest[0].Text != "three" {
		t.Fatalf("got latest text %q, want %q", latest[0].Text, "three")
	}

	max, err = drv.MaxLocalIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 2 {
		t.Fatalf("got max local index %d, want 2", max)
	}

	// Expiry erase.
	eph := EphemeralDoc(t, alice, share, "/conformance/gone!", "bye", now, now+100)
	if _, err := drv.Upsert(ctx, eph); err != nil {
		t.Fatal(err)
	}
	erased, err := drv.EraseExpiredDocs(ctx, now+200)
	if err != nil {
		t.Fatal(err)
	}
	if len(erased) != 1 || erased[0].Path != "/conformance/gone!" {
		t.Fatalf("got erased %v", erased)
	}
	remaining, err := drv.QueryDocs(ctx, canonical(t, query.Query{HistoryMode: query.HistoryAll}))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("got %d docs after expiry, want 2", len(remaining))
	}

	// Close semantics.
	if err := drv.Close(ctx, false); err != nil {
		t.Fatal(err)
	}
	if !drv.IsClosed() {
		t.Fatal("driver reports open after close")
	}
	if err := drv.Close(ctx, false); !errors.Is(err, earthstar.ErrReplicaClosed) {
		t.Fatalf("second close got %v, want ErrReplicaClosed", err)
	}
	if _, err := drv.QueryDocs(ctx, canonical(t, query.Query{})); !errors.Is(err, earthstar.ErrReplicaClosed) {
		t.Fatalf("query after close got %v, want ErrReplicaClosed", err)
	}
}

// AttachmentDriver permits testing an AttachmentDriver implementation
// against the stage/commit/reject/filter contract.
func AttachmentDriver(ctx context.Context, t *testing.T, drv replica.AttachmentDriver) {
	t.Helper()

	const formatID = "es.5"
	data := []byte("Hi!")

	staged, err := drv.Stage(ctx, formatID, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if staged.Size() != int64(len(data)) {
		t.Fatalf("got staged size %d, want %d", staged.Size(), len(data))
	}
	id := replica.AttachmentID{Format: formatID, Hash: staged.Hash()}

	// Staged bytes are invisible until commit.
	if _, err := drv.Get(ctx, id); !errors.Is(err, earthstar.ErrNotFound) {
		t.Fatalf("got %v before commit, want ErrNotFound", err)
	}
	if err := staged.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	rc, err := drv.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	// Re-staging and committing the same bytes is a no-op.
	staged2, err := drv.Stage(ctx, formatID, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if staged2.Hash() != id.Hash {
		t.Fatalf("got hash %s on restage, want %s", staged2.Hash(), id.Hash)
	}
	if err := staged2.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// Rejected bytes never land.
	staged3, err := drv.Stage(ctx, formatID, bytes.NewReader([]byte("reject me")))
	if err != nil {
		t.Fatal(err)
	}
	rejectedID := replica.AttachmentID{Format: formatID, Hash: staged3.Hash()}
	if err := staged3.Reject(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := drv.Get(ctx, rejectedID); !errors.Is(err, earthstar.ErrNotFound) {
		t.Fatalf("got %v after reject, want ErrNotFound", err)
	}

	// Filter erases everything outside the allow-list.
	staged4, err := drv.Stage(ctx, formatID, bytes.NewReader([]byte("orphan")))
	if err != nil {
		t.Fatal(err)
	}
	orphanID := replica.AttachmentID{Format: formatID, Hash: staged4.Hash()}
	if err := staged4.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	erased, err := drv.Filter(ctx, map[replica.AttachmentID]struct{}{id: {}})
	if err != nil {
		t.Fatal(err)
	}
	if len(erased) != 1 || erased[0] != orphanID {
		t.Fatalf("got erased %v, want [%v]", erased, orphanID)
	}
	if _, err := drv.Get(ctx, id); err != nil {
		t.Fatalf("allow-listed attachment gone: %v", err)
	}

	// Erase reports presence.
	existed, err := drv.Erase(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("erasing a present attachment reported absent")
	}
	existed, err = drv.Erase(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("erasing an absent attachment reported present")
	}

	if err := drv.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
}

func canonical(t *testing.T, q query.Query) query.Query {
	t.Helper()
	cleaned, _, err := query.CleanUp(q)
	if err != nil {
		t.Fatal(err)
	}
	return cleaned
}
