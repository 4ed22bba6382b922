package replica_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/format"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store/mem"
	"github.com/earthstar-project/earthstar-go/testutil"
)

func openReplica(t *testing.T, share earthstar.ShareAddress) *replica.Replica {
	t.Helper()
	r, err := replica.Open(context.Background(), replica.Config{
		Share:  share,
		Driver: mem.New(share),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close(context.Background(), false) })
	return r
}

func TestSetThenSupersede(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	now := earthstar.Now()
	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/pathA", Text: "v1", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/pathA", Text: "v2", Timestamp: now + 5}); err != nil {
		t.Fatal(err)
	}

	docs, err := r.GetAllDocsAtPath(ctx, "/pathA")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1 (superseded row replaced)", len(docs))
	}
	if docs[0].Text != "v2" {
		t.Fatalf("got text %q, want %q", docs[0].Text, "v2")
	}
}

func TestObsoleteIngestIsNoOp(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	now := earthstar.Now()
	newer := testutil.SignedDoc(t, suzy, share, "/pathA", "new", now+5)
	older := testutil.SignedDoc(t, suzy, share, "/pathA", "old", now)

	if _, err := r.Ingest(ctx, nil, newer, "test"); err != nil {
		t.Fatal(err)
	}
	result, err := r.Ingest(ctx, nil, older, "test")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != replica.IngestNothing {
		t.Fatalf("got kind %q, want %q", result.Kind, replica.IngestNothing)
	}
	if result.Reason != "obsolete_from_same_author" {
		t.Fatalf("got reason %q", result.Reason)
	}
}

func TestTwoAuthorsAtOnePath(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")
	bobb := testutil.Keypair(t, "bobb")

	now := earthstar.Now()
	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/pathA", Text: "a", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	result, err := r.Set(ctx, bobb, nil, replica.SetInput{Path: "/pathA", Text: "b", Timestamp: now + 3})
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != replica.IngestSuccess {
		t.Fatalf("got kind %q", result.Kind)
	}

	latest, err := r.GetLatestDocAtPath(ctx, "/pathA")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Text != "b" {
		t.Fatalf("got latest %+v, want text b", latest)
	}

	all, err := r.GetAllDocsAtPath(ctx, "/pathA")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d docs, want 2", len(all))
	}
	if all[0].Text != "b" || all[1].Text != "a" {
		t.Fatalf("history not newest-first: %q then %q", all[0].Text, all[1].Text)
	}

	// The older write is stored but is not the latest.
	older := testutil.SignedDoc(t, testutil.Keypair(t, "carl"), share, "/pathA", "c", now+1)
	result, err = r.Ingest(ctx, nil, older, "test")
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != replica.IngestSuccessButNotLatest {
		t.Fatalf("got kind %q, want %q", result.Kind, replica.IngestSuccessButNotLatest)
	}
}

func TestLocalIndexIncreases(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	var last int64 = -1
	for i, path := range []earthstar.Path{"/a", "/b", "/c"} {
		result, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: path, Text: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Doc.LocalIndex <= last {
			t.Fatalf("ingest %d: local index %d not greater than %d", i, result.Doc.LocalIndex, last)
		}
		last = result.Doc.LocalIndex
	}

	max, err := r.MaxLocalIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != last {
		t.Fatalf("got max local index %d, want %d", max, last)
	}
}

func TestOverwriteAllDocsByAuthor(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")
	bobb := testutil.Keypair(t, "bobb")

	now := earthstar.Now()
	for _, path := range []earthstar.Path{"/path1", "/path2"} {
		if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: path, Text: "from suzy", Timestamp: now}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Set(ctx, bobb, nil, replica.SetInput{Path: path, Text: "from bobb", Timestamp: now + 1}); err != nil {
			t.Fatal(err)
		}
	}

	count, err := r.OverwriteAllDocsByAuthor(ctx, suzy, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("got count %d, want 2", count)
	}

	all, err := r.GetAllDocs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d rows, want 4", len(all))
	}
	for _, doc := range all {
		if doc.Author != suzy.Address {
			continue
		}
		if doc.Text != "" {
			t.Fatalf("suzy's doc at %s not wiped: %q", doc.Path, doc.Text)
		}
		if doc.Timestamp <= now {
			t.Fatalf("wiped doc timestamp %d not after original %d", doc.Timestamp, now)
		}
	}
}

func TestEphemeralExpiry(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	now := earthstar.Now()
	_, err := r.Set(ctx, suzy, nil, replica.SetInput{
		Path:        "/x!",
		Text:        "fleeting",
		Timestamp:   now,
		DeleteAfter: now + 5_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	r.SweepExpired(ctx)

	got, err := r.GetLatestDocAtPath(ctx, "/x!")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expired doc still visible: %+v", got)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	result, err := r.Set(ctx, suzy, nil, replica.SetInput{
		Path:       "/a.txt",
		Text:       "hello",
		Attachment: bytes.NewReader([]byte("Hi!")),
	})
	if err != nil {
		t.Fatal(err)
	}
	doc := result.Doc
	if doc.AttachmentSize != 3 {
		t.Fatalf("got attachment size %d, want 3", doc.AttachmentSize)
	}

	rc, err := r.GetAttachment(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Hi!" {
		t.Fatalf("got attachment %q, want %q", got, "Hi!")
	}

	// A second replica receives the doc, then its attachment bytes.
	r2 := openReplica(t, share)
	if _, err := r2.Ingest(ctx, nil, doc, "peer"); err != nil {
		t.Fatal(err)
	}

	if _, err := r2.GetAttachment(ctx, doc); !errors.Is(err, earthstar.ErrNotFound) {
		t.Fatalf("got %v for missing attachment, want ErrNotFound", err)
	}

	if _, err := r2.IngestAttachment(ctx, nil, doc, bytes.NewReader([]byte("wrong")), "peer"); err == nil {
		t.Fatal("wrong bytes ingested without error")
	}

	ok, err := r2.IngestAttachment(ctx, nil, doc, bytes.NewReader([]byte("Hi!")), "peer")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first attachment ingest returned false")
	}
	ok, err = r2.IngestAttachment(ctx, nil, doc, bytes.NewReader([]byte("Hi!")), "peer")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("repeat attachment ingest returned true")
	}
}

func TestWipeDocAtPathPrunesAttachment(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	result, err := r.Set(ctx, suzy, nil, replica.SetInput{
		Path:       "/a.txt",
		Text:       "hello",
		Attachment: bytes.NewReader([]byte("Hi!")),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.WipeDocAtPath(ctx, suzy, "/a.txt"); err != nil {
		t.Fatal(err)
	}

	latest, err := r.GetLatestDocAtPath(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Body() != "" {
		t.Fatalf("got latest %+v, want empty body", latest)
	}

	if _, err := r.GetAttachment(ctx, result.Doc); !errors.Is(err, earthstar.ErrNotFound) {
		t.Fatalf("orphaned attachment survived the wipe: %v", err)
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	events, cancel := r.Subscribe(16)
	defer cancel()

	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/a", Text: "x"}); err != nil {
		t.Fatal(err)
	}

	ev := <-events
	if ev.Kind != replica.EventIngest || ev.Ingest != replica.IngestSuccess {
		t.Fatalf("got event %+v", ev)
	}
	if ev.Doc == nil || ev.Doc.Path != "/a" {
		t.Fatalf("event doc %+v", ev.Doc)
	}
	if ev.SourceTag != "local" {
		t.Fatalf("got source tag %q", ev.SourceTag)
	}

	// A failed ingest emits a failure event and returns the error.
	bad := testutil.SignedDoc(t, suzy, share, "/b", "x", earthstar.Now())
	bad.Text = "tampered"
	if _, err := r.Ingest(ctx, nil, bad, "peer"); err == nil {
		t.Fatal("tampered doc ingested")
	}
	ev = <-events
	if ev.Kind != replica.EventIngest || ev.Ingest != replica.IngestFailure {
		t.Fatalf("got event %+v, want ingest failure", ev)
	}
}

func TestEventChannelFilter(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	closes, cancel := r.Subscribe(4, replica.EventWillClose, replica.EventDidClose)
	defer cancel()

	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/a", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(ctx, false); err != nil {
		t.Fatal(err)
	}

	ev := <-closes
	if ev.Kind != replica.EventWillClose {
		t.Fatalf("got %q, want willClose (ingest events must be filtered out)", ev.Kind)
	}
	ev = <-closes
	if ev.Kind != replica.EventDidClose {
		t.Fatalf("got %q, want didClose", ev.Kind)
	}
}

func TestClosedReplica(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	if err := r.Close(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(ctx, false); !errors.Is(err, earthstar.ErrReplicaClosed) {
		t.Fatalf("second close got %v, want ErrReplicaClosed", err)
	}
	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/a", Text: "x"}); !errors.Is(err, earthstar.ErrReplicaClosed) {
		t.Fatalf("set on closed replica got %v, want ErrReplicaClosed", err)
	}
	if _, err := r.QueryDocs(ctx, query.Query{}); !errors.Is(err, earthstar.ErrReplicaClosed) {
		t.Fatalf("query on closed replica got %v, want ErrReplicaClosed", err)
	}
}

func TestRejectsWrongShare(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	other := testutil.Share(t, "cooking")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	doc := testutil.SignedDoc(t, suzy, other, "/a", "x", earthstar.Now())
	if _, err := r.Ingest(ctx, nil, doc, "peer"); err == nil {
		t.Fatal("doc from another share ingested")
	}
}

func TestQueryAuthorsAndPaths(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")
	bobb := testutil.Keypair(t, "bobb")

	for _, c := range []struct {
		kp   earthstar.AuthorKeypair
		path earthstar.Path
	}{
		{suzy, "/wiki/a"}, {bobb, "/wiki/a"}, {suzy, "/wiki/b"},
	} {
		if _, err := r.Set(ctx, c.kp, nil, replica.SetInput{Path: c.path, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	authors, err := r.QueryAuthors(ctx, query.Query{HistoryMode: query.HistoryAll})
	if err != nil {
		t.Fatal(err)
	}
	if len(authors) != 2 {
		t.Fatalf("got %d authors, want 2", len(authors))
	}

	paths, err := r.QueryPaths(ctx, query.Query{HistoryMode: query.HistoryAll})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "/wiki/a" || paths[1] != "/wiki/b" {
		t.Fatalf("got paths %v", paths)
	}
}

func TestSetTimestampBumpWinsPath(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")
	bobb := testutil.Keypair(t, "bobb")

	// Bobb writes with a timestamp well ahead of the clock (but inside
	// the accepted window); suzy's following Set must still win.
	ahead := earthstar.Now() + 1_000_000
	if _, err := r.Set(ctx, bobb, nil, replica.SetInput{Path: "/duel", Text: "bobb", Timestamp: ahead}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Set(ctx, suzy, nil, replica.SetInput{Path: "/duel", Text: "suzy"}); err != nil {
		t.Fatal(err)
	}

	latest, err := r.GetLatestDocAtPath(ctx, "/duel")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Text != "suzy" {
		t.Fatalf("got latest %q, want suzy's write to win", latest.Text)
	}
	if latest.Timestamp != ahead+1 {
		t.Fatalf("got timestamp %d, want %d", latest.Timestamp, ahead+1)
	}
}

func TestEs4HasNoAttachments(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	r := openReplica(t, share)
	suzy := testutil.Keypair(t, "suzy")

	_, err := r.Set(ctx, suzy, format.Es4, replica.SetInput{
		Path:       "/a",
		Text:       "x",
		Attachment: bytes.NewReader([]byte("Hi!")),
	})
	if !errors.Is(err, earthstar.ErrNotSupported) {
		t.Fatalf("got %v, want ErrNotSupported", err)
	}
}
