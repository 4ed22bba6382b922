package sqlite3

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/earthstar-project/earthstar-go/testutil"
)

func TestDocs(t *testing.T) {
	ctx := context.Background()
	dirname, err := os.MkdirTemp("", "sqlite3store")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	share := testutil.Share(t, "gardening")
	drv, err := New(ctx, filepath.Join(dirname, "docs.db"), share)
	if err != nil {
		t.Fatal(err)
	}
	testutil.DocDriver(ctx, t, drv, share)
}

func TestShareMismatch(t *testing.T) {
	ctx := context.Background()
	dirname, err := os.MkdirTemp("", "sqlite3store")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	dbPath := filepath.Join(dirname, "docs.db")
	share := testutil.Share(t, "gardening")
	other := testutil.Share(t, "cooking")

	drv, err := New(ctx, dbPath, share)
	if err != nil {
		t.Fatal(err)
	}
	if err := drv.SetConfig(ctx, "share", string(share)); err != nil {
		t.Fatal(err)
	}
	if err := drv.Close(ctx, false); err != nil {
		t.Fatal(err)
	}

	// Reopening with the persisted share succeeds, with another fails.
	drv, err = New(ctx, dbPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if drv.Share() != share {
		t.Fatalf("got inherited share %s, want %s", drv.Share(), share)
	}
	if err := drv.Close(ctx, false); err != nil {
		t.Fatal(err)
	}

	if _, err := New(ctx, dbPath, other); err == nil {
		t.Fatal("opening with a mismatched share succeeded")
	}
}

func TestCloseErase(t *testing.T) {
	ctx := context.Background()
	dirname, err := os.MkdirTemp("", "sqlite3store")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	dbPath := filepath.Join(dirname, "docs.db")
	share := testutil.Share(t, "gardening")
	drv, err := New(ctx, dbPath, share)
	if err != nil {
		t.Fatal(err)
	}
	if err := drv.Close(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("database file survived erase: %v", err)
	}
}
