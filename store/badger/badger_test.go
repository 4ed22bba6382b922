package badger

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/testutil"
)

func TestDocs(t *testing.T) {
	share := testutil.Share(t, "gardening")
	_, driver, err := New(t.TempDir(), share)
	require.NoError(t, err)
	testutil.DocDriver(context.Background(), t, driver.Docs, share)
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	_, driver, err := New(t.TempDir(), share)
	require.NoError(t, err)
	defer driver.Docs.Close(ctx, false)

	testutil.AttachmentDriver(ctx, t, driver.Attachments)
}

func TestLargeAttachmentChunking(t *testing.T) {
	ctx := context.Background()
	share := testutil.Share(t, "gardening")
	_, driver, err := New(t.TempDir(), share)
	require.NoError(t, err)
	defer driver.Docs.Close(ctx, false)

	// Large enough to split into several chunks.
	data := make([]byte, 1<<20)
	_, err = rand.Read(data)
	require.NoError(t, err)

	staged, err := driver.Attachments.Stage(ctx, "es.5", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), staged.Size())
	require.NoError(t, staged.Commit(ctx))

	id := replica.AttachmentID{Format: "es.5", Hash: staged.Hash()}
	rc, err := driver.Attachments.Get(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "chunked round trip mismatch")
}

func TestShareMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	share := testutil.Share(t, "gardening")
	other := testutil.Share(t, "cooking")

	_, driver, err := New(dir, share)
	require.NoError(t, err)
	require.NoError(t, driver.Docs.SetConfig(ctx, "share", string(share)))
	require.NoError(t, driver.Docs.Close(ctx, false))

	_, driver, err = New(dir, "")
	require.NoError(t, err)
	assert.Equal(t, share, driver.Docs.Share())
	require.NoError(t, driver.Docs.Close(ctx, false))

	_, _, err = New(dir, other)
	assert.Error(t, err)
}
