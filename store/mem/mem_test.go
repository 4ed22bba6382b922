package mem

import (
	"context"
	"testing"

	"github.com/earthstar-project/earthstar-go/testutil"
)

func TestDocs(t *testing.T) {
	share := testutil.Share(t, "gardening")
	testutil.DocDriver(context.Background(), t, NewDocs(share), share)
}

func TestAttachments(t *testing.T) {
	testutil.AttachmentDriver(context.Background(), t, NewAttachments())
}
