package mem

import (
	"bytes"
	"context"
	"io"
	"sync"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/replica"
)

var _ replica.AttachmentDriver = &Attachments{}

// Attachments is a memory-based attachment driver.
type Attachments struct {
	mu    sync.Mutex
	blobs map[replica.AttachmentID][]byte
}

// NewAttachments produces a new empty attachment driver.
func NewAttachments() *Attachments {
	return &Attachments{blobs: make(map[replica.AttachmentID][]byte)}
}

type staged struct {
	parent *Attachments
	id     replica.AttachmentID
	data   []byte
}

func (st *staged) Hash() string { return st.id.Hash }
func (st *staged) Size() int64  { return int64(len(st.data)) }

func (st *staged) Commit(_ context.Context) error {
	st.parent.mu.Lock()
	defer st.parent.mu.Unlock()
	if _, ok := st.parent.blobs[st.id]; !ok {
		st.parent.blobs[st.id] = st.data
	}
	st.data = nil
	return nil
}

func (st *staged) Reject(_ context.Context) error {
	st.data = nil
	return nil
}

// Stage implements replica.AttachmentDriver.
func (s *Attachments) Stage(_ context.Context, format string, r io.Reader) (replica.StagedAttachment, error) {
	hasher := crypto.Default().UpdatableSha256()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, hasher), r); err != nil {
		return nil, err
	}
	return &staged{
		parent: s,
		id: replica.AttachmentID{
			Format: format,
			Hash:   earthstar.EncodeBase32(hasher.Sum(nil)),
		},
		data: buf.Bytes(),
	}, nil
}

// Get implements replica.AttachmentDriver.
func (s *Attachments) Get(_ context.Context, id replica.AttachmentID) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, earthstar.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Erase implements replica.AttachmentDriver.
func (s *Attachments) Erase(_ context.Context, id replica.AttachmentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[id]
	delete(s.blobs, id)
	return ok, nil
}

// Filter implements replica.AttachmentDriver.
func (s *Attachments) Filter(_ context.Context, keep map[replica.AttachmentID]struct{}) ([]replica.AttachmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var erased []replica.AttachmentID
	for id := range s.blobs {
		if _, ok := keep[id]; !ok {
			erased = append(erased, id)
			delete(s.blobs, id)
		}
	}
	return erased, nil
}

// ClearAll implements replica.AttachmentDriver.
func (s *Attachments) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[replica.AttachmentID][]byte)
	return nil
}
