// Package file implements an attachment driver as a file hierarchy.
//
// Committed attachments live under <root>/blobs/<format>/<hh>/<hash>,
// sharded on the first two hash characters. Bytes being staged live
// under <root>/staging and become visible only through an atomic rename
// at commit time. Leftover staging files from a crashed process are
// discarded at open.
package file

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
	"github.com/earthstar-project/earthstar-go/store/mem"
)

var _ replica.AttachmentDriver = &Attachments{}

// Attachments is a file-based attachment driver storing data beneath a
// root directory.
type Attachments struct {
	root    string
	flocker flock.Locker
}

// New produces a new driver rooted at root, discarding any staging
// leftovers from a previous process.
func New(root string) (*Attachments, error) {
	s := &Attachments{root: root}
	for _, dir := range []string{s.blobroot(), s.stagingroot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "ensuring %s exists", dir)
		}
	}
	leftovers, err := os.ReadDir(s.stagingroot())
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", s.stagingroot())
	}
	for _, entry := range leftovers {
		if err := os.Remove(filepath.Join(s.stagingroot(), entry.Name())); err != nil {
			return nil, errors.Wrap(err, "discarding staging leftover")
		}
	}
	return s, nil
}

func (s *Attachments) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Attachments) stagingroot() string {
	return filepath.Join(s.root, "staging")
}

func (s *Attachments) blobpath(id replica.AttachmentID) string {
	h := id.Hash
	shard := h
	if len(h) > 3 {
		shard = h[1:3] // skip the "b" marker
	}
	return filepath.Join(s.blobroot(), id.Format, shard, h)
}

func (s *Attachments) lockfile() string {
	return filepath.Join(s.root, "commitlock")
}

type staged struct {
	parent *Attachments
	format string
	hash   string
	size   int64
	tmp    string
}

func (st *staged) Hash() string { return st.hash }
func (st *staged) Size() int64  { return st.size }

// Commit moves the staged file into the blob hierarchy. The rename is
// atomic within one filesystem; the flock serializes commits across
// processes sharing the root.
func (st *staged) Commit(_ context.Context) error {
	s := st.parent
	if err := s.flocker.Lock(s.lockfile()); err != nil {
		return errors.Wrap(err, "locking commit lock")
	}
	defer s.flocker.Unlock(s.lockfile())

	dest := s.blobpath(replica.AttachmentID{Format: st.format, Hash: st.hash})
	if _, err := os.Stat(dest); err == nil {
		return os.Remove(st.tmp)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", filepath.Dir(dest))
	}
	return errors.Wrapf(os.Rename(st.tmp, dest), "renaming %s into place", st.tmp)
}

func (st *staged) Reject(_ context.Context) error {
	err := os.Remove(st.tmp)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "removing staged file")
}

// Stage implements replica.AttachmentDriver.
func (s *Attachments) Stage(ctx context.Context, format string, r io.Reader) (replica.StagedAttachment, error) {
	f, err := os.CreateTemp(s.stagingroot(), "stage-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating staging file")
	}

	hasher := crypto.Default().UpdatableSha256()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "writing staged bytes")
	}

	return &staged{
		parent: s,
		format: format,
		hash:   earthstar.EncodeBase32(hasher.Sum(nil)),
		size:   size,
		tmp:    f.Name(),
	}, nil
}

// Get implements replica.AttachmentDriver.
func (s *Attachments) Get(_ context.Context, id replica.AttachmentID) (io.ReadCloser, error) {
	f, err := os.Open(s.blobpath(id))
	if os.IsNotExist(err) {
		return nil, earthstar.ErrNotFound
	}
	return f, errors.Wrapf(err, "opening %s", s.blobpath(id))
}

// Erase implements replica.AttachmentDriver.
func (s *Attachments) Erase(_ context.Context, id replica.AttachmentID) (bool, error) {
	err := os.Remove(s.blobpath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "removing %s", s.blobpath(id))
}

// Filter implements replica.AttachmentDriver.
func (s *Attachments) Filter(ctx context.Context, keep map[replica.AttachmentID]struct{}) ([]replica.AttachmentID, error) {
	var erased []replica.AttachmentID
	ids, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := s.Erase(ctx, id); err != nil {
			return erased, err
		}
		erased = append(erased, id)
	}
	return erased, nil
}

func (s *Attachments) list() ([]replica.AttachmentID, error) {
	var ids []replica.AttachmentID
	formats, err := os.ReadDir(s.blobroot())
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", s.blobroot())
	}
	for _, formatDir := range formats {
		if !formatDir.IsDir() {
			continue
		}
		shards, err := os.ReadDir(filepath.Join(s.blobroot(), formatDir.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "reading format dir")
		}
		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			blobs, err := os.ReadDir(filepath.Join(s.blobroot(), formatDir.Name(), shard.Name()))
			if err != nil {
				return nil, errors.Wrap(err, "reading shard dir")
			}
			for _, blob := range blobs {
				if blob.IsDir() {
					continue
				}
				ids = append(ids, replica.AttachmentID{Format: formatDir.Name(), Hash: blob.Name()})
			}
		}
	}
	return ids, nil
}

// ClearAll implements replica.AttachmentDriver.
func (s *Attachments) ClearAll(_ context.Context) error {
	for _, dir := range []string{s.blobroot(), s.stagingroot()} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "removing %s", dir)
		}
	}
	return nil
}

func init() {
	store.Register("file", func(_ context.Context, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "root" parameter`)
		}
		atts, err := New(root)
		if err != nil {
			return replica.Driver{}, err
		}
		return replica.Driver{Docs: mem.NewDocs(share), Attachments: atts}, nil
	})
}
