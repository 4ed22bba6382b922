package badger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bobg/hashsplit"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/crypto"
	"github.com/earthstar-project/earthstar-go/replica"
)

var _ replica.AttachmentDriver = &Attachments{}

// Attachments is the attachment-driver half of a Store.
type Attachments struct {
	store *Store
}

func attKey(id replica.AttachmentID) []byte {
	return []byte(attPrefix + id.Format + "/" + id.Hash)
}

func chunkKey(id replica.AttachmentID, n int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%08d", chunkPrefix, id.Format, id.Hash, n))
}

type staged struct {
	parent *Attachments
	id     replica.AttachmentID
	size   int64
	chunks [][]byte
}

func (st *staged) Hash() string { return st.id.Hash }
func (st *staged) Size() int64  { return st.size }

func (st *staged) Commit(_ context.Context) error {
	db, err := st.parent.store.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(attKey(st.id)); err == nil {
			return nil // already present
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		for n, chunk := range st.chunks {
			if err := txn.Set(chunkKey(st.id, n), chunk); err != nil {
				return err
			}
		}
		return txn.Set(attKey(st.id), []byte(strconv.Itoa(len(st.chunks))))
	})
	st.chunks = nil
	return errors.Wrap(err, "committing attachment")
}

func (st *staged) Reject(_ context.Context) error {
	st.chunks = nil
	return nil
}

// Stage implements replica.AttachmentDriver. The stream is content-
// split so no single Badger value grows unbounded; chunks are held
// until Commit writes them in one transaction.
func (s *Attachments) Stage(_ context.Context, format string, r io.Reader) (replica.StagedAttachment, error) {
	if _, err := s.store.handle(); err != nil {
		return nil, err
	}

	st := &staged{parent: s}
	hasher := crypto.Default().UpdatableSha256()

	spl := hashsplit.NewSplitter(func(chunk []byte, _ uint) error {
		copied := make([]byte, len(chunk))
		copy(copied, chunk)
		st.chunks = append(st.chunks, copied)
		return nil
	})
	spl.MinSize = 1024
	spl.SplitBits = 14

	size, err := io.Copy(io.MultiWriter(spl, hasher), r)
	if err != nil {
		return nil, errors.Wrap(err, "splitting attachment stream")
	}
	if err := spl.Close(); err != nil {
		return nil, errors.Wrap(err, "closing splitter")
	}

	st.size = size
	st.id = replica.AttachmentID{Format: format, Hash: earthstar.EncodeBase32(hasher.Sum(nil))}
	return st, nil
}

// Get implements replica.AttachmentDriver.
func (s *Attachments) Get(_ context.Context, id replica.AttachmentID) (io.ReadCloser, error) {
	db, err := s.store.handle()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(attKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return earthstar.ErrNotFound
		}
		if err != nil {
			return err
		}
		var count int
		if err := item.Value(func(v []byte) error {
			count, err = strconv.Atoi(string(v))
			return err
		}); err != nil {
			return err
		}
		for n := 0; n < count; n++ {
			chunkItem, err := txn.Get(chunkKey(id, n))
			if err != nil {
				return err
			}
			if err := chunkItem.Value(func(v []byte) error {
				buf.Write(v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, earthstar.ErrNotFound) {
			return nil, earthstar.ErrNotFound
		}
		return nil, errors.Wrap(err, "reading attachment")
	}
	return io.NopCloser(&buf), nil
}

// Erase implements replica.AttachmentDriver.
func (s *Attachments) Erase(_ context.Context, id replica.AttachmentID) (bool, error) {
	db, err := s.store.handle()
	if err != nil {
		return false, err
	}
	existed := false
	err = db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(attKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		var count int
		if err := item.Value(func(v []byte) error {
			count, err = strconv.Atoi(string(v))
			return err
		}); err != nil {
			return err
		}
		for n := 0; n < count; n++ {
			if err := txn.Delete(chunkKey(id, n)); err != nil {
				return err
			}
		}
		return txn.Delete(attKey(id))
	})
	return existed, errors.Wrap(err, "erasing attachment")
}

// Filter implements replica.AttachmentDriver.
func (s *Attachments) Filter(ctx context.Context, keep map[replica.AttachmentID]struct{}) ([]replica.AttachmentID, error) {
	ids, err := s.list()
	if err != nil {
		return nil, err
	}
	var erased []replica.AttachmentID
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
	db, err := s.store.handle()
	if err != nil {
		return nil, err
	}
	var ids []replica.AttachmentID
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(attPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), attPrefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				continue
			}
			ids = append(ids, replica.AttachmentID{Format: parts[0], Hash: parts[1]})
		}
		return nil
	})
	return ids, errors.Wrap(err, "listing attachments")
}

// ClearAll implements replica.AttachmentDriver.
func (s *Attachments) ClearAll(ctx context.Context) error {
	ids, err := s.list()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.Erase(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
