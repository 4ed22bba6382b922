// Package mem implements in-memory document and attachment drivers.
package mem

import (
	"context"
	"sort"
	"sync"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
)

var _ replica.DocDriver = &Docs{}

// Docs is a memory-based document driver.
type Docs struct {
	share earthstar.ShareAddress

	mu            sync.Mutex
	closed        bool
	config        map[string]string
	docs          map[string]earthstar.Doc // keyed by path|author|format
	maxLocalIndex int64
}

// NewDocs produces a new empty document driver for share.
func NewDocs(share earthstar.ShareAddress) *Docs {
	return &Docs{
		share:         share,
		config:        make(map[string]string),
		docs:          make(map[string]earthstar.Doc),
		maxLocalIndex: -1,
	}
}

func docKey(doc earthstar.Doc) string {
	return string(doc.Path) + "|" + string(doc.Author) + "|" + doc.Format
}

// Share implements replica.DocDriver.
func (s *Docs) Share() earthstar.ShareAddress { return s.share }

// IsClosed implements replica.DocDriver.
func (s *Docs) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Docs) checkOpen() error {
	if s.closed {
		return earthstar.ErrReplicaClosed
	}
	return nil
}

// Close implements replica.DocDriver. Erasing drops everything held in
// memory.
func (s *Docs) Close(_ context.Context, erase bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return earthstar.ErrReplicaClosed
	}
	s.closed = true
	if erase {
		s.docs = nil
		s.config = nil
	}
	return nil
}

// GetConfig implements replica.DocDriver.
func (s *Docs) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	v, ok := s.config[key]
	if !ok {
		return "", earthstar.ErrNotFound
	}
	return v, nil
}

// SetConfig implements replica.DocDriver.
func (s *Docs) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.config[key] = value
	return nil
}

// DeleteConfig implements replica.DocDriver.
func (s *Docs) DeleteConfig(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	_, ok := s.config[key]
	delete(s.config, key)
	return ok, nil
}

// ListConfigKeys implements replica.DocDriver.
func (s *Docs) ListConfigKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.config))
	for k := range s.config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// MaxLocalIndex implements replica.DocDriver.
func (s *Docs) MaxLocalIndex(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.maxLocalIndex, nil
}

// QueryDocs implements replica.DocDriver. The whole set is handed to
// the query engine; a memory driver has nothing to push down.
func (s *Docs) QueryDocs(_ context.Context, q query.Query) ([]earthstar.Doc, error) {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	all := make([]earthstar.Doc, 0, len(s.docs))
	for _, doc := range s.docs {
		all = append(all, doc)
	}
	s.mu.Unlock()

	return query.Run(all, q, earthstar.Now()), nil
}

// Upsert implements replica.DocDriver.
func (s *Docs) Upsert(_ context.Context, doc earthstar.Doc) (earthstar.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return earthstar.Doc{}, err
	}
	s.maxLocalIndex++
	doc.LocalIndex = s.maxLocalIndex
	s.docs[docKey(doc)] = doc
	return doc, nil
}

// EraseExpiredDocs implements replica.DocDriver.
func (s *Docs) EraseExpiredDocs(_ context.Context, now int64) ([]earthstar.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var erased []earthstar.Doc
	for key, doc := range s.docs {
		if doc.DeleteAfter != 0 && doc.DeleteAfter < now {
			erased = append(erased, doc)
			delete(s.docs, key)
		}
	}
	return erased, nil
}

func init() {
	store.Register("mem", func(_ context.Context, share earthstar.ShareAddress, _ map[string]interface{}) (replica.Driver, error) {
		return New(share), nil
	})
}

// New produces a memory-backed driver pair for share.
func New(share earthstar.ShareAddress) replica.Driver {
	return replica.Driver{
		Docs:        NewDocs(share),
		Attachments: NewAttachments(),
	}
}
