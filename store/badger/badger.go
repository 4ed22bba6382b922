// Package badger implements document and attachment drivers on a single
// embedded BadgerDB instance.
//
// Documents live under doc/<path>|<author>|<format> as JSON. Attachment
// bytes are content-split into chunks so no single Badger value grows
// unbounded; the chunk count lives under att/<format>/<hash> and the
// chunks under chunk/<format>/<hash>/<n>.
package badger

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
)

const (
	configPrefix = "config/"
	docPrefix    = "doc/"
	attPrefix    = "att/"
	chunkPrefix  = "chunk/"

	maxLocalIndexKey = "maxLocalIndex"
)

// Store owns the Badger instance shared by the two driver halves.
type Store struct {
	share earthstar.ShareAddress
	path  string

	mu     sync.Mutex
	closed bool
	db     *badgerdb.DB
}

// New opens (creating if necessary) a Badger database at path for the
// given share and returns the driver pair. A database persisting a
// different share is a fatal open error; an empty share inherits the
// persisted one.
func New(path string, share earthstar.ShareAddress) (*Store, replica.Driver, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, replica.Driver{}, errors.Wrap(err, "opening badger db")
	}

	s := &Store{share: share, path: path, db: db}

	persisted, err := s.getConfig(replica.ConfigShareKey)
	switch {
	case errors.Is(err, earthstar.ErrNotFound):
		// fresh database
	case err != nil:
		db.Close()
		return nil, replica.Driver{}, err
	default:
		if share == "" {
			s.share = earthstar.ShareAddress(persisted)
		} else if persisted != string(share) {
			db.Close()
			return nil, replica.Driver{}, earthstar.Validationf("database %s stores share %s, not %s", path, persisted, share)
		}
	}
	if s.share == "" {
		db.Close()
		return nil, replica.Driver{}, earthstar.Validationf("no share declared and none persisted in %s", path)
	}

	return s, replica.Driver{Docs: (*Docs)(s), Attachments: &Attachments{store: s}}, nil
}

func (s *Store) handle() (*badgerdb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, earthstar.ErrReplicaClosed
	}
	return s.db, nil
}

func (s *Store) getConfig(key string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	var value string
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(configPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", earthstar.ErrNotFound
	}
	return value, errors.Wrapf(err, "getting config %s", key)
}

// Docs is the document-driver half of a Store.
type Docs Store

var _ replica.DocDriver = &Docs{}

// Share implements replica.DocDriver.
func (s *Docs) Share() earthstar.ShareAddress { return s.share }

// IsClosed implements replica.DocDriver.
func (s *Docs) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements replica.DocDriver. Closing the doc half closes the
// shared Badger instance; erasing removes its directory.
func (s *Docs) Close(_ context.Context, erase bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return earthstar.ErrReplicaClosed
	}
	s.closed = true
	err := s.db.Close()
	if erase {
		if rmErr := os.RemoveAll(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return errors.Wrap(err, "closing badger db")
}

// GetConfig implements replica.DocDriver.
func (s *Docs) GetConfig(_ context.Context, key string) (string, error) {
	return (*Store)(s).getConfig(key)
}

// SetConfig implements replica.DocDriver.
func (s *Docs) SetConfig(_ context.Context, key, value string) error {
	db, err := (*Store)(s).handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(configPrefix+key), []byte(value))
	})
	return errors.Wrapf(err, "setting config %s", key)
}

// DeleteConfig implements replica.DocDriver.
func (s *Docs) DeleteConfig(_ context.Context, key string) (bool, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return false, err
	}
	existed := false
	err = db.Update(func(txn *badgerdb.Txn) error {
		k := []byte(configPrefix + key)
		if _, err := txn.Get(k); err == nil {
			existed = true
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(k)
	})
	return existed, errors.Wrapf(err, "deleting config %s", key)
}

// ListConfigKeys implements replica.DocDriver.
func (s *Docs) ListConfigKeys(_ context.Context) ([]string, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(configPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), configPrefix))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, errors.Wrap(err, "listing config keys")
}

// MaxLocalIndex implements replica.DocDriver.
func (s *Docs) MaxLocalIndex(_ context.Context) (int64, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return 0, err
	}
	max := int64(-1)
	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(maxLocalIndexKey))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			max, err = strconv.ParseInt(string(v), 10, 64)
			return err
		})
	})
	return max, errors.Wrap(err, "getting max local index")
}

func (s *Docs) allDocs(db *badgerdb.DB) ([]earthstar.Doc, error) {
	var docs []earthstar.Doc
	err := db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(docPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var doc earthstar.Doc
				if err := json.Unmarshal(v, &doc); err != nil {
					return errors.Wrap(err, "decoding doc value")
				}
				docs = append(docs, doc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return docs, err
}

// QueryDocs implements replica.DocDriver.
func (s *Docs) QueryDocs(_ context.Context, q query.Query) ([]earthstar.Doc, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return nil, err
	}
	docs, err := s.allDocs(db)
	if err != nil {
		return nil, errors.Wrap(err, "querying docs")
	}
	return query.Run(docs, q, earthstar.Now()), nil
}

func docKey(doc earthstar.Doc) []byte {
	return []byte(docPrefix + string(doc.Path) + "|" + string(doc.Author) + "|" + doc.Format)
}

// Upsert implements replica.DocDriver.
func (s *Docs) Upsert(_ context.Context, doc earthstar.Doc) (earthstar.Doc, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return earthstar.Doc{}, err
	}
	err = db.Update(func(txn *badgerdb.Txn) error {
		max := int64(-1)
		item, err := txn.Get([]byte(maxLocalIndexKey))
		if err == nil {
			if err := item.Value(func(v []byte) error {
				max, err = strconv.ParseInt(string(v), 10, 64)
				return err
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		doc.LocalIndex = max + 1
		raw, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "encoding doc")
		}
		if err := txn.Set(docKey(doc), raw); err != nil {
			return err
		}
		return txn.Set([]byte(maxLocalIndexKey), []byte(strconv.FormatInt(doc.LocalIndex, 10)))
	})
	return doc, errors.Wrap(err, "upserting doc")
}

// EraseExpiredDocs implements replica.DocDriver.
func (s *Docs) EraseExpiredDocs(_ context.Context, now int64) ([]earthstar.Doc, error) {
	db, err := (*Store)(s).handle()
	if err != nil {
		return nil, err
	}
	docs, err := s.allDocs(db)
	if err != nil {
		return nil, errors.Wrap(err, "scanning for expired docs")
	}
	var erased []earthstar.Doc
	err = db.Update(func(txn *badgerdb.Txn) error {
		for _, doc := range docs {
			if doc.DeleteAfter != 0 && doc.DeleteAfter < now {
				if err := txn.Delete(docKey(doc)); err != nil {
					return err
				}
				erased = append(erased, doc)
			}
		}
		return nil
	})
	return erased, errors.Wrap(err, "erasing expired docs")
}

func init() {
	store.Register("badger", func(_ context.Context, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error) {
		path, ok := conf["path"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "path" parameter`)
		}
		_, driver, err := New(path, share)
		return driver, err
	})
}
