// Package sqlite3 implements a SQLite-backed document driver.
//
// The persisted layout is the shared SQL layout: a docs table with the
// indexable columns split out and the full document as a JSON column,
// plus a config key/value table carrying at least the share and the
// schema version.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrs "errors"
	"os"
	"strconv"
	"sync"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
	storefile "github.com/earthstar-project/earthstar-go/store/file"
)

var _ replica.DocDriver = &Docs{}

// Docs is a SQLite-based document driver.
type Docs struct {
	share earthstar.ShareAddress
	path  string

	mu     sync.Mutex
	closed bool
	db     *sql.DB
}

// Schema is the SQL that New executes.
const Schema = `
CREATE TABLE IF NOT EXISTS docs (
  path TEXT NOT NULL,
  author TEXT NOT NULL,
  format TEXT NOT NULL,
  timestamp INTEGER NOT NULL,
  signature TEXT NOT NULL,
  deleteAfter INTEGER,
  pathAuthor TEXT NOT NULL UNIQUE,
  localIndex INTEGER UNIQUE,
  doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_docs_path ON docs (path);
CREATE INDEX IF NOT EXISTS idx_docs_localIndex ON docs (localIndex);
CREATE INDEX IF NOT EXISTS idx_docs_deleteAfter ON docs (deleteAfter);

CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY NOT NULL,
  content TEXT NOT NULL
);
`

// New opens (creating if necessary) the database file at path for the
// given share. A database persisting a different share is a fatal open
// error; an empty share inherits the persisted one.
func New(ctx context.Context, path string, share earthstar.ShareAddress) (*Docs, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting journal mode")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA encoding = "UTF-8"`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting encoding")
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	var persisted string
	err = db.QueryRowContext(ctx, `SELECT content FROM config WHERE key = $1`, replica.ConfigShareKey).Scan(&persisted)
	switch {
	case stderrs.Is(err, sql.ErrNoRows):
		// fresh database
	case err != nil:
		db.Close()
		return nil, errors.Wrap(err, "reading persisted share")
	default:
		if share == "" {
			share = earthstar.ShareAddress(persisted)
		} else if persisted != string(share) {
			db.Close()
			return nil, earthstar.Validationf("database %s stores share %s, not %s", path, persisted, share)
		}
	}
	if share == "" {
		db.Close()
		return nil, earthstar.Validationf("no share declared and none persisted in %s", path)
	}

	return &Docs{share: share, path: path, db: db}, nil
}

// Share implements replica.DocDriver.
func (s *Docs) Share() earthstar.ShareAddress { return s.share }

// IsClosed implements replica.DocDriver.
func (s *Docs) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Docs) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, earthstar.ErrReplicaClosed
	}
	return s.db, nil
}

// Close implements replica.DocDriver. Erasing removes the database
// files.
func (s *Docs) Close(_ context.Context, erase bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return earthstar.ErrReplicaClosed
	}
	s.closed = true
	err := s.db.Close()
	if erase {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if rmErr := os.Remove(s.path + suffix); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
				err = rmErr
			}
		}
	}
	return errors.Wrap(err, "closing db")
}

// GetConfig implements replica.DocDriver.
func (s *Docs) GetConfig(ctx context.Context, key string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	var content string
	err = db.QueryRowContext(ctx, `SELECT content FROM config WHERE key = $1`, key).Scan(&content)
	if stderrs.Is(err, sql.ErrNoRows) {
		return "", earthstar.ErrNotFound
	}
	return content, errors.Wrapf(err, "getting config %s", key)
}

// SetConfig implements replica.DocDriver.
func (s *Docs) SetConfig(ctx context.Context, key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	const q = `INSERT INTO config (key, content) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content`
	_, err = db.ExecContext(ctx, q, key, value)
	return errors.Wrapf(err, "setting config %s", key)
}

// DeleteConfig implements replica.DocDriver.
func (s *Docs) DeleteConfig(ctx context.Context, key string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM config WHERE key = $1`, key)
	if err != nil {
		return false, errors.Wrapf(err, "deleting config %s", key)
	}
	aff, err := res.RowsAffected()
	return aff > 0, errors.Wrap(err, "counting affected rows")
}

// ListConfigKeys implements replica.DocDriver.
func (s *Docs) ListConfigKeys(ctx context.Context) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = sqlutil.ForQueryRows(ctx, db, `SELECT key FROM config ORDER BY key`, func(k string) {
		keys = append(keys, k)
	})
	return keys, errors.Wrap(err, "listing config keys")
}

// MaxLocalIndex implements replica.DocDriver.
func (s *Docs) MaxLocalIndex(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var max int64
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(localIndex), -1) FROM docs`).Scan(&max)
	return max, errors.Wrap(err, "getting max local index")
}

// QueryDocs implements replica.DocDriver. Exact path and author and the
// timestamp bounds are pushed into SQL; the query engine applies the
// rest (globs, content length, history reduction, ordering, limit) to
// the decoded candidates.
func (s *Docs) QueryDocs(ctx context.Context, q query.Query) ([]earthstar.Doc, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	sqlq := `SELECT doc FROM docs WHERE 1=1`
	var args []interface{}
	if f := q.Filter; f != nil {
		if f.Path != nil {
			sqlq += ` AND path = $` + itoa(len(args)+1)
			args = append(args, string(*f.Path))
		}
		if f.Author != nil {
			sqlq += ` AND author = $` + itoa(len(args)+1)
			args = append(args, string(*f.Author))
		}
		if f.Timestamp != nil {
			sqlq += ` AND timestamp = $` + itoa(len(args)+1)
			args = append(args, *f.Timestamp)
		}
		if f.TimestampGt != nil {
			sqlq += ` AND timestamp > $` + itoa(len(args)+1)
			args = append(args, *f.TimestampGt)
		}
		if f.TimestampLt != nil {
			sqlq += ` AND timestamp < $` + itoa(len(args)+1)
			args = append(args, *f.TimestampLt)
		}
	}

	var docs []earthstar.Doc
	args = append(args, func(raw string) error {
		var doc earthstar.Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return errors.Wrap(err, "decoding doc column")
		}
		docs = append(docs, doc)
		return nil
	})
	err = sqlutil.ForQueryRows(ctx, db, sqlq, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying docs")
	}

	return query.Run(docs, q, earthstar.Now()), nil
}

// Upsert implements replica.DocDriver.
func (s *Docs) Upsert(ctx context.Context, doc earthstar.Doc) (earthstar.Doc, error) {
	db, err := s.handle()
	if err != nil {
		return earthstar.Doc{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	var max int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(localIndex), -1) FROM docs`).Scan(&max); err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "getting max local index")
	}
	doc.LocalIndex = max + 1

	raw, err := json.Marshal(doc)
	if err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "encoding doc")
	}

	pathAuthor := string(doc.Path) + "|" + string(doc.Author) + "|" + doc.Format
	var deleteAfter interface{}
	if doc.DeleteAfter != 0 {
		deleteAfter = doc.DeleteAfter
	}

	const q = `INSERT INTO docs (path, author, format, timestamp, signature, deleteAfter, pathAuthor, localIndex, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pathAuthor) DO UPDATE SET
			timestamp = excluded.timestamp,
			signature = excluded.signature,
			deleteAfter = excluded.deleteAfter,
			localIndex = excluded.localIndex,
			doc = excluded.doc`
	if _, err := tx.ExecContext(ctx, q,
		string(doc.Path), string(doc.Author), doc.Format, doc.Timestamp, doc.Signature,
		deleteAfter, pathAuthor, doc.LocalIndex, string(raw),
	); err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "upserting doc")
	}

	if err := tx.Commit(); err != nil {
		return earthstar.Doc{}, errors.Wrap(err, "committing tx")
	}
	return doc, nil
}

// EraseExpiredDocs implements replica.DocDriver.
func (s *Docs) EraseExpiredDocs(ctx context.Context, now int64) ([]earthstar.Doc, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	var erased []earthstar.Doc
	err = sqlutil.ForQueryRows(ctx, tx, `SELECT doc FROM docs WHERE deleteAfter IS NOT NULL AND deleteAfter < $1`, now, func(raw string) error {
		var doc earthstar.Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return errors.Wrap(err, "decoding doc column")
		}
		erased = append(erased, doc)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying expired docs")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE deleteAfter IS NOT NULL AND deleteAfter < $1`, now); err != nil {
		return nil, errors.Wrap(err, "deleting expired docs")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing tx")
	}
	return erased, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func init() {
	store.Register("sqlite3", func(ctx context.Context, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error) {
		dbPath, ok := conf["db"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "db" parameter`)
		}
		attDir, ok := conf["attachments"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "attachments" parameter`)
		}
		docs, err := New(ctx, dbPath, share)
		if err != nil {
			return replica.Driver{}, err
		}
		atts, err := storefile.New(attDir)
		if err != nil {
			docs.Close(ctx, false)
			return replica.Driver{}, err
		}
		return replica.Driver{Docs: docs, Attachments: atts}, nil
	})
}
