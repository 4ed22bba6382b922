// Package pg implements a PostgreSQL-backed document driver with the
// same layout as the sqlite3 driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrs "errors"
	"strconv"
	"sync"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
	"github.com/earthstar-project/earthstar-go/store"
	storefile "github.com/earthstar-project/earthstar-go/store/file"
)

var _ replica.DocDriver = &Docs{}

// Docs is a Postgres-based document driver.
type Docs struct {
	share earthstar.ShareAddress

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
  timestamp BIGINT NOT NULL,
  signature TEXT NOT NULL,
  deleteAfter BIGINT,
  pathAuthor TEXT NOT NULL UNIQUE,
  localIndex BIGINT UNIQUE,
  doc JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_docs_path ON docs (path);
CREATE INDEX IF NOT EXISTS idx_docs_localIndex ON docs (localIndex);
CREATE INDEX IF NOT EXISTS idx_docs_deleteAfter ON docs (deleteAfter);

CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY NOT NULL,
  content TEXT NOT NULL
);
`

// New produces a new Docs using db for storage. A database persisting a
// different share is a fatal open error; an empty share inherits the
// persisted one.
func New(ctx context.Context, db *sql.DB, share earthstar.ShareAddress) (*Docs, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}

	var persisted string
	err := db.QueryRowContext(ctx, `SELECT content FROM config WHERE key = $1`, replica.ConfigShareKey).Scan(&persisted)
	switch {
	case stderrs.Is(err, sql.ErrNoRows):
		// fresh database
	case err != nil:
		return nil, errors.Wrap(err, "reading persisted share")
	default:
		if share == "" {
			share = earthstar.ShareAddress(persisted)
		} else if persisted != string(share) {
			return nil, earthstar.Validationf("database stores share %s, not %s", persisted, share)
		}
	}
	if share == "" {
		return nil, earthstar.Validationf("no share declared and none persisted")
	}

	return &Docs{share: share, db: db}, nil
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

// Close implements replica.DocDriver. Erasing drops the tables; the
// database itself belongs to the operator.
func (s *Docs) Close(ctx context.Context, erase bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return earthstar.ErrReplicaClosed
	}
	s.closed = true
	var err error
	if erase {
		_, err = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS docs; DROP TABLE IF EXISTS config`)
	}
	if closeErr := s.db.Close(); err == nil {
		err = closeErr
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

// QueryDocs implements replica.DocDriver.
func (s *Docs) QueryDocs(ctx context.Context, q query.Query) ([]earthstar.Doc, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	sqlq := `SELECT doc FROM docs WHERE TRUE`
	var args []interface{}
	if f := q.Filter; f != nil {
		if f.Path != nil {
			sqlq += ` AND path = $` + strconv.Itoa(len(args)+1)
			args = append(args, string(*f.Path))
		}
		if f.Author != nil {
			sqlq += ` AND author = $` + strconv.Itoa(len(args)+1)
			args = append(args, string(*f.Author))
		}
		if f.Timestamp != nil {
			sqlq += ` AND timestamp = $` + strconv.Itoa(len(args)+1)
			args = append(args, *f.Timestamp)
		}
		if f.TimestampGt != nil {
			sqlq += ` AND timestamp > $` + strconv.Itoa(len(args)+1)
			args = append(args, *f.TimestampGt)
		}
		if f.TimestampLt != nil {
			sqlq += ` AND timestamp < $` + strconv.Itoa(len(args)+1)
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
	if err := sqlutil.ForQueryRows(ctx, db, sqlq, args...); err != nil {
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

	var erased []earthstar.Doc
	err = sqlutil.ForQueryRows(ctx, db, `DELETE FROM docs WHERE deleteAfter IS NOT NULL AND deleteAfter < $1 RETURNING doc`, now, func(raw string) error {
		var doc earthstar.Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return errors.Wrap(err, "decoding doc column")
		}
		erased = append(erased, doc)
		return nil
	})
	return erased, errors.Wrap(err, "erasing expired docs")
}

func init() {
	store.Register("pg", func(ctx context.Context, share earthstar.ShareAddress, conf map[string]interface{}) (replica.Driver, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "conn" parameter`)
		}
		attDir, ok := conf["attachments"].(string)
		if !ok {
			return replica.Driver{}, errors.New(`missing "attachments" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return replica.Driver{}, errors.Wrap(err, "opening db")
		}
		docs, err := New(ctx, db, share)
		if err != nil {
			db.Close()
			return replica.Driver{}, err
		}
		atts, err := storefile.New(attDir)
		if err != nil {
			db.Close()
			return replica.Driver{}, err
		}
		return replica.Driver{Docs: docs, Attachments: atts}, nil
	})
}
