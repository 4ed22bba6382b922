// Package cache provides a query cache over a replica. Results are
// memoised in an LRU and invalidated by the replica's own event
// stream, so readers polling the same queries do not re-run them
// against the driver after every write.
package cache

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
	"github.com/earthstar-project/earthstar-go/query"
	"github.com/earthstar-project/earthstar-go/replica"
)

// Cache memoises query results for one replica.
type Cache struct {
	replica *replica.Replica
	c       *lru.Cache // query key -> []earthstar.Doc

	mu       sync.Mutex
	closed   bool
	onUpdate map[int]func()
	nextID   int

	cancelSub func()
	quit      chan struct{}
}

// New produces a cache over r holding up to size query results. The
// cache subscribes to r's event stream; any write invalidates it.
func New(r *replica.Replica, size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		replica:  r,
		c:        c,
		onUpdate: make(map[int]func()),
		quit:     make(chan struct{}),
	}

	events, cancel := r.Subscribe(64,
		replica.EventIngest, replica.EventExpire,
		replica.EventAttachmentIngest, replica.EventAttachmentPrune)
	cache.cancelSub = cancel

	go cache.watch(events)
	return cache, nil
}

func (cache *Cache) watch(events <-chan replica.Event) {
	for {
		var (
			ev replica.Event
			ok bool
		)
		select {
		case <-cache.quit:
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		if ev.Kind == replica.EventIngest && ev.Ingest == replica.IngestFailure {
			continue
		}
		cache.c.Purge()

		cache.mu.Lock()
		callbacks := make([]func(), 0, len(cache.onUpdate))
		for _, fn := range cache.onUpdate {
			callbacks = append(callbacks, fn)
		}
		cache.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	}
}

// OnCacheUpdated registers a callback fired after any invalidation. The
// returned func unregisters it.
func (cache *Cache) OnCacheUpdated(fn func()) func() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	id := cache.nextID
	cache.nextID++
	cache.onUpdate[id] = fn
	return func() {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		delete(cache.onUpdate, id)
	}
}

func (cache *Cache) checkOpen() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.closed {
		return earthstar.ErrCacheClosed
	}
	return nil
}

// QueryDocs returns the cached result for q, running it against the
// replica on a miss.
func (cache *Cache) QueryDocs(ctx context.Context, q query.Query) ([]earthstar.Doc, error) {
	if err := cache.checkOpen(); err != nil {
		return nil, err
	}

	key, err := queryKey(q)
	if err != nil {
		return nil, err
	}
	if got, ok := cache.c.Get(key); ok {
		return got.([]earthstar.Doc), nil
	}

	docs, err := cache.replica.QueryDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	cache.c.Add(key, docs)
	return docs, nil
}

// GetLatestDocAtPath returns the cached winner at path.
func (cache *Cache) GetLatestDocAtPath(ctx context.Context, path earthstar.Path) (*earthstar.Doc, error) {
	docs, err := cache.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryLatest,
		Filter:      &query.Filter{Path: &path},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	doc := docs[0]
	return &doc, nil
}

// GetAllDocsAtPath returns the cached history at path, newest first.
func (cache *Cache) GetAllDocsAtPath(ctx context.Context, path earthstar.Path) ([]earthstar.Doc, error) {
	return cache.QueryDocs(ctx, query.Query{
		HistoryMode: query.HistoryAll,
		Filter:      &query.Filter{Path: &path},
	})
}

// Close releases the subscription and empties the cache. Further calls
// fail with ErrCacheClosed.
func (cache *Cache) Close() error {
	cache.mu.Lock()
	if cache.closed {
		cache.mu.Unlock()
		return earthstar.ErrCacheClosed
	}
	cache.closed = true
	cache.mu.Unlock()

	cache.cancelSub()
	close(cache.quit)
	cache.c.Purge()
	return nil
}

func queryKey(q query.Query) (string, error) {
	b, err := json.Marshal(q)
	return string(b), errors.Wrap(err, "encoding query key")
}
