package settings

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	earthstar "github.com/earthstar-project/earthstar-go"
)

var _ KV = &FileKV{}

// FileKV is a KV persisted as one JSON file, rewritten on every write.
type FileKV struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// OpenFileKV loads (or initialises) the JSON file at path.
func OpenFileKV(path string) (*FileKV, error) {
	kv := &FileKV{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kv, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if err := json.Unmarshal(raw, &kv.data); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return kv, nil
}

// Get implements KV.
func (kv *FileKV) Get(key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return "", earthstar.ErrNotFound
	}
	return v, nil
}

// Set implements KV.
func (kv *FileKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	return kv.flush()
}

// Delete implements KV.
func (kv *FileKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return kv.flush()
}

// Keys implements KV.
func (kv *FileKV) Keys() ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Caller must hold kv.mu.
func (kv *FileKV) flush() error {
	raw, err := json.MarshalIndent(kv.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	return errors.Wrapf(os.WriteFile(kv.path, raw, 0600), "writing %s", kv.path)
}
