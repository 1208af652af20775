// Package buildcache stores reusable build output keyed by the hash of a
// project's dependency lock files. Entries are published atomically: output is
// staged in a scratch directory, renamed into place, and only then indexed.
package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LockFiles are hashed, in this order, to derive a cache key.
var LockFiles = []string{
	"package-lock.json",
	"npm-shrinkwrap.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"bun.lockb",
}

var bucketEntries = []byte("entries")

// Entry describes one published cache directory.
type Entry struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	Framework string    `json:"framework"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	LastHitAt time.Time `json:"last_hit_at,omitempty"`
	Hits      int       `json:"hits"`
}

// Cache is a directory of build outputs indexed in a bbolt database.
type Cache struct {
	root string
	db   *bolt.DB
	mu   sync.Mutex
}

// Open creates the cache layout under root.
func Open(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, "entries"), filepath.Join(root, "staging")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := bolt.Open(filepath.Join(root, "cache.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	// leftovers from interrupted builds are never valid
	_ = os.RemoveAll(filepath.Join(root, "staging"))
	_ = os.MkdirAll(filepath.Join(root, "staging"), 0o755)
	return &Cache{root: root, db: db}, nil
}

// Close releases the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key hashes the lock files present in dir. It returns an empty key when the
// project has no lock file, which disables caching for that build.
func Key(dir string) (string, error) {
	h := sha256.New()
	found := false
	for _, name := range LockFiles {
		sum, err := fileSum(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
		found = true
		fmt.Fprintf(h, "%s:%s\n", name, sum)
	}
	if !found {
		return "", nil
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the published entry for key. An index entry whose directory
// has gone missing is dropped and reported as a miss.
func (c *Cache) Lookup(key string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, nil
	}
	var (
		entry Entry
		found bool
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return b.Delete([]byte(key))
		}
		if info, err := os.Stat(entry.Path); err != nil || !info.IsDir() {
			return b.Delete([]byte(key))
		}
		entry.Hits++
		entry.LastHitAt = time.Now().UTC()
		updated, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		found = true
		return b.Put([]byte(key), updated)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, found, nil
}

// Stage returns a fresh scratch directory for output destined for key.
func (c *Cache) Stage(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("cache key cannot be empty")
	}
	dir, err := os.MkdirTemp(filepath.Join(c.root, "staging"), key[:min(12, len(key))]+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// Discard removes a staging directory that will not be published.
func (c *Cache) Discard(stageDir string) {
	if stageDir == "" {
		return
	}
	rel, err := filepath.Rel(filepath.Join(c.root, "staging"), stageDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	_ = os.RemoveAll(stageDir)
}

// Publish moves a completed staging directory into place and indexes it. If
// another build already published the same key, the existing entry wins and
// the staging directory is discarded.
func (c *Cache) Publish(key, stageDir, framework string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok, err := c.Lookup(key); err == nil && ok {
		c.Discard(stageDir)
		return existing, nil
	}

	final := filepath.Join(c.root, "entries", key)
	if err := os.RemoveAll(final); err != nil {
		return Entry{}, fmt.Errorf("clear cache entry: %w", err)
	}
	if err := os.Rename(stageDir, final); err != nil {
		return Entry{}, fmt.Errorf("publish cache entry: %w", err)
	}
	entry := Entry{
		Key:       key,
		Path:      final,
		Framework: framework,
		SizeBytes: dirSize(final),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), data)
	}); err != nil {
		_ = os.RemoveAll(final)
		return Entry{}, fmt.Errorf("index cache entry: %w", err)
	}
	return entry, nil
}

// Entries lists every indexed entry.
func (c *Cache) Entries() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
