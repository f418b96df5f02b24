package version

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/obstack/upctl/pkg/types"
)

var bucketVersionCache = []byte("version_cache")

// Cache stores prior resolutions keyed by component. Losing the cache never
// violates correctness; it only forces a remote call or fallback.
type Cache interface {
	Get(component string) (*types.CacheEntry, error)
	Put(entry *types.CacheEntry) error
	Close() error
}

// BoltCache implements Cache on a BoltDB file in the data directory
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (creating if needed) the version cache database
func NewBoltCache(dataDir string) (*BoltCache, error) {
	dbPath := filepath.Join(dataDir, "version-cache.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open version cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVersionCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltCache{db: db}, nil
}

// Get returns the cached entry for component, or nil if none exists
func (c *BoltCache) Get(component string) (*types.CacheEntry, error) {
	var entry *types.CacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersionCache).Get([]byte(component))
		if data == nil {
			return nil
		}
		entry = &types.CacheEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry, nil
}

// Put stores or refreshes the entry for its component
func (c *BoltCache) Put(entry *types.CacheEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVersionCache).Put([]byte(entry.Component), data)
	})
}

// Close closes the database
func (c *BoltCache) Close() error {
	return c.db.Close()
}
