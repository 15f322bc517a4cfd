package buildsys

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var fingerprintBucket = []byte("fingerprints")

// CacheEntry is what the cache remembers about the last successful run of a task
type CacheEntry struct {
	Fingerprint string
	Outputs     []string
	Updated     time.Time
}

// Cache persists task fingerprints between invocations so unchanged tasks can be skipped
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the cache database at file
func OpenCache(file string) (*Cache, error) {
	err := os.MkdirAll(filepath.Dir(file), 0o755)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory for %s", file)
	}

	db, err := bolt.Open(file, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open build cache %s", file)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fingerprintBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize build cache")
	}

	return &Cache{db: db}, nil
}

// Close releases the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the entry stored for task
func (c *Cache) Lookup(task string) (CacheEntry, bool, error) {
	var entry CacheEntry
	found := false

	err := c.db.View(func(tx *bolt.Tx) error {
		item := tx.Bucket(fingerprintBucket).Get([]byte(task))
		if item == nil {
			return nil
		}

		found = true
		return gob.NewDecoder(bytes.NewReader(item)).Decode(&entry)
	})
	if err != nil {
		return CacheEntry{}, false, eris.Wrapf(err, "failed to read cache entry for %s", task)
	}

	return entry, found, nil
}

// Store replaces the entry for task
func (c *Cache) Store(task string, entry CacheEntry) error {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(entry)
	if err != nil {
		return eris.Wrapf(err, "failed to encode cache entry for %s", task)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fingerprintBucket).Put([]byte(task), buf.Bytes())
	})
}

// Reset forgets all entries
func (c *Cache) Reset() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(fingerprintBucket)
		if err != nil && !eris.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		_, err = tx.CreateBucket(fingerprintBucket)
		return err
	})
}

// upToDate reports whether the stored entry matches fingerprint and all recorded outputs still exist
func (c *Cache) upToDate(task, fingerprint string) (bool, error) {
	entry, found, err := c.Lookup(task)
	if err != nil || !found || entry.Fingerprint != fingerprint {
		return false, err
	}

	for _, item := range entry.Outputs {
		_, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}
	}

	return true, nil
}
