package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore keeps blobs in an embedded key-value store using the same key layout as MinioStore.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenPebbleStore opens or creates the store at path. A nil fs uses the local disk.
func OpenPebbleStore(path string, fs vfs.FS) (*PebbleStore, error) {
	options := &pebble.Options{
		Cache:              pebble.NewCache(16 << 20),
		FormatMajorVersion: pebble.FormatNewest,
		MemTableSize:       16 << 20,
	}
	defer options.Cache.Unref()
	if fs != nil {
		options.FS = fs
	}
	db, err := pebble.Open(path, options)
	if err != nil {
		return nil, fmt.Errorf("blob: open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close releases the underlying database.
func (store *PebbleStore) Close() error {
	return store.db.Close()
}

// Upload stores content once and registers every holder.
func (store *PebbleStore) Upload(ctx context.Context, content []byte, holders []string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}
	issued, err := issueHolders(holders)
	if err != nil {
		return Upload{}, err
	}
	hash := ContentHash(content)

	store.mu.Lock()
	defer store.mu.Unlock()
	batch := store.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(blobKey(hash)), content, nil); err != nil {
		return Upload{}, fmt.Errorf("blob: stage %s: %w", hash, err)
	}
	for holder, token := range issued {
		if err := batch.Set([]byte(holderKey(hash, token)), []byte(holder), nil); err != nil {
			return Upload{}, fmt.Errorf("blob: stage holder for %s: %w", hash, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Upload{}, fmt.Errorf("blob: commit %s: %w", hash, err)
	}
	return Upload{Hash: hash, Holders: issued}, nil
}

// Fetch returns the blob content.
func (store *PebbleStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateHash(hash); err != nil {
		return nil, err
	}
	value, closer, err := store.db.Get([]byte(blobKey(hash)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("blob: fetch %s: %w", hash, err)
	}
	defer closer.Close()
	content := make([]byte, len(value))
	copy(content, value)
	return content, nil
}

// Release drops one holder and deletes the blob once no holder remains.
func (store *PebbleStore) Release(ctx context.Context, hash string, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateHash(hash); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.db.Delete([]byte(holderKey(hash, holder)), pebble.Sync); err != nil {
		return fmt.Errorf("blob: release holder for %s: %w", hash, err)
	}
	remaining, err := store.holderCount(hash)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if err := store.db.Delete([]byte(blobKey(hash)), pebble.Sync); err != nil {
		return fmt.Errorf("blob: remove %s: %w", hash, err)
	}
	return nil
}

func (store *PebbleStore) holderCount(hash string) (int, error) {
	prefix := []byte(holdersPrefix(hash))
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++
	iter, err := store.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("blob: list holders for %s: %w", hash, err)
	}
	defer iter.Close()
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}
