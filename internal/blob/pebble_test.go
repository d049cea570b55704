package blob

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *PebbleStore {
	t.Helper()
	store, err := OpenPebbleStore("blobs", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestPebbleStoreUploadFetchRelease(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	content := []byte(`{"message":"hello"}`)

	upload, err := store.Upload(ctx, content, []string{"device-1", "device-2", "device-1"})
	require.NoError(t, err)
	require.Equal(t, ContentHash(content), upload.Hash)
	require.Len(t, upload.Holders, 2)
	require.NotEqual(t, upload.Holders["device-1"], upload.Holders["device-2"])

	fetched, err := store.Fetch(ctx, upload.Hash)
	require.NoError(t, err)
	require.Equal(t, content, fetched)

	require.NoError(t, store.Release(ctx, upload.Hash, upload.Holders["device-1"]))
	_, err = store.Fetch(ctx, upload.Hash)
	require.NoError(t, err, "blob must survive while a holder remains")

	require.NoError(t, store.Release(ctx, upload.Hash, upload.Holders["device-2"]))
	_, err = store.Fetch(ctx, upload.Hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleStoreRejectsBadInput(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	_, err := store.Upload(ctx, []byte("payload"), nil)
	require.ErrorIs(t, err, ErrNoHolders)

	_, err = store.Fetch(ctx, "not-a-hash")
	require.ErrorIs(t, err, ErrInvalidHash)

	_, err = store.Fetch(ctx, ContentHash([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleStoreSharedContentKeepsBothUploadsAlive(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	content := []byte("shared")

	first, err := store.Upload(ctx, content, []string{"device-1"})
	require.NoError(t, err)
	second, err := store.Upload(ctx, content, []string{"device-2"})
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)

	require.NoError(t, store.Release(ctx, first.Hash, first.Holders["device-1"]))
	fetched, err := store.Fetch(ctx, second.Hash)
	require.NoError(t, err)
	require.Equal(t, content, fetched)
}
