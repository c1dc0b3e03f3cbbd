package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := filepath.Join(t.TempDir(), "backups")

	store, err := NewFileStore(dir, logger)
	require.NoError(t, err)
	assert.True(t, store.Available(ctx))

	data := []byte("tarball bytes")
	id, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	// idempotent
	again, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ContentID{id}, ids)

	// leftovers of an interrupted write and foreign files are not blobs
	require.NoError(t, os.WriteFile(filepath.Join(dir, "."+id.String()+".tar.gz.tmp-1"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.tar.gz"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()+".gz"), data, 0o600))
	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ContentID{id}, ids)

	st, err := os.Stat(store.Path(id))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	// corrupted content is detected
	require.NoError(t, os.WriteFile(store.Path(id), []byte("tampered"), 0o600))
	_, err = store.Fetch(ctx, id)
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Fetch(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	require.NoError(t, store.Delete(ctx, id))
}

func TestFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFactory(logger)
	dir := t.TempDir()

	loc, err := interfaces.ParseMirrorLocation("file://" + dir)
	require.NoError(t, err)
	store, err := f.StoreFor(loc)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	loc, err = interfaces.ParseMirrorLocation("s3://bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	store, err = f.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "s3-bucket", store.Name())

	loc, err = interfaces.ParseMirrorLocation("vault://vault.internal:8200/secret/restore?tls=false")
	require.NoError(t, err)
	store, err = f.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-restore", store.Name())

	loc, err = interfaces.ParseMirrorLocation("vault://vault.internal:8200/secret")
	require.NoError(t, err)
	_, err = f.StoreFor(loc)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	loc, err = interfaces.ParseMirrorLocation("ipfs://127.0.0.1:5001/restore?timeout=5s")
	require.NoError(t, err)
	store, err = f.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1:5001", store.Name())

	_, err = interfaces.ParseMirrorLocation("github://owner/repo")
	assert.Error(t, err)

	multi, err := f.CreateMultiStore([]interfaces.MirrorLocation{
		mustLocation(t, "file://"+filepath.Join(dir, "a")),
		mustLocation(t, "file://"+filepath.Join(dir, "b")),
	})
	require.NoError(t, err)

	id, err := multi.Store(context.Background(), []byte("x"))
	require.NoError(t, err)
	for _, sub := range []string{"a", "b"} {
		_, err := os.Stat(filepath.Join(dir, sub, id.String()+".tar.gz"))
		assert.NoError(t, err, "blob should be mirrored to %s", sub)
	}
}

func mustLocation(t *testing.T, uri string) interfaces.MirrorLocation {
	t.Helper()
	loc, err := interfaces.ParseMirrorLocation(uri)
	require.NoError(t, err)
	return loc
}
