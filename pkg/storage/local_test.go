package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxSize int64) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), maxSize)
	require.NoError(t, err)
	return store
}

func TestLocalStore_SaveOpenDelete(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	info, err := store.Save(ctx, "payees.csv", "text/csv", strings.NewReader("payee\nAcme Corp\n"))
	require.NoError(t, err)
	assert.NotEqual(t, "payees.csv", info.TempName, "temp name must not collide across uploads")
	assert.Equal(t, "payees.csv", info.Name)
	assert.Equal(t, int64(len("payee\nAcme Corp\n")), info.Size)

	f, opened, err := store.Open(ctx, info.TempName)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "payee\nAcme Corp\n", string(data))
	assert.Equal(t, "text/csv", opened.ContentType)

	require.NoError(t, store.Delete(ctx, info.TempName))
	_, _, err = store.Open(ctx, info.TempName)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_SizeLimit(t *testing.T) {
	store := newTestStore(t, 10)
	_, err := store.Save(context.Background(), "big.csv", "text/csv", strings.NewReader("0123456789ABCDEF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	entries, err := os.ReadDir(store.basePath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "rejected upload must not leave a file behind, found %s", e.Name())
	}
}

func TestLocalStore_SanitizesFilenames(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	info, err := store.Save(ctx, "../../etc/passwd", "text/csv", strings.NewReader("x"))
	require.NoError(t, err)
	assert.NotContains(t, info.TempName, "/")
	assert.NotContains(t, info.TempName, "..")

	// The file must land inside the store, not beside it.
	_, statErr := os.Stat(filepath.Join(store.basePath, info.TempName))
	assert.NoError(t, statErr)
}

func TestLocalStore_Sweep(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	old, err := store.Save(ctx, "old.csv", "text/csv", strings.NewReader("x"))
	require.NoError(t, err)
	fresh, err := store.Save(ctx, "fresh.csv", "text/csv", strings.NewReader("x"))
	require.NoError(t, err)

	// Age the first upload via its metadata.
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.saveMetadata(old))

	removed, err := store.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = store.Open(ctx, old.TempName)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = store.Open(ctx, fresh.TempName)
	assert.NoError(t, err)
}

func TestLocalStore_OpenUnknown(t *testing.T) {
	store := newTestStore(t, 0)
	_, _, err := store.Open(context.Background(), "nope.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}
