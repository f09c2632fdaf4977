package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_PutGetList(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, backend.Available(ctx))
	require.NoError(t, backend.Put(ctx, "a.enc", []byte("first")))
	require.NoError(t, backend.Put(ctx, "b.enc", []byte("second")))

	data, err := backend.Get(ctx, "a.enc")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	names, err := backend.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.enc", "b.enc"}, names)

	info, err := os.Stat(filepath.Join(dir, "a.enc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileBackend_CreateOnce(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "a.enc", []byte("first")))
	err = backend.Put(ctx, "a.enc", []byte("overwrite"))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	data, err := backend.Get(ctx, "a.enc")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestFileBackend_Errors(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = backend.Get(ctx, "missing.enc")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	for _, name := range []string{"", ".", "..", "../escape", "a/b", ".hidden"} {
		assert.Error(t, backend.Put(ctx, name, []byte("x")), "name %q", name)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.hex")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}
