package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(t.TempDir(), blockingio.NewExecutor(4), testLogger())
	require.NoError(t, err)
	return b
}

func TestFileBackend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) interfaces.StorageBackend {
		return newTestFileBackend(t)
	})
}

func TestNewFileBackend(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0644))

	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{name: "existing directory", baseDir: dir},
		{name: "missing directory", baseDir: filepath.Join(dir, "missing"), wantErr: true},
		{name: "regular file", baseDir: regular, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewFileBackend(tt.baseDir, nil, testLogger())
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "file://"+dir, b.LocationURI())
			assert.Equal(t, "file-"+filepath.Base(dir), b.Name())
		})
	}
}

func TestFileBackend_WriteLeavesNoTempFiles(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Write(ctx, "deep/nested/key", []byte(strings.Repeat("x", i)), ""))
	}

	entries, err := os.ReadDir(filepath.Join(b.BaseDir(), "deep", "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "key", entries[0].Name())

	info, err := os.Stat(filepath.Join(b.BaseDir(), "deep", "nested", "key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestFileBackend_PrefixDirectoryIsNotAKey(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "dir/child", []byte("x"), ""))

	ok, err := b.Exists(ctx, "dir")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Read(ctx, "dir")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, b.Delete(ctx, "dir"))
	got, err := b.Read(ctx, "dir/child")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	// a file standing where a directory would be
	ok, err = b.Exists(ctx, "dir/child/grandchild")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileBackend_ListSkipsReservedEntries(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "a/1", []byte("x"), ""))

	require.NoError(t, os.MkdirAll(filepath.Join(b.BaseDir(), DefaultLockDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(b.BaseDir(), DefaultLockDirName, "abc.lock"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(b.BaseDir(), "a", ".leasestore-tmp-123"), nil, 0644))

	got, err := b.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1"}, got)
}

func TestFileBackend_CanceledContext(t *testing.T) {
	b := newTestFileBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Write(ctx, "k", []byte("x"), "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", interfaces.ErrorKind(err))
}

func TestFileBackend_KeyCannotAlsoBeAPrefix(t *testing.T) {
	tests := []struct {
		name   string
		first  string
		second string
	}{
		{name: "leaf then child", first: "users/u1/profile", second: "users/u1/profile/avatar"},
		{name: "child then leaf", first: "users/u1/profile/avatar", second: "users/u1/profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestFileBackend(t)
			ctx := context.Background()

			require.NoError(t, b.Write(ctx, tt.first, []byte("kept"), ""))
			err := b.Write(ctx, tt.second, []byte("x"), "")
			require.ErrorIs(t, err, interfaces.ErrIO)

			data, err := b.Read(ctx, tt.first)
			require.NoError(t, err)
			assert.Equal(t, "kept", string(data))

			keys, err := b.ListKeys(ctx, "users/")
			require.NoError(t, err)
			assert.Equal(t, []string{tt.first}, keys)
		})
	}
}
