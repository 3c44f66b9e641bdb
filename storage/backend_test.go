package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/leasestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runBackendContract checks the behaviour every StorageBackend shares.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) interfaces.StorageBackend) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		b := newBackend(t)
		payload := []byte(`{"name":"A"}`)
		require.NoError(t, b.Write(ctx, "users/u1/profile", payload, "application/json"))

		got, err := b.Read(ctx, "users/u1/profile")
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		ok, err := b.Exists(ctx, "users/u1/profile")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("key forms are canonicalised", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, "/a/b/", []byte("x"), ""))
		got, err := b.Read(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)
	})

	t.Run("empty payload", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, "empty", []byte{}, ""))
		got, err := b.Read(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing key", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Read(ctx, "never/written")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)

		ok, err := b.Exists(ctx, "never/written")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last write wins", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, "k", []byte("one"), ""))
		require.NoError(t, b.Write(ctx, "k", []byte("two"), ""))
		got, err := b.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Delete(ctx, "nothing/here"))

		require.NoError(t, b.Write(ctx, "doomed", []byte("x"), ""))
		require.NoError(t, b.Delete(ctx, "doomed"))
		require.NoError(t, b.Delete(ctx, "doomed"))

		_, err := b.Read(ctx, "doomed")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
		ok, err := b.Exists(ctx, "doomed")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("prefix listing", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range []string{"a/1", "a/2", "b/1", "ab"} {
			require.NoError(t, b.Write(ctx, k, []byte(k), ""))
		}

		got, err := b.ListKeys(ctx, "a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1", "a/2"}, got)

		got, err = b.ListKeys(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1", "a/2", "ab"}, got)

		got, err = b.ListKeys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1", "a/2", "ab", "b/1"}, got)

		got, err = b.ListKeys(ctx, "zzz/")
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, b.Delete(ctx, "a/1"))
		got, err = b.ListKeys(ctx, "a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/2"}, got)
	})

	t.Run("invalid keys", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range []string{"", "/", "a/../b", "a//b", ".leasestore/locks/x"} {
			_, err := b.Read(ctx, k)
			assert.ErrorIs(t, err, interfaces.ErrInvalidKey, "read %q", k)
			assert.ErrorIs(t, b.Write(ctx, k, []byte("x"), ""), interfaces.ErrInvalidKey, "write %q", k)
			_, err = b.Exists(ctx, k)
			assert.ErrorIs(t, err, interfaces.ErrInvalidKey, "exists %q", k)
			assert.ErrorIs(t, b.Delete(ctx, k), interfaces.ErrInvalidKey, "delete %q", k)
		}
		_, err := b.ListKeys(ctx, "../")
		assert.ErrorIs(t, err, interfaces.ErrInvalidKey)
	})

	t.Run("identity", func(t *testing.T) {
		b := newBackend(t)
		assert.NotEmpty(t, b.Name())
		assert.NotEmpty(t, b.LocationURI())
	})
}
