package blob

import (
	"io"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), "http://localhost:8080/blobs", []byte("test-secret"))
	require.NoError(t, err)
	return store
}

func TestPath(t *testing.T) {
	assert.Equal(t, "formations/abc-123/1.0.0.tar.gz", Path("abc-123", "1.0.0"))
}

func TestUpload(t *testing.T) {
	store := setupTestStore(t)

	t.Run("stores and reads back bytes", func(t *testing.T) {
		p := Path("f1", "1.0.0")
		require.NoError(t, store.Upload(p, []byte("tarball bytes"), "application/gzip"))

		r, size, err := store.Open(p)
		require.NoError(t, err)
		defer r.Close()

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, []byte("tarball bytes"), data)
		assert.Equal(t, int64(len("tarball bytes")), size)
	})

	t.Run("rejects overwrite of existing path", func(t *testing.T) {
		p := Path("f1", "2.0.0")
		require.NoError(t, store.Upload(p, []byte("first"), "application/gzip"))

		err := store.Upload(p, []byte("second"), "application/gzip")
		assert.ErrorIs(t, err, ErrPathExists)
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		err := store.Upload("../outside.tar.gz", []byte("x"), "application/gzip")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestDelete(t *testing.T) {
	store := setupTestStore(t)
	p := Path("f1", "1.0.0")
	require.NoError(t, store.Upload(p, []byte("bytes"), "application/gzip"))

	require.NoError(t, store.Delete(p))

	// Second delete of the same path is a no-op, not an error.
	assert.NoError(t, store.Delete(p))

	_, _, err := store.Open(p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignURL(t *testing.T) {
	store := setupTestStore(t)
	p := Path("f1", "1.0.0")
	require.NoError(t, store.Upload(p, []byte("bytes"), "application/gzip"))

	t.Run("produces a verifiable URL", func(t *testing.T) {
		signed, err := store.SignURL(p, SignedURLTTL)
		require.NoError(t, err)

		u, err := url.Parse(signed)
		require.NoError(t, err)
		exp, err := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
		require.NoError(t, err)

		assert.True(t, store.Verify(p, exp, u.Query().Get("sig")))
	})

	t.Run("fails for absent path", func(t *testing.T) {
		_, err := store.SignURL(Path("f1", "9.9.9"), SignedURLTTL)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects tampered signature", func(t *testing.T) {
		signed, err := store.SignURL(p, SignedURLTTL)
		require.NoError(t, err)

		u, err := url.Parse(signed)
		require.NoError(t, err)
		exp, _ := strconv.ParseInt(u.Query().Get("exp"), 10, 64)

		assert.False(t, store.Verify(p, exp, "deadbeef"))
		assert.False(t, store.Verify("formations/f1/2.0.0.tar.gz", exp, u.Query().Get("sig")))
	})

	t.Run("rejects expired signature", func(t *testing.T) {
		store.now = func() time.Time { return time.Now().Add(-time.Hour) }
		signed, err := store.SignURL(p, SignedURLTTL)
		require.NoError(t, err)
		store.now = time.Now

		u, err := url.Parse(signed)
		require.NoError(t, err)
		exp, _ := strconv.ParseInt(u.Query().Get("exp"), 10, 64)

		assert.False(t, store.Verify(p, exp, u.Query().Get("sig")))
	})
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(t.TempDir(), "http://localhost/blobs", nil)
	assert.Error(t, err)
}
