package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundtrip(t *testing.T) {
	c := openTestCache(t)

	_, ok, err := c.Get("last_origin")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put("last_origin", []byte(`{"lat":37.77,"lon":-122.41}`)))
	got, ok, err := c.Get("last_origin")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"lat":37.77,"lon":-122.41}`, string(got))

	// Overwrite replaces, not appends.
	require.NoError(t, c.Put("last_origin", []byte(`{"lat":1,"lon":2}`)))
	got, ok, err = c.Get("last_origin")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"lat":1,"lon":2}`, string(got))
}

func TestDelete(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("k", []byte("v")))
	require.NoError(t, c.Delete("k"))
	_, ok, err := c.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
	// Deleting a missing key is not an error.
	require.NoError(t, c.Delete("k"))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", []byte("v")))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	got, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(got))
}
