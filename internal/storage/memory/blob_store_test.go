package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/branches.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/branches.csv", uri)

	payload[0] = 'C'
	got, contentType, ok := store.Get("run/branches.csv")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "text/csv", contentType)

	got[0] = 'X'
	again, _, _ := store.Get("run/branches.csv")
	require.Equal(t, "content", string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b"}, store.Paths())
	_, _, ok := store.Get("missing")
	require.False(t, ok)
}
