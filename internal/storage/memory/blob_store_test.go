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
	uri, err := store.PutObject(context.Background(), "site/screenshot.jpg", "image/jpeg", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://site/screenshot.jpg", uri)

	payload[0] = 'C'
	obj, ok := store.Object("site/screenshot.jpg")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "image/jpeg", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Object("site/screenshot.jpg")
	require.Equal(t, "content", string(again.Data))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b/2", "a/1", "b/1"} {
		_, err := store.PutObject(context.Background(), p, "text/plain", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a/1", "b/1", "b/2"}, store.Paths())

	_, err := store.PutObject(context.Background(), " ", "text/plain", bytes.NewReader(nil))
	require.Error(t, err)
	_, ok := store.Object("missing")
	require.False(t, ok)
}
