package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsercrawler/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, dir
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "records", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NoError(t, store.Close())
		require.DirExists(t, dir)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries, "write probe is removed")
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})

	t.Run("read-only base dir", func(t *testing.T) {
		t.Parallel()
		if os.Geteuid() == 0 {
			t.Skip("permission bits do not restrict root")
		}
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })
		_, err := local.New(local.Config{BaseDir: dir})
		require.ErrorContains(t, err, "not writable")
	})
}

func TestPutObjectWritesRecordAtomically(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "job-1/site-1/20260501000000-abc.jpg", "image/jpeg", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	want := filepath.Join(dir, "job-1", "site-1", "20260501000000-abc.jpg")
	require.Equal(t, "file://"+filepath.ToSlash(want), uri)

	_, err = store.PutObject(ctx, "job-1/site-1/20260501000000-abc.jpg", "image/jpeg", bytes.NewReader([]byte("second")))
	require.NoError(t, err)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)
	ctx := context.Background()

	for _, p := range []string{"", ".", "../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		_, err := store.PutObject(ctx, p, "text/plain", bytes.NewReader([]byte("x")))
		require.Error(t, err, p)
	}
	require.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape.txt"))
}

func TestPutObjectRefusesSymlinkEscape(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	_, err := store.PutObject(context.Background(), "link/record.jpg", "image/jpeg", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(outside, "record.jpg"))
}
