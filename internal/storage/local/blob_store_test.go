package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardops/alertmirror/internal/storage/local"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("creates absent directory", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "blobs")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("file instead of directory", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: f})
		assert.Error(t, err)
	})

	t.Run("read-only directory", func(t *testing.T) {
		base := t.TempDir()
		require.NoError(t, os.Chmod(base, 0o500))
		t.Cleanup(func() { _ = os.Chmod(base, 0o700) })
		_, err := local.New(local.Config{BaseDir: base})
		assert.Error(t, err)
	})
}

func TestPutObjectWritesPayload(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	payload := `<alert xmlns="urn:oasis:names:tc:emergency:cap:1.2"/>`
	key := "raw/crawl-1/abc123.xml"
	uri, err := store.PutObject(context.Background(), key, "application/xml", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(base, key), uri)

	written, err := os.ReadFile(filepath.Join(base, key))
	require.NoError(t, err)
	assert.Equal(t, payload, string(written))
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "application/xml", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), "../escape.xml", "application/xml", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
}
