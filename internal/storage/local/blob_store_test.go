package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitedigest/sitedigest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("existing directory", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		base := filepath.Join(t.TempDir(), "blobs")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		info, err := os.Stat(base)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("missing base dir config", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "occupied")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	t.Run("writes nested path", func(t *testing.T) {
		body := []byte("<html><body>hello</body></html>")
		uri, err := store.PutObject(context.Background(), "job-1/page-1.html", "text/html", bytes.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(base, "job-1", "page-1.html"), uri)

		written, err := os.ReadFile(filepath.Join(base, "job-1", "page-1.html"))
		require.NoError(t, err)
		require.Equal(t, body, written)
	})

	t.Run("empty path rejected", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
		require.Error(t, err)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.html", "text/html", bytes.NewReader(nil))
		require.Error(t, err)
	})
}
