package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.mp4")
	content := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(path, content, 0600))

	source, err := NewFileSource(path, "video/mp4")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, source.Close())
	}()

	assert.Equal(t, int64(len(content)), source.Size())
	assert.Equal(t, "video/mp4", source.ContentType())

	buf := make([]byte, 6)
	n, err := source.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("abcdef"), buf)
}

func TestNewFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.mp4"), "video/mp4")
	assert.Error(t, err)
}

func TestFetchSource(t *testing.T) {
	content := make([]byte, 64*1024)
	for i := range content {
		content[i] = byte(i % 7)
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remote.mp4"), content, 0600))

	server := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer server.Close()

	source, err := FetchSource(context.Background(), server.URL+"/remote.mp4", "video/mp4", log.NewLogger())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, source.Close())
	}()

	assert.Equal(t, int64(len(content)), source.Size())

	buf := make([]byte, len(content))
	_, err = source.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, content, buf)
}
