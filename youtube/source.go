package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

// Source is the byte stream of a video to publish. Random access is required
// because a retry resumes the stream from the provider-confirmed offset.
type Source interface {
	io.ReaderAt
	Size() int64
	ContentType() string
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	file        *os.File
	size        int64
	contentType string
}

// NewFileSource ...
func NewFileSource(path string, contentType string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	return &FileSource{
		file:        file,
		size:        info.Size(),
		contentType: contentType,
	}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// ContentType ...
func (s *FileSource) ContentType() string {
	return s.contentType
}

// Close ...
func (s *FileSource) Close() error {
	return s.file.Close()
}

// FetchSource downloads a remote media file into a temp dir and wraps it as
// an upload source. Used when the video to publish lives in object storage
// rather than on local disk.
func FetchSource(ctx context.Context, url string, contentType string, logger log.Logger) (*FileSource, error) {
	tempDir, err := pathutil.NewPathProvider().CreateTempDir("publish-source")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	dest := filepath.Join(tempDir, "source")

	if err := downloadFile(ctx, retryhttp.NewClient(logger).StandardClient(), url, dest); err != nil {
		return nil, fmt.Errorf("failed to download source: %w", err)
	}

	return NewFileSource(dest, contentType)
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
