package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const fileScheme = "file://"

// Content detection looks at the leading bytes only, enough for the common
// video and image container signatures.
const sniffLen = 512

// FileProvider localizes a media input before it enters an upload path. The
// input is either a local file referenced with the `file://` scheme or a
// remote URL that gets downloaded to a temporary location first, so the
// transfer engines always read a seekable local file.
// Downloads use automatic retry logic via the filedownloader package.
type FileProvider interface {
	// LocalPath returns the local file path of the media input.
	// A file:// input is stripped of its scheme and made absolute. A remote
	// URL (http:// or https://) is downloaded into a temporary directory,
	// keeping the file name from the URL path.
	LocalPath(ctx context.Context, path string) (string, error)

	// Contents returns a streaming reader over the media bytes, without
	// writing remote inputs to disk first. Useful for small payloads such
	// as thumbnails. The caller closes the returned io.ReadCloser.
	Contents(ctx context.Context, srcPath string) (io.ReadCloser, error)
}

type fileProvider struct {
	downloader   filedownloader.Downloader
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader filedownloader.Downloader, fileManager fileutil.FileManager, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		fileManager:  fileManager,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

// LocalPath ...
func (f *fileProvider) LocalPath(ctx context.Context, path string) (string, error) {
	if strings.HasPrefix(path, fileScheme) {
		return f.trimmedFilePath(path)
	}

	return f.downloadFileToLocalPath(ctx, path)
}

// Contents ...
func (f *fileProvider) Contents(ctx context.Context, srcPath string) (io.ReadCloser, error) {
	if strings.HasPrefix(srcPath, fileScheme) {
		trimmedPath, err := f.trimmedFilePath(srcPath)
		if err != nil {
			return nil, err
		}

		return f.fileManager.Open(trimmedPath)
	}

	return f.downloader.Get(ctx, srcPath)
}

func (f *fileProvider) trimmedFilePath(path string) (string, error) {
	pth := strings.TrimPrefix(path, fileScheme)
	return f.pathModifier.AbsPath(pth)
}

func (f *fileProvider) downloadFileToLocalPath(ctx context.Context, urlPath string) (string, error) {
	tmpDir, err := f.pathProvider.CreateTempDir("media-input")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := f.fileNameFromURL(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}

func (f *fileProvider) fileNameFromURL(urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", err
	}

	return filepath.Base(parsedURL.Path), nil
}

// DetectContentType sniffs the media type of a local file from its leading
// bytes. Unrecognized content comes back as application/octet-stream, never
// an error, so it is safe as a default when the caller gave no content type.
func DetectContentType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	head := make([]byte, sniffLen)
	n, err := file.Read(head)
	if err != nil && err != io.EOF {
		return "", err
	}

	return http.DetectContentType(head[:n]), nil
}
