package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_totalPartCount(t *testing.T) {
	tests := []struct {
		name     string
		fileSize int64
		partSize int64
		want     int
	}{
		{name: "exact multiple", fileSize: 32 * 1024 * 1024, partSize: 8 * 1024 * 1024, want: 4},
		{name: "trailing partial part", fileSize: 32*1024*1024 + 1, partSize: 8 * 1024 * 1024, want: 5},
		{name: "single part", fileSize: 100, partSize: 8 * 1024 * 1024, want: 1},
		{name: "one byte over one part", fileSize: 8*1024*1024 + 1, partSize: 8 * 1024 * 1024, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, totalPartCount(tt.fileSize, tt.partSize))
		})
	}
}

func Test_partRange_CoversFileExactly(t *testing.T) {
	sizes := []int64{1, 4095, 4096, 4097, 10*4096 + 37, 25 * 4096}
	const partSize = int64(4096)

	for _, fileSize := range sizes {
		t.Run(fmt.Sprintf("size_%d", fileSize), func(t *testing.T) {
			totalParts := totalPartCount(fileSize, partSize)

			var covered int64
			for partNumber := 1; partNumber <= totalParts; partNumber++ {
				offset, length := partRange(partNumber, fileSize, partSize)
				assert.Equal(t, covered, offset, "parts must be contiguous")
				assert.Greater(t, length, int64(0))
				covered += length
			}
			assert.Equal(t, fileSize, covered, "parts must cover the whole file")
		})
	}
}

type fakeStorageService struct {
	t *testing.T

	mu             sync.Mutex
	signedParts    []int
	completedParts []completedPart
	cancelCalled   int

	partHandler func(partNumber int, w http.ResponseWriter)
	onPartPut   func(partNumber int)
}

func (f *fakeStorageService) server(partSize int64) *httptest.Server {
	mux := http.NewServeMux()
	var serverURL string

	mux.HandleFunc("/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		resp := initUploadResponse{Key: "media/object-1", UploadID: "upload-1", PartSize: partSize}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/uploads/sign", func(w http.ResponseWriter, r *http.Request) {
		var req signPartRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.signedParts = append(f.signedParts, req.PartNumber)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(signPartResponse{URL: fmt.Sprintf("%s/part/%d", serverURL, req.PartNumber)})
	})
	mux.HandleFunc("/part/", func(w http.ResponseWriter, r *http.Request) {
		partNumber, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/part/"))
		require.NoError(f.t, err)
		if f.onPartPut != nil {
			f.onPartPut(partNumber)
		}
		if f.partHandler != nil {
			f.partHandler(partNumber, w)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, partNumber))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/uploads/complete", func(w http.ResponseWriter, r *http.Request) {
		var req completeMultipartRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.completedParts = req.Parts
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(completeMultipartResponse{VideoID: "vid-123"})
	})
	mux.HandleFunc("/uploads/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cancelCalled++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	serverURL = server.URL
	return server
}

func writeTempFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media.mp4")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestUploadMultipart_Success(t *testing.T) {
	const partSize = int64(4096)
	fileSize := 5*partSize - 123

	fake := &fakeStorageService{t: t}
	server := fake.server(partSize)
	defer server.Close()

	filePath := writeTempFile(t, fileSize)
	tracker := progress.NewTracker(fileSize, nil)

	ref, err := UploadMultipart(context.Background(), Params{
		APIBaseURL:  server.URL,
		Token:       "token",
		FilePath:    filePath,
		ContentType: "video/mp4",
	}, tracker, log.NewLogger())

	require.NoError(t, err)
	assert.Equal(t, "vid-123", ref.VideoID)
	assert.Equal(t, "media/object-1", ref.ObjectKey)
	assert.Equal(t, 100, tracker.Percent())

	require.Len(t, fake.completedParts, 5)
	for i, part := range fake.completedParts {
		assert.Equal(t, i+1, part.PartNumber, "parts must be submitted in ascending order")
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), part.ETag)
	}
}

func TestMultipart_PartFailureStopsIssuance(t *testing.T) {
	const partSize = int64(4096)
	fileSize := 5 * partSize

	fake := &fakeStorageService{t: t}
	fake.partHandler = func(partNumber int, w http.ResponseWriter) {
		if partNumber == 3 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("part rejected"))
			return
		}
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, partNumber))
		w.WriteHeader(http.StatusOK)
	}
	server := fake.server(partSize)
	defer server.Close()

	file, err := os.Open(writeTempFile(t, fileSize))
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck

	logger := log.NewLogger()
	session := &multipartSession{
		client:     newAPIClient(retryhttp.NewClient(logger), server.URL, "token", logger),
		transfer:   transfer.NewClient(transfer.Config{}, logger),
		file:       file,
		fileSize:   fileSize,
		partSize:   partSize,
		totalParts: 5,
		workers:    1,
		key:        "media/object-1",
		uploadID:   "upload-1",
		etags:      make([]string, 5),
	}
	tracker := progress.NewTracker(fileSize, nil)
	uploadErr := session.uploadParts(context.Background(), tracker)
	tracker.Abandon()

	require.Error(t, uploadErr)
	var rejectedErr *transfer.UploadRejectedError
	assert.ErrorAs(t, uploadErr, &rejectedErr)
	assert.Contains(t, uploadErr.Error(), "part 3")

	// With a single worker, the failure of part 3 must prevent parts 4 and 5
	// from ever being signed
	assert.Equal(t, []int{1, 2, 3}, fake.signedParts)
}

func TestUploadMultipart_CancellationIsNotAFailure(t *testing.T) {
	const partSize = int64(4096)
	fileSize := 3 * partSize

	ctx, cancel := context.WithCancel(context.Background())

	fake := &fakeStorageService{t: t}
	fake.onPartPut = func(partNumber int) {
		cancel()
	}
	server := fake.server(partSize)
	defer server.Close()

	filePath := writeTempFile(t, fileSize)
	tracker := progress.NewTracker(fileSize, nil)

	_, err := UploadMultipart(ctx, Params{
		APIBaseURL:  server.URL,
		Token:       "token",
		FilePath:    filePath,
		ContentType: "video/mp4",
	}, tracker, log.NewLogger())

	require.Error(t, err)
	assert.True(t, transfer.IsCancelled(err), "cancellation must not surface as a failure")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.cancelCalled, "best-effort remote abort must be sent")
	assert.Empty(t, fake.completedParts, "a cancelled session must never be completed")
}

func TestUploadMultipart_InitFailureStopsProgressAggregator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	filePath := writeTempFile(t, 1024)
	logger := log.NewLogger()

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		tracker := progress.NewTracker(1024, nil)
		_, err := UploadMultipart(context.Background(), Params{
			APIBaseURL:  server.URL,
			Token:       "token",
			FilePath:    filePath,
			ContentType: "video/mp4",
		}, tracker, logger)
		require.Error(t, err)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 50*time.Millisecond, "each failed upload must stop its progress aggregator")
}
