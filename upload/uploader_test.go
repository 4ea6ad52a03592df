package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload/lease"
	"github.com/crosspost-io/go-publishutils/upload/network"
	"github.com/crosspost-io/go-publishutils/upload/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	}
	return ""
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func validEnvRepo() fakeEnvRepo {
	return fakeEnvRepo{envVars: map[string]string{
		"CROSSPOST_API_URL":          "https://api.example.com",
		"CROSSPOST_API_ACCESS_TOKEN": "token",
	}}
}

type fakeTransferPath struct {
	mu     sync.Mutex
	calls  int
	params []network.Params
	result network.AssetReference
	err    error
}

func (f *fakeTransferPath) Upload(ctx context.Context, params network.Params, tracker *progress.Tracker, logger log.Logger) (network.AssetReference, error) {
	f.mu.Lock()
	f.calls++
	f.params = append(f.params, params)
	f.mu.Unlock()

	if f.err != nil {
		// Deliberately leaves the tracker running, stopping it on failure
		// is the facade's job
		return network.AssetReference{}, f.err
	}
	tracker.Finalize()
	return f.result, nil
}

type fakeLockAPI struct{}

func (fakeLockAPI) Release(ctx context.Context, holderID string) error { return nil }
func (fakeLockAPI) Cleanup(ctx context.Context) error                  { return nil }

func newTestUploader(multipart, direct network.Uploader) (*Uploader, *Registry) {
	logger := log.NewLogger()
	sessions := NewRegistry()
	uploader := NewUploader(
		validEnvRepo(),
		logger,
		pathutil.NewPathChecker(),
		multipart,
		direct,
		sessions,
		lease.NewManager(fakeLockAPI{}, time.Minute, logger),
	)
	return uploader, sessions
}

func smallTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0600))
	return path
}

func largeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feature.mp4")
	file, err := os.Create(path)
	require.NoError(t, err)
	// Sparse file, no need to write 80 MB of real data
	require.NoError(t, file.Truncate(multipartThresholdBytes))
	require.NoError(t, file.Close())
	return path
}

func TestUploader_PastPublishAtRejectedBeforeAnyUpload(t *testing.T) {
	multipart := &fakeTransferPath{}
	direct := &fakeTransferPath{}
	uploader, sessions := newTestUploader(multipart, direct)

	past := time.Now().Add(-time.Hour)
	_, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video", PublishAt: &past},
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, 0, multipart.calls, "no upload may start with invalid metadata")
	assert.Equal(t, 0, direct.calls)
	assert.Empty(t, sessions.List(), "no session is created for rejected input")
}

func TestUploader_SmallFileTakesDirectPath(t *testing.T) {
	multipart := &fakeTransferPath{}
	direct := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-1", ObjectKey: "media/k1"}}
	uploader, _ := newTestUploader(multipart, direct)

	result, err := uploader.Upload(context.Background(), Input{
		FilePath:    smallTestFile(t),
		ContentType: "video/mp4",
		Metadata:    Metadata{Title: "My video"},
	})

	require.NoError(t, err)
	assert.Equal(t, "vid-1", result.VideoID)
	assert.Equal(t, 1, direct.calls)
	assert.Equal(t, 0, multipart.calls)
	assert.Equal(t, "video/mp4", direct.params[0].ContentType)
}

func TestUploader_LargeFileTakesMultipartPath(t *testing.T) {
	multipart := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-2", ObjectKey: "media/k2"}}
	direct := &fakeTransferPath{}
	uploader, _ := newTestUploader(multipart, direct)

	_, err := uploader.Upload(context.Background(), Input{
		FilePath: largeTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, multipart.calls)
	assert.Equal(t, 0, direct.calls)
}

func TestUploader_SuccessCompletesSession(t *testing.T) {
	direct := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-3", ObjectKey: "media/k3"}}
	uploader, sessions := newTestUploader(&fakeTransferPath{}, direct)

	result, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})
	require.NoError(t, err)

	session, ok := sessions.Get(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 100, session.Progress())
	assert.Equal(t, "media/k3", session.ObjectKey())
	assert.Equal(t, "vid-3", session.ProviderUploadID())
}

func TestUploader_FailurePreservesUnderlyingError(t *testing.T) {
	cause := &transfer.UploadRejectedError{StatusCode: 403, Body: "denied"}
	direct := &fakeTransferPath{err: fmt.Errorf("upload part 3: %w", cause)}
	uploader, sessions := newTestUploader(&fakeTransferPath{}, direct)

	result, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})

	require.Error(t, err)
	var rejectedErr *transfer.UploadRejectedError
	assert.ErrorAs(t, err, &rejectedErr)

	session, ok := sessions.Get(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, session.Status())
	assert.ErrorAs(t, session.Err(), &rejectedErr, "the session keeps the underlying error")
}

func TestUploader_CancellationIsNotAFailure(t *testing.T) {
	direct := &fakeTransferPath{err: &transfer.CancelledError{Err: context.Canceled}}
	uploader, sessions := newTestUploader(&fakeTransferPath{}, direct)

	result, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})

	require.Error(t, err)
	assert.True(t, transfer.IsCancelled(err))

	session, ok := sessions.Get(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, session.Status())
	assert.NoError(t, session.Err())
}

func TestUploader_LockReleasedBetweenUploads(t *testing.T) {
	direct := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-4", ObjectKey: "media/k4"}}
	uploader, _ := newTestUploader(&fakeTransferPath{}, direct)

	filePath := smallTestFile(t)
	_, err := uploader.Upload(context.Background(), Input{FilePath: filePath, Metadata: Metadata{Title: "First"}})
	require.NoError(t, err)

	_, err = uploader.Upload(context.Background(), Input{FilePath: filePath, Metadata: Metadata{Title: "Second"}})
	require.NoError(t, err, "the per-account lock must be released after a finished upload")
	assert.Equal(t, 2, direct.calls)
}

func TestUploader_MissingAPIConfig(t *testing.T) {
	logger := log.NewLogger()
	uploader := NewUploader(
		fakeEnvRepo{envVars: map[string]string{}},
		logger,
		pathutil.NewPathChecker(),
		&fakeTransferPath{},
		&fakeTransferPath{},
		NewRegistry(),
		lease.NewManager(fakeLockAPI{}, time.Minute, logger),
	)

	_, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CROSSPOST_API_URL")
}

func TestUploader_StopsProgressAggregatorWhenPathFails(t *testing.T) {
	direct := &fakeTransferPath{err: fmt.Errorf("boom")}
	uploader, _ := newTestUploader(&fakeTransferPath{}, direct)
	filePath := smallTestFile(t)

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		_, err := uploader.Upload(context.Background(), Input{
			FilePath: filePath,
			Metadata: Metadata{Title: "My video"},
		})
		require.Error(t, err)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+3
	}, 5*time.Second, 50*time.Millisecond, "each failed upload must stop its progress aggregator")
}

func TestUploader_S3FallbackConfigReachesDirectPath(t *testing.T) {
	envRepo := validEnvRepo()
	envRepo.envVars["CROSSPOST_S3_BUCKET"] = "media-fallback"
	envRepo.envVars["CROSSPOST_S3_REGION"] = "us-east-1"

	logger := log.NewLogger()
	direct := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-5", ObjectKey: "media/k5"}}
	uploader := NewUploader(
		envRepo,
		logger,
		pathutil.NewPathChecker(),
		&fakeTransferPath{},
		direct,
		NewRegistry(),
		lease.NewManager(fakeLockAPI{}, time.Minute, logger),
	)

	_, err := uploader.Upload(context.Background(), Input{
		FilePath: smallTestFile(t),
		Metadata: Metadata{Title: "My video"},
	})

	require.NoError(t, err)
	require.NotNil(t, direct.params[0].S3)
	assert.Equal(t, "media-fallback", direct.params[0].S3.Bucket)
	assert.Equal(t, "us-east-1", direct.params[0].S3.Region)
}

func TestUploader_DetectsContentTypeWhenUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thumb.png")
	pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	require.NoError(t, os.WriteFile(path, append(pngHeader, make([]byte, 64)...), 0600))

	direct := &fakeTransferPath{result: network.AssetReference{VideoID: "vid-6", ObjectKey: "media/k6"}}
	uploader, _ := newTestUploader(&fakeTransferPath{}, direct)

	_, err := uploader.Upload(context.Background(), Input{
		FilePath: path,
		Metadata: Metadata{Title: "My thumbnail"},
	})

	require.NoError(t, err)
	assert.Equal(t, "image/png", direct.params[0].ContentType)
}
