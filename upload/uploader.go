package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/crosspost-io/go-publishutils/config"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload/lease"
	"github.com/crosspost-io/go-publishutils/upload/network"
	"github.com/crosspost-io/go-publishutils/upload/progress"
	"github.com/docker/go-units"
)

// Files at or above this size take the multipart path, smaller ones the
// single-PUT direct path.
const multipartThresholdBytes = 80 * 1024 * 1024

// Input is the caller-facing description of one upload.
type Input struct {
	FilePath    string
	ContentType string
	TeamID      string
	Metadata    Metadata
	Verbose     bool
}

// Result ...
type Result struct {
	SessionID string
	VideoID   string
	ObjectKey string
}

type uploadConfig struct {
	FilePath       string
	ContentType    string
	TeamID         string
	FileSize       int64
	APIBaseURL     config.Secret
	APIAccessToken config.Secret

	S3Bucket          string
	S3Region          string
	S3AccessKeyID     config.Secret
	S3SecretAccessKey config.Secret
}

func (c uploadConfig) s3Fallback() *network.S3Fallback {
	if c.S3Bucket == "" {
		return nil
	}
	return &network.S3Fallback{
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		AccessKeyID:     string(c.S3AccessKeyID),
		SecretAccessKey: string(c.S3SecretAccessKey),
	}
}

// Uploader drives whole-file uploads against the metadata/credential
// service, picking the transfer path by file size.
type Uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathChecker  pathutil.PathChecker
	fileProvider FileProvider
	multipart    network.Uploader
	direct       network.Uploader
	sessions     *Registry
	leases       *lease.Manager
}

// NewUploader creates an uploader. `multipart` and `direct` can be nil,
// unless you want to provide custom transfer implementations.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathChecker pathutil.PathChecker,
	multipart network.Uploader,
	direct network.Uploader,
	sessions *Registry,
	leases *lease.Manager,
) *Uploader {
	var multipartImpl network.Uploader = multipart
	if multipart == nil {
		multipartImpl = network.DefaultMultipartUploader{}
	}
	var directImpl network.Uploader = direct
	if direct == nil {
		directImpl = network.DefaultDirectUploader{}
	}
	fileProvider := NewFileProvider(
		filedownloader.NewDownloader(logger),
		fileutil.NewFileManager(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
	)
	return &Uploader{
		envRepo:      envRepo,
		logger:       logger,
		pathChecker:  pathChecker,
		fileProvider: fileProvider,
		multipart:    multipartImpl,
		direct:       directImpl,
		sessions:     sessions,
		leases:       leases,
	}
}

// Upload pushes one file and registers it with the metadata service.
// Metadata is validated before anything touches the network, and the
// per-account upload lock is held for the duration of the attempt.
func (u *Uploader) Upload(ctx context.Context, input Input) (Result, error) {
	if err := input.Metadata.Validate(time.Now()); err != nil {
		return Result{}, err
	}

	config, err := u.createConfig(ctx, input)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse inputs: %w", err)
	}

	session := NewSession(filepath.Base(config.FilePath), config.FileSize, config.ContentType)
	u.sessions.Add(session)

	grant, err := u.leases.Acquire()
	if err != nil {
		_ = session.MarkFailed(err)
		return Result{}, err
	}
	defer func() {
		// The lock release is advisory, the server sweep covers us if it
		// never arrives
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		u.leases.Release(releaseCtx, grant)
	}()

	tracker := newUploadTracker(u.envRepo, u.logger)
	defer tracker.wait()

	if err := session.MarkUploading(); err != nil {
		return Result{}, err
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s)...", session.FileName, units.HumanSizeWithPrecision(float64(config.FileSize), 3))

	uploader := u.direct
	multipart := config.FileSize >= multipartThresholdBytes
	if multipart {
		u.logger.Debugf("File size is over the multipart threshold, uploading in parts")
		uploader = u.multipart
	}

	progressTracker := progress.NewTracker(config.FileSize, session.SetProgress)
	// The transfer paths stop the aggregator themselves, this covers custom
	// Uploader implementations that forget to
	defer progressTracker.Abandon()

	uploadStartTime := time.Now()
	ref, err := uploader.Upload(ctx, network.Params{
		APIBaseURL:  string(config.APIBaseURL),
		Token:       string(config.APIAccessToken),
		FilePath:    config.FilePath,
		ContentType: config.ContentType,
		TeamID:      config.TeamID,
		S3:          config.s3Fallback(),
	}, progressTracker, u.logger)

	if err != nil {
		if transfer.IsCancelled(err) {
			_ = session.MarkCancelled()
			u.logger.Infof("Upload cancelled")
			return Result{SessionID: session.ID}, err
		}
		_ = session.MarkFailed(err)
		tracker.logUploadFailed(config.FileSize, multipart)
		return Result{SessionID: session.ID}, fmt.Errorf("upload failed: %w", err)
	}

	session.SetRemoteIdentity(ref.ObjectKey, ref.VideoID)
	if err := session.MarkCompleted(); err != nil {
		return Result{}, err
	}

	uploadTime := time.Since(uploadStartTime).Round(time.Second)
	u.logger.Donef("File uploaded in %s", uploadTime)
	tracker.logUploadCompleted(uploadTime, config.FileSize, multipart)

	return Result{
		SessionID: session.ID,
		VideoID:   ref.VideoID,
		ObjectKey: ref.ObjectKey,
	}, nil
}

func (u *Uploader) createConfig(ctx context.Context, input Input) (uploadConfig, error) {
	if input.FilePath == "" {
		return uploadConfig{}, fmt.Errorf("file path should not be empty")
	}

	filePath := input.FilePath
	if strings.Contains(filePath, "://") {
		// file:// inputs and remote URLs are localized first
		localPath, err := u.fileProvider.LocalPath(ctx, filePath)
		if err != nil {
			return uploadConfig{}, fmt.Errorf("failed to resolve media input: %w", err)
		}
		filePath = localPath
	}

	exists, err := u.pathChecker.IsPathExists(filePath)
	if err != nil {
		return uploadConfig{}, fmt.Errorf("failed to check file path: %w", err)
	}
	if !exists {
		return uploadConfig{}, fmt.Errorf("file %s doesn't exist", input.FilePath)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return uploadConfig{}, err
	}
	if fileInfo.Size() == 0 {
		return uploadConfig{}, fmt.Errorf("file %s is empty", filePath)
	}

	contentType := input.ContentType
	if contentType == "" {
		detected, err := DetectContentType(filePath)
		if err != nil {
			return uploadConfig{}, fmt.Errorf("failed to detect content type: %w", err)
		}
		contentType = detected
	}

	apiBaseURL := u.envRepo.Get("CROSSPOST_API_URL")
	if apiBaseURL == "" {
		return uploadConfig{}, fmt.Errorf("the secret 'CROSSPOST_API_URL' is not defined")
	}
	apiAccessToken := u.envRepo.Get("CROSSPOST_API_ACCESS_TOKEN")
	if apiAccessToken == "" {
		return uploadConfig{}, fmt.Errorf("the secret 'CROSSPOST_API_ACCESS_TOKEN' is not defined")
	}

	return uploadConfig{
		FilePath:       filePath,
		ContentType:    contentType,
		TeamID:         input.TeamID,
		FileSize:       fileInfo.Size(),
		APIBaseURL:     config.Secret(apiBaseURL),
		APIAccessToken: config.Secret(apiAccessToken),

		// Optional, enables the direct-bucket fallback of the direct path
		S3Bucket:          u.envRepo.Get("CROSSPOST_S3_BUCKET"),
		S3Region:          u.envRepo.Get("CROSSPOST_S3_REGION"),
		S3AccessKeyID:     config.Secret(u.envRepo.Get("CROSSPOST_S3_ACCESS_KEY_ID")),
		S3SecretAccessKey: config.Secret(u.envRepo.Get("CROSSPOST_S3_SECRET_ACCESS_KEY")),
	}, nil
}
