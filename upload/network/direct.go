package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload/progress"
)

// Seam for tests, direct S3 access can't be faked with httptest.
var uploadToS3 = UploadToS3

// UploadDirect uploads a file with a single pre-signed PUT and registers it
// with a put-complete call. A pre-signed PUT carries no application metadata,
// so skipping put-complete would leave the object orphaned.
// On primary-path failure it falls back exactly once: to a direct S3 upload
// when bucket access is configured, to the proxied upload endpoint otherwise.
func UploadDirect(ctx context.Context, params Params, tracker *progress.Tracker, logger log.Logger) (AssetReference, error) {
	// The aggregator goroutine blocks on its events channel until it is
	// stopped, so every exit path has to stop it. Abandon after Finalize is
	// a no-op.
	defer tracker.Abandon()

	data, err := os.ReadFile(params.FilePath)
	if err != nil {
		return AssetReference{}, fmt.Errorf("read file: %w", err)
	}

	client := newAPIClient(retryhttp.NewClient(logger), params.APIBaseURL, params.Token, logger)

	logger.Debugf("Init direct upload")
	initResp, err := client.initUpload(ctx, initUploadRequest{
		Filename:    filepath.Base(params.FilePath),
		ContentType: params.ContentType,
		SizeBytes:   int64(len(data)),
		TeamID:      params.TeamID,
	})
	if err != nil {
		return AssetReference{}, fmt.Errorf("failed to init upload: %w", err)
	}

	uploadErr := putPresigned(ctx, initResp, params, data, tracker, logger)
	if uploadErr != nil {
		if transfer.IsCancelled(uploadErr) {
			return AssetReference{}, uploadErr
		}

		if params.S3 != nil {
			logger.Warnf("Pre-signed upload failed, falling back to direct S3 upload: %s", uploadErr)
			err := uploadToS3(ctx, S3UploadParams{
				FilePath:        params.FilePath,
				ContentType:     params.ContentType,
				ObjectKey:       initResp.Key,
				Region:          params.S3.Region,
				Bucket:          params.S3.Bucket,
				AccessKeyID:     params.S3.AccessKeyID,
				SecretAccessKey: params.S3.SecretAccessKey,
			}, logger)
			if err != nil {
				return AssetReference{}, fmt.Errorf("s3 upload fallback: %w (primary failure: %s)", err, uploadErr)
			}
		} else {
			logger.Warnf("Pre-signed upload failed, falling back to proxied upload: %s", uploadErr)
			if err := client.proxyUpload(ctx, initResp.Key, params.ContentType, data); err != nil {
				return AssetReference{}, fmt.Errorf("proxied upload fallback: %w (primary failure: %s)", err, uploadErr)
			}
		}
	}

	logger.Debugf("Registering object metadata")
	err = client.putComplete(ctx, putCompleteRequest{
		Key:         initResp.Key,
		Filename:    filepath.Base(params.FilePath),
		ContentType: params.ContentType,
		SizeBytes:   int64(len(data)),
		TeamID:      params.TeamID,
	})
	if err != nil {
		return AssetReference{}, fmt.Errorf("failed to register upload: %w", err)
	}

	tracker.Finalize()
	return AssetReference{VideoID: initResp.VideoID, ObjectKey: initResp.Key}, nil
}

func putPresigned(ctx context.Context, initResp initUploadResponse, params Params, data []byte, tracker *progress.Tracker, logger log.Logger) error {
	if initResp.PutURL == "" {
		return fmt.Errorf("no pre-signed URL issued")
	}

	transferClient := transfer.NewClient(transfer.Config{}, logger)
	url := transfer.PutURL{
		Method:  "PUT",
		URL:     initResp.PutURL,
		Headers: map[string]string{"Content-Type": params.ContentType},
	}
	return transferClient.PutObject(ctx, url, data, func(sent int64) {
		tracker.Advance(0, sent)
	})
}
