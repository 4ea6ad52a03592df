package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams ...
type S3UploadParams struct {
	FilePath        string
	ContentType     string
	ObjectKey       string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// UploadToS3 stores a media file straight into an S3 bucket. Escape hatch for
// deployments without a pre-signing metadata service; the caller is
// responsible for registering the object afterwards.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}
	if params.FilePath == "" {
		return fmt.Errorf("FilePath must not be empty")
	}
	if params.ObjectKey == "" {
		return fmt.Errorf("ObjectKey must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	return putObjectWithRetry(ctx, client, params, logger)
}

func putObjectWithRetry(ctx context.Context, client *s3.Client, params S3UploadParams, logger log.Logger) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.FilePath)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		fileInfo, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat file: %w", err), true
		}

		uploader := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = defaultPartSizeBytes
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(params.Bucket),
			Key:           aws.String(params.ObjectKey),
			ContentType:   aws.String(params.ContentType),
			ContentLength: aws.Int64(fileInfo.Size()),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				logger.Warnf("S3 upload attempt %d rejected: %s", attempt+1, apiError.ErrorCode())
			}
			return fmt.Errorf("upload media: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(ctx context.Context, region string, accessKeyID string, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
