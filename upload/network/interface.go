package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/crosspost-io/go-publishutils/upload/progress"
)

// Params identifies one upload against the metadata/credential service.
type Params struct {
	APIBaseURL  string
	Token       string
	FilePath    string
	ContentType string
	TeamID      string

	// S3 enables the direct-bucket fallback of the direct path. Nil means
	// fall back to the proxied upload endpoint instead.
	S3 *S3Fallback
}

// S3Fallback holds the bucket access used when the metadata service issued a
// pre-signed URL that does not work (or none at all).
type S3Fallback struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// AssetReference is the server-side identity of a registered upload.
type AssetReference struct {
	VideoID   string
	ObjectKey string
}

// Uploader ...
type Uploader interface {
	Upload(context.Context, Params, *progress.Tracker, log.Logger) (AssetReference, error)
}

// DefaultMultipartUploader ...
type DefaultMultipartUploader struct{}

// Upload ...
func (DefaultMultipartUploader) Upload(ctx context.Context, params Params, tracker *progress.Tracker, logger log.Logger) (AssetReference, error) {
	return UploadMultipart(ctx, params, tracker, logger)
}

// DefaultDirectUploader ...
type DefaultDirectUploader struct{}

// Upload ...
func (DefaultDirectUploader) Upload(ctx context.Context, params Params, tracker *progress.Tracker, logger log.Logger) (AssetReference, error) {
	return UploadDirect(ctx, params, tracker, logger)
}
