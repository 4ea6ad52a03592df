package youtube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultThumbnailURL = "https://www.googleapis.com/upload/youtube/v3/thumbnails/set"
	maxThumbnailBytes   = 2 * 1024 * 1024
	// Anything below this is an empty or corrupt payload, not an image.
	minThumbnailBytes = 100
)

// AttachStatus ...
type AttachStatus string

const (
	// AttachSuccess ...
	AttachSuccess AttachStatus = "SUCCESS"
	// AttachFailed ...
	AttachFailed AttachStatus = "FAILED"
)

// ErrorCode classifies a failed thumbnail attach for the caller's UI.
type ErrorCode string

const (
	// CodeValidationError means the image never left the machine.
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	// CodeUnverifiedChannel means the channel may not set custom thumbnails.
	CodeUnverifiedChannel ErrorCode = "UNVERIFIED_CHANNEL"
	// CodeQuotaExceeded ...
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// CodeAuthRetryFailed means a token refresh plus one retry did not help.
	CodeAuthRetryFailed ErrorCode = "AUTH_RETRY_FAILED"
	// CodeUploadError is a provider rejection with the raw message kept.
	CodeUploadError ErrorCode = "UPLOAD_ERROR"
	// CodeUnknownError ...
	CodeUnknownError ErrorCode = "UNKNOWN_ERROR"
)

// AttachResult is always returned, a failed attach is reported, never
// propagated as an error of the surrounding publish.
type AttachResult struct {
	Status    AttachStatus
	ErrorCode ErrorCode
	Message   string
}

var allowedThumbnailTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ThumbnailService sets custom video thumbnails. The call is advisory: the
// video publish that preceded it must never be rolled back or failed because
// the thumbnail could not be attached.
type ThumbnailService struct {
	tokens     *TokenSource
	httpClient *retryablehttp.Client
	setURL     string
	logger     log.Logger
}

// NewThumbnailService ...
func NewThumbnailService(tokens *TokenSource, logger log.Logger) *ThumbnailService {
	client := retryhttp.NewClient(logger)
	// Auth handling below owns the retry semantics, one attempt per call
	client.RetryMax = 0
	return &ThumbnailService{
		tokens:     tokens,
		httpClient: client,
		setURL:     defaultThumbnailURL,
		logger:     logger,
	}
}

// Attach validates and uploads a thumbnail for an already-published video.
func (s *ThumbnailService) Attach(ctx context.Context, videoID string, image []byte, mimeType string) AttachResult {
	if result, ok := s.validate(image, mimeType); !ok {
		return result
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return AttachResult{Status: AttachFailed, ErrorCode: CodeAuthRetryFailed, Message: err.Error()}
	}

	statusCode, body, err := s.set(ctx, token, videoID, image, mimeType)
	if err != nil {
		return AttachResult{Status: AttachFailed, ErrorCode: CodeUnknownError, Message: err.Error()}
	}

	if statusCode == http.StatusUnauthorized {
		// The token looked valid locally but the provider disagrees.
		// Refresh once and retry exactly once, then give up.
		s.logger.Debugf("Thumbnail set rejected with 401, refreshing token")
		token, err := s.tokens.ForceRefresh(ctx)
		if err != nil {
			return AttachResult{Status: AttachFailed, ErrorCode: CodeAuthRetryFailed, Message: err.Error()}
		}
		statusCode, body, err = s.set(ctx, token, videoID, image, mimeType)
		if err != nil {
			return AttachResult{Status: AttachFailed, ErrorCode: CodeUnknownError, Message: err.Error()}
		}
		if statusCode == http.StatusUnauthorized {
			return AttachResult{Status: AttachFailed, ErrorCode: CodeAuthRetryFailed, Message: "thumbnail upload rejected again after token refresh"}
		}
	}

	if statusCode >= 200 && statusCode < 300 {
		return AttachResult{Status: AttachSuccess}
	}
	return classifyRejection(statusCode, body)
}

func (s *ThumbnailService) validate(image []byte, mimeType string) (AttachResult, bool) {
	if !allowedThumbnailTypes[mimeType] {
		return AttachResult{
			Status:    AttachFailed,
			ErrorCode: CodeValidationError,
			Message:   fmt.Sprintf("unsupported thumbnail type %s, use jpeg, png or webp", mimeType),
		}, false
	}
	if len(image) > maxThumbnailBytes {
		return AttachResult{
			Status:    AttachFailed,
			ErrorCode: CodeValidationError,
			Message:   fmt.Sprintf("thumbnail is %d bytes, the limit is %d", len(image), maxThumbnailBytes),
		}, false
	}
	if len(image) < minThumbnailBytes {
		return AttachResult{
			Status:    AttachFailed,
			ErrorCode: CodeValidationError,
			Message:   "thumbnail payload is too small to be a valid image",
		}, false
	}
	return AttachResult{}, true
}

func (s *ThumbnailService) set(ctx context.Context, token string, videoID string, image []byte, mimeType string) (int, string, error) {
	url := fmt.Sprintf("%s?videoId=%s", s.setURL, videoID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", mimeType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Printf(err.Error())
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

// classifyRejection maps a provider rejection onto the error codes the UI
// understands. The unverified-channel case is checked before the generic
// quota case because the provider reports both as 403.
func classifyRejection(statusCode int, body string) AttachResult {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "custom video thumbnail") || strings.Contains(lower, "unverified") {
		return AttachResult{
			Status:    AttachFailed,
			ErrorCode: CodeUnverifiedChannel,
			Message:   "the channel is not verified for custom thumbnails",
		}
	}
	if statusCode == http.StatusForbidden || strings.Contains(lower, "quota") {
		return AttachResult{
			Status:    AttachFailed,
			ErrorCode: CodeQuotaExceeded,
			Message:   fmt.Sprintf("HTTP %d: %s", statusCode, body),
		}
	}
	return AttachResult{
		Status:    AttachFailed,
		ErrorCode: CodeUploadError,
		Message:   fmt.Sprintf("HTTP %d: %s", statusCode, body),
	}
}
