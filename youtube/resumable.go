package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/crosspost-io/go-publishutils/retrier"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos"
	defaultChunkSize = 8 * 1024 * 1024
	// Attempt budget for the whole transfer, not per chunk.
	maxUploadAttempts = 3
	retryWait         = 2 * time.Second
)

// UploadStatus is the provider-side state of the video right after upload.
// Downstream UI branches on these exact values.
type UploadStatus string

const (
	// StatusScheduled means the video is private until its publish time.
	StatusScheduled UploadStatus = "SCHEDULED"
	// StatusPublished means the video is immediately visible.
	StatusPublished UploadStatus = "PUBLISHED"
	// StatusProcessing means the provider is still encoding or reviewing.
	StatusProcessing UploadStatus = "PROCESSING"
)

// PublishResult ...
type PublishResult struct {
	VideoID   string
	Status    UploadStatus
	Privacy   upload.PrivacyStatus
	PublishAt *time.Time
}

// ResumableUploader pushes videos through the provider's resumable upload
// protocol: one initiation call that yields a session URI, then a strictly
// sequential chunk loop that survives interruptions by asking the provider
// which offset it has confirmed.
type ResumableUploader struct {
	tokens     *TokenSource
	transfer   *transfer.Client
	httpClient *retryablehttp.Client
	uploadURL  string
	chunkSize  int64
	logger     log.Logger
}

// NewResumableUploader ...
func NewResumableUploader(tokens *TokenSource, logger log.Logger) *ResumableUploader {
	return &ResumableUploader{
		tokens:     tokens,
		transfer:   transfer.NewClient(transfer.Config{}, logger),
		httpClient: retryhttp.NewClient(logger),
		uploadURL:  defaultUploadURL,
		chunkSize:  defaultChunkSize,
		logger:     logger,
	}
}

// Upload publishes one video. onProgress is optional and receives a
// percentage that stays below 100 until the provider has confirmed the
// complete upload.
func (u *ResumableUploader) Upload(ctx context.Context, source Source, metadata upload.Metadata, onProgress func(percent int)) (PublishResult, error) {
	if err := metadata.Validate(time.Now()); err != nil {
		return PublishResult{}, err
	}

	// Fails before any video bytes move if the token can't be refreshed
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return PublishResult{}, err
	}

	u.logger.Debugf("Initiating resumable upload session")
	location, err := u.initiate(ctx, token, source, metadata)
	if err != nil {
		return PublishResult{}, err
	}

	session := &resumableSession{
		tokens:     u.tokens,
		transfer:   u.transfer,
		location:   location,
		source:     source,
		chunkSize:  u.chunkSize,
		onProgress: onProgress,
		logger:     u.logger,
	}

	strategy := retrier.Strategy{
		MaxAttempts: maxUploadAttempts,
		Wait:        retryWait,
		Retryable:   isRetryableUploadError,
		ProbeOffset: session.probeOffset,
		Logger:      u.logger,
	}
	if err := strategy.Do(ctx, session.sendFrom); err != nil {
		return PublishResult{}, err
	}

	if onProgress != nil {
		onProgress(100)
	}

	return PublishResult{
		VideoID:   session.videoID,
		Status:    deriveStatus(metadata),
		Privacy:   metadata.EffectivePrivacy(),
		PublishAt: metadata.PublishAt,
	}, nil
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

type videoStatus struct {
	PrivacyStatus           string     `json:"privacyStatus"`
	PublishAt               *time.Time `json:"publishAt,omitempty"`
	SelfDeclaredMadeForKids bool       `json:"selfDeclaredMadeForKids"`
}

type videoResource struct {
	Snippet videoSnippet `json:"snippet"`
	Status  videoStatus  `json:"status"`
}

// initiate registers the upload and returns the session URI from the
// Location header. A response without Location is a hard failure, there is
// nothing to upload against.
func (u *ResumableUploader) initiate(ctx context.Context, token string, source Source, metadata upload.Metadata) (string, error) {
	resource := videoResource{
		Snippet: videoSnippet{
			Title:       metadata.Title,
			Description: metadata.Description,
			Tags:        metadata.Tags,
			CategoryID:  metadata.CategoryID,
		},
		Status: videoStatus{
			PrivacyStatus:           string(metadata.EffectivePrivacy()),
			PublishAt:               metadata.PublishAt,
			SelfDeclaredMadeForKids: metadata.MadeForKids,
		},
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s?uploadType=resumable&part=snippet,status", u.uploadURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Type", source.ContentType())
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(source.Size(), 10))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to initiate upload: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload initiation returned HTTP %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("upload initiation response carries no Location header")
	}
	return location, nil
}

type resumableSession struct {
	tokens     *TokenSource
	transfer   *transfer.Client
	location   string
	source     Source
	chunkSize  int64
	onProgress func(percent int)
	logger     log.Logger

	videoID string
	// High-water mark across attempts. A retry restarts from the confirmed
	// offset, which can be below what was already reported.
	reportedPercent int
}

// sendFrom uploads the source sequentially starting at offset. Chunk N+1 is
// never issued before the provider acknowledged chunk N.
func (s *resumableSession) sendFrom(ctx context.Context, offset int64) error {
	if s.videoID != "" {
		// A probe discovered the provider already has the whole video
		return nil
	}

	total := s.source.Size()
	for offset < total {
		end := offset + s.chunkSize
		if end > total {
			end = total
		}

		chunk := make([]byte, end-offset)
		if _, err := s.source.ReadAt(chunk, offset); err != nil {
			return fmt.Errorf("read source at %d: %w", offset, err)
		}

		token, err := s.tokens.Token(ctx)
		if err != nil {
			return err
		}

		chunkStart := offset
		contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total)
		result, err := s.transfer.PutChunk(ctx, s.putURL(token), chunk, contentRange, func(sent int64) {
			s.reportProgress(chunkStart+sent, total)
		})
		if err != nil {
			return err
		}

		if result.StatusCode == http.StatusPermanentRedirect {
			confirmed, err := parseRangeEnd(result.Range)
			if err != nil {
				// A 308 without a usable Range header gives no offset to
				// trust, treat it as a transient provider glitch
				return &transfer.TransportError{Err: err}
			}
			offset = confirmed + 1
			continue
		}

		videoID, err := parseVideoID(result.Body)
		if err != nil {
			return err
		}
		s.videoID = videoID
		return nil
	}

	// All bytes were confirmed by an earlier attempt but the final response
	// was lost, ask the provider for the terminal state
	if _, err := s.probeOffset(ctx); err != nil {
		return err
	}
	if s.videoID == "" {
		return &transfer.TransportError{Err: fmt.Errorf("upload complete but no video id received")}
	}
	return nil
}

// probeOffset issues the zero-length status PUT and returns the next offset
// to send from. A 2xx answer means the upload already finished, in which
// case the video id is captured as a side effect.
func (s *resumableSession) probeOffset(ctx context.Context) (int64, error) {
	total := s.source.Size()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	result, err := s.transfer.PutChunk(ctx, s.putURL(token), nil, fmt.Sprintf("bytes */%d", total), nil)
	if err != nil {
		return 0, err
	}

	if result.StatusCode == http.StatusPermanentRedirect {
		if result.Range == "" {
			// Nothing confirmed yet
			return 0, nil
		}
		confirmed, err := parseRangeEnd(result.Range)
		if err != nil {
			return 0, err
		}
		return confirmed + 1, nil
	}

	videoID, err := parseVideoID(result.Body)
	if err != nil {
		return 0, err
	}
	s.videoID = videoID
	return total, nil
}

func (s *resumableSession) putURL(token string) transfer.PutURL {
	return transfer.PutURL{
		Method: http.MethodPut,
		URL:    s.location,
		Headers: map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", token),
			"Content-Type":  s.source.ContentType(),
		},
	}
}

func (s *resumableSession) reportProgress(sent int64, total int64) {
	if s.onProgress == nil || total == 0 {
		return
	}
	percent := int(sent * 100 / total)
	if percent > 99 {
		percent = 99
	}
	if percent <= s.reportedPercent {
		return
	}
	s.reportedPercent = percent
	s.onProgress(percent)
}

// parseRangeEnd extracts the last confirmed byte index from a Range response
// header such as "bytes=0-1048575".
func parseRangeEnd(rangeHeader string) (int64, error) {
	value := strings.TrimPrefix(rangeHeader, "bytes=")
	idx := strings.LastIndex(value, "-")
	if idx < 0 || idx == len(value)-1 {
		return 0, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	end, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", rangeHeader, err)
	}
	return end, nil
}

func parseVideoID(body []byte) (string, error) {
	var video struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &video); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if video.ID == "" {
		return "", fmt.Errorf("upload response carries no video id")
	}
	return video.ID, nil
}

// isRetryableUploadError implements the transfer-wide retry classification:
// transport problems and provider-side HTTP rejections are retried within
// the attempt budget, cancellations and auth failures are not.
func isRetryableUploadError(err error) bool {
	if transfer.IsCancelled(err) {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var rejectedErr *transfer.UploadRejectedError
	if errors.As(err, &rejectedErr) {
		return true
	}
	return transfer.IsRetryable(err)
}

func deriveStatus(metadata upload.Metadata) UploadStatus {
	if metadata.PublishAt != nil {
		return StatusScheduled
	}
	switch metadata.EffectivePrivacy() {
	case upload.PrivacyPublic, upload.PrivacyUnlisted:
		return StatusPublished
	}
	return StatusProcessing
}
