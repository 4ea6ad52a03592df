package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/crosspost-io/go-publishutils/transfer"
	"github.com/crosspost-io/go-publishutils/upload/progress"
)

const (
	defaultPartSizeBytes = 8 * 1024 * 1024
	numPartWorkers       = 4
)

// UploadMultipart runs an S3-style multipart upload: one init call, then a
// bounded worker pool signing and PUTting parts, then one complete call with
// the ETags in ascending part order.
func UploadMultipart(ctx context.Context, params Params, tracker *progress.Tracker, logger log.Logger) (AssetReference, error) {
	// The aggregator goroutine blocks on its events channel until it is
	// stopped, so every exit path has to stop it. Abandon after Finalize is
	// a no-op.
	defer tracker.Abandon()

	file, err := os.Open(params.FilePath)
	if err != nil {
		return AssetReference{}, fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	fileInfo, err := file.Stat()
	if err != nil {
		return AssetReference{}, fmt.Errorf("stat file: %w", err)
	}
	fileSize := fileInfo.Size()

	client := newAPIClient(retryhttp.NewClient(logger), params.APIBaseURL, params.Token, logger)

	logger.Debugf("Init multipart upload session")
	initResp, err := client.initUpload(ctx, initUploadRequest{
		Filename:    filepath.Base(params.FilePath),
		ContentType: params.ContentType,
		SizeBytes:   fileSize,
		TeamID:      params.TeamID,
		Multipart:   true,
	})
	if err != nil {
		return AssetReference{}, fmt.Errorf("failed to init upload session: %w", err)
	}

	partSize := initResp.PartSize
	if partSize <= 0 {
		partSize = defaultPartSizeBytes
	}
	totalParts := totalPartCount(fileSize, partSize)
	logger.Debugf("Uploading %d parts, %dB each", totalParts, partSize)

	session := &multipartSession{
		client:     client,
		transfer:   transfer.NewClient(transfer.Config{}, logger),
		file:       file,
		fileSize:   fileSize,
		partSize:   partSize,
		totalParts: totalParts,
		workers:    numPartWorkers,
		key:        initResp.Key,
		uploadID:   initResp.UploadID,
		etags:      make([]string, totalParts),
	}

	uploadErr := session.uploadParts(ctx, tracker)

	if ctx.Err() != nil || transfer.IsCancelled(uploadErr) {
		// Best-effort server-side cleanup of the provisional multipart state.
		// Uses a fresh context, the session's one is already cancelled.
		abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer abortCancel()
		if err := client.cancelUpload(abortCtx, cancelUploadRequest{Key: initResp.Key, UploadID: initResp.UploadID}); err != nil {
			logger.Warnf("Failed to abort multipart upload remotely: %s", err)
		}
		return AssetReference{}, &transfer.CancelledError{Err: ctx.Err()}
	}
	if uploadErr != nil {
		return AssetReference{}, uploadErr
	}

	// Part numbers ascend with the slice index, so the completion list is
	// ordered no matter which worker finished last.
	parts := make([]completedPart, totalParts)
	for i, etag := range session.etags {
		parts[i] = completedPart{PartNumber: i + 1, ETag: etag}
	}

	logger.Debugf("Completing multipart upload with %d parts", totalParts)
	completeResp, err := client.completeMultipart(ctx, completeMultipartRequest{
		Key:              initResp.Key,
		UploadID:         initResp.UploadID,
		Parts:            parts,
		OriginalFilename: filepath.Base(params.FilePath),
		ContentType:      params.ContentType,
		SizeBytes:        fileSize,
		TeamID:           params.TeamID,
	})
	if err != nil {
		// Not retried: partial multipart state needs operator visibility
		return AssetReference{}, fmt.Errorf("failed to finalize upload: %w", err)
	}

	tracker.Finalize()
	return AssetReference{VideoID: completeResp.VideoID, ObjectKey: initResp.Key}, nil
}

// totalPartCount is ceil(fileSize / partSize). Part numbers are 1-based and
// contiguous, so together with partRange the parts cover [0, fileSize)
// exactly.
func totalPartCount(fileSize, partSize int64) int {
	return int((fileSize + partSize - 1) / partSize)
}

// partRange returns the byte range [offset, offset+length) of a part.
func partRange(partNumber int, fileSize, partSize int64) (int64, int64) {
	offset := int64(partNumber-1) * partSize
	length := partSize
	if remaining := fileSize - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

type multipartSession struct {
	client     apiClient
	transfer   *transfer.Client
	file       *os.File
	fileSize   int64
	partSize   int64
	totalParts int
	workers    int
	key        string
	uploadID   string

	etags    []string
	nextPart int64
	failed   int32
	errOnce  sync.Once
	firstErr error
}

// uploadParts drains the shared part counter with a fixed worker pool.
// The first failure stops further part issuance; workers already holding a
// part finish (or fail) on their own.
func (s *multipartSession) uploadParts(ctx context.Context, tracker *progress.Tracker) error {
	var wg sync.WaitGroup
	for worker := 0; worker < s.workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				if ctx.Err() != nil || atomic.LoadInt32(&s.failed) == 1 {
					return
				}

				partNumber := int(atomic.AddInt64(&s.nextPart, 1))
				if partNumber > s.totalParts {
					return
				}

				etag, size, err := s.uploadPart(ctx, worker, partNumber, tracker)
				if err != nil {
					s.fail(err)
					return
				}
				s.etags[partNumber-1] = etag
				tracker.CompletePart(worker, size)
			}
		}(worker)
	}
	wg.Wait()

	return s.firstErr
}

func (s *multipartSession) uploadPart(ctx context.Context, worker int, partNumber int, tracker *progress.Tracker) (string, int64, error) {
	signResp, err := s.client.signPart(ctx, signPartRequest{
		Key:        s.key,
		UploadID:   s.uploadID,
		PartNumber: partNumber,
	})
	if err != nil {
		return "", 0, fmt.Errorf("sign part %d: %w", partNumber, err)
	}

	offset, length := partRange(partNumber, s.fileSize, s.partSize)

	data, err := io.ReadAll(io.NewSectionReader(s.file, offset, length))
	if err != nil {
		return "", 0, fmt.Errorf("read part %d: %w", partNumber, err)
	}

	etag, err := s.transfer.PutPart(ctx, transfer.PutURL{Method: "PUT", URL: signResp.URL}, data, func(sent int64) {
		tracker.Advance(worker, sent)
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload part %d: %w", partNumber, err)
	}

	return etag, int64(len(data)), nil
}

func (s *multipartSession) fail(err error) {
	s.errOnce.Do(func() {
		s.firstErr = err
	})
	atomic.StoreInt32(&s.failed, 1)
}
