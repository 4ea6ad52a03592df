package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	p := analytics.Properties{
		"team_id":   envRepo.Get("CROSSPOST_TEAM_ID"),
		"client_id": envRepo.Get("CROSSPOST_CLIENT_ID"),
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, envRepo, p),
		logger:  logger,
	}
}

func (t *uploadTracker) logUploadCompleted(uploadTime time.Duration, sizeBytes int64, multipart bool) {
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"multipart":         multipart,
	}
	t.tracker.Enqueue("publish_media_uploaded", properties)
}

func (t *uploadTracker) logUploadFailed(sizeBytes int64, multipart bool) {
	properties := analytics.Properties{
		"upload_size_bytes": sizeBytes,
		"multipart":         multipart,
	}
	t.tracker.Enqueue("publish_media_upload_failed", properties)
}

func (t *uploadTracker) wait() {
	t.tracker.Wait()
}
