package upload

import (
	"fmt"
	"time"
)

// PrivacyStatus is the provider-side visibility of a published video.
type PrivacyStatus string

const (
	// PrivacyPublic ...
	PrivacyPublic PrivacyStatus = "public"
	// PrivacyUnlisted ...
	PrivacyUnlisted PrivacyStatus = "unlisted"
	// PrivacyPrivate ...
	PrivacyPrivate PrivacyStatus = "private"
)

// ValidationError is a pre-flight rejection. It is raised before any network
// call, so a failed validation never leaves local state behind.
type ValidationError struct {
	Field   string
	Message string
}

// Error ...
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Metadata describes the video being published.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	CategoryID  string
	Privacy     PrivacyStatus
	// PublishAt schedules the video. A scheduled video stays private until
	// the provider flips it at the scheduled time.
	PublishAt   *time.Time
	MadeForKids bool
}

// Validate checks the metadata before any upload begins.
func (m Metadata) Validate(now time.Time) error {
	if m.Title == "" {
		return &ValidationError{Field: "title", Message: "must not be empty"}
	}

	switch m.Privacy {
	case PrivacyPublic, PrivacyUnlisted, PrivacyPrivate, "":
	default:
		return &ValidationError{Field: "privacyStatus", Message: fmt.Sprintf("unknown value %q", m.Privacy)}
	}

	if m.PublishAt != nil && !m.PublishAt.After(now) {
		return &ValidationError{Field: "publishAt", Message: "must be in the future"}
	}

	return nil
}

// EffectivePrivacy is the privacy submitted to the provider. Scheduling
// forces private until the provider publishes the video itself.
func (m Metadata) EffectivePrivacy() PrivacyStatus {
	if m.PublishAt != nil {
		return PrivacyPrivate
	}
	if m.Privacy == "" {
		return PrivacyPrivate
	}
	return m.Privacy
}
