package transfer

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is a network-level failure (connection reset, timeout, DNS).
// The request may never have reached the server, so it is safe to retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UploadRejectedError is a definitive HTTP rejection (non-2xx, non-308).
// Whether it is worth retrying is the caller's decision.
type UploadRejectedError struct {
	StatusCode int
	Body       string
}

func (e *UploadRejectedError) Error() string {
	return fmt.Sprintf("upload rejected with HTTP %d: %s", e.StatusCode, e.Body)
}

// MissingETagError means the part was stored but the response carried no ETag.
// Multipart completion requires the ETag, so the part is unusable.
type MissingETagError struct {
	URL string
}

func (e *MissingETagError) Error() string {
	return fmt.Sprintf("no ETag in response from %s", e.URL)
}

// CancelledError marks a cooperative cancellation. It is terminal and must
// never be retried or reported as a failure.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("upload cancelled: %s", e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is a network-level failure that is
// safe to retry without further classification.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsCancelled reports whether the error originates from cancellation.
func IsCancelled(err error) bool {
	var cancelledErr *CancelledError
	return errors.As(err, &cancelledErr) || errors.Is(err, context.Canceled)
}
