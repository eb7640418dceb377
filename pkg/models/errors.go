package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors for the tagging pipeline.
var (
	// Authentication errors
	ErrNotAuthenticated = errors.New("not authenticated")

	// Validation errors
	ErrValidation         = errors.New("validation failed")
	ErrMissingFile        = fmt.Errorf("%w: missing file", ErrValidation)
	ErrMissingName        = fmt.Errorf("%w: missing name", ErrValidation)
	ErrInvalidContentType = fmt.Errorf("%w: invalid content type", ErrValidation)
	ErrFilenameTooLong    = fmt.Errorf("%w: filename too long", ErrValidation)
	ErrFeedbackTooShort   = fmt.Errorf("%w: feedback must be at least %d characters", ErrValidation, MinFeedbackLength)

	// Pipeline errors
	ErrExtractionFailed = errors.New("frame extraction failed")
	ErrTaggingFailed    = errors.New("tag generation failed")
	ErrRefineFailed     = errors.New("tag refinement failed")
	ErrStorageFailed    = errors.New("remote storage operation failed")
	ErrDownloadFailed   = errors.New("failed to download video")
	ErrUploadFailed     = errors.New("failed to upload video")
	ErrRenameFailed     = errors.New("failed to rename remote file")

	// Queue errors
	ErrEntryNotFound     = errors.New("entry not found")
	ErrDuplicateEntry    = errors.New("entry already queued")
	ErrNotRefinable      = errors.New("entry cannot be refined until it has tags")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueClosed       = errors.New("queue closed")
)

// MinFeedbackLength is the shortest refinement feedback accepted.
const MinFeedbackLength = 5

// RemoteError describes a failed call to an external service and whether the
// failure happened on the network or was reported by the service itself.
type RemoteError struct {
	Service string
	Op      string
	Network bool
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Network {
		return fmt.Sprintf("network error contacting %s during %s: %v", e.Service, e.Op, e.Err)
	}
	return fmt.Sprintf("%s reported an error during %s: %v", e.Service, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError classifies err as a network or service failure.
func NewRemoteError(service, op string, err error) *RemoteError {
	return &RemoteError{
		Service: service,
		Op:      op,
		Network: IsNetworkError(err),
		Err:     err,
	}
}

// IsNetworkError reports whether err came from the transport rather than a
// response produced by the remote service.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
