package domain

import "errors"

// Error taxonomy shared by every layer. Wrap with %w and test with errors.Is.
var (
	// ErrScoringUnavailable means the external scorer was unreachable, returned
	// a non-2xx status or sent a payload that failed validation.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrMalformedPrediction is a scorer payload that failed validation.
	// It is always reported wrapped in ErrScoringUnavailable.
	ErrMalformedPrediction = errors.New("malformed prediction")

	// ErrPersistenceWriteFailed wraps a failed database write.
	ErrPersistenceWriteFailed = errors.New("persistence write failed")

	// ErrRealtimeDeliveryFailed means the push connection dropped.
	ErrRealtimeDeliveryFailed = errors.New("realtime delivery failed")

	// ErrFeedbackSubmissionFailed is non-fatal and surfaced as a warning.
	ErrFeedbackSubmissionFailed = errors.New("feedback submission failed")

	// ErrNotFound is an empty result, safe to render as a placeholder.
	ErrNotFound = errors.New("record not found")

	// ErrBackendUnavailable is a read failure that must propagate.
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidStatus = errors.New("invalid status")
)
