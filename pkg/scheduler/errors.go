package scheduler

import "errors"

var (
	// ErrCredential indicates the subject's credential was expired and could
	// not be refreshed. The subject stays eligible for resubmission.
	ErrCredential = errors.New("credential expired and refresh failed")

	// ErrClosed is returned by operations on a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Submission results, used as the reason log field and metric label.
const (
	resultAccepted       = "accepted"
	resultClosed         = "closed"
	resultUnknownSubject = "unknown_subject"
	resultCompleted      = "already_completed"
	resultCredential     = "stale_credential"
	resultDuplicate      = "already_queued"
	resultNoFlags        = "no_flags"
	resultError          = "error"
)
