package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/google/uuid"
)

// Version is the current record format.
const Version = 1

var (
	// ErrNotFound indicates the requested checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalid indicates a checkpoint record is malformed.
	ErrInvalid = errors.New("invalid checkpoint")

	// ErrUnsupportedVersion indicates a record written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Reasons a run was aborted.
const (
	ReasonCredential = "credential"
	ReasonListing    = "listing"
	ReasonProvider   = "provider"
	ReasonStore      = "store"
	ReasonPanic      = "panic"
	ReasonShutdown   = "shutdown"
)

// Checkpoint is the state of an aborted fetch run.
type Checkpoint struct {
	Version      int    `json:"version"`
	ID           string `json:"id"`
	SubjectID    int64  `json:"subject_id"`
	DisplayName  string `json:"display_name"`
	WantPrimary  bool   `json:"want_primary"`
	WantConverts bool   `json:"want_converts"`

	// State is the worker state at the time of failure.
	State  string `json:"state"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`

	// TotalItems is nil when the run aborted before listing completed.
	TotalItems     *int          `json:"total_items"`
	RemainingItems []osu.Beatmap `json:"remaining_items"`

	CreatedAt time.Time `json:"created_at"`
}

// New creates a checkpoint with a fresh id.
func New(subjectID int64, displayName string, wantPrimary, wantConverts bool) *Checkpoint {
	return &Checkpoint{
		Version:      Version,
		ID:           uuid.NewString(),
		SubjectID:    subjectID,
		DisplayName:  displayName,
		WantPrimary:  wantPrimary,
		WantConverts: wantConverts,
		CreatedAt:    time.Now().UTC(),
	}
}

// Validate checks the record before it is persisted or after it is read.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	if c.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if c.SubjectID <= 0 {
		return fmt.Errorf("%w: subject id %d", ErrInvalid, c.SubjectID)
	}
	if c.TotalItems != nil && len(c.RemainingItems) > *c.TotalItems {
		return fmt.Errorf("%w: %d remaining of %d total", ErrInvalid, len(c.RemainingItems), *c.TotalItems)
	}
	return nil
}

// Store persists checkpoints.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	// List returns the most recent checkpoints first.
	List(ctx context.Context, limit int) ([]*Checkpoint, error)
	// Delete returns ErrNotFound for an unknown id.
	Delete(ctx context.Context, id string) error
}
