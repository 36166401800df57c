package scheduler

import (
	"sort"
	"time"
)

// State is the stage of a fetch worker.
type State string

const (
	StateCredentialCheck State = "credential_check"
	StateListing         State = "listing"
	StateIterating       State = "iterating"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
	StateRemoved         State = "removed"
)

// ActiveFetch is the active set entry of a running worker. Fields are
// written by that worker and read by Snapshot, always under the scheduler
// mutex.
type ActiveFetch struct {
	SubjectID    int64
	DisplayName  string
	WantPrimary  bool
	WantConverts bool
	State        State
	StartedAt    time.Time

	// nil until listing completes
	remaining *int
	total     *int
}

func newActiveFetch(req *FetchRequest, now time.Time) *ActiveFetch {
	return &ActiveFetch{
		SubjectID:    req.SubjectID,
		DisplayName:  req.DisplayName,
		WantPrimary:  req.WantPrimary,
		WantConverts: req.WantConverts,
		State:        StateCredentialCheck,
		StartedAt:    now,
	}
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Workers int          `json:"workers"`
	Active  []ActiveView `json:"active"`
	Queued  []QueuedView `json:"queued"`
	Taken   time.Time    `json:"taken_at"`
}

// ActiveView describes one running fetch. Item counts are null while the
// listing is still being calculated.
type ActiveView struct {
	SubjectID      int64     `json:"subject_id"`
	DisplayName    string    `json:"display_name"`
	WantPrimary    bool      `json:"want_primary"`
	WantConverts   bool      `json:"want_converts"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	RemainingItems *int      `json:"remaining_items"`
	TotalItems     *int      `json:"total_items"`
}

// QueuedView describes one waiting request.
type QueuedView struct {
	Position     int       `json:"position"`
	SubjectID    int64     `json:"subject_id"`
	DisplayName  string    `json:"display_name"`
	WantPrimary  bool      `json:"want_primary"`
	WantConverts bool      `json:"want_converts"`
	SubmitTime   time.Time `json:"submit_time"`
	PriorityKey  time.Time `json:"priority_key"`
}

func (a *ActiveFetch) view() ActiveView {
	v := ActiveView{
		SubjectID:    a.SubjectID,
		DisplayName:  a.DisplayName,
		WantPrimary:  a.WantPrimary,
		WantConverts: a.WantConverts,
		State:        a.State,
		StartedAt:    a.StartedAt,
	}
	if a.remaining != nil {
		r := *a.remaining
		v.RemainingItems = &r
	}
	if a.total != nil {
		t := *a.total
		v.TotalItems = &t
	}
	return v
}

func sortActive(views []ActiveView) {
	sort.Slice(views, func(i, j int) bool {
		if !views[i].StartedAt.Equal(views[j].StartedAt) {
			return views[i].StartedAt.Before(views[j].StartedAt)
		}
		return views[i].SubjectID < views[j].SubjectID
	})
}
