package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/Sternrassler/osu-score-fetcher/pkg/store"
	"github.com/rs/zerolog"
)

// Provider is the remote data source. Every call consumes rate limit budget.
type Provider interface {
	ListItems(ctx context.Context, subject osu.Subject, offset, limit int) ([]osu.Beatmap, error)
	FetchItemScores(ctx context.Context, subject osu.Subject, beatmapID int64, mode osu.Mode) ([]osu.Score, error)
	RefreshCredential(ctx context.Context, subject osu.Subject) (osu.Credential, error)
	CredentialIsValid(ctx context.Context, subject osu.Subject) bool
}

// SubjectStore reads and updates registered subjects.
type SubjectStore interface {
	GetSubject(ctx context.Context, id int64) (*osu.Subject, error)
	UpdateCredential(ctx context.Context, id int64, cred osu.Credential) error
	MarkFetchCompleted(ctx context.Context, id int64, at time.Time) error
}

// ScoreSession is a score sink owned by one worker.
type ScoreSession interface {
	Upsert(ctx context.Context, scores []osu.Score) (int, error)
	Close() error
}

// SessionOpener opens a new ScoreSession. It is called once per worker.
type SessionOpener func(ctx context.Context) (ScoreSession, error)

// SQLiteSessions opens worker sessions on the SQLite score store.
func SQLiteSessions(db *store.Store) SessionOpener {
	return func(ctx context.Context) (ScoreSession, error) {
		return db.OpenSession(ctx)
	}
}

// Config holds the scheduler configuration.
type Config struct {
	// Workers is the number of concurrent fetches (N).
	Workers int

	// PageSize of most played listing requests.
	PageSize int

	// DualCategoryDelay is added to the priority key of requests wanting
	// both primary and convert scores.
	DualCategoryDelay time.Duration

	// ProbeCredentialOnSubmit makes Submit call the provider to verify the
	// access token. Each probe costs one rate limit unit.
	ProbeCredentialOnSubmit bool

	// ProgressEvery logs progress after this many processed items.
	ProgressEvery int

	// CheckpointTimeout bounds a checkpoint write after the run context ended.
	CheckpointTimeout time.Duration

	// Collaborators (REQUIRED)
	Provider    Provider
	Subjects    SubjectStore
	Sessions    SessionOpener
	Checkpoints checkpoint.Store
}

// DefaultConfig returns the default tuning. Collaborators must be set by the caller.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PageSize:          100,
		DualCategoryDelay: 12 * time.Hour,
		ProgressEvery:     50,
		CheckpointTimeout: 10 * time.Second,
	}
}

// Scheduler owns the admission queue and the active set.
type Scheduler struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queue  admissionQueue
	queued map[int64]*FetchRequest
	active map[int64]*ActiveFetch
	seq    uint64
	closed bool

	// completed maps subjects finished by this process to the value of
	// completions at the time; admit rejects reads older than that.
	completed   map[int64]uint64
	completions uint64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. Workers start on the first Submit.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Subjects == nil {
		return nil, fmt.Errorf("subject store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session opener is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0 (got %d)", cfg.Workers)
	}
	if cfg.DualCategoryDelay < 0 {
		return nil, fmt.Errorf("dual category delay must be >= 0 (got %s)", cfg.DualCategoryDelay)
	}

	defaults := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaults.ProgressEvery
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = defaults.CheckpointTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  cfg,
		logger:  logging.NewLogger("scheduler"),
		now:     time.Now,
		queued:  make(map[int64]*FetchRequest),
		active:    make(map[int64]*ActiveFetch),
		completed: make(map[int64]uint64),
		baseCtx:   ctx,
		cancel:  cancel,
	}, nil
}

// Submit validates a fetch request and queues it. It returns false when the
// request is rejected or validation fails for any reason; the reason is
// logged, never returned.
func (s *Scheduler) Submit(ctx context.Context, subjectID int64, wantPrimary, wantConverts bool) (ok bool) {
	log := s.logger.With().
		Int64("subject_id", subjectID).
		Bool("want_primary", wantPrimary).
		Bool("want_converts", wantConverts).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Submit panicked - rejecting")
			submissionsTotal.WithLabelValues(resultError).Inc()
			ok = false
		}
	}()

	result, err := s.admit(ctx, subjectID, wantPrimary, wantConverts)
	submissionsTotal.WithLabelValues(result).Inc()

	if result != resultAccepted {
		ev := log.Warn().Str("reason", result)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Fetch request rejected")
		return false
	}
	return true
}

func (s *Scheduler) admit(ctx context.Context, subjectID int64, wantPrimary, wantConverts bool) (string, error) {
	s.mu.Lock()
	closed, readGen := s.closed, s.completions
	s.mu.Unlock()
	if closed {
		return resultClosed, ErrClosed
	}

	subject, err := s.config.Subjects.GetSubject(ctx, subjectID)
	if errors.Is(err, store.ErrSubjectNotFound) {
		return resultUnknownSubject, nil
	}
	if err != nil {
		return resultError, err
	}

	if subject.LastFetchCompletedAt != nil {
		return resultCompleted, nil
	}

	now := s.now()
	if subject.Credential.Missing() || subject.Credential.Expired(now) {
		return resultCredential, nil
	}
	if s.config.ProbeCredentialOnSubmit && !s.config.Provider.CredentialIsValid(ctx, *subject) {
		return resultCredential, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return resultClosed, ErrClosed
	}
	if _, queued := s.queued[subjectID]; queued {
		return resultDuplicate, nil
	}
	if _, active := s.active[subjectID]; active {
		return resultDuplicate, nil
	}
	// A worker may have completed the subject after GetSubject returned.
	if gen, ok := s.completed[subjectID]; ok && gen > readGen {
		return resultCompleted, nil
	}
	if !wantPrimary && !wantConverts {
		return resultNoFlags, nil
	}

	priority := now
	if wantPrimary && wantConverts {
		priority = now.Add(s.config.DualCategoryDelay)
	}

	s.seq++
	req := &FetchRequest{
		SubjectID:    subjectID,
		DisplayName:  subject.DisplayName,
		WantPrimary:  wantPrimary,
		WantConverts: wantConverts,
		SubmitTime:   now,
		PriorityKey:  priority,
		seq:          s.seq,
	}
	s.queue.push(req)
	s.queued[subjectID] = req

	s.logger.Info().
		Int64("subject_id", subjectID).
		Str("display_name", subject.DisplayName).
		Bool("want_primary", wantPrimary).
		Bool("want_converts", wantConverts).
		Time("priority_key", priority).
		Int("queue_depth", s.queue.Len()).
		Msg("Fetch request queued")

	s.dispatchLocked()
	return resultAccepted, nil
}

// dispatchLocked starts workers while capacity and requests remain.
// It never blocks. s.mu must be held.
func (s *Scheduler) dispatchLocked() {
	defer func() {
		queueDepth.Set(float64(s.queue.Len()))
		activeWorkers.Set(float64(len(s.active)))
	}()

	if s.closed {
		return
	}

	for len(s.active) < s.config.Workers {
		req := s.queue.pop()
		if req == nil {
			return
		}
		delete(s.queued, req.SubjectID)

		entry := newActiveFetch(req, s.now())
		s.active[req.SubjectID] = entry

		s.logger.Info().
			Int64("subject_id", req.SubjectID).
			Str("display_name", req.DisplayName).
			Int("active", len(s.active)).
			Int("queue_depth", s.queue.Len()).
			Msg("Dispatching fetch")

		s.wg.Add(1)
		go s.runWorker(entry)
	}
}

// Remove deletes a subject from the queue or the active set. A running
// worker stops at its next check. Returns false if the subject was in neither.
func (s *Scheduler) Remove(subjectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.queued[subjectID]; ok {
		s.queue.remove(req)
		delete(s.queued, subjectID)
		removalsTotal.WithLabelValues("queue").Inc()
		s.logger.Info().Int64("subject_id", subjectID).Msg("Removed queued fetch request")
		s.dispatchLocked()
		return true
	}

	if entry, ok := s.active[subjectID]; ok {
		delete(s.active, subjectID)
		removalsTotal.WithLabelValues("active").Inc()
		s.logger.Info().
			Int64("subject_id", subjectID).
			Str("state", string(entry.State)).
			Msg("Removed active fetch - worker will stop at next check")
		s.dispatchLocked()
		return true
	}

	removalsTotal.WithLabelValues("none").Inc()
	return false
}

// Snapshot returns the active set and the queue in dispatch order.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Workers: s.config.Workers,
		Active:  make([]ActiveView, 0, len(s.active)),
		Queued:  make([]QueuedView, 0, s.queue.Len()),
		Taken:   s.now(),
	}
	for _, entry := range s.active {
		snap.Active = append(snap.Active, entry.view())
	}
	sortActive(snap.Active)

	for i, req := range s.queue.ordered() {
		snap.Queued = append(snap.Queued, QueuedView{
			Position:     i + 1,
			SubjectID:    req.SubjectID,
			DisplayName:  req.DisplayName,
			WantPrimary:  req.WantPrimary,
			WantConverts: req.WantConverts,
			SubmitTime:   req.SubmitTime,
			PriorityKey:  req.PriorityKey,
		})
	}
	return snap
}

// Close stops dispatching, drops queued requests and cancels running
// workers, which abort and write checkpoints. It waits for workers until
// ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.queue.Len()
	running := len(s.active)
	s.queue = nil
	s.queued = make(map[int64]*FetchRequest)
	queueDepth.Set(0)
	s.mu.Unlock()

	s.logger.Info().
		Int("dropped_queued", dropped).
		Int("running", running).
		Msg("Scheduler closing")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All fetch workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// isCurrent reports whether entry is still the active set entry of its subject.
// A resubmitted subject has a different entry. s.mu must be held.
func (s *Scheduler) isCurrent(entry *ActiveFetch) bool {
	return s.active[entry.SubjectID] == entry
}

// transition moves entry to state. It returns false if entry was removed.
func (s *Scheduler) transition(entry *ActiveFetch, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrent(entry) {
		return false
	}
	entry.State = state
	return true
}

// stillActive is the per-iteration cancellation check.
func (s *Scheduler) stillActive(entry *ActiveFetch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrent(entry)
}

func (s *Scheduler) setCounts(entry *ActiveFetch, remaining, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.remaining = &remaining
	if total >= 0 {
		entry.total = &total
	}
}

// finish removes entry (if still present) and backfills capacity.
func (s *Scheduler) finish(entry *ActiveFetch, outcome State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.State = outcome
	if outcome == StateCompleted {
		s.completions++
		s.completed[entry.SubjectID] = s.completions
	}
	if s.isCurrent(entry) {
		delete(s.active, entry.SubjectID)
	}
	s.dispatchLocked()
}
