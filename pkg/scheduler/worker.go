package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/Sternrassler/osu-score-fetcher/pkg/pagination"
	"github.com/rs/zerolog"
)

// fetchRun is the state of one worker, kept outside the call stack so an
// abort, including a recovered panic, can checkpoint what is left.
type fetchRun struct {
	s      *Scheduler
	entry  *ActiveFetch
	ctx    context.Context
	logger zerolog.Logger

	state   State
	listed  bool
	total   int
	backlog []osu.Beatmap
}

// abortError carries the checkpoint reason of a failed run.
type abortError struct {
	reason string
	err    error
}

func (e *abortError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func abortWith(reason string, err error) *abortError {
	return &abortError{reason: reason, err: err}
}

func (s *Scheduler) runWorker(entry *ActiveFetch) {
	defer s.wg.Done()

	run := &fetchRun{
		s:     s,
		entry: entry,
		ctx:   s.baseCtx,
		state: StateCredentialCheck,
		logger: s.logger.With().
			Int64("subject_id", entry.SubjectID).
			Str("display_name", entry.DisplayName).
			Logger(),
	}

	start := time.Now()
	outcome := run.execute()

	workersFinishedTotal.WithLabelValues(string(outcome)).Inc()
	fetchDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	s.finish(entry, outcome)
}

// execute runs the state machine and returns the terminal state.
func (r *fetchRun) execute() (outcome State) {
	defer func() {
		if p := recover(); p != nil {
			r.abort(abortWith(checkpoint.ReasonPanic, fmt.Errorf("panic: %v", p)))
			outcome = StateAborted
		}
	}()

	r.logger.Info().Msg("Starting fetch")

	outcome, aerr := r.run()
	if aerr != nil && !r.s.stillActive(r.entry) {
		// removed while a call was in flight: exit without a checkpoint
		r.logger.Info().
			Err(aerr.err).
			Str("reason", aerr.reason).
			Msg("Removed fetch failed - discarding error")
		outcome, aerr = StateRemoved, nil
	}
	if aerr != nil {
		r.abort(aerr)
		return StateAborted
	}

	switch outcome {
	case StateCompleted:
		r.logger.Info().Int("total", r.total).Msg("Fetch completed")
	case StateRemoved:
		r.logger.Info().
			Str("state", string(r.state)).
			Int("remaining", len(r.backlog)).
			Msg("Fetch removed - stopping without checkpoint")
	}
	return outcome
}

func (r *fetchRun) run() (State, *abortError) {
	subject, aerr := r.checkCredential()
	if aerr != nil {
		return StateAborted, aerr
	}

	if !r.enter(StateListing) {
		return StateRemoved, nil
	}
	if aerr := r.list(subject); aerr != nil {
		return StateAborted, aerr
	}

	if !r.enter(StateIterating) {
		return StateRemoved, nil
	}
	outcome, aerr := r.iterate(subject)
	if aerr != nil || outcome != StateCompleted {
		return outcome, aerr
	}

	// Every item is stored; Close may already have cancelled r.ctx.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.s.config.CheckpointTimeout)
	defer cancel()
	if err := r.s.config.Subjects.MarkFetchCompleted(ctx, subject.ID, r.s.now()); err != nil {
		return StateAborted, abortWith(checkpoint.ReasonStore, err)
	}
	return StateCompleted, nil
}

func (r *fetchRun) enter(state State) bool {
	if !r.s.transition(r.entry, state) {
		return false
	}
	r.state = state
	return true
}

// checkCredential reloads the subject and refreshes an expired credential.
func (r *fetchRun) checkCredential() (osu.Subject, *abortError) {
	subject, err := r.s.config.Subjects.GetSubject(r.ctx, r.entry.SubjectID)
	if err != nil {
		return osu.Subject{}, abortWith(checkpoint.ReasonStore, fmt.Errorf("load subject: %w", err))
	}

	if !subject.Credential.Expired(r.s.now()) {
		return *subject, nil
	}

	r.logger.Info().Time("expires_at", subject.Credential.ExpiresAt).Msg("Credential expired - refreshing")

	cred, err := r.s.config.Provider.RefreshCredential(r.ctx, *subject)
	if err != nil {
		return osu.Subject{}, abortWith(checkpoint.ReasonCredential, fmt.Errorf("%w: %w", ErrCredential, err))
	}
	subject.Credential = cred

	if err := r.s.config.Subjects.UpdateCredential(r.ctx, subject.ID, cred); err != nil {
		return osu.Subject{}, abortWith(checkpoint.ReasonStore, fmt.Errorf("persist refreshed credential: %w", err))
	}
	return *subject, nil
}

// list pages through the most played listing and keeps beatmaps with a leaderboard.
func (r *fetchRun) list(subject osu.Subject) *abortError {
	pager := pagination.NewOffsetPager(func(ctx context.Context, offset, limit int) ([]osu.Beatmap, error) {
		return r.s.config.Provider.ListItems(ctx, subject, offset, limit)
	}, pagination.Config{PageSize: r.s.config.PageSize})

	items, err := pager.FetchAll(r.ctx)
	if err != nil {
		return abortWith(checkpoint.ReasonListing, err)
	}

	backlog := items[:0]
	for _, item := range items {
		if item.Status.HasLeaderboard() {
			backlog = append(backlog, item)
		}
	}

	r.backlog = backlog
	r.total = len(backlog)
	r.listed = true
	r.s.setCounts(r.entry, r.total, r.total)

	r.logger.Info().
		Int("listed", len(items)).
		Int("total", r.total).
		Bool("want_primary", r.entry.WantPrimary).
		Bool("want_converts", r.entry.WantConverts).
		Msg("Listing complete")
	return nil
}

// iterate processes the backlog one beatmap at a time, newest entry first.
func (r *fetchRun) iterate(subject osu.Subject) (State, *abortError) {
	if len(r.backlog) == 0 {
		return StateCompleted, nil
	}

	sess, err := r.s.config.Sessions(r.ctx)
	if err != nil {
		return StateAborted, abortWith(checkpoint.ReasonStore, fmt.Errorf("open store session: %w", err))
	}
	defer sess.Close()

	processed := 0
	for len(r.backlog) > 0 {
		if !r.s.stillActive(r.entry) {
			return StateRemoved, nil
		}
		if err := r.ctx.Err(); err != nil {
			return StateAborted, abortWith(checkpoint.ReasonShutdown, err)
		}

		item := r.backlog[len(r.backlog)-1]
		scores, aerr := r.fetchItem(subject, item)
		if aerr != nil {
			return StateAborted, aerr
		}

		if len(scores) > 0 {
			if _, err := sess.Upsert(r.ctx, scores); err != nil {
				return StateAborted, abortWith(checkpoint.ReasonStore, fmt.Errorf("upsert scores of beatmap %d: %w", item.ID, err))
			}
		}

		r.backlog = r.backlog[:len(r.backlog)-1]
		r.s.setCounts(r.entry, len(r.backlog), -1)
		itemsProcessedTotal.Inc()

		processed++
		if processed%r.s.config.ProgressEvery == 0 {
			r.logger.Info().
				Int("processed", processed).
				Int("remaining", len(r.backlog)).
				Int("total", r.total).
				Msg("Fetch progress")
		}
	}
	return StateCompleted, nil
}

// fetchItem looks up the subject's scores on one beatmap in every wanted mode.
func (r *fetchRun) fetchItem(subject osu.Subject, item osu.Beatmap) ([]osu.Score, *abortError) {
	var modes []osu.Mode
	if r.entry.WantPrimary {
		modes = append(modes, item.Mode)
	}
	if r.entry.WantConverts && item.Mode == osu.PrimaryMode {
		modes = append(modes, osu.ConvertMode)
	}

	var all []osu.Score
	for _, mode := range modes {
		scores, err := r.s.config.Provider.FetchItemScores(r.ctx, subject, item.ID, mode)
		if err != nil {
			return nil, abortWith(checkpoint.ReasonProvider, fmt.Errorf("fetch scores for beatmap %d (%s): %w", item.ID, mode, err))
		}
		scoresFetchedTotal.WithLabelValues(string(mode)).Add(float64(len(scores)))
		all = append(all, scores...)
	}

	r.logger.Debug().
		Int64("beatmap_id", item.ID).
		Int("scores", len(all)).
		Int("remaining", len(r.backlog)-1).
		Msg("Beatmap fetched")
	return all, nil
}

// abort writes a checkpoint of the unprocessed items.
func (r *fetchRun) abort(aerr *abortError) {
	reason := aerr.reason
	if r.ctx.Err() != nil && reason != checkpoint.ReasonPanic {
		reason = checkpoint.ReasonShutdown
	}

	r.logger.Error().
		Err(aerr.err).
		Str("state", string(r.state)).
		Str("reason", reason).
		Int("remaining", len(r.backlog)).
		Msg("Fetch aborted")

	cp := checkpoint.New(r.entry.SubjectID, r.entry.DisplayName, r.entry.WantPrimary, r.entry.WantConverts)
	cp.State = string(r.state)
	cp.Reason = reason
	cp.Error = aerr.err.Error()
	if r.listed {
		total := r.total
		cp.TotalItems = &total
	}
	cp.RemainingItems = append([]osu.Beatmap(nil), r.backlog...)

	ctx, cancel := context.WithTimeout(context.Background(), r.s.config.CheckpointTimeout)
	defer cancel()
	if err := r.s.config.Checkpoints.Save(ctx, cp); err != nil {
		r.logger.Error().
			Err(err).
			Str("checkpoint_id", cp.ID).
			Msg("Failed to write checkpoint")
		return
	}

	r.logger.Info().
		Str("checkpoint_id", cp.ID).
		Int("remaining", len(cp.RemainingItems)).
		Msg("Checkpoint written")
}
