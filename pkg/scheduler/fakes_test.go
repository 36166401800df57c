package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/Sternrassler/osu-score-fetcher/pkg/store"
)

type scoreCall struct {
	subjectID int64
	beatmapID int64
	mode      osu.Mode
}

// fakeProvider serves listings and scores from memory and records calls.
type fakeProvider struct {
	mu sync.Mutex

	items      map[int64][]osu.Beatmap
	scoreErr   map[int64]error // by beatmap id
	panicOn    map[int64]bool  // by beatmap id
	empty      map[int64]bool  // by beatmap id
	listErr    error           // returned for every page after the first
	refreshErr error
	valid      bool

	// non-nil gates block calls until closed or ctx ends
	listGate  chan struct{}
	scoreGate chan struct{}

	// called after every score lookup, outside the provider lock
	afterScore func(subjectID, beatmapID int64)

	calls        map[int64]int
	listOffsets  map[int64][]int
	scoreCalls   []scoreCall
	refreshCalls int
	inFlight     int
	maxInFlight  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		items:       make(map[int64][]osu.Beatmap),
		scoreErr:    make(map[int64]error),
		panicOn:     make(map[int64]bool),
		empty:       make(map[int64]bool),
		valid:       true,
		calls:       make(map[int64]int),
		listOffsets: make(map[int64][]int),
	}
}

func (p *fakeProvider) enter(subjectID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[subjectID]++
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
}

func (p *fakeProvider) leave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) ListItems(ctx context.Context, subject osu.Subject, offset, limit int) ([]osu.Beatmap, error) {
	p.enter(subject.ID)
	defer p.leave()

	p.mu.Lock()
	p.listOffsets[subject.ID] = append(p.listOffsets[subject.ID], offset)
	gate := p.listGate
	all := p.items[subject.ID]
	listErr := p.listErr
	p.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if listErr != nil && offset > 0 {
		return nil, listErr
	}

	var page []osu.Beatmap
	for i := offset; i < len(all) && i < offset+limit; i++ {
		page = append(page, all[i])
	}
	return page, nil
}

func (p *fakeProvider) FetchItemScores(ctx context.Context, subject osu.Subject, beatmapID int64, mode osu.Mode) ([]osu.Score, error) {
	p.enter(subject.ID)
	defer p.leave()

	p.mu.Lock()
	p.scoreCalls = append(p.scoreCalls, scoreCall{subjectID: subject.ID, beatmapID: beatmapID, mode: mode})
	gate := p.scoreGate
	err := p.scoreErr[beatmapID]
	shouldPanic := p.panicOn[beatmapID]
	empty := p.empty[beatmapID]
	hook := p.afterScore
	p.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if shouldPanic {
		panic("provider exploded")
	}
	if hook != nil {
		defer hook(subject.ID, beatmapID)
	}
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	return []osu.Score{{
		ID:        subject.ID*1_000_000 + beatmapID*10 + int64(modeIndex(mode)),
		BeatmapID: beatmapID,
		UserID:    subject.ID,
		Mode:      mode,
	}}, nil
}

func modeIndex(m osu.Mode) int {
	for i, known := range osu.Modes {
		if known == m {
			return i
		}
	}
	return 9
}

func (p *fakeProvider) RefreshCredential(ctx context.Context, subject osu.Subject) (osu.Credential, error) {
	p.enter(subject.ID)
	defer p.leave()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return osu.Credential{}, p.refreshErr
	}
	return osu.Credential{AccessToken: "fresh", RefreshToken: "fresh-refresh", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (p *fakeProvider) CredentialIsValid(ctx context.Context, subject osu.Subject) bool {
	p.enter(subject.ID)
	defer p.leave()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

func (p *fakeProvider) callsFor(subjectID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[subjectID]
}

func (p *fakeProvider) offsetsFor(subjectID int64) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.listOffsets[subjectID]...)
}

func (p *fakeProvider) scoreCallsFor(subjectID int64) []scoreCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []scoreCall
	for _, c := range p.scoreCalls {
		if c.subjectID == subjectID {
			out = append(out, c)
		}
	}
	return out
}

// fakeSubjects is an in-memory SubjectStore.
type fakeSubjects struct {
	mu       sync.Mutex
	subjects map[int64]*osu.Subject
	gets     map[int64]int

	// onGet may mutate the stored subject before it is returned
	onGet func(s *osu.Subject, n int)
	err   error
}

func newFakeSubjects() *fakeSubjects {
	return &fakeSubjects{
		subjects: make(map[int64]*osu.Subject),
		gets:     make(map[int64]int),
	}
}

func (f *fakeSubjects) add(id int64) *osu.Subject {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &osu.Subject{
		ID:          id,
		DisplayName: "player",
		Credential: osu.Credential{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		RegisteredAt: time.Now(),
	}
	f.subjects[id] = s
	return s
}

func (f *fakeSubjects) GetSubject(_ context.Context, id int64) (*osu.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.subjects[id]
	if !ok {
		return nil, store.ErrSubjectNotFound
	}
	f.gets[id]++
	if f.onGet != nil {
		f.onGet(s, f.gets[id])
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubjects) UpdateCredential(_ context.Context, id int64, cred osu.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[id]
	if !ok {
		return store.ErrSubjectNotFound
	}
	s.Credential = cred
	return nil
}

func (f *fakeSubjects) MarkFetchCompleted(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[id]
	if !ok {
		return store.ErrSubjectNotFound
	}
	s.LastFetchCompletedAt = &at
	return nil
}

func (f *fakeSubjects) completed(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[id]
	return ok && s.LastFetchCompletedAt != nil
}

func (f *fakeSubjects) credential(id int64) osu.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subjects[id].Credential
}

// stallingSubjects holds the next GetSubject after it has read the
// subject, until resume is closed. Arm it with stallNext.
type stallingSubjects struct {
	*fakeSubjects

	mu      sync.Mutex
	armed   bool
	stalled chan struct{}
	resume  chan struct{}
}

func (s *stallingSubjects) stallNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.stalled = make(chan struct{})
	s.resume = make(chan struct{})
}

func (s *stallingSubjects) GetSubject(ctx context.Context, id int64) (*osu.Subject, error) {
	subject, err := s.fakeSubjects.GetSubject(ctx, id)

	s.mu.Lock()
	armed := s.armed
	s.armed = false
	stalled, resume := s.stalled, s.resume
	s.mu.Unlock()

	if armed {
		close(stalled)
		<-resume
	}
	return subject, err
}

// fakeSink stores upserted scores by id.
type fakeSink struct {
	mu        sync.Mutex
	scores    map[int64]osu.Score
	opened    int
	closed    int
	upsertErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{scores: make(map[int64]osu.Score)}
}

type fakeSession struct {
	sink *fakeSink
}

func (f *fakeSink) open(context.Context) (ScoreSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{sink: f}, nil
}

func (s *fakeSession) Upsert(_ context.Context, scores []osu.Score) (int, error) {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	if s.sink.upsertErr != nil {
		return 0, s.sink.upsertErr
	}
	for _, sc := range scores {
		s.sink.scores[sc.ID] = sc
	}
	return len(scores), nil
}

func (s *fakeSession) Close() error {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.sink.closed++
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scores)
}

func (f *fakeSink) countFor(subjectID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sc := range f.scores {
		if sc.UserID == subjectID {
			n++
		}
	}
	return n
}

// fakeCheckpoints records saved checkpoints.
type fakeCheckpoints struct {
	mu    sync.Mutex
	saved []*checkpoint.Checkpoint
}

func (f *fakeCheckpoints) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, cp)
	return nil
}

func (f *fakeCheckpoints) Get(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.saved {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, checkpoint.ErrNotFound
}

func (f *fakeCheckpoints) List(_ context.Context, limit int) ([]*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*checkpoint.Checkpoint(nil), f.saved...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCheckpoints) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cp := range f.saved {
		if cp.ID == id {
			f.saved = append(f.saved[:i], f.saved[i+1:]...)
			return nil
		}
	}
	return checkpoint.ErrNotFound
}

func (f *fakeCheckpoints) all() []*checkpoint.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*checkpoint.Checkpoint(nil), f.saved...)
}

type harness struct {
	s     *Scheduler
	p     *fakeProvider
	subs  *fakeSubjects
	sink  *fakeSink
	cps   *fakeCheckpoints
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, workers int, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		p:     newFakeProvider(),
		subs:  newFakeSubjects(),
		sink:  newFakeSink(),
		cps:   &fakeCheckpoints{},
		clock: &fakeClock{now: time.Now()},
	}

	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.Provider = h.p
	cfg.Subjects = h.subs
	cfg.Sessions = h.sink.open
	cfg.Checkpoints = h.cps
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.now = h.clock.Now
	h.s = s

	t.Cleanup(func() {
		h.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

// block makes listing and score calls wait until release.
func (h *harness) block() {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.p.listGate = make(chan struct{})
	h.p.scoreGate = h.p.listGate
}

func (h *harness) release() {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if h.p.listGate != nil {
		select {
		case <-h.p.listGate:
		default:
			close(h.p.listGate)
		}
	}
	if h.p.scoreGate != nil {
		select {
		case <-h.p.scoreGate:
		default:
			close(h.p.scoreGate)
		}
	}
}

// subjectWithItems registers a subject whose most played list holds items.
func (h *harness) subjectWithItems(id int64, items []osu.Beatmap) {
	h.subs.add(id)
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.p.items[id] = items
}

func rankedItems(firstID int64, n int) []osu.Beatmap {
	items := make([]osu.Beatmap, n)
	for i := range items {
		items[i] = osu.Beatmap{ID: firstID + int64(i), Mode: osu.ModeOsu, Status: osu.StatusRanked}
	}
	return items
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "scheduler idle", func() bool {
		snap := h.s.Snapshot()
		return len(snap.Active) == 0 && len(snap.Queued) == 0
	})
	// finish() runs before wg.Done; give the worker goroutine time to return
	h.s.wg.Wait()
}

var errUpstream = errors.New("upstream failure")
