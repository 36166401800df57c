package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/internal/testutil"
	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/client"
	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
	"github.com/Sternrassler/osu-score-fetcher/pkg/ratelimit"
	"github.com/Sternrassler/osu-score-fetcher/pkg/scheduler"
	"github.com/Sternrassler/osu-score-fetcher/pkg/store"
	"github.com/rs/zerolog"
)

// pipeline wires the real client, store and scheduler against MockOsu.
type pipeline struct {
	mock        *testutil.MockOsu
	store       *store.Store
	limiter     ratelimit.Limiter
	checkpoints checkpoint.Store
	sched       *scheduler.Scheduler
}

type pipelineOptions struct {
	workers     int
	limiter     ratelimit.Limiter
	checkpoints checkpoint.Store
}

func newPipeline(t *testing.T, opts pipelineOptions) *pipeline {
	t.Helper()
	ctx := context.Background()

	if opts.workers == 0 {
		opts.workers = 2
	}
	if opts.limiter == nil {
		limiter, err := ratelimit.NewSlidingWindow(1000, time.Second, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewSlidingWindow() error = %v", err)
		}
		opts.limiter = limiter
	}

	mock := testutil.NewMockOsu()
	t.Cleanup(mock.Close)

	db, err := store.Open(ctx, store.DefaultConfig(filepath.Join(t.TempDir(), "scores.db"), opts.workers))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if opts.checkpoints == nil {
		opts.checkpoints = db.Checkpoints()
	}

	clientCfg := client.DefaultConfig(opts.limiter, "1", "secret", "osu-score-fetcher-it/1.0")
	clientCfg.BaseURL = mock.APIURL()
	clientCfg.TokenURL = mock.TokenURL()
	clientCfg.MaxRetries = 1
	clientCfg.InitialBackoff = 10 * time.Millisecond
	c, err := client.New(clientCfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = opts.workers
	schedCfg.Provider = c
	schedCfg.Subjects = db
	schedCfg.Sessions = scheduler.SQLiteSessions(db)
	schedCfg.Checkpoints = opts.checkpoints
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Close(ctx)
	})

	return &pipeline{
		mock:        mock,
		store:       db,
		limiter:     opts.limiter,
		checkpoints: opts.checkpoints,
		sched:       sched,
	}
}

// addPlayer registers a player with n most played beatmaps starting at
// firstBeatmap, each holding one osu! score.
func (p *pipeline) addPlayer(t *testing.T, userID, firstBeatmap int64, n int, expiresIn time.Duration) {
	t.Helper()

	access := fmt.Sprintf("access-%d", userID)
	refresh := fmt.Sprintf("refresh-%d", userID)
	p.mock.AddSubject(userID, access, refresh)

	maps := testutil.GeneratedBeatmaps(firstBeatmap, n)
	p.mock.SetMostPlayed(userID, maps)
	for _, b := range maps {
		p.mock.SetScores(b.ID, userID, osu.ModeOsu, []osu.Score{{
			ID:         userID*100_000 + b.ID,
			UserID:     userID,
			BeatmapID:  b.ID,
			RulesetID:  0,
			TotalScore: 500_000,
			EndedAt:    time.Now().Add(-time.Hour),
		}})
	}

	err := p.store.RegisterSubject(context.Background(), osu.Subject{
		ID:          userID,
		DisplayName: "player",
		Credential: osu.Credential{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    time.Now().Add(expiresIn),
		},
	})
	if err != nil {
		t.Fatalf("RegisterSubject() error = %v", err)
	}
}

// waitIdle polls the snapshot until nothing is active or queued.
func (p *pipeline) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		snap := p.sched.Snapshot()
		if len(snap.Active) == 0 && len(snap.Queued) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler did not become idle")
}

func (p *pipeline) completed(t *testing.T, userID int64) bool {
	t.Helper()
	subject, err := p.store.GetSubject(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetSubject(%d) error = %v", userID, err)
	}
	return subject.LastFetchCompletedAt != nil
}

func (p *pipeline) scoreCount(t *testing.T, userID int64) int {
	t.Helper()
	n, err := p.store.CountScores(context.Background(), osu.ModeOsu, userID)
	if err != nil {
		t.Fatalf("CountScores(%d) error = %v", userID, err)
	}
	return n
}
