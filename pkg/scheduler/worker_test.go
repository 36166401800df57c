package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
)

func TestWorker_ListingPages(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1000, 237))

	h.s.Submit(context.Background(), 1, true, false)
	h.waitIdle(t)

	offsets := h.p.offsetsFor(1)
	want := []int{0, 100, 200}
	if len(offsets) != len(want) {
		t.Fatalf("list offsets = %v, want %v", offsets, want)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offset[%d] = %d, want %d", i, offsets[i], want[i])
		}
	}
	if n := len(h.p.scoreCallsFor(1)); n != 237 {
		t.Errorf("score calls = %d, want 237", n)
	}
	if n := h.sink.countFor(1); n != 237 {
		t.Errorf("stored scores = %d, want 237", n)
	}
	if !h.subs.completed(1) {
		t.Error("subject should be completed")
	}
}

func TestWorker_StatusFilterAndModes(t *testing.T) {
	items := []osu.Beatmap{
		{ID: 1, Mode: osu.ModeOsu, Status: osu.StatusRanked},
		{ID: 2, Mode: osu.ModeOsu, Status: osu.StatusGraveyard},
		{ID: 3, Mode: osu.ModeTaiko, Status: osu.StatusRanked},
		{ID: 4, Mode: osu.ModeOsu, Status: osu.StatusLoved},
		{ID: 5, Mode: osu.ModeFruits, Status: osu.StatusQualified},
		{ID: 6, Mode: osu.ModeMania, Status: osu.StatusApproved},
	}

	tests := []struct {
		name         string
		wantPrimary  bool
		wantConverts bool
		want         map[int64][]osu.Mode
	}{
		{
			name:        "primary only",
			wantPrimary: true,
			want: map[int64][]osu.Mode{
				1: {osu.ModeOsu},
				3: {osu.ModeTaiko},
				4: {osu.ModeOsu},
				6: {osu.ModeMania},
			},
		},
		{
			name:         "converts only",
			wantConverts: true,
			want: map[int64][]osu.Mode{
				1: {osu.ModeFruits},
				4: {osu.ModeFruits},
			},
		},
		{
			name:         "both",
			wantPrimary:  true,
			wantConverts: true,
			want: map[int64][]osu.Mode{
				1: {osu.ModeOsu, osu.ModeFruits},
				3: {osu.ModeTaiko},
				4: {osu.ModeOsu, osu.ModeFruits},
				6: {osu.ModeMania},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, nil)
			h.subjectWithItems(1, items)

			if !h.s.Submit(context.Background(), 1, tt.wantPrimary, tt.wantConverts) {
				t.Fatal("Submit() = false")
			}
			h.waitIdle(t)

			got := make(map[int64][]osu.Mode)
			for _, c := range h.p.scoreCallsFor(1) {
				got[c.beatmapID] = append(got[c.beatmapID], c.mode)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("score calls = %v, want %v", got, tt.want)
			}
			for id, modes := range tt.want {
				if len(got[id]) != len(modes) {
					t.Errorf("beatmap %d modes = %v, want %v", id, got[id], modes)
					continue
				}
				for i := range modes {
					if got[id][i] != modes[i] {
						t.Errorf("beatmap %d modes = %v, want %v", id, got[id], modes)
					}
				}
			}
			if !h.subs.completed(1) {
				t.Error("subject should be completed")
			}
		})
	}
}

func TestWorker_LIFOOrder(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(10, 4))

	h.s.Submit(context.Background(), 1, true, false)
	h.waitIdle(t)

	calls := h.p.scoreCallsFor(1)
	want := []int64{13, 12, 11, 10}
	for i, id := range want {
		if calls[i].beatmapID != id {
			t.Errorf("call %d beatmap = %d, want %d", i, calls[i].beatmapID, id)
		}
	}
}

func TestWorker_ExpiredCredential(t *testing.T) {
	expireOnWorkerLoad := func(h *harness) {
		h.subs.onGet = func(s *osu.Subject, n int) {
			// first load is admission, second is the worker
			if n == 2 {
				s.Credential.ExpiresAt = h.clock.Now().Add(-time.Minute)
			}
		}
	}

	t.Run("refresh fails", func(t *testing.T) {
		h := newHarness(t, 1, nil)
		h.subjectWithItems(1, rankedItems(1, 5))
		expireOnWorkerLoad(h)
		h.p.refreshErr = errors.New("invalid_grant")

		if !h.s.Submit(context.Background(), 1, true, false) {
			t.Fatal("Submit() = false")
		}
		h.waitIdle(t)

		if n := len(h.p.offsetsFor(1)); n != 0 {
			t.Errorf("list calls = %d, want 0", n)
		}
		if h.subs.completed(1) {
			t.Error("subject must not be completed")
		}
		cps := h.cps.all()
		if len(cps) != 1 {
			t.Fatalf("checkpoints = %d, want 1", len(cps))
		}
		cp := cps[0]
		if cp.Reason != checkpoint.ReasonCredential {
			t.Errorf("Reason = %q, want credential", cp.Reason)
		}
		if cp.State != string(StateCredentialCheck) {
			t.Errorf("State = %q, want credential_check", cp.State)
		}
		if cp.TotalItems != nil || len(cp.RemainingItems) != 0 {
			t.Errorf("checkpoint before listing should carry no items: %+v", cp)
		}
		if !strings.Contains(cp.Error, "invalid_grant") {
			t.Errorf("Error = %q, want refresh failure", cp.Error)
		}
	})

	t.Run("refresh succeeds", func(t *testing.T) {
		h := newHarness(t, 1, nil)
		h.subjectWithItems(1, rankedItems(1, 2))
		expireOnWorkerLoad(h)

		h.s.Submit(context.Background(), 1, true, false)
		h.waitIdle(t)

		if h.p.refreshCalls != 1 {
			t.Errorf("refresh calls = %d, want 1", h.p.refreshCalls)
		}
		if cred := h.subs.credential(1); cred.AccessToken != "fresh" || cred.RefreshToken != "fresh-refresh" {
			t.Errorf("persisted credential = %+v", cred)
		}
		if !h.subs.completed(1) {
			t.Error("subject should be completed")
		}
		if len(h.cps.all()) != 0 {
			t.Error("no checkpoint expected")
		}
	})
}

func TestWorker_ListingFailure(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 150))
	h.p.listErr = errUpstream

	h.s.Submit(context.Background(), 1, true, false)
	h.waitIdle(t)

	cps := h.cps.all()
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	cp := cps[0]
	if cp.Reason != checkpoint.ReasonListing || cp.State != string(StateListing) {
		t.Errorf("checkpoint reason/state = %q/%q, want listing/listing", cp.Reason, cp.State)
	}
	if cp.TotalItems != nil {
		t.Errorf("TotalItems = %d, want nil before listing completes", *cp.TotalItems)
	}
	if n := len(h.p.scoreCallsFor(1)); n != 0 {
		t.Errorf("score calls = %d, want 0", n)
	}
}

func TestWorker_ProviderErrorCheckpoint(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 3))
	h.subjectWithItems(2, rankedItems(50, 1))
	// items are taken from the end: 3 succeeds, 2 fails
	h.p.scoreErr[2] = errUpstream

	ctx := context.Background()
	h.s.Submit(ctx, 1, true, true)
	h.s.Submit(ctx, 2, true, false)
	h.waitIdle(t)

	cps := h.cps.all()
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	cp := cps[0]
	if cp.SubjectID != 1 || cp.Reason != checkpoint.ReasonProvider || cp.State != string(StateIterating) {
		t.Errorf("checkpoint = subject %d reason %q state %q", cp.SubjectID, cp.Reason, cp.State)
	}
	if !cp.WantPrimary || !cp.WantConverts {
		t.Error("checkpoint should keep the request flags")
	}
	if cp.TotalItems == nil || *cp.TotalItems != 3 {
		t.Fatalf("TotalItems = %v, want 3", cp.TotalItems)
	}
	if len(cp.RemainingItems) != 2 || cp.RemainingItems[0].ID != 1 || cp.RemainingItems[1].ID != 2 {
		t.Errorf("RemainingItems = %+v, want beatmaps 1 and 2", cp.RemainingItems)
	}
	if !strings.Contains(cp.Error, errUpstream.Error()) {
		t.Errorf("Error = %q", cp.Error)
	}

	// beatmap 3 was stored in both modes before the failure
	if n := h.sink.countFor(1); n != 2 {
		t.Errorf("stored scores for subject 1 = %d, want 2", n)
	}
	if h.subs.completed(1) {
		t.Error("aborted subject must not be completed")
	}
	if !h.subs.completed(2) {
		t.Error("next queued subject should run after the abort")
	}
}

func TestWorker_PanicIsContained(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 2))
	h.subjectWithItems(2, rankedItems(10, 2))
	h.p.panicOn[2] = true

	ctx := context.Background()
	h.s.Submit(ctx, 1, true, false)
	h.s.Submit(ctx, 2, true, false)
	h.waitIdle(t)

	cps := h.cps.all()
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	cp := cps[0]
	if cp.SubjectID != 1 || cp.Reason != checkpoint.ReasonPanic {
		t.Errorf("checkpoint = subject %d reason %q, want subject 1 panic", cp.SubjectID, cp.Reason)
	}
	if len(cp.RemainingItems) != 2 {
		t.Errorf("RemainingItems = %d, want 2 (panicking item was not processed)", len(cp.RemainingItems))
	}
	if !h.subs.completed(2) {
		t.Error("capacity should be released after a panic")
	}
}

func TestWorker_UpsertFailure(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 3))
	h.sink.upsertErr = errors.New("disk full")

	h.s.Submit(context.Background(), 1, true, false)
	h.waitIdle(t)

	cps := h.cps.all()
	if len(cps) != 1 || cps[0].Reason != checkpoint.ReasonStore {
		t.Fatalf("checkpoints = %+v, want one store checkpoint", cps)
	}
	if len(cps[0].RemainingItems) != 3 {
		t.Errorf("RemainingItems = %d, want 3", len(cps[0].RemainingItems))
	}
	if h.sink.opened != 1 || h.sink.closed != 1 {
		t.Errorf("sessions opened/closed = %d/%d, want 1/1", h.sink.opened, h.sink.closed)
	}
}

func TestWorker_ItemsWithoutScores(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 3))
	for id := int64(1); id <= 3; id++ {
		h.p.empty[id] = true
	}

	h.s.Submit(context.Background(), 1, true, true)
	h.waitIdle(t)

	if n := len(h.p.scoreCallsFor(1)); n != 6 {
		t.Errorf("score calls = %d, want 6", n)
	}
	if h.sink.count() != 0 {
		t.Errorf("stored scores = %d, want 0", h.sink.count())
	}
	if !h.subs.completed(1) {
		t.Error("subject without scores should still complete")
	}
}

func TestWorker_RemovedDuringListing(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 3))
	h.block()

	h.s.Submit(context.Background(), 1, true, false)
	waitFor(t, "listing", func() bool { return len(h.p.offsetsFor(1)) == 1 })

	if !h.s.Remove(1) {
		t.Fatal("Remove() = false")
	}
	h.release()
	h.waitIdle(t)

	if n := len(h.p.scoreCallsFor(1)); n != 0 {
		t.Errorf("score calls after removal during listing = %d, want 0", n)
	}
	if len(h.cps.all()) != 0 {
		t.Error("removal must not write a checkpoint")
	}
	if h.subs.completed(1) {
		t.Error("removed subject must not be completed")
	}
}

func TestWorker_FailureAfterRemovalWritesNoCheckpoint(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(5, rankedItems(1, 3))
	h.p.scoreErr[3] = errUpstream
	// removal lands while the failing lookup is in flight
	h.p.afterScore = func(subjectID, beatmapID int64) {
		if subjectID == 5 {
			h.s.Remove(5)
		}
	}

	h.s.Submit(context.Background(), 5, true, false)
	h.waitIdle(t)

	if n := len(h.cps.all()); n != 0 {
		t.Errorf("checkpoints = %d, want 0 for a removed fetch", n)
	}
	if h.subs.completed(5) {
		t.Error("removed subject must not be completed")
	}
	if n := len(h.p.scoreCallsFor(5)); n != 1 {
		t.Errorf("score calls = %d, want 1", n)
	}
}

func TestWorker_CompletionSurvivesClose(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.subjectWithItems(1, rankedItems(1, 1))
	// Close cancels the run context once the last lookup has returned
	h.p.afterScore = func(subjectID, beatmapID int64) {
		h.s.cancel()
	}

	h.s.Submit(context.Background(), 1, true, false)
	h.waitIdle(t)

	if !h.subs.completed(1) {
		t.Error("subject with every item stored should be completed")
	}
	if cps := h.cps.all(); len(cps) != 0 {
		t.Errorf("checkpoints = %d (reason %q), want 0", len(cps), cps[0].Reason)
	}
	if n := h.sink.countFor(1); n != 1 {
		t.Errorf("stored scores = %d, want 1", n)
	}
}
