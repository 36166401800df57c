// Package scheduler runs subject imports against the osu! API.
//
// Submit validates a request and places it in the admission queue, ordered
// by priority key (submit time, plus a configurable delay for requests
// wanting both primary and convert scores). The dispatcher moves requests
// into the active set while fewer than Config.Workers fetches are running
// and starts one worker goroutine per fetch. There is no scheduling loop:
// dispatch runs after every Submit, Remove and worker exit.
//
// A worker drives one subject through
//
//	credential_check -> listing -> iterating -> completed
//
// and exits to aborted on any unrecoverable error, writing a checkpoint of
// the items it did not process. Remove deletes a subject from the queue or
// the active set; a running worker notices at its next iteration and exits
// to removed without a checkpoint.
//
// Queue and active set share one mutex so that a subject is never present
// in both. Every outbound call goes through the provider, whose HTTP client
// draws from the shared rate limiter.
//
// Example usage:
//
//	sched, err := scheduler.New(scheduler.Config{
//		Workers:           4,
//		PageSize:          100,
//		DualCategoryDelay: 12 * time.Hour,
//		Provider:          osuClient,
//		Subjects:          db,
//		Sessions:          scheduler.SQLiteSessions(db),
//		Checkpoints:       db.Checkpoints(),
//	})
//	ok := sched.Submit(ctx, 7562902, true, false)
//	snap := sched.Snapshot()
//	defer sched.Close(ctx)
package scheduler
