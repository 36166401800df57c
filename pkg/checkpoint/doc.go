// Package checkpoint records fetch runs that ended before completion.
//
// A checkpoint is written when a fetch worker aborts: on a credential
// failure, a provider or store error, a panic, or shutdown. It captures the
// items that were still to be processed so an operator can inspect what
// was left. Checkpoints are never replayed automatically.
//
// Two backends implement Store:
//
//   - the SQLite score store (pkg/store), table fetch_checkpoints
//   - RedisStore, one JSON blob per checkpoint plus a sorted index
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	checkpoints := checkpoint.NewRedisStore(redisClient, 0)
//
//	cp := checkpoint.New(subjectID, "peppy", true, false)
//	cp.State = "iterating"
//	cp.Reason = "provider"
//	if err := checkpoints.Save(ctx, cp); err != nil {
//		// handle error
//	}
//
//	recent, err := checkpoints.List(ctx, 20)
//
// # Record format
//
// Records are JSON with a "version" field. Readers reject versions they do
// not know with ErrUnsupportedVersion.
package checkpoint
