// Package pagination walks offset/limit paginated osu! listings.
//
// The most played endpoint does not report a total, so pages are requested
// one after another until a page comes back shorter than the page size.
// Pages are fetched sequentially: every request draws from the same rate
// limit budget as the rest of the fetcher, so parallel page fetches would
// only reorder waiting.
//
// Example usage:
//
//	pager := pagination.NewOffsetPager(func(ctx context.Context, offset, limit int) ([]osu.Beatmap, error) {
//		return osuClient.ListItems(ctx, subject, offset, limit)
//	}, pagination.DefaultConfig())
//	beatmaps, err := pager.FetchAll(ctx)
//
// The pager:
//   - Requests pages of Config.PageSize starting at offset 0
//   - Stops at the first short or empty page
//   - Logs progress every 50 pages
//   - Returns the items collected so far together with the error on failure
package pagination
