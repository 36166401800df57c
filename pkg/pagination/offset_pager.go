package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds pager configuration
type Config struct {
	// PageSize is the limit sent with every request (osu! caps it at 100)
	PageSize int
	// MaxPages stops paging after this many pages (0 = unlimited)
	MaxPages int
	// Timeout per page fetch (0 = none besides the caller's context)
	Timeout time.Duration
}

// DefaultConfig returns the page size the most played endpoint allows
func DefaultConfig() Config {
	return Config{
		PageSize: 100,
	}
}

// PageFunc fetches up to limit items starting at offset
type PageFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// OffsetPager collects every item of an offset/limit listing
type OffsetPager[T any] struct {
	fetch  PageFunc[T]
	config Config
}

// NewOffsetPager creates a new pager
func NewOffsetPager[T any](fetch PageFunc[T], config Config) *OffsetPager[T] {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}

	return &OffsetPager[T]{
		fetch:  fetch,
		config: config,
	}
}

// FetchAll requests pages until a short page is returned.
// On failure the items fetched so far are returned with the error.
func (p *OffsetPager[T]) FetchAll(ctx context.Context) ([]T, error) {
	start := time.Now()
	var items []T

	for page := 0; p.config.MaxPages == 0 || page < p.config.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return items, fmt.Errorf("paging cancelled (partial data: %d items): %w", len(items), err)
		}

		offset := page * p.config.PageSize
		batch, err := p.fetchPage(ctx, offset)
		if err != nil {
			log.Warn().
				Err(err).
				Int("offset", offset).
				Int("fetched", len(items)).
				Msg("Page fetch failed - returning partial results")
			return items, fmt.Errorf("fetch page at offset %d (partial data: %d items): %w", offset, len(items), err)
		}
		items = append(items, batch...)

		// Progress logging every 50 pages
		if (page+1)%50 == 0 {
			log.Info().
				Int("pages", page+1).
				Int("fetched", len(items)).
				Msg("Paging progress")
		}

		if len(batch) < p.config.PageSize {
			break
		}
	}

	log.Debug().
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Paging complete")

	return items, nil
}

func (p *OffsetPager[T]) fetchPage(ctx context.Context, offset int) ([]T, error) {
	if p.config.Timeout <= 0 {
		return p.fetch(ctx, offset, p.config.PageSize)
	}
	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	return p.fetch(pageCtx, offset, p.config.PageSize)
}
