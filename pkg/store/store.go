// Package store persists subjects, fetched scores and checkpoints in SQLite.
//
// Every fetch worker writes through its own Session, which pins one pooled
// connection for the worker's lifetime. The pool is sized for the worker
// budget plus headroom for admission checks and the admin API.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Prometheus metrics for the score store.
var (
	storeUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_store_scores_upserted_total",
		Help: "Total number of score rows written by mode",
	}, []string{"mode"})

	storeUpsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetcher_store_upsert_duration_seconds",
		Help:    "Duration of one batched score upsert transaction",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_store_errors_total",
		Help: "Total number of store errors by operation",
	}, []string{"operation"})

	storeOpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcher_store_open_sessions",
		Help: "Number of worker sessions currently holding a connection",
	})
)

var (
	// ErrSubjectNotFound indicates the subject is not registered.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrUnknownMode indicates a score whose mode has no table.
	ErrUnknownMode = errors.New("unknown score mode")

	// ErrSessionClosed is returned by a Session after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Config holds SQLite settings.
type Config struct {
	// Path of the database file. Its directory is created if missing.
	Path string

	// BusyTimeout makes writers wait for the lock instead of failing.
	BusyTimeout time.Duration

	// MaxOpenConns bounds the pool. It must exceed the worker count.
	MaxOpenConns int
}

// DefaultConfig returns a configuration for the given worker budget.
func DefaultConfig(path string, workers int) Config {
	return Config{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: workers + 4,
	}
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (and migrates) the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 8
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	s := &Store{
		db:     db,
		logger: logging.NewLogger("store"),
		now:    time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Score store opened")
	return s, nil
}

// dsn sets pragmas per connection; a PRAGMA executed on the pool would only
// reach one connection.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
