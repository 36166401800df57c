package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
)

// scoreTables maps each mode to its table. Looked up once per score.
var scoreTables = map[osu.Mode]string{
	osu.ModeOsu:    "scores_osu",
	osu.ModeTaiko:  "scores_taiko",
	osu.ModeFruits: "scores_fruits",
	osu.ModeMania:  "scores_mania",
}

func upsertSQL(table string) string {
	return `INSERT INTO ` + table + `(
			score_id, beatmap_id, user_id, total_score, legacy_total_score, classic_total_score,
			accuracy, max_combo, rank, perfect_combo, pp, replay, mods, mods_json, statistics_json,
			ended_at, fetched_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(score_id) DO UPDATE SET
			beatmap_id=excluded.beatmap_id,
			user_id=excluded.user_id,
			total_score=excluded.total_score,
			legacy_total_score=excluded.legacy_total_score,
			classic_total_score=excluded.classic_total_score,
			accuracy=excluded.accuracy,
			max_combo=excluded.max_combo,
			rank=excluded.rank,
			perfect_combo=excluded.perfect_combo,
			pp=excluded.pp,
			replay=excluded.replay,
			mods=excluded.mods,
			mods_json=excluded.mods_json,
			statistics_json=excluded.statistics_json,
			ended_at=excluded.ended_at,
			fetched_at=excluded.fetched_at`
}

// Session is a store handle owned by a single fetch worker.
type Session struct {
	mu     sync.Mutex
	conn   *sql.Conn
	now    func() time.Time
	closed bool
}

// OpenSession pins a pooled connection for one worker.
func (s *Store) OpenSession(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		storeErrorsTotal.WithLabelValues("open_session").Inc()
		return nil, fmt.Errorf("open session: %w", err)
	}
	storeOpenSessions.Inc()
	return &Session{conn: conn, now: s.now}, nil
}

// Upsert writes scores in one transaction, inserting new rows and
// overwriting rows with the same score id. Re-running it with the same
// scores leaves the tables unchanged.
func (sess *Session) Upsert(ctx context.Context, scores []osu.Score) (int, error) {
	if len(scores) == 0 {
		return 0, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return 0, ErrSessionClosed
	}

	start := time.Now()
	defer func() {
		storeUpsertDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := sess.conn.BeginTx(ctx, nil)
	if err != nil {
		storeErrorsTotal.WithLabelValues("upsert").Inc()
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmts := make(map[osu.Mode]*sql.Stmt)
	fetchedAt := millis(sess.now())
	written := make(map[osu.Mode]int)

	for i := range scores {
		sc := &scores[i]
		table, ok := scoreTables[sc.Mode]
		if !ok {
			storeErrorsTotal.WithLabelValues("upsert").Inc()
			return 0, fmt.Errorf("%w: %q (score %d)", ErrUnknownMode, sc.Mode, sc.ID)
		}

		stmt, ok := stmts[sc.Mode]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, upsertSQL(table))
			if err != nil {
				storeErrorsTotal.WithLabelValues("upsert").Inc()
				return 0, fmt.Errorf("prepare upsert into %s: %w", table, err)
			}
			defer stmt.Close()
			stmts[sc.Mode] = stmt
		}

		modsJSON, err := json.Marshal(sc.Mods)
		if err != nil {
			return 0, fmt.Errorf("marshal mods of score %d: %w", sc.ID, err)
		}
		statsJSON, err := json.Marshal(sc.Statistics)
		if err != nil {
			return 0, fmt.Errorf("marshal statistics of score %d: %w", sc.ID, err)
		}

		var pp sql.NullFloat64
		if sc.PP != nil {
			pp = sql.NullFloat64{Float64: *sc.PP, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			sc.ID, sc.BeatmapID, sc.UserID, sc.TotalScore, sc.LegacyTotalScore, sc.ClassicTotalScore,
			sc.Accuracy, sc.MaxCombo, sc.Rank, sc.PerfectCombo, pp, sc.Replay, sc.ModString(),
			string(modsJSON), string(statsJSON), millis(sc.EndedAt), fetchedAt,
		); err != nil {
			storeErrorsTotal.WithLabelValues("upsert").Inc()
			return 0, fmt.Errorf("upsert score %d into %s: %w", sc.ID, table, err)
		}
		written[sc.Mode]++
	}

	if err := tx.Commit(); err != nil {
		storeErrorsTotal.WithLabelValues("upsert").Inc()
		return 0, fmt.Errorf("commit upsert: %w", err)
	}

	for mode, n := range written {
		storeUpsertsTotal.WithLabelValues(string(mode)).Add(float64(n))
	}
	return len(scores), nil
}

// Close returns the connection to the pool.
func (sess *Session) Close() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true
	storeOpenSessions.Dec()
	return sess.conn.Close()
}

// CountScores returns the number of stored scores of a user in a mode.
func (s *Store) CountScores(ctx context.Context, mode osu.Mode, userID int64) (int, error) {
	table, ok := scoreTables[mode]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return n, nil
}

// GetScore loads one stored score.
func (s *Store) GetScore(ctx context.Context, mode osu.Mode, scoreID int64) (*osu.Score, error) {
	table, ok := scoreTables[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	var (
		sc        osu.Score
		pp        sql.NullFloat64
		mods      string
		modsJSON  string
		statsJSON string
		endedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT score_id, beatmap_id, user_id, total_score, legacy_total_score, classic_total_score,
			accuracy, max_combo, rank, perfect_combo, pp, replay, mods, mods_json, statistics_json, ended_at
		 FROM `+table+` WHERE score_id = ?`, scoreID,
	).Scan(&sc.ID, &sc.BeatmapID, &sc.UserID, &sc.TotalScore, &sc.LegacyTotalScore, &sc.ClassicTotalScore,
		&sc.Accuracy, &sc.MaxCombo, &sc.Rank, &sc.PerfectCombo, &pp, &sc.Replay, &mods, &modsJSON, &statsJSON, &endedAt)
	if err != nil {
		return nil, fmt.Errorf("get score %d: %w", scoreID, err)
	}

	if pp.Valid {
		sc.PP = &pp.Float64
	}
	if err := json.Unmarshal([]byte(modsJSON), &sc.Mods); err != nil {
		return nil, fmt.Errorf("decode mods of score %d: %w", scoreID, err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &sc.Statistics); err != nil {
		return nil, fmt.Errorf("decode statistics of score %d: %w", scoreID, err)
	}
	sc.Mode = mode
	sc.EndedAt = fromMillis(endedAt)
	return &sc, nil
}
