package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/osu-score-fetcher/pkg/checkpoint"
)

// CheckpointStore keeps checkpoints in the fetch_checkpoints table.
type CheckpointStore struct {
	db *sql.DB
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Checkpoints returns the SQLite checkpoint backend.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: s.db}
}

// Save inserts a checkpoint.
func (c *CheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		checkpoint.CheckpointErrors.WithLabelValues("sqlite", "save").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO fetch_checkpoints(id, subject_id, reason, created_at, payload) VALUES(?,?,?,?,?)`,
		cp.ID, cp.SubjectID, cp.Reason, millis(cp.CreatedAt), string(payload),
	)
	if err != nil {
		checkpoint.CheckpointErrors.WithLabelValues("sqlite", "save").Inc()
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	checkpoint.CheckpointsWritten.WithLabelValues("sqlite", cp.Reason).Inc()
	return nil
}

// Get loads a checkpoint by id.
func (c *CheckpointStore) Get(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM fetch_checkpoints WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		checkpoint.CheckpointErrors.WithLabelValues("sqlite", "get").Inc()
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint(payload)
}

// List returns up to limit checkpoints, newest first.
func (c *CheckpointStore) List(ctx context.Context, limit int) ([]*checkpoint.Checkpoint, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT payload FROM fetch_checkpoints ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		checkpoint.CheckpointErrors.WithLabelValues("sqlite", "list").Inc()
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint.
func (c *CheckpointStore) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM fetch_checkpoints WHERE id = ?`, id)
	if err != nil {
		checkpoint.CheckpointErrors.WithLabelValues("sqlite", "delete").Inc()
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

func decodeCheckpoint(payload string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoint.ErrInvalid, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}
