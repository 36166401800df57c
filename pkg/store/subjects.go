package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/osu"
)

const subjectColumns = `id, display_name, access_token, refresh_token, expires_at, last_fetch_completed_at, registered_at`

// RegisterSubject inserts a subject or replaces its name and credential.
// The completion marker of an existing subject is kept.
func (s *Store) RegisterSubject(ctx context.Context, subject osu.Subject) error {
	if subject.ID <= 0 {
		return fmt.Errorf("invalid subject id %d", subject.ID)
	}
	registered := subject.RegisteredAt
	if registered.IsZero() {
		registered = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects(id, display_name, access_token, refresh_token, expires_at, registered_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name,
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at`,
		subject.ID, subject.DisplayName,
		subject.Credential.AccessToken, subject.Credential.RefreshToken, millis(subject.Credential.ExpiresAt),
		millis(registered),
	)
	if err != nil {
		storeErrorsTotal.WithLabelValues("register_subject").Inc()
		return fmt.Errorf("register subject %d: %w", subject.ID, err)
	}

	s.logger.Info().
		Int64("subject_id", subject.ID).
		Str("display_name", subject.DisplayName).
		Msg("Subject registered")
	return nil
}

// GetSubject loads a subject.
// Returns ErrSubjectNotFound if it is not registered.
func (s *Store) GetSubject(ctx context.Context, id int64) (*osu.Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	subject, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		storeErrorsTotal.WithLabelValues("get_subject").Inc()
		return nil, fmt.Errorf("get subject %d: %w", id, err)
	}
	return subject, nil
}

// ListSubjects returns every registered subject ordered by id.
func (s *Store) ListSubjects(ctx context.Context) ([]*osu.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY id`)
	if err != nil {
		storeErrorsTotal.WithLabelValues("list_subjects").Inc()
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var out []*osu.Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}

// UpdateCredential replaces a subject's stored credential.
func (s *Store) UpdateCredential(ctx context.Context, id int64, cred osu.Credential) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET access_token = ?, refresh_token = ?, expires_at = ? WHERE id = ?`,
		cred.AccessToken, cred.RefreshToken, millis(cred.ExpiresAt), id,
	)
	if err != nil {
		storeErrorsTotal.WithLabelValues("update_credential").Inc()
		return fmt.Errorf("update credential of %d: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkFetchCompleted records that an import of the subject finished.
func (s *Store) MarkFetchCompleted(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET last_fetch_completed_at = ? WHERE id = ?`, millis(at), id)
	if err != nil {
		storeErrorsTotal.WithLabelValues("mark_completed").Inc()
		return fmt.Errorf("mark fetch completed for %d: %w", id, err)
	}
	return requireRow(res, id)
}

// ResetFetchCompleted clears the completion marker so the subject may be
// imported again.
func (s *Store) ResetFetchCompleted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET last_fetch_completed_at = NULL WHERE id = ?`, id)
	if err != nil {
		storeErrorsTotal.WithLabelValues("reset_completed").Inc()
		return fmt.Errorf("reset fetch completion for %d: %w", id, err)
	}
	return requireRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*osu.Subject, error) {
	var (
		subject    osu.Subject
		expiresAt  int64
		completed  sql.NullInt64
		registered int64
	)
	if err := row.Scan(
		&subject.ID, &subject.DisplayName,
		&subject.Credential.AccessToken, &subject.Credential.RefreshToken, &expiresAt,
		&completed, &registered,
	); err != nil {
		return nil, err
	}
	subject.Credential.ExpiresAt = fromMillis(expiresAt)
	subject.RegisteredAt = fromMillis(registered)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		subject.LastFetchCompletedAt = &t
	}
	return &subject, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}
