package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// CreateSession inserts one session record.
func (s *Store) CreateSession(ctx context.Context, session storage.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	status := session.Status
	if status == "" {
		status = storage.SessionActive
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var endedAt any
	if !session.EndedAt.IsZero() {
		endedAt = toMillis(session.EndedAt)
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, name, status, incomplete, branch_from_call_id, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		strings.TrimSpace(session.Name),
		string(status),
		session.Incomplete,
		nullableID(session.BranchFromCallID),
		toMillis(createdAt),
		endedAt,
	)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, name, status, incomplete, COALESCE(branch_from_call_id, 0), created_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var session storage.Session
	var status string
	var createdAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(
		&session.ID,
		&session.Name,
		&status,
		&session.Incomplete,
		&session.BranchFromCallID,
		&createdAt,
		&endedAt,
	); err != nil {
		return storage.Session{}, err
	}
	session.Status = storage.SessionStatus(status)
	session.CreatedAt = fromMillis(createdAt)
	session.EndedAt = fromNullMillis(endedAt)
	return session, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, strings.TrimSpace(id))
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// EndSession closes an active session.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, incomplete bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, incomplete = ?
		  WHERE id = ? AND status = ?`,
		string(storage.SessionEnded), toMillis(endedAt), incomplete,
		strings.TrimSpace(id), string(storage.SessionActive),
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return storage.ErrSessionClosed
}

// ListSessions returns every session in creation order.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// NextCallOrder returns one past the highest recorded order in the session.
func (s *Store) NextCallOrder(ctx context.Context, sessionID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var next int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_in_session) + 1, 0) FROM function_calls WHERE session_id = ?`,
		strings.TrimSpace(sessionID),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next call order: %w", err)
	}
	return next, nil
}
