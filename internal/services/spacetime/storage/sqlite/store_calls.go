package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/platform/grpc/pagination"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage/filter"
)

const (
	scopeLocal  = "local"
	scopeGlobal = "global"

	// hydrateChunk bounds the ids bound into one IN clause.
	hydrateChunk = 500
)

var searchPageSize = pagination.PageSizeConfig{Default: 50, Max: 500}

// AppendCall records an opened call and its argument and global snapshots.
func (s *Store) AppendCall(ctx context.Context, entry storage.CallEntry) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	sessionID := strings.TrimSpace(entry.SessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(entry.FunctionName) == "" {
		return 0, fmt.Errorf("function name is required")
	}
	if entry.Order < 0 {
		return 0, fmt.Errorf("call order must not be negative")
	}
	startedAt := entry.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append call: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireActiveSession(ctx, tx, sessionID); err != nil {
		return 0, err
	}

	var codeID any
	if entry.CodeDefinitionID != "" {
		codeID = entry.CodeDefinitionID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO function_calls (
		   session_id, order_in_session, parent_call_id, function_name,
		   file, line, code_definition_id, started_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		entry.Order,
		nullableID(entry.ParentCallID),
		entry.FunctionName,
		entry.File,
		entry.Line,
		codeID,
		toMillis(startedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return 0, fmt.Errorf("call order %d in session %s: %w", entry.Order, sessionID, storage.ErrAlreadyExists)
		}
		return 0, fmt.Errorf("insert call: %w", err)
	}
	callID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert call id: %w", err)
	}

	if err := insertVariables(ctx, tx, callID, scopeLocal, entry.Locals); err != nil {
		return 0, err
	}
	if err := insertVariables(ctx, tx, callID, scopeGlobal, entry.Globals); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append call: %w", err)
	}
	return callID, nil
}

func requireActiveSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
		}
		return fmt.Errorf("load session: %w", err)
	}
	if storage.SessionStatus(status) != storage.SessionActive {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrSessionClosed)
	}
	return nil
}

func insertVariables(ctx context.Context, tx *sql.Tx, callID int64, scope string, vars []storage.Variable) error {
	for i, v := range vars {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_variables (call_id, scope, position, name, ref) VALUES (?, ?, ?, ?, ?)`,
			callID, scope, i, v.Name, string(v.Ref),
		); err != nil {
			return fmt.Errorf("insert %s variable %s: %w", scope, v.Name, err)
		}
	}
	return nil
}

// CompleteCall records the outcome of an open call.
func (s *Store) CompleteCall(ctx context.Context, result storage.CallResult) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if result.CallID <= 0 {
		return fmt.Errorf("call id is required")
	}
	switch result.Status {
	case storage.CallReturned, storage.CallFailed, storage.CallPanicked, storage.CallSubstituted:
	default:
		return fmt.Errorf("invalid call status %q", result.Status)
	}
	endedAt := result.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete call: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sessionID string
	err = tx.QueryRowContext(ctx, `SELECT session_id FROM function_calls WHERE id = ?`, result.CallID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("call %d: %w", result.CallID, storage.ErrNotFound)
		}
		return fmt.Errorf("load call: %w", err)
	}
	if err := requireActiveSession(ctx, tx, sessionID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO call_results (call_id, status, return_ref, error, ended_at) VALUES (?, ?, ?, ?, ?)`,
		result.CallID, string(result.Status), string(result.ReturnRef), result.Error, toMillis(endedAt),
	); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("call %d result: %w", result.CallID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("insert call result: %w", err)
	}

	keys := make([]string, 0, len(result.Metadata))
	for key := range result.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_metadata (call_id, meta_key, ref) VALUES (?, ?, ?)`,
			result.CallID, key, string(result.Metadata[key]),
		); err != nil {
			return fmt.Errorf("insert call metadata %s: %w", key, err)
		}
	}
	for _, inv := range result.Tracked {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_invocations (call_id, seq, function_name, args_ref, return_ref) VALUES (?, ?, ?, ?, ?)`,
			result.CallID, inv.Seq, inv.FunctionName, string(inv.ArgsRef), string(inv.ReturnRef),
		); err != nil {
			return fmt.Errorf("insert tracked invocation %d: %w", inv.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete call: %w", err)
	}
	return nil
}

const callSelect = `SELECT c.id, c.session_id, c.order_in_session, COALESCE(c.parent_call_id, 0),
       c.function_name, c.file, c.line, COALESCE(c.code_definition_id, ''), c.started_at,
       COALESCE(r.status, 'open'), COALESCE(r.return_ref, ''), COALESCE(r.error, ''), r.ended_at
  FROM function_calls c
  LEFT JOIN call_results r ON r.call_id = c.id`

func scanCall(row rowScanner) (storage.FunctionCall, error) {
	var call storage.FunctionCall
	var status, returnRef string
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(
		&call.ID,
		&call.SessionID,
		&call.Order,
		&call.ParentCallID,
		&call.FunctionName,
		&call.File,
		&call.Line,
		&call.CodeDefinitionID,
		&startedAt,
		&status,
		&returnRef,
		&call.Error,
		&endedAt,
	); err != nil {
		return storage.FunctionCall{}, err
	}
	call.Status = storage.CallStatus(status)
	call.ReturnRef = objectstore.Ref(returnRef)
	call.StartedAt = fromMillis(startedAt)
	call.EndedAt = fromNullMillis(endedAt)
	return call, nil
}

// queryCalls runs callSelect with the given suffix and loads each call's
// variables, metadata, and tracked invocations.
func (s *Store) queryCalls(ctx context.Context, suffix string, args ...any) ([]storage.FunctionCall, error) {
	rows, err := s.sqlDB.QueryContext(ctx, callSelect+" "+suffix, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	var calls []storage.FunctionCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("query calls: %w", err)
	}
	_ = rows.Close()

	if err := s.hydrate(ctx, calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func (s *Store) hydrate(ctx context.Context, calls []storage.FunctionCall) error {
	index := make(map[int64]*storage.FunctionCall, len(calls))
	for i := range calls {
		index[calls[i].ID] = &calls[i]
	}
	for start := 0; start < len(calls); start += hydrateChunk {
		end := min(start+hydrateChunk, len(calls))
		ids := make([]any, 0, end-start)
		for _, call := range calls[start:end] {
			ids = append(ids, call.ID)
		}
		in := placeholders(len(ids))
		if err := s.loadVariables(ctx, index, in, ids); err != nil {
			return err
		}
		if err := s.loadMetadata(ctx, index, in, ids); err != nil {
			return err
		}
		if err := s.loadTracked(ctx, index, in, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadVariables(ctx context.Context, index map[int64]*storage.FunctionCall, in string, ids []any) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT call_id, scope, name, ref FROM call_variables
		  WHERE call_id IN (`+in+`) ORDER BY call_id, scope, position`, ids...)
	if err != nil {
		return fmt.Errorf("query variables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var callID int64
		var scope, name, ref string
		if err := rows.Scan(&callID, &scope, &name, &ref); err != nil {
			return fmt.Errorf("scan variable: %w", err)
		}
		call := index[callID]
		if call == nil {
			continue
		}
		v := storage.Variable{Name: name, Ref: objectstore.Ref(ref)}
		if scope == scopeGlobal {
			call.Globals = append(call.Globals, v)
		} else {
			call.Locals = append(call.Locals, v)
		}
	}
	return rows.Err()
}

func (s *Store) loadMetadata(ctx context.Context, index map[int64]*storage.FunctionCall, in string, ids []any) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT call_id, meta_key, ref FROM call_metadata WHERE call_id IN (`+in+`)`, ids...)
	if err != nil {
		return fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var callID int64
		var key, ref string
		if err := rows.Scan(&callID, &key, &ref); err != nil {
			return fmt.Errorf("scan metadata: %w", err)
		}
		call := index[callID]
		if call == nil {
			continue
		}
		if call.Metadata == nil {
			call.Metadata = make(map[string]objectstore.Ref)
		}
		call.Metadata[key] = objectstore.Ref(ref)
	}
	return rows.Err()
}

func (s *Store) loadTracked(ctx context.Context, index map[int64]*storage.FunctionCall, in string, ids []any) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT call_id, seq, function_name, args_ref, return_ref FROM tracked_invocations
		  WHERE call_id IN (`+in+`) ORDER BY call_id, seq`, ids...)
	if err != nil {
		return fmt.Errorf("query tracked invocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var callID int64
		var inv storage.TrackedInvocation
		var argsRef, returnRef string
		if err := rows.Scan(&callID, &inv.Seq, &inv.FunctionName, &argsRef, &returnRef); err != nil {
			return fmt.Errorf("scan tracked invocation: %w", err)
		}
		call := index[callID]
		if call == nil {
			continue
		}
		inv.ArgsRef = objectstore.Ref(argsRef)
		inv.ReturnRef = objectstore.Ref(returnRef)
		call.Tracked = append(call.Tracked, inv)
	}
	return rows.Err()
}

// GetCall returns one call by id.
func (s *Store) GetCall(ctx context.Context, id int64) (storage.FunctionCall, error) {
	if err := s.ready(ctx); err != nil {
		return storage.FunctionCall{}, err
	}
	calls, err := s.queryCalls(ctx, `WHERE c.id = ?`, id)
	if err != nil {
		return storage.FunctionCall{}, err
	}
	if len(calls) == 0 {
		return storage.FunctionCall{}, storage.ErrNotFound
	}
	return calls[0], nil
}

// ListSessionCalls returns a session's calls in order.
func (s *Store) ListSessionCalls(ctx context.Context, sessionID string) ([]storage.FunctionCall, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryCalls(ctx, `WHERE c.session_id = ? ORDER BY c.order_in_session`, strings.TrimSpace(sessionID))
}

// ListCallsByFunction returns every call of the named function across sessions.
func (s *Store) ListCallsByFunction(ctx context.Context, functionName string) ([]storage.FunctionCall, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryCalls(ctx, `WHERE c.function_name = ? ORDER BY c.id`, functionName)
}

// ListChildCalls returns calls whose parent is parentID, in any session.
func (s *Store) ListChildCalls(ctx context.Context, parentID int64) ([]storage.FunctionCall, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryCalls(ctx, `WHERE c.parent_call_id = ? ORDER BY c.id`, parentID)
}

// ListCallIndex returns the id, session, order, and parent of every call.
func (s *Store) ListCallIndex(ctx context.Context) ([]storage.CallIndexEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, session_id, order_in_session, COALESCE(parent_call_id, 0), function_name
		   FROM function_calls ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list call index: %w", err)
	}
	defer rows.Close()

	var entries []storage.CallIndexEntry
	for rows.Next() {
		var e storage.CallIndexEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Order, &e.ParentCallID, &e.FunctionName); err != nil {
			return nil, fmt.Errorf("scan call index: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list call index: %w", err)
	}
	return entries, nil
}

// SearchCalls returns one page of calls matching an AIP-160 filter.
func (s *Store) SearchCalls(ctx context.Context, query storage.CallQuery) (storage.CallPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CallPage{}, err
	}
	cond, err := filter.ParseCallFilter(query.Filter)
	if err != nil {
		return storage.CallPage{}, err
	}
	after, err := pagination.DecodeCursor(query.PageToken)
	if err != nil {
		return storage.CallPage{}, err
	}
	pageSize := pagination.ClampPageSize(int32(query.PageSize), searchPageSize)

	clauses := []string{"c.id > ?"}
	args := []any{after}
	if !cond.Empty() {
		clauses = append(clauses, cond.Clause)
		args = append(args, cond.Params...)
	}
	args = append(args, pageSize+1)

	calls, err := s.queryCalls(ctx,
		`WHERE `+strings.Join(clauses, " AND ")+` ORDER BY c.id LIMIT ?`, args...)
	if err != nil {
		return storage.CallPage{}, err
	}
	page := storage.CallPage{Calls: calls}
	if len(calls) > pageSize {
		page.Calls = calls[:pageSize]
		page.NextPageToken = pagination.EncodeCursor(page.Calls[pageSize-1].ID)
	}
	return page, nil
}
