package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/openfroyo/drorch/pkg/engine"
)

const executionColumns = `id, plan_id, type, status, version, failure_policy, started_by, last_error, created_at, updated_at, completed_at`

const waveColumns = `execution_id, wave_index, group_id, server_ids, pause_before_wave, depends_on, status, job_id,
	pause_token, pause_token_expiry, pause_approved_at, launch_started_at, completed_at, recovery_instance_ids, last_error`

// CreateExecution inserts an execution, its waves and the initial audit events.
func (s *Store) CreateExecution(ctx context.Context, exec *engine.Execution, events []engine.AuditEvent) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	exec.Version = 1

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO executions (` + executionColumns + `) VALUES (` + placeholders(11) + `)`
		_, err := tx.ExecContext(ctx, s.rebind(query),
			exec.ID, exec.PlanID, string(exec.Type), string(exec.Status), exec.Version,
			string(exec.FailurePolicy), exec.StartedBy, exec.LastError,
			exec.CreatedAt.UTC(), exec.UpdatedAt.UTC(), nullTime(exec.CompletedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return engine.NewConflictError(fmt.Sprintf("execution %s already exists", exec.ID), err).
					WithCode(engine.ErrCodeAlreadyExists)
			}
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		for i := range exec.Waves {
			if err := s.insertWave(ctx, tx, exec.ID, &exec.Waves[i]); err != nil {
				return err
			}
		}
		return s.insertEvents(ctx, tx, exec.ID, events)
	})
}

// GetExecution returns an execution with its waves.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*engine.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	waves, err := s.loadWaves(ctx, []string{executionID})
	if err != nil {
		return nil, err
	}
	exec.Waves = waves[executionID]
	return exec, nil
}

// UpdateExecution writes exec when the stored version still equals
// expectedVersion. The execution row, every wave row and the new events are
// written in one transaction.
func (s *Store) UpdateExecution(ctx context.Context, exec *engine.Execution, expectedVersion int64, events []engine.AuditEvent) error {
	next := expectedVersion + 1

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE executions
			SET status = ?, version = ?, failure_policy = ?, last_error = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND version = ?
		`
		res, err := tx.ExecContext(ctx, s.rebind(query),
			string(exec.Status), next, string(exec.FailurePolicy), exec.LastError,
			exec.UpdatedAt.UTC(), nullTime(exec.CompletedAt), exec.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx,
				s.rebind(`SELECT COUNT(*) FROM executions WHERE id = ?`), exec.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check execution: %w", err)
			}
			if exists == 0 {
				return engine.NewNotFoundError("execution", exec.ID)
			}
			return engine.NewVersionConflictError(exec.ID, expectedVersion)
		}

		for i := range exec.Waves {
			if err := s.updateWave(ctx, tx, exec.ID, &exec.Waves[i]); err != nil {
				return err
			}
		}
		return s.insertEvents(ctx, tx, exec.ID, events)
	})
	if err != nil {
		return err
	}
	exec.Version = next
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter engine.ListFilter) ([]*engine.Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var (
		execs []*engine.Execution
		ids   []string
	)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
		ids = append(ids, exec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	if len(execs) == 0 {
		return execs, nil
	}

	waves, err := s.loadWaves(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		exec.Waves = waves[exec.ID]
	}
	return execs, nil
}

// LookupExecutionStatus returns only the status column.
func (s *Store) LookupExecutionStatus(ctx context.Context, executionID string) (engine.ExecutionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT status FROM executions WHERE id = ?`), executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NewNotFoundError("execution", executionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get execution status: %w", err)
	}
	return engine.ExecutionStatus(status), nil
}

// QuotaSnapshot counts launching waves of active executions and their servers.
func (s *Store) QuotaSnapshot(ctx context.Context) (*engine.QuotaSnapshot, error) {
	args := []interface{}{string(engine.WaveStatusLaunching)}
	for _, st := range engine.ActiveExecutionStatuses {
		args = append(args, string(st))
	}
	query := `
		SELECT COUNT(*), COALESCE(SUM(w.server_count), 0)
		FROM wave_executions w
		JOIN executions e ON e.id = w.execution_id
		WHERE w.status = ? AND e.status IN (` + placeholders(len(engine.ActiveExecutionStatuses)) + `)
	`
	snap := &engine.QuotaSnapshot{}
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&snap.ActiveJobs, &snap.ActiveJobServers); err != nil {
		return nil, fmt.Errorf("failed to compute quota snapshot: %w", err)
	}
	return snap, nil
}

// ListEvents returns an execution's audit trail in insertion order.
func (s *Store) ListEvents(ctx context.Context, executionID string) ([]engine.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, execution_id, kind, wave_index, from_status, to_status, message, created_at
		FROM audit_events WHERE execution_id = ? ORDER BY seq`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []engine.AuditEvent
	for rows.Next() {
		var (
			ev   engine.AuditEvent
			kind string
			wave sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &kind, &wave, &ev.From, &ev.To, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = engine.AuditKind(kind)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if wave.Valid {
			idx := int(wave.Int64)
			ev.WaveIndex = &idx
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (s *Store) insertWave(ctx context.Context, tx *sql.Tx, executionID string, w *engine.WaveExecution) error {
	servers, instances, err := marshalWaveLists(w)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(w.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	query := `INSERT INTO wave_executions (` + waveColumns + `, server_count) VALUES (` + placeholders(16) + `)`
	_, err = tx.ExecContext(ctx, s.rebind(query),
		executionID, w.Index, w.GroupID, servers, w.PauseBeforeWave, string(deps), string(w.Status), w.JobID, w.PauseToken,
		nullTime(w.PauseTokenExpiry), nullTime(w.PauseApprovedAt), nullTime(w.LaunchStartedAt), nullTime(w.CompletedAt),
		instances, w.LastError, len(w.ServerIDs))
	if err != nil {
		return fmt.Errorf("failed to insert wave %d: %w", w.Index, err)
	}
	return nil
}

func (s *Store) updateWave(ctx context.Context, tx *sql.Tx, executionID string, w *engine.WaveExecution) error {
	servers, instances, err := marshalWaveLists(w)
	if err != nil {
		return err
	}
	query := `
		UPDATE wave_executions
		SET server_ids = ?, server_count = ?, status = ?, job_id = ?, pause_token = ?, pause_token_expiry = ?,
			pause_approved_at = ?, launch_started_at = ?, completed_at = ?, recovery_instance_ids = ?, last_error = ?
		WHERE execution_id = ? AND wave_index = ?
	`
	res, err := tx.ExecContext(ctx, s.rebind(query),
		servers, len(w.ServerIDs), string(w.Status), w.JobID, w.PauseToken, nullTime(w.PauseTokenExpiry),
		nullTime(w.PauseApprovedAt), nullTime(w.LaunchStartedAt), nullTime(w.CompletedAt), instances, w.LastError,
		executionID, w.Index)
	if err != nil {
		return fmt.Errorf("failed to update wave %d: %w", w.Index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.NewPermanentError(fmt.Sprintf("wave %d of execution %s does not exist", w.Index, executionID), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

func (s *Store) insertEvents(ctx context.Context, tx *sql.Tx, executionID string, events []engine.AuditEvent) error {
	query := s.rebind(`
		INSERT INTO audit_events (id, execution_id, kind, wave_index, from_status, to_status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.ExecutionID = executionID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		var wave sql.NullInt64
		if ev.WaveIndex != nil {
			wave = sql.NullInt64{Int64: int64(*ev.WaveIndex), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			ev.ID, executionID, string(ev.Kind), wave, ev.From, ev.To, ev.Message, ev.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return nil
}

func (s *Store) loadWaves(ctx context.Context, executionIDs []string) (map[string][]engine.WaveExecution, error) {
	args := make([]interface{}, len(executionIDs))
	for i, id := range executionIDs {
		args[i] = id
	}
	query := `SELECT ` + waveColumns + ` FROM wave_executions
		WHERE execution_id IN (` + placeholders(len(executionIDs)) + `)
		ORDER BY execution_id, wave_index`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load waves: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]engine.WaveExecution, len(executionIDs))
	for rows.Next() {
		var (
			execID, servers, deps, instances, status string
			expiry, approved, launched, completed    sql.NullTime
			w                                        engine.WaveExecution
		)
		if err := rows.Scan(&execID, &w.Index, &w.GroupID, &servers, &w.PauseBeforeWave, &deps, &status, &w.JobID,
			&w.PauseToken, &expiry, &approved, &launched, &completed, &instances, &w.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		w.Status = engine.WaveStatus(status)
		w.PauseTokenExpiry = timePtr(expiry)
		w.PauseApprovedAt = timePtr(approved)
		w.LaunchStartedAt = timePtr(launched)
		w.CompletedAt = timePtr(completed)
		if err := json.Unmarshal([]byte(servers), &w.ServerIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server ids: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &w.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
		if err := json.Unmarshal([]byte(instances), &w.RecoveryInstanceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance ids: %w", err)
		}
		out[execID] = append(out[execID], w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waves: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*engine.Execution, error) {
	var (
		exec                engine.Execution
		typ, status, policy string
		completed           sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.PlanID, &typ, &status, &exec.Version, &policy,
		&exec.StartedBy, &exec.LastError, &exec.CreatedAt, &exec.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	exec.Type = engine.ExecutionType(typ)
	exec.Status = engine.ExecutionStatus(status)
	exec.FailurePolicy = engine.FailurePolicy(policy)
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	exec.CompletedAt = timePtr(completed)
	return &exec, nil
}

func marshalWaveLists(w *engine.WaveExecution) (string, string, error) {
	servers := w.ServerIDs
	if servers == nil {
		servers = []string{}
	}
	instances := w.RecoveryInstanceIDs
	if instances == nil {
		instances = []string{}
	}
	sb, err := json.Marshal(servers)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal server ids: %w", err)
	}
	ib, err := json.Marshal(instances)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal instance ids: %w", err)
	}
	return string(sb), string(ib), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
