package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/drorch/pkg/engine"
)

// PutGroup creates or replaces a protection group. A server may only belong
// to one group.
func (s *Store) PutGroup(ctx context.Context, g *engine.ProtectionGroup) error {
	if g.ID == "" {
		return engine.NewPermanentError("group id is required", nil).WithCode(engine.ErrCodeValidation)
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	servers := dedupe(g.ServerIDs)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range servers {
			var owner string
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT group_id FROM group_servers WHERE server_id = ?`), id).Scan(&owner)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check server %s: %w", id, err)
			}
			if err == nil && owner != g.ID {
				return engine.NewConflictError(fmt.Sprintf("server %s already belongs to group %s", id, owner), nil).
					WithCode(engine.ErrCodeAlreadyExists).
					WithDetail("server_id", id).
					WithDetail("group_id", owner)
			}
		}

		query := `
			INSERT INTO protection_groups (id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, s.rebind(query), g.ID, g.Name, g.CreatedAt, g.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM group_servers WHERE group_id = ?`), g.ID); err != nil {
			return fmt.Errorf("failed to clear group servers: %w", err)
		}
		for i, id := range servers {
			if _, err := tx.ExecContext(ctx,
				s.rebind(`INSERT INTO group_servers (server_id, group_id, position) VALUES (?, ?, ?)`),
				id, g.ID, i); err != nil {
				return fmt.Errorf("failed to add server %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetGroup retrieves a protection group with its servers.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*engine.ProtectionGroup, error) {
	g := &engine.ProtectionGroup{}
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, created_at, updated_at FROM protection_groups WHERE id = ?`), groupID).
		Scan(&g.ID, &g.Name, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("group", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	g.CreatedAt, g.UpdatedAt = g.CreatedAt.UTC(), g.UpdatedAt.UTC()

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT server_id FROM group_servers WHERE group_id = ? ORDER BY position`), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group servers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group server: %w", err)
		}
		g.ServerIDs = append(g.ServerIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group servers: %w", err)
	}
	return g, nil
}

// ListGroups lists every protection group ordered by ID.
func (s *Store) ListGroups(ctx context.Context) ([]*engine.ProtectionGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM protection_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}

	groups := make([]*engine.ProtectionGroup, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// DeleteGroup removes a group that no plan references.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var plans int
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM plan_waves WHERE group_id = ?`), groupID).Scan(&plans); err != nil {
			return fmt.Errorf("failed to check group references: %w", err)
		}
		if plans > 0 {
			return engine.NewConflictError(fmt.Sprintf("group %s is used by %d plan waves", groupID, plans), nil).
				WithCode(engine.ErrCodeInvalidState)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM protection_groups WHERE id = ?`), groupID)
		if err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return engine.NewNotFoundError("group", groupID)
		}
		return nil
	})
}

// PutPlan creates or replaces a recovery plan. Plans are immutable once an
// execution references them.
func (s *Store) PutPlan(ctx context.Context, plan *engine.RecoveryPlan) error {
	if err := engine.ValidatePlan(plan); err != nil {
		return err
	}
	if plan.ID == "" {
		return engine.NewInvalidPlanError("", "plan id is required")
	}
	labels, err := json.Marshal(plan.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureNoExecutions(ctx, tx, plan.ID); err != nil {
			return err
		}

		query := `
			INSERT INTO recovery_plans (id, name, description, failure_policy, labels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				failure_policy = excluded.failure_policy,
				labels = excluded.labels,
				updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, s.rebind(query),
			plan.ID, plan.Name, plan.Description, string(plan.FailurePolicy), string(labels),
			plan.CreatedAt, plan.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert plan: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM plan_waves WHERE plan_id = ?`), plan.ID); err != nil {
			return fmt.Errorf("failed to clear plan waves: %w", err)
		}

		for _, w := range plan.Waves {
			deps, err := json.Marshal(w.DependsOn)
			if err != nil {
				return fmt.Errorf("failed to marshal dependencies: %w", err)
			}
			var exists int
			if err := tx.QueryRowContext(ctx,
				s.rebind(`SELECT COUNT(*) FROM protection_groups WHERE id = ?`), w.GroupID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check group %s: %w", w.GroupID, err)
			}
			if exists == 0 {
				return engine.NewInvalidPlanError(plan.ID, fmt.Sprintf("wave %d references missing group %s", w.Index, w.GroupID))
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO plan_waves (plan_id, wave_index, name, group_id, pause_before_wave, depends_on)
				VALUES (?, ?, ?, ?, ?, ?)`),
				plan.ID, w.Index, w.Name, w.GroupID, w.PauseBeforeWave, string(deps)); err != nil {
				return fmt.Errorf("failed to insert wave %d: %w", w.Index, err)
			}
		}
		return nil
	})
}

// GetPlan retrieves a plan with its waves in index order.
func (s *Store) GetPlan(ctx context.Context, planID string) (*engine.RecoveryPlan, error) {
	plan := &engine.RecoveryPlan{}
	var policy, labels string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, description, failure_policy, labels, created_at, updated_at
		FROM recovery_plans WHERE id = ?`), planID).
		Scan(&plan.ID, &plan.Name, &plan.Description, &policy, &labels, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	plan.FailurePolicy = engine.FailurePolicy(policy)
	plan.CreatedAt, plan.UpdatedAt = plan.CreatedAt.UTC(), plan.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(labels), &plan.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT wave_index, name, group_id, pause_before_wave, depends_on
		FROM plan_waves WHERE plan_id = ? ORDER BY wave_index`), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan waves: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			w    engine.Wave
			deps string
		)
		if err := rows.Scan(&w.Index, &w.Name, &w.GroupID, &w.PauseBeforeWave, &deps); err != nil {
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &w.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
		plan.Waves = append(plan.Waves, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waves: %w", err)
	}
	return plan, nil
}

// ListPlans lists every plan ordered by ID.
func (s *Store) ListPlans(ctx context.Context) ([]*engine.RecoveryPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM recovery_plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}

	plans := make([]*engine.RecoveryPlan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// DeletePlan removes a plan that has no executions.
func (s *Store) DeletePlan(ctx context.Context, planID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureNoExecutions(ctx, tx, planID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM recovery_plans WHERE id = ?`), planID)
		if err != nil {
			return fmt.Errorf("failed to delete plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return engine.NewNotFoundError("plan", planID)
		}
		return nil
	})
}

func (s *Store) ensureNoExecutions(ctx context.Context, tx *sql.Tx, planID string) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM executions WHERE plan_id = ?`), planID).Scan(&n); err != nil {
		return fmt.Errorf("failed to count plan executions: %w", err)
	}
	if n > 0 {
		return engine.NewConflictError(fmt.Sprintf("plan %s has %d executions and cannot change", planID, n), nil).
			WithCode(engine.ErrCodeInvalidState)
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
