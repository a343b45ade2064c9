package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Store is the part of the persistence layer the importer writes to.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*engine.ProtectionGroup, error)
	PutGroup(ctx context.Context, g *engine.ProtectionGroup) error
	GetPlan(ctx context.Context, planID string) (*engine.RecoveryPlan, error)
	PutPlan(ctx context.Context, plan *engine.RecoveryPlan) error
}

// Action is what an import did to one catalog entry.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Change records the import of one group or plan.
type Change struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Action Action `json:"action"`
}

// ImportResult lists the changes of one import in write order.
type ImportResult struct {
	Changes []Change `json:"changes"`
	DryRun  bool     `json:"dry_run,omitempty"`
}

// Count returns how many entries had the given action.
func (r *ImportResult) Count(action Action) int {
	n := 0
	for _, c := range r.Changes {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Importer writes catalogs into a store.
type Importer struct {
	store  Store
	logger zerolog.Logger
	dryRun bool
}

// ImportOption customizes an Importer.
type ImportOption func(*Importer)

// WithDryRun computes the changes without writing them.
func WithDryRun() ImportOption {
	return func(i *Importer) { i.dryRun = true }
}

// NewImporter creates an importer for store.
func NewImporter(store Store, logger zerolog.Logger, opts ...ImportOption) *Importer {
	i := &Importer{
		store:  store,
		logger: logger.With().Str("component", "catalog-importer").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import upserts every group and then every plan of cat. Entries equal to
// the stored version are left alone, so importing the same catalog twice is
// a no-op even for plans that executions already reference.
func (i *Importer) Import(ctx context.Context, cat *Catalog) (*ImportResult, error) {
	result := &ImportResult{DryRun: i.dryRun}

	var pending []*engine.ProtectionGroup
	for _, g := range cat.Groups {
		existing, err := i.store.GetGroup(ctx, g.ID)
		action, err := classify(err, func() bool { return sameGroup(existing, g) })
		if err != nil {
			return result, fmt.Errorf("failed to read group %s: %w", g.ID, err)
		}
		result.Changes = append(result.Changes, Change{Kind: "group", ID: g.ID, Action: action})
		if action != ActionUnchanged {
			pending = append(pending, g)
		}
	}
	if !i.dryRun {
		if err := i.putGroups(ctx, pending); err != nil {
			return result, err
		}
	}

	for _, p := range cat.Plans {
		existing, err := i.store.GetPlan(ctx, p.ID)
		action, err := classify(err, func() bool { return samePlan(existing, p) })
		if err != nil {
			return result, fmt.Errorf("failed to read plan %s: %w", p.ID, err)
		}
		result.Changes = append(result.Changes, Change{Kind: "plan", ID: p.ID, Action: action})
		if action == ActionUnchanged || i.dryRun {
			continue
		}
		if err := i.store.PutPlan(ctx, p); err != nil {
			return result, fmt.Errorf("failed to import plan %s: %w", p.ID, err)
		}
	}

	i.logger.Info().
		Bool("dry_run", i.dryRun).
		Int("created", result.Count(ActionCreated)).
		Int("updated", result.Count(ActionUpdated)).
		Int("unchanged", result.Count(ActionUnchanged)).
		Msg("Catalog imported")
	return result, nil
}

// putGroups writes groups until none are left. A server moving from one
// group to another is refused while its old group still holds it, so groups
// failing that way are retried after the rest are written.
func (i *Importer) putGroups(ctx context.Context, groups []*engine.ProtectionGroup) error {
	for len(groups) > 0 {
		var retry []*engine.ProtectionGroup
		var lastErr error
		for _, g := range groups {
			err := i.store.PutGroup(ctx, g)
			if err == nil {
				continue
			}
			if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
				return fmt.Errorf("failed to import group %s: %w", g.ID, err)
			}
			i.logger.Debug().Str("group_id", g.ID).Err(err).Msg("Group import deferred")
			retry = append(retry, g)
			lastErr = err
		}
		if len(retry) == len(groups) {
			return fmt.Errorf("failed to import group %s: %w", retry[0].ID, lastErr)
		}
		groups = retry
	}
	return nil
}

func classify(err error, same func() bool) (Action, error) {
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return ActionCreated, nil
		}
		return "", err
	}
	if same() {
		return ActionUnchanged, nil
	}
	return ActionUpdated, nil
}

func sameGroup(a, b *engine.ProtectionGroup) bool {
	return a.Name == b.Name && sameStrings(sortedCopy(a.ServerIDs), sortedCopy(b.ServerIDs))
}

func samePlan(a, b *engine.RecoveryPlan) bool {
	if a.Name != b.Name || a.Description != b.Description ||
		a.FailurePolicy.OrDefault() != b.FailurePolicy.OrDefault() ||
		len(a.Labels) != len(b.Labels) || len(a.Waves) != len(b.Waves) {
		return false
	}
	for k, v := range a.Labels {
		if other, ok := b.Labels[k]; !ok || other != v {
			return false
		}
	}
	for i := range a.Waves {
		wa, wb := a.Waves[i], b.Waves[i]
		if wa.Index != wb.Index || wa.Name != wb.Name || wa.GroupID != wb.GroupID ||
			wa.PauseBeforeWave != wb.PauseBeforeWave || len(wa.DependsOn) != len(wb.DependsOn) {
			return false
		}
		for j := range wa.DependsOn {
			if wa.DependsOn[j] != wb.DependsOn[j] {
				return false
			}
		}
	}
	return true
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
