package catalog

import (
	"fmt"
	"strings"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Document is the on-disk shape of a catalog file. YAML, JSON and CUE files
// all decode into it.
type Document struct {
	// Groups are the protection groups defined by the file.
	Groups []GroupSpec `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive"`

	// Plans are the recovery plans defined by the file.
	Plans []PlanSpec `json:"plans,omitempty" yaml:"plans,omitempty" validate:"dive"`
}

// GroupSpec describes a protection group.
type GroupSpec struct {
	ID      string   `json:"id" yaml:"id" validate:"required,catalog_id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Servers []string `json:"servers" yaml:"servers" validate:"dive,required"`
}

// PlanSpec describes a recovery plan. Waves are numbered by position.
type PlanSpec struct {
	ID            string            `json:"id" yaml:"id" validate:"required,catalog_id"`
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	FailurePolicy string            `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty" validate:"omitempty,oneof=stop"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Waves         []WaveSpec        `json:"waves" yaml:"waves" validate:"required,min=1,dive"`
}

// WaveSpec describes one wave of a plan.
type WaveSpec struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Group       string `json:"group" yaml:"group" validate:"required"`
	PauseBefore bool   `json:"pause_before,omitempty" yaml:"pause_before,omitempty"`
	DependsOn   []int  `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,min=0"`
}

// Catalog is a validated set of groups and plans ready to import.
type Catalog struct {
	Groups []*engine.ProtectionGroup
	Plans  []*engine.RecoveryPlan

	// Files lists the source files in load order.
	Files []string
}

// Issue is a single problem found while loading a catalog.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	if i.File != "" {
		b.WriteString(i.File)
		if i.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", i.Line, i.Column)
		}
		b.WriteString(": ")
	}
	if i.Path != "" {
		b.WriteString(i.Path)
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	return b.String()
}

// ValidationErrors collects every issue of a failed load.
type ValidationErrors []Issue

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "catalog is invalid"
	case 1:
		return "catalog is invalid: " + v[0].String()
	}
	lines := make([]string, 0, len(v))
	for _, issue := range v {
		lines = append(lines, "  "+issue.String())
	}
	return fmt.Sprintf("catalog is invalid (%d issues):\n%s", len(v), strings.Join(lines, "\n"))
}

// toGroup converts a spec into an engine group.
func (g GroupSpec) toGroup() *engine.ProtectionGroup {
	name := g.Name
	if name == "" {
		name = g.ID
	}
	return &engine.ProtectionGroup{
		ID:        g.ID,
		Name:      name,
		ServerIDs: append([]string{}, g.Servers...),
	}
}

// toPlan converts a spec into an engine plan.
func (p PlanSpec) toPlan() *engine.RecoveryPlan {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	plan := &engine.RecoveryPlan{
		ID:            p.ID,
		Name:          name,
		Description:   p.Description,
		FailurePolicy: engine.FailurePolicy(p.FailurePolicy),
		Labels:        p.Labels,
		Waves:         make([]engine.Wave, 0, len(p.Waves)),
	}
	for i, w := range p.Waves {
		plan.Waves = append(plan.Waves, engine.Wave{
			Index:           i,
			Name:            w.Name,
			GroupID:         w.Group,
			PauseBeforeWave: w.PauseBefore,
			DependsOn:       append([]int(nil), w.DependsOn...),
		})
	}
	return plan
}
