package catalog

import (
	"bytes"
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Lister reads the stored catalog.
type Lister interface {
	ListGroups(ctx context.Context) ([]*engine.ProtectionGroup, error)
	ListPlans(ctx context.Context) ([]*engine.RecoveryPlan, error)
}

// Export reads every stored group and plan back into a Document.
func Export(ctx context.Context, store Lister) (*Document, error) {
	groups, err := store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	plans, err := store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	doc := &Document{}
	for _, g := range groups {
		doc.Groups = append(doc.Groups, GroupSpec{
			ID:      g.ID,
			Name:    g.Name,
			Servers: append([]string{}, g.ServerIDs...),
		})
	}
	for _, p := range plans {
		spec := PlanSpec{
			ID:            p.ID,
			Name:          p.Name,
			Description:   p.Description,
			FailurePolicy: string(p.FailurePolicy),
			Labels:        p.Labels,
		}
		for _, w := range p.Waves {
			spec.Waves = append(spec.Waves, WaveSpec{
				Name:        w.Name,
				Group:       w.GroupID,
				PauseBefore: w.PauseBeforeWave,
				DependsOn:   w.DependsOn,
			})
		}
		doc.Plans = append(doc.Plans, spec)
	}
	return doc, nil
}

// MarshalYAML renders doc in the catalog file format.
func MarshalYAML(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return buf.Bytes(), nil
}
