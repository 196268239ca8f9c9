// Package resolver compiles a virus configuration into the ordered set of
// numeric modifiers the engine applies each round.
//
// Order is significant. Entries appear in gene-installation order and, within
// a gene, in the order the gene lists its effects. Nothing is re-sorted by
// magnitude or id, and an effect granted by two genes appears twice.
package resolver

import (
	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

// Entry is the data shared by every resolved modifier.
type Entry struct {
	Seq       int
	Gene      string
	Effect    string
	Target    model.Selector
	Magnitude float64
	// Duration is the number of rounds a timed effect runs; zero is permanent.
	Duration int
}

// Modifier is a closed set of resolved effect variants: Additive,
// Multiplicative and Trigger.
type Modifier interface {
	Base() Entry
	sealed()
}

type Additive struct{ Entry }

type Multiplicative struct{ Entry }

type Trigger struct {
	Entry
	Watch      string
	Comparison model.Comparison
	Threshold  float64
	Action     model.TriggerAction
	Suppresses string
}

func (a Additive) Base() Entry       { return a.Entry }
func (m Multiplicative) Base() Entry { return m.Entry }
func (t Trigger) Base() Entry        { return t.Entry }

func (Additive) sealed()       {}
func (Multiplicative) sealed() {}
func (Trigger) sealed()        {}

// FromEffect builds the modifier variant for def.
func FromEffect(seq int, gene string, def model.EffectDef) Modifier {
	entry := Entry{
		Seq:       seq,
		Gene:      gene,
		Effect:    def.ID,
		Target:    def.Target,
		Magnitude: def.Magnitude,
	}
	if def.Timed() {
		entry.Duration = def.Duration
	}
	switch def.Kind {
	case model.EffectMultiplicative:
		return Multiplicative{Entry: entry}
	case model.EffectTrigger:
		t := Trigger{Entry: entry}
		if def.Trigger != nil {
			t.Watch = def.Trigger.Watch
			t.Comparison = def.Trigger.Comparison
			t.Threshold = def.Trigger.Threshold
			t.Action = def.Trigger.Action
			t.Suppresses = def.Trigger.Suppresses
		}
		return t
	default:
		return Additive{Entry: entry}
	}
}

// Set is a resolved effect set. The zero value is empty.
type Set struct {
	entries []Modifier
}

// Resolve compiles cfg against cat.
func Resolve(cfg model.VirusConfiguration, cat *catalog.Catalog) (Set, error) {
	var entries []Modifier
	for _, geneID := range cfg.Genes {
		gene, ok := cat.Gene(geneID)
		if !ok {
			return Set{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
		}
		for _, effectID := range gene.Effects {
			def, ok := cat.Effect(effectID)
			if !ok {
				return Set{}, simerr.New(simerr.KindUnknownReference, effectID, "gene %s references unknown effect", geneID)
			}
			entries = append(entries, FromEffect(len(entries), geneID, def))
		}
	}
	return Set{entries: entries}, nil
}

func (s Set) Len() int { return len(s.entries) }

// Entries returns every modifier in resolution order.
func (s Set) Entries() []Modifier {
	return append([]Modifier(nil), s.entries...)
}

// For returns, in resolution order, the modifiers whose target matches
// entity by id, tag or global selector.
func (s Set) For(entity model.EntityDef) []Modifier {
	var out []Modifier
	for _, m := range s.entries {
		if m.Base().Target.Matches(entity) {
			out = append(out, m)
		}
	}
	return out
}

// TimedEffects lists the distinct timed effect ids in resolution order.
func (s Set) TimedEffects() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range s.entries {
		e := m.Base()
		if e.Duration == 0 {
			continue
		}
		if _, ok := seen[e.Effect]; ok {
			continue
		}
		seen[e.Effect] = struct{}{}
		out = append(out, e.Effect)
	}
	return out
}

// SlotUsage sums the slots occupied by installed genes. Unknown genes count
// as zero.
func SlotUsage(cfg model.VirusConfiguration, cat *catalog.Catalog) int {
	used := 0
	for _, geneID := range cfg.Genes {
		if gene, ok := cat.Gene(geneID); ok {
			used += gene.Slots
		}
	}
	return used
}

// Capacity returns the slot capacity of the configured genome type.
func Capacity(cfg model.VirusConfiguration, cat *catalog.Catalog) (int, error) {
	if !cfg.Configured() {
		return 0, simerr.New(simerr.KindNotConfigured, "", "no genome type selected")
	}
	genome, ok := cat.GenomeType(cfg.GenomeType)
	if !ok {
		return 0, simerr.New(simerr.KindUnknownReference, cfg.GenomeType, "unknown genome type")
	}
	return genome.SlotCapacity, nil
}

// CheckCapacity reports whether geneID fits in the remaining slots of cfg.
func CheckCapacity(cfg model.VirusConfiguration, cat *catalog.Catalog, geneID string) error {
	capacity, err := Capacity(cfg, cat)
	if err != nil {
		return err
	}
	gene, ok := cat.Gene(geneID)
	if !ok {
		return simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
	}
	remaining := capacity - SlotUsage(cfg, cat)
	if gene.Slots > remaining {
		return simerr.New(simerr.KindCapacityExceeded, geneID, "gene needs %d slots, %d free", gene.Slots, remaining)
	}
	return nil
}
