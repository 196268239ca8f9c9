package catalog

import (
	"sort"

	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

func invalid(id, format string, args ...any) error {
	return simerr.New(simerr.KindInvalidCatalog, id, format, args...)
}

// Validate checks a catalog document for referential integrity and returns
// the first problem found as an InvalidCatalog error naming the offending id.
func Validate(doc model.CatalogDocument) error {
	entities := make(map[string]model.EntityDef, len(doc.Entities))
	tags := make(map[string]struct{})
	for _, e := range doc.Entities {
		if e.ID == "" {
			return invalid("", "entity id is required")
		}
		if _, dup := entities[e.ID]; dup {
			return invalid(e.ID, "duplicate entity id")
		}
		if e.BasePopulation < 0 {
			return invalid(e.ID, "entity base population must be >= 0")
		}
		entities[e.ID] = e
		for _, tag := range e.Tags {
			tags[tag] = struct{}{}
		}
	}

	effects := make(map[string]model.EffectDef, len(doc.Effects))
	for _, e := range doc.Effects {
		if e.ID == "" {
			return invalid("", "effect id is required")
		}
		if _, dup := effects[e.ID]; dup {
			return invalid(e.ID, "duplicate effect id")
		}
		effects[e.ID] = e
	}
	for _, e := range doc.Effects {
		if err := validateEffect(e, entities, tags, effects); err != nil {
			return err
		}
	}

	genomes := make(map[string]struct{}, len(doc.GenomeTypes))
	for _, g := range doc.GenomeTypes {
		if g.ID == "" {
			return invalid("", "genome type id is required")
		}
		if _, dup := genomes[g.ID]; dup {
			return invalid(g.ID, "duplicate genome type id")
		}
		if g.SlotCapacity <= 0 {
			return invalid(g.ID, "genome type slot capacity must be > 0")
		}
		if g.Cost < 0 {
			return invalid(g.ID, "genome type cost must be >= 0")
		}
		genomes[g.ID] = struct{}{}
	}

	genes := make(map[string]struct{}, len(doc.Genes))
	for _, g := range doc.Genes {
		if g.ID == "" {
			return invalid("", "gene id is required")
		}
		if _, dup := genes[g.ID]; dup {
			return invalid(g.ID, "duplicate gene id")
		}
		if g.Cost < 0 {
			return invalid(g.ID, "gene cost must be >= 0")
		}
		if g.Slots < 1 {
			return invalid(g.ID, "gene must occupy at least one slot")
		}
		for _, effectID := range g.Effects {
			if _, ok := effects[effectID]; !ok {
				return invalid(effectID, "gene %s references unknown effect", g.ID)
			}
		}
		genes[g.ID] = struct{}{}
	}

	milestones := make(map[string]model.MilestoneDef, len(doc.Milestones))
	for _, m := range doc.Milestones {
		if m.ID == "" {
			return invalid("", "milestone id is required")
		}
		if _, dup := milestones[m.ID]; dup {
			return invalid(m.ID, "duplicate milestone id")
		}
		milestones[m.ID] = m
	}
	for _, m := range doc.Milestones {
		if err := validatePredicate(m, entities, tags); err != nil {
			return err
		}
		for _, prereq := range m.Prerequisites {
			if prereq == m.ID {
				return invalid(m.ID, "milestone lists itself as a prerequisite")
			}
			if _, ok := milestones[prereq]; !ok {
				return invalid(prereq, "milestone %s references unknown prerequisite", m.ID)
			}
		}
		if m.Reward.Points < 0 {
			return invalid(m.ID, "milestone reward points must be >= 0")
		}
		for _, geneID := range m.Reward.UnlockGenes {
			if _, ok := genes[geneID]; !ok {
				return invalid(geneID, "milestone %s unlocks unknown gene", m.ID)
			}
		}
	}
	return checkPrerequisiteCycles(milestones)
}

func validateEffect(e model.EffectDef, entities map[string]model.EntityDef, tags map[string]struct{}, effects map[string]model.EffectDef) error {
	switch e.Kind {
	case model.EffectAdditive, model.EffectMultiplicative:
		if e.Trigger != nil {
			return invalid(e.ID, "only trigger effects carry a trigger")
		}
	case model.EffectTrigger:
		if e.Trigger == nil {
			return invalid(e.ID, "trigger effect requires a trigger")
		}
	default:
		return invalid(e.ID, "unknown effect kind %q", e.Kind)
	}
	if e.Duration < 0 {
		return invalid(e.ID, "effect duration must be >= 0")
	}
	if err := validateSelector(e.ID, e.Target, entities, tags); err != nil {
		return err
	}
	if e.Trigger == nil {
		return nil
	}
	t := e.Trigger
	if t.Watch != "" {
		if _, ok := entities[t.Watch]; !ok {
			return invalid(t.Watch, "effect %s watches unknown entity", e.ID)
		}
	}
	switch t.Comparison {
	case model.AtMost, model.AtLeast:
	default:
		return invalid(e.ID, "unknown trigger comparison %q", t.Comparison)
	}
	switch t.Action {
	case model.TriggerOverride:
		if t.Suppresses != "" {
			return invalid(e.ID, "override trigger must not name a suppressed effect")
		}
	case model.TriggerSuppress:
		if t.Suppresses == "" {
			return invalid(e.ID, "suppress trigger requires an effect to suppress")
		}
		if t.Suppresses == e.ID {
			return invalid(e.ID, "trigger cannot suppress itself")
		}
		if _, ok := effects[t.Suppresses]; !ok {
			return invalid(t.Suppresses, "effect %s suppresses unknown effect", e.ID)
		}
	default:
		return invalid(e.ID, "unknown trigger action %q", t.Action)
	}
	return nil
}

func validateSelector(owner string, s model.Selector, entities map[string]model.EntityDef, tags map[string]struct{}) error {
	set := 0
	if s.Entity != "" {
		set++
	}
	if s.Tag != "" {
		set++
	}
	if s.Global {
		set++
	}
	if set != 1 {
		return invalid(owner, "target must name exactly one of entity, tag or global")
	}
	if s.Entity != "" {
		if _, ok := entities[s.Entity]; !ok {
			return invalid(s.Entity, "effect %s targets unknown entity", owner)
		}
	}
	if s.Tag != "" {
		if _, ok := tags[s.Tag]; !ok {
			return invalid(s.Tag, "effect %s targets a tag no entity carries", owner)
		}
	}
	return nil
}

func validatePredicate(m model.MilestoneDef, entities map[string]model.EntityDef, tags map[string]struct{}) error {
	p := m.Predicate
	switch p.Kind {
	case model.PredicatePopulationAtMost, model.PredicatePopulationAtLeast:
		if (p.Entity == "") == (p.Tag == "") {
			return invalid(m.ID, "population predicate must name exactly one of entity or tag")
		}
		if p.Entity != "" {
			if _, ok := entities[p.Entity]; !ok {
				return invalid(p.Entity, "milestone %s watches unknown entity", m.ID)
			}
		}
		if p.Tag != "" {
			if _, ok := tags[p.Tag]; !ok {
				return invalid(p.Tag, "milestone %s watches a tag no entity carries", m.ID)
			}
		}
	case model.PredicateRoundAtLeast:
		if p.Entity != "" || p.Tag != "" {
			return invalid(m.ID, "round predicate takes no entity or tag")
		}
	default:
		return invalid(m.ID, "unknown predicate kind %q", p.Kind)
	}
	return nil
}

// checkPrerequisiteCycles walks the prerequisite graph depth-first in id
// order and reports the first milestone found on a cycle.
func checkPrerequisiteCycles(milestones map[string]model.MilestoneDef) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(milestones))
	ids := make([]string, 0, len(milestones))
	for id := range milestones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return invalid(id, "milestone prerequisite cycle")
		case done:
			return nil
		}
		state[id] = visiting
		for _, prereq := range milestones[id].Prerequisites {
			if err := visit(prereq); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
