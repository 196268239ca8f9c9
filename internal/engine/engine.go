// Package engine advances host-entity populations by one round.
//
// Advance is a pure function of the catalog, the resolved effect set and the
// previous snapshot. It never mutates its input and returns a fresh snapshot
// together with the outcome record of the round.
package engine

import (
	"math"
	"sort"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/resolver"
	"viralsandbox/internal/simerr"
)

// Ready fails with NotConfigured when cfg has no genome type.
func Ready(cfg model.VirusConfiguration) error {
	if !cfg.Configured() {
		return simerr.New(simerr.KindNotConfigured, "", "no genome type selected")
	}
	return nil
}

// Advance runs one round. round is the counter before the advance; the
// outcome carries round+1.
func Advance(cat *catalog.Catalog, set resolver.Set, pop model.PopulationSnapshot, round int) (model.PopulationSnapshot, model.RoundOutcome, error) {
	seen := make(map[string]struct{}, len(pop.Introduced))
	for _, id := range pop.Introduced {
		seen[id] = struct{}{}
	}
	timed := set.TimedEffects()
	fresh := make(map[string]struct{})
	for _, id := range timed {
		if _, ok := seen[id]; !ok {
			fresh[id] = struct{}{}
		}
	}

	next := model.PopulationSnapshot{
		Counts:     make(map[string]int64, len(pop.Counts)),
		Introduced: sortedCopy(timed),
	}
	outcome := model.RoundOutcome{
		Round:      round + 1,
		Deltas:     make(map[string]int64, len(pop.Counts)),
		Introduced: sortedKeys(fresh),
	}

	for _, entity := range cat.Entities() {
		active := copyActive(pop.Active[entity.ID])
		mods := set.For(entity)

		for _, m := range mods {
			e := m.Base()
			if e.Duration == 0 {
				continue
			}
			if _, ok := fresh[e.Effect]; ok {
				active[e.Effect] = e.Duration
			}
		}

		applicable, err := applicableModifiers(cat, set.Len(), mods, active)
		if err != nil {
			return model.PopulationSnapshot{}, model.RoundOutcome{}, err
		}

		current := pop.Count(entity.ID)
		count := clampRound(float64(current) + netChange(entity, float64(current), applicable, pop))
		next.Counts[entity.ID] = count
		outcome.Deltas[entity.ID] = count - current

		var expired []string
		for id, remaining := range active {
			remaining--
			if remaining <= 0 {
				delete(active, id)
				expired = append(expired, id)
				continue
			}
			active[id] = remaining
		}
		sort.Strings(expired)
		for _, id := range expired {
			outcome.Expired = append(outcome.Expired, model.ExpiredEffect{Entity: entity.ID, Effect: id})
		}
		if len(active) > 0 {
			if next.Active == nil {
				next.Active = make(map[string]map[string]int)
			}
			next.Active[entity.ID] = active
		}
	}
	return next, outcome, nil
}

// applicableModifiers keeps permanent modifiers and timed modifiers that are
// active on the entity, then appends active timed effects that are no longer
// part of the resolved set in effect-id order.
func applicableModifiers(cat *catalog.Catalog, base int, mods []resolver.Modifier, active map[string]int) ([]resolver.Modifier, error) {
	out := make([]resolver.Modifier, 0, len(mods)+len(active))
	resolved := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		e := m.Base()
		resolved[e.Effect] = struct{}{}
		if e.Duration > 0 {
			if _, ok := active[e.Effect]; !ok {
				continue
			}
		}
		out = append(out, m)
	}

	var orphans []string
	for id := range active {
		if _, ok := resolved[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for i, id := range orphans {
		def, ok := cat.Effect(id)
		if !ok {
			return nil, simerr.New(simerr.KindUnknownReference, id, "active effect missing from catalog")
		}
		out = append(out, resolver.FromEffect(base+i, "", def))
	}
	return out, nil
}

// netChange combines the base rate with the modifiers: additive terms are
// summed, multiplicative factors then scale the result, and the last firing
// override trigger replaces it. A firing suppress trigger removes earlier
// entries of the named effect, triggers included, before anything is
// applied. Suppression is resolved from the last entry back so a suppressed
// suppress trigger has no effect. Triggers watch the pre-round population.
func netChange(entity model.EntityDef, current float64, mods []resolver.Modifier, pop model.PopulationSnapshot) float64 {
	suppressed := make([]bool, len(mods))
	firing := make([]bool, len(mods))
	for i, m := range mods {
		if t, ok := m.(resolver.Trigger); ok {
			firing[i] = fires(t, entity, pop)
		}
	}
	for i := len(mods) - 1; i >= 0; i-- {
		t, ok := mods[i].(resolver.Trigger)
		if !ok || !firing[i] || suppressed[i] || t.Action != model.TriggerSuppress {
			continue
		}
		for j := 0; j < i; j++ {
			if mods[j].Base().Effect == t.Suppresses {
				suppressed[j] = true
			}
		}
	}
	var override *float64
	for i, m := range mods {
		t, ok := m.(resolver.Trigger)
		if !ok || !firing[i] || suppressed[i] || t.Action != model.TriggerOverride {
			continue
		}
		magnitude := t.Magnitude
		override = &magnitude
	}

	net := current * (entity.GrowthRate - entity.DecayRate)
	for i, m := range mods {
		if a, ok := m.(resolver.Additive); ok && !suppressed[i] {
			net += a.Magnitude
		}
	}
	for i, m := range mods {
		if mul, ok := m.(resolver.Multiplicative); ok && !suppressed[i] {
			net *= mul.Magnitude
		}
	}
	if override != nil {
		net = *override
	}
	return net
}

func fires(t resolver.Trigger, entity model.EntityDef, pop model.PopulationSnapshot) bool {
	watch := t.Watch
	if watch == "" {
		watch = entity.ID
	}
	return t.Comparison.Holds(float64(pop.Count(watch)), t.Threshold)
}

// clampRound rounds half to even and clamps into [0, MaxInt64].
func clampRound(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	r := math.RoundToEven(v)
	if r >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(r)
}

func copyActive(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(in map[string]struct{}) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
