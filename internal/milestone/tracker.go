// Package milestone evaluates milestone predicates and unlocks dependents in
// prerequisite order.
package milestone

import (
	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

// Award is the reward collected for one completed milestone.
type Award struct {
	Milestone   string
	Points      int64
	UnlockGenes []string
}

type Result struct {
	Progress  model.MilestoneProgress
	Completed []string
	Promoted  []string
	Awards    []Award
}

// Points sums the points of every award.
func (r Result) Points() int64 {
	var total int64
	for _, a := range r.Awards {
		total += a.Points
	}
	return total
}

// UnlockedGenes lists genes unlocked by the awards in award order, without
// duplicates.
func (r Result) UnlockedGenes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range r.Awards {
		for _, g := range a.UnlockGenes {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// Seed returns the starting progress: milestones without prerequisites are
// eligible, everything else is locked.
func Seed(cat *catalog.Catalog) model.MilestoneProgress {
	progress := make(model.MilestoneProgress, len(cat.MilestoneIDs()))
	for _, id := range cat.MilestoneIDs() {
		m, _ := cat.Milestone(id)
		if len(m.Prerequisites) == 0 {
			progress[id] = model.MilestoneEligible
		} else {
			progress[id] = model.MilestoneLocked
		}
	}
	return progress
}

// Evaluate checks every eligible milestone in ascending id order against pop
// and round. The eligible set is fixed when the call starts: a milestone
// promoted during the call is evaluated on the next call. The input progress
// is not modified.
func Evaluate(cat *catalog.Catalog, progress model.MilestoneProgress, pop model.PopulationSnapshot, round int) Result {
	next := Normalize(cat, progress)

	var eligible []string
	for _, id := range cat.MilestoneIDs() {
		if next[id] == model.MilestoneEligible {
			eligible = append(eligible, id)
		}
	}

	result := Result{}
	for _, id := range eligible {
		m, _ := cat.Milestone(id)
		if !Satisfied(cat, m.Predicate, pop, round) {
			continue
		}
		next[id] = model.MilestoneCompleted
		result.Completed = append(result.Completed, id)
		result.Awards = append(result.Awards, Award{
			Milestone:   id,
			Points:      m.Reward.Points,
			UnlockGenes: append([]string(nil), m.Reward.UnlockGenes...),
		})
		result.Promoted = append(result.Promoted, promote(cat, next)...)
	}
	result.Progress = next
	return result
}

// Normalize returns a copy of progress with every catalog milestone present.
// Missing milestones start locked and are promoted when their prerequisites
// are already completed.
func Normalize(cat *catalog.Catalog, progress model.MilestoneProgress) model.MilestoneProgress {
	next := progress.Clone()
	for _, id := range cat.MilestoneIDs() {
		if _, ok := next[id]; !ok {
			next[id] = model.MilestoneLocked
		}
	}
	promote(cat, next)
	return next
}

// promote moves locked milestones whose prerequisites are all completed to
// eligible and returns their ids.
func promote(cat *catalog.Catalog, progress model.MilestoneProgress) []string {
	var promoted []string
	for _, id := range cat.MilestoneIDs() {
		if progress[id] != model.MilestoneLocked {
			continue
		}
		m, _ := cat.Milestone(id)
		if prerequisitesMet(m, progress) {
			progress[id] = model.MilestoneEligible
			promoted = append(promoted, id)
		}
	}
	return promoted
}

func prerequisitesMet(m model.MilestoneDef, progress model.MilestoneProgress) bool {
	for _, prereq := range m.Prerequisites {
		if progress[prereq] != model.MilestoneCompleted {
			return false
		}
	}
	return true
}

// Satisfied evaluates a completion predicate.
func Satisfied(cat *catalog.Catalog, p model.PredicateDef, pop model.PopulationSnapshot, round int) bool {
	switch p.Kind {
	case model.PredicatePopulationAtMost:
		return model.AtMost.Holds(observed(cat, p, pop), p.Threshold)
	case model.PredicatePopulationAtLeast:
		return model.AtLeast.Holds(observed(cat, p, pop), p.Threshold)
	case model.PredicateRoundAtLeast:
		return model.AtLeast.Holds(float64(round), p.Threshold)
	default:
		return false
	}
}

func observed(cat *catalog.Catalog, p model.PredicateDef, pop model.PopulationSnapshot) float64 {
	if p.Entity != "" {
		return float64(pop.Count(p.Entity))
	}
	var total int64
	for _, id := range cat.TaggedEntities(p.Tag) {
		total = model.SaturatingAdd(total, pop.Count(id))
	}
	return float64(total)
}

// Check verifies that progress names only catalog milestones and that no
// milestone is eligible or completed ahead of its prerequisites.
func Check(cat *catalog.Catalog, progress model.MilestoneProgress) error {
	for _, id := range progress.IDs() {
		m, ok := cat.Milestone(id)
		if !ok {
			return simerr.New(simerr.KindUnknownReference, id, "unknown milestone")
		}
		state := progress[id]
		switch state {
		case model.MilestoneLocked:
		case model.MilestoneEligible, model.MilestoneCompleted:
			if !prerequisitesMet(m, progress) {
				return simerr.New(simerr.KindInvalidSnapshot, id, "milestone %s ahead of its prerequisites", state)
			}
		default:
			return simerr.New(simerr.KindInvalidSnapshot, id, "unknown milestone state %q", state)
		}
	}
	return nil
}
