package session

import (
	"go.opentelemetry.io/otel"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/economy"
	"viralsandbox/internal/milestone"
	"viralsandbox/internal/model"
	"viralsandbox/internal/resolver"
	"viralsandbox/internal/simerr"
)

// Restore resumes a session from an exported snapshot. The snapshot is
// re-validated against cat: identifiers missing from the catalog fail with
// UnknownReference and broken invariants fail with InvalidSnapshot. The
// snapshot id, when set, replaces opts.ID.
func Restore(cat *catalog.Catalog, snap model.SessionSnapshot, opts Options) (*Session, error) {
	if snap.ID != "" {
		opts.ID = snap.ID
	}
	opts = opts.withDefaults()
	if err := opts.validate(cat); err != nil {
		return nil, err
	}
	st, err := restoreState(cat, snap)
	if err != nil {
		return nil, err
	}
	if !opts.handEnabled() {
		st.hand = nil
	}
	return &Session{cat: cat, opts: opts, st: st, tracer: otel.Tracer(tracerName)}, nil
}

func restoreState(cat *catalog.Catalog, snap model.SessionSnapshot) (state, error) {
	if snap.SchemaVersion > CurrentSchemaVersion {
		return state{}, simerr.New(simerr.KindInvalidSnapshot, snap.ID, "schema version %d is newer than %d", snap.SchemaVersion, CurrentSchemaVersion)
	}
	cfg, err := restoreConfig(cat, snap.Config)
	if err != nil {
		return state{}, err
	}
	pop, err := restorePopulation(cat, snap.Population)
	if err != nil {
		return state{}, err
	}
	if err := milestone.Check(cat, snap.Progress); err != nil {
		return state{}, err
	}
	ledger := economy.FromModel(snap.Ledger)
	if !ledger.Valid() {
		return state{}, simerr.New(simerr.KindInvalidSnapshot, snap.ID, "ledger balance %d does not equal earned %d minus spent %d", ledger.Balance, ledger.Earned, ledger.Spent)
	}
	if snap.Round < 0 {
		return state{}, simerr.New(simerr.KindInvalidSnapshot, snap.ID, "negative round %d", snap.Round)
	}
	for _, geneID := range snap.Unlocked {
		if _, ok := cat.Gene(geneID); !ok {
			return state{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown unlocked gene")
		}
	}
	if err := checkHand(cat, snap.Hand, cfg.Genes); err != nil {
		return state{}, err
	}
	status := snap.Status
	switch status {
	case "":
		status = model.StatusActive
	case model.StatusActive, model.StatusExtinct, model.StatusVictory, model.StatusExhausted:
	default:
		return state{}, simerr.New(simerr.KindInvalidSnapshot, snap.ID, "unknown status %q", status)
	}
	resolved, err := resolver.Resolve(cfg, cat)
	if err != nil {
		return state{}, err
	}
	history := make([]model.RoundOutcome, len(snap.History))
	for i, h := range snap.History {
		history[i] = cloneOutcome(h)
	}
	return state{
		cfg:      cfg,
		resolved: resolved,
		pop:      pop,
		progress: milestone.Normalize(cat, snap.Progress),
		ledger:   ledger,
		round:    snap.Round,
		unlocked: append([]string(nil), snap.Unlocked...),
		hand:     append([]string(nil), snap.Hand...),
		status:   status,
		history:  history,
	}, nil
}

func restoreConfig(cat *catalog.Catalog, cfg model.VirusConfiguration) (model.VirusConfiguration, error) {
	out := cfg.Clone()
	if out.GenomeType == "" {
		if len(out.Genes) > 0 {
			return model.VirusConfiguration{}, simerr.New(simerr.KindInvalidSnapshot, out.Genes[0], "genes installed without a genome type")
		}
		return out, nil
	}
	genome, ok := cat.GenomeType(out.GenomeType)
	if !ok {
		return model.VirusConfiguration{}, simerr.New(simerr.KindUnknownReference, out.GenomeType, "unknown genome type")
	}
	seen := make(map[string]struct{}, len(out.Genes))
	for _, geneID := range out.Genes {
		if _, ok := cat.Gene(geneID); !ok {
			return model.VirusConfiguration{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
		}
		if _, dup := seen[geneID]; dup {
			return model.VirusConfiguration{}, simerr.New(simerr.KindInvalidSnapshot, geneID, "gene installed twice")
		}
		seen[geneID] = struct{}{}
	}
	if used := resolver.SlotUsage(out, cat); used > genome.SlotCapacity {
		return model.VirusConfiguration{}, simerr.New(simerr.KindInvalidSnapshot, out.GenomeType, "genes use %d slots, genome holds %d", used, genome.SlotCapacity)
	}
	return out, nil
}

func checkHand(cat *catalog.Catalog, hand, installed []string) error {
	seen := make(map[string]struct{}, len(hand))
	for _, geneID := range hand {
		if _, ok := cat.Gene(geneID); !ok {
			return simerr.New(simerr.KindUnknownReference, geneID, "unknown gene in hand")
		}
		if _, dup := seen[geneID]; dup || contains(installed, geneID) {
			return simerr.New(simerr.KindInvalidSnapshot, geneID, "gene held twice")
		}
		seen[geneID] = struct{}{}
	}
	return nil
}

// restorePopulation checks counts and active effects. Entities added to the
// catalog after the snapshot was taken start at their base population.
func restorePopulation(cat *catalog.Catalog, pop model.PopulationSnapshot) (model.PopulationSnapshot, error) {
	out := pop.Clone()
	for id, count := range out.Counts {
		if _, ok := cat.Entity(id); !ok {
			return model.PopulationSnapshot{}, simerr.New(simerr.KindUnknownReference, id, "unknown entity")
		}
		if count < 0 {
			return model.PopulationSnapshot{}, simerr.New(simerr.KindInvalidSnapshot, id, "negative population %d", count)
		}
	}
	for _, entity := range cat.Entities() {
		if _, ok := out.Counts[entity.ID]; !ok {
			out.Counts[entity.ID] = entity.BasePopulation
		}
	}
	for entityID, effects := range out.Active {
		if _, ok := cat.Entity(entityID); !ok {
			return model.PopulationSnapshot{}, simerr.New(simerr.KindUnknownReference, entityID, "unknown entity")
		}
		for effectID, remaining := range effects {
			if _, ok := cat.Effect(effectID); !ok {
				return model.PopulationSnapshot{}, simerr.New(simerr.KindUnknownReference, effectID, "unknown active effect")
			}
			if remaining <= 0 {
				return model.PopulationSnapshot{}, simerr.New(simerr.KindInvalidSnapshot, effectID, "active effect has %d rounds left", remaining)
			}
		}
	}
	for _, effectID := range out.Introduced {
		if _, ok := cat.Effect(effectID); !ok {
			return model.PopulationSnapshot{}, simerr.New(simerr.KindUnknownReference, effectID, "unknown introduced effect")
		}
	}
	return out, nil
}
