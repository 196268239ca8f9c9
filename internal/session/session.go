// Package session owns one playthrough: the virus configuration, population,
// milestone progress, evolution-point ledger and round counter.
//
// Every command runs under the session mutex and is applied atomically. A
// command works on a staged copy of the state and commits it only when every
// step succeeded, so a rejected command leaves the session exactly as it was.
package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/economy"
	"viralsandbox/internal/engine"
	"viralsandbox/internal/milestone"
	"viralsandbox/internal/model"
	"viralsandbox/internal/resolver"
	"viralsandbox/internal/simerr"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

const tracerName = "viralsandbox/internal/session"

type state struct {
	cfg      model.VirusConfiguration
	resolved resolver.Set
	pop      model.PopulationSnapshot
	progress model.MilestoneProgress
	ledger   economy.Ledger
	round    int
	unlocked []string
	hand     []string
	status   model.SessionStatus
	history  []model.RoundOutcome
}

type Session struct {
	mu     sync.Mutex
	cat    *catalog.Catalog
	opts   Options
	st     state
	tracer trace.Tracer
}

// New starts a session at round zero.
func New(cat *catalog.Catalog, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.validate(cat); err != nil {
		return nil, err
	}
	s := &Session{cat: cat, opts: opts, tracer: otel.Tracer(tracerName)}
	st, err := s.initial()
	if err != nil {
		return nil, err
	}
	s.st = st
	return s, nil
}

// initial builds the round-zero state. Milestones already satisfied by the
// starting population are completed and awarded here.
func (s *Session) initial() (state, error) {
	ledger, err := economy.Start(s.opts.StartingPoints)
	if err != nil {
		return state{}, err
	}
	st := state{
		cfg:    model.VirusConfiguration{GenomeType: s.opts.GenomeType, Genes: []string{}},
		pop:    s.cat.InitialPopulation(),
		ledger: ledger,
		status: model.StatusActive,
	}
	if s.opts.handEnabled() {
		st.hand = drawGenes(s.cat, newRNG(s.opts.Seed, 0), nil, nil, s.opts.HandSize)
	}
	result := milestone.Evaluate(s.cat, milestone.Seed(s.cat), st.pop, 0)
	st.progress = result.Progress
	if _, err := st.collect(result); err != nil {
		return state{}, err
	}
	return st, nil
}

// collect earns the points of every award and unlocks its genes, returning
// the genes unlocked for the first time.
func (st *state) collect(result milestone.Result) ([]string, error) {
	var unlocked []string
	st.unlocked = append([]string(nil), st.unlocked...)
	for _, award := range result.Awards {
		var err error
		st.ledger, err = st.ledger.Earn(award.Points)
		if err != nil {
			return nil, err
		}
		for _, geneID := range award.UnlockGenes {
			if !contains(st.unlocked, geneID) {
				st.unlocked = append(st.unlocked, geneID)
				unlocked = append(unlocked, geneID)
			}
		}
	}
	return unlocked, nil
}

func (s *Session) ID() string { return s.opts.ID }

func (s *Session) Catalog() *catalog.Catalog { return s.cat }

// Options returns the options the session was created with, defaults
// applied.
func (s *Session) Options() Options { return s.opts }

func (s *Session) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("session.id", s.opts.ID))
	return s.tracer.Start(ctx, "session."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(simerr.KindOf(err)))
	}
	span.End()
}

// ConfigureGenome selects the genome type, paying its cost. Selecting the
// current genome type again is a no-op.
func (s *Session) ConfigureGenome(ctx context.Context, genomeType string) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "ConfigureGenome", attribute.String("genome.type", genomeType))
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	genome, ok := s.cat.GenomeType(genomeType)
	if !ok {
		return model.SessionSnapshot{}, simerr.New(simerr.KindUnknownReference, genomeType, "unknown genome type")
	}
	if s.st.cfg.GenomeType == genomeType {
		return s.snapshotLocked(), nil
	}
	next := s.st
	next.cfg = s.st.cfg.Clone()
	next.cfg.GenomeType = genomeType
	if used := resolver.SlotUsage(next.cfg, s.cat); used > genome.SlotCapacity {
		return model.SessionSnapshot{}, simerr.New(simerr.KindCapacityExceeded, genomeType, "installed genes use %d slots, genome holds %d", used, genome.SlotCapacity)
	}
	next.ledger, err = s.st.ledger.Spend(genome.Cost)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	s.st = next
	s.logf("genome %s configured for %d points", genomeType, genome.Cost)
	return s.snapshotLocked(), nil
}

// InstallGene spends the gene cost and appends it to the configuration.
func (s *Session) InstallGene(ctx context.Context, geneID string) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "InstallGene", attribute.String("gene.id", geneID))
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	gene, ok := s.cat.Gene(geneID)
	if !ok {
		return model.SessionSnapshot{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
	}
	if err := engine.Ready(s.st.cfg); err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.st.cfg.HasGene(geneID) {
		return model.SessionSnapshot{}, simerr.New(simerr.KindAlreadyInstalled, geneID, "gene already installed")
	}
	if s.opts.handEnabled() && !contains(s.st.hand, geneID) {
		return model.SessionSnapshot{}, simerr.New(simerr.KindNotOffered, geneID, "gene is not in hand")
	}
	if gene.Locked && !s.isUnlocked(geneID) {
		return model.SessionSnapshot{}, simerr.New(simerr.KindLocked, geneID, "gene is locked")
	}
	if err := resolver.CheckCapacity(s.st.cfg, s.cat, geneID); err != nil {
		return model.SessionSnapshot{}, err
	}

	next := s.st
	next.ledger, err = s.st.ledger.Spend(gene.Cost)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	next.cfg = s.st.cfg.Clone()
	next.cfg.Genes = append(next.cfg.Genes, geneID)
	if s.opts.handEnabled() {
		next.hand = removeGene(s.st.hand, geneID)
	}
	next.resolved, err = resolver.Resolve(next.cfg, s.cat)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	s.st = next
	s.logf("gene %s installed for %d points", geneID, gene.Cost)
	return s.snapshotLocked(), nil
}

// UninstallGene removes an installed gene as the refund policy allows.
func (s *Session) UninstallGene(ctx context.Context, geneID string) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "UninstallGene", attribute.String("gene.id", geneID))
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.RefundPolicy == model.RefundDisabled {
		return model.SessionSnapshot{}, simerr.New(simerr.KindUnsupported, geneID, "uninstalling genes is not supported")
	}
	gene, ok := s.cat.Gene(geneID)
	if !ok {
		return model.SessionSnapshot{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
	}
	if !s.st.cfg.HasGene(geneID) {
		return model.SessionSnapshot{}, simerr.New(simerr.KindNotInstalled, geneID, "gene not installed")
	}

	next := s.st
	if s.opts.RefundPolicy == model.RefundFull {
		next.ledger, err = s.st.ledger.Refund(gene.Cost)
		if err != nil {
			return model.SessionSnapshot{}, err
		}
	}
	next.cfg = s.st.cfg.Clone()
	next.cfg.Genes = removeGene(next.cfg.Genes, geneID)
	if s.opts.handEnabled() {
		next.hand = append(append([]string(nil), s.st.hand...), geneID)
	}
	next.resolved, err = resolver.Resolve(next.cfg, s.cat)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	s.st = next
	s.logf("gene %s removed (%s refund)", geneID, s.opts.RefundPolicy)
	return s.snapshotLocked(), nil
}

// MoveGene shifts an installed gene delta places in the installation order,
// negative toward the front. The position is clamped to the ends of the
// order. Reordering is free and changes only the resolution order.
func (s *Session) MoveGene(ctx context.Context, geneID string, delta int) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "MoveGene", attribute.String("gene.id", geneID), attribute.Int("delta", delta))
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cat.Gene(geneID); !ok {
		return model.SessionSnapshot{}, simerr.New(simerr.KindUnknownReference, geneID, "unknown gene")
	}
	from := -1
	for i, g := range s.st.cfg.Genes {
		if g == geneID {
			from = i
			break
		}
	}
	if from < 0 {
		return model.SessionSnapshot{}, simerr.New(simerr.KindNotInstalled, geneID, "gene not installed")
	}
	to := min(max(from+delta, 0), len(s.st.cfg.Genes)-1)
	if to == from {
		return s.snapshotLocked(), nil
	}

	next := s.st
	next.cfg = s.st.cfg.Clone()
	genes := removeGene(next.cfg.Genes, geneID)
	genes = append(genes[:to], append([]string{geneID}, genes[to:]...)...)
	next.cfg.Genes = genes
	next.resolved, err = resolver.Resolve(next.cfg, s.cat)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	s.st = next
	s.logf("gene %s moved from position %d to %d", geneID, from+1, to+1)
	return s.snapshotLocked(), nil
}

// AdvanceRound runs one round of the simulation, evaluates milestones,
// awards their points and checks the end conditions.
func (s *Session) AdvanceRound(ctx context.Context) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "AdvanceRound")
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := engine.Ready(s.st.cfg); err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.st.status.Over() {
		return model.SessionSnapshot{}, simerr.New(simerr.KindSessionOver, s.opts.ID, "session ended with status %s", s.st.status)
	}

	pop, outcome, err := engine.Advance(s.cat, s.st.resolved, s.st.pop, s.st.round)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	next := s.st
	next.pop = pop
	next.round = outcome.Round

	result := milestone.Evaluate(s.cat, s.st.progress, pop, next.round)
	next.progress = result.Progress
	outcome.Unlocked, err = next.collect(result)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	outcome.Completed = result.Completed
	outcome.PointsAwarded = result.Points()
	next.status = s.endStatus(pop, next.round)
	outcome.Status = next.status
	if s.opts.handEnabled() && s.opts.OfferPerRound > 0 && !next.status.Over() {
		outcome.Offered = drawGenes(s.cat, newRNG(s.opts.Seed, next.round), s.st.hand, next.cfg.Genes, s.opts.OfferPerRound)
		next.hand = append(append([]string(nil), s.st.hand...), outcome.Offered...)
	}
	next.history = append(append([]model.RoundOutcome(nil), s.st.history...), outcome)

	s.st = next
	span.SetAttributes(attribute.Int("round", next.round), attribute.String("status", string(next.status)))
	s.logf("round %d: %d milestones completed, %d points awarded, status %s", next.round, len(outcome.Completed), outcome.PointsAwarded, next.status)
	return s.snapshotLocked(), nil
}

// Reset returns the session to its starting state under the same options.
func (s *Session) Reset(ctx context.Context) (snap model.SessionSnapshot, err error) {
	_, span := s.start(ctx, "Reset")
	defer func() { finish(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.initial()
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	s.st = st
	s.logf("session reset")
	return s.snapshotLocked(), nil
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SlotUsage reports used and total genome slots. Total is zero before a
// genome is configured.
func (s *Session) SlotUsage() (used, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used = resolver.SlotUsage(s.st.cfg, s.cat)
	if genome, ok := s.cat.GenomeType(s.st.cfg.GenomeType); ok {
		total = genome.SlotCapacity
	}
	return used, total
}

func (s *Session) snapshotLocked() model.SessionSnapshot {
	history := make([]model.RoundOutcome, len(s.st.history))
	for i, h := range s.st.history {
		history[i] = cloneOutcome(h)
	}
	return model.SessionSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              s.opts.ID,
		Catalog:         s.cat.Name(),
		Rules:           s.opts.Rules(),
		Config:          s.st.cfg.Clone(),
		Population:      s.st.pop.Clone(),
		Progress:        s.st.progress.Clone(),
		Ledger:          s.st.ledger.Model(),
		Round:           s.st.round,
		Unlocked:        append([]string(nil), s.st.unlocked...),
		Hand:            append([]string(nil), s.st.hand...),
		Status:          s.st.status,
		History:         history,
	}
}

func (s *Session) endStatus(pop model.PopulationSnapshot, round int) model.SessionStatus {
	if v := s.opts.Victory; v.Enabled() {
		var total int64
		if v.Entity != "" {
			total = pop.Count(v.Entity)
		} else {
			for _, id := range s.cat.TaggedEntities(v.Tag) {
				total = model.SaturatingAdd(total, pop.Count(id))
			}
		}
		if total >= v.Threshold {
			return model.StatusVictory
		}
	}
	if pop.Total() == 0 {
		return model.StatusExtinct
	}
	if s.opts.MaxRounds > 0 && round >= s.opts.MaxRounds {
		return model.StatusExhausted
	}
	return model.StatusActive
}

func (s *Session) isUnlocked(geneID string) bool {
	return contains(s.st.unlocked, geneID)
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf("session %s: "+format, append([]any{s.opts.ID}, args...)...)
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func cloneOutcome(o model.RoundOutcome) model.RoundOutcome {
	deltas := make(map[string]int64, len(o.Deltas))
	for k, v := range o.Deltas {
		deltas[k] = v
	}
	o.Deltas = deltas
	o.Expired = append([]model.ExpiredEffect(nil), o.Expired...)
	o.Introduced = append([]string(nil), o.Introduced...)
	o.Completed = append([]string(nil), o.Completed...)
	o.Unlocked = append([]string(nil), o.Unlocked...)
	o.Offered = append([]string(nil), o.Offered...)
	return o
}
