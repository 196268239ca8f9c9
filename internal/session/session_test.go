package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

func sessionCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(model.CatalogDocument{
		Name: "session",
		Entities: []model.EntityDef{
			{ID: "E", BasePopulation: 10, DecayRate: 1, Tags: []string{"host"}},
			{ID: "V", BasePopulation: 4, GrowthRate: 0.5, Tags: []string{"viral"}},
		},
		Effects: []model.EffectDef{
			{ID: "grow", Kind: model.EffectAdditive, Target: model.Selector{Entity: "V"}, Magnitude: 2},
			{ID: "spike", Kind: model.EffectAdditive, Target: model.Selector{Tag: "viral"}, Magnitude: 5, Duration: 1},
			{ID: "mute", Kind: model.EffectTrigger, Target: model.Selector{Entity: "V"}, Trigger: &model.TriggerDef{
				Comparison: model.AtLeast, Threshold: 0, Action: model.TriggerSuppress, Suppresses: "grow",
			}},
		},
		GenomeTypes: []model.GenomeTypeDef{
			{ID: "g3", SlotCapacity: 3},
			{ID: "big", SlotCapacity: 6, Cost: 30},
		},
		Genes: []model.GeneDef{
			{ID: "A", Cost: 2, Slots: 1, Effects: []string{"grow"}},
			{ID: "B", Cost: 1, Slots: 3},
			{ID: "C", Cost: 5, Slots: 1, Effects: []string{"spike"}, Locked: true},
			{ID: "D", Cost: 200, Slots: 1},
			{ID: "S", Cost: 1, Slots: 1, Effects: []string{"mute"}},
		},
		Milestones: []model.MilestoneDef{
			{ID: "M1", Predicate: model.PredicateDef{Kind: model.PredicatePopulationAtMost, Entity: "E", Threshold: 0}, Reward: model.RewardDef{Points: 7, UnlockGenes: []string{"C"}}},
			{ID: "M2", Predicate: model.PredicateDef{Kind: model.PredicateRoundAtLeast, Threshold: 1}, Prerequisites: []string{"M1"}, Reward: model.RewardDef{Points: 3}},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "s-1"
	}
	s, err := New(sessionCatalog(t), opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestInstallGeneCapacityScenario(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})

	snap, err := s.InstallGene(ctx, "A")
	if err != nil {
		t.Fatalf("install A: %v", err)
	}
	if snap.Ledger.Balance != DefaultStartingPoints-2 {
		t.Fatalf("expected balance %d, got %d", DefaultStartingPoints-2, snap.Ledger.Balance)
	}
	if used, total := s.SlotUsage(); used != 1 || total != 3 {
		t.Fatalf("expected slot usage 1/3, got %d/%d", used, total)
	}

	before := mustJSON(t, s.Snapshot())
	if _, err := s.InstallGene(ctx, "B"); !errors.Is(err, simerr.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if after := mustJSON(t, s.Snapshot()); after != before {
		t.Fatalf("failed install changed state:\nbefore=%s\nafter=%s", before, after)
	}
}

func TestMilestoneScenarioThroughRounds(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})
	if got := s.Snapshot().Progress; got["M1"] != model.MilestoneEligible || got["M2"] != model.MilestoneLocked {
		t.Fatalf("unexpected starting progress: %v", got)
	}

	snap, err := s.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Population.Count("E") != 0 {
		t.Fatalf("expected E driven to 0, got %d", snap.Population.Count("E"))
	}
	if snap.Progress["M1"] != model.MilestoneCompleted || snap.Progress["M2"] != model.MilestoneEligible {
		t.Fatalf("unexpected progress after round 1: %v", snap.Progress)
	}
	if snap.Ledger.Balance != DefaultStartingPoints+7 || snap.Ledger.Earned != DefaultStartingPoints+7 {
		t.Fatalf("expected reward points, got %+v", snap.Ledger)
	}
	last := snap.History[len(snap.History)-1]
	if !reflect.DeepEqual(last.Completed, []string{"M1"}) || last.PointsAwarded != 7 || !reflect.DeepEqual(last.Unlocked, []string{"C"}) {
		t.Fatalf("unexpected outcome: %+v", last)
	}

	snap, err = s.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Progress["M2"] != model.MilestoneCompleted || snap.Ledger.Balance != DefaultStartingPoints+10 {
		t.Fatalf("expected M2 completed on round 2, got progress=%v ledger=%+v", snap.Progress, snap.Ledger)
	}
}

func TestAdvanceWithoutGenomeFails(t *testing.T) {
	s := newSession(t, Options{})
	before := s.Snapshot()
	if _, err := s.AdvanceRound(context.Background()); !errors.Is(err, simerr.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	after := s.Snapshot()
	if after.Round != 0 || !reflect.DeepEqual(before.Population, after.Population) {
		t.Fatalf("state changed on failed advance: %+v", after)
	}
	if _, err := s.InstallGene(context.Background(), "A"); !errors.Is(err, simerr.ErrNotConfigured) {
		t.Fatalf("expected not configured install, got %v", err)
	}
}

func TestConfigureGenome(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{})
	if _, err := s.ConfigureGenome(ctx, "nope"); !errors.Is(err, simerr.ErrUnknownReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
	snap, err := s.ConfigureGenome(ctx, "big")
	if err != nil {
		t.Fatalf("configure big: %v", err)
	}
	if snap.Ledger.Balance != DefaultStartingPoints-30 || snap.Config.GenomeType != "big" {
		t.Fatalf("unexpected state after configure: %+v", snap)
	}
	if again, err := s.ConfigureGenome(ctx, "big"); err != nil || again.Ledger.Balance != snap.Ledger.Balance {
		t.Fatalf("reconfiguring same genome should be free: %v %+v", err, again.Ledger)
	}
	if _, err := s.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install A: %v", err)
	}
	if _, err := s.InstallGene(ctx, "B"); err != nil {
		t.Fatalf("install B: %v", err)
	}
	if _, err := s.ConfigureGenome(ctx, "g3"); !errors.Is(err, simerr.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded on shrink, got %v", err)
	}
	if got := s.Snapshot().Config.GenomeType; got != "big" {
		t.Fatalf("genome changed on failure: %s", got)
	}
}

func TestInstallGeneRejections(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})
	if _, err := s.InstallGene(ctx, "Z"); !errors.Is(err, simerr.ErrUnknownReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
	if _, err := s.InstallGene(ctx, "D"); !errors.Is(err, simerr.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}
	if _, err := s.InstallGene(ctx, "C"); !errors.Is(err, simerr.ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	if _, err := s.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install A: %v", err)
	}
	if _, err := s.InstallGene(ctx, "A"); !errors.Is(err, simerr.ErrAlreadyInstalled) {
		t.Fatalf("expected already installed, got %v", err)
	}
	snap := s.Snapshot()
	if snap.Ledger.Balance != DefaultStartingPoints-2 || len(snap.Config.Genes) != 1 {
		t.Fatalf("rejections changed state: %+v", snap)
	}
}

func TestMilestoneUnlocksLockedGene(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})
	if _, err := s.AdvanceRound(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	snap, err := s.InstallGene(ctx, "C")
	if err != nil {
		t.Fatalf("install unlocked C: %v", err)
	}
	if !reflect.DeepEqual(snap.Unlocked, []string{"C"}) {
		t.Fatalf("unexpected unlocked genes: %v", snap.Unlocked)
	}
	snap, err = s.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	// V: 6 + 6*0.5 + 5 from the one-round spike
	if got := snap.Population.Count("V"); got != 14 {
		t.Fatalf("expected spike applied once, got %d", got)
	}
	last := snap.History[len(snap.History)-1]
	if len(last.Expired) != 1 || last.Expired[0].Effect != "spike" {
		t.Fatalf("expected spike expiry, got %+v", last.Expired)
	}
}

func TestUninstallRefundPolicies(t *testing.T) {
	ctx := context.Background()

	disabled := newSession(t, Options{GenomeType: "g3"})
	if _, err := disabled.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := disabled.UninstallGene(ctx, "A"); !errors.Is(err, simerr.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}

	full := newSession(t, Options{GenomeType: "g3", RefundPolicy: model.RefundFull})
	if _, err := full.UninstallGene(ctx, "A"); !errors.Is(err, simerr.ErrNotInstalled) {
		t.Fatalf("expected not installed, got %v", err)
	}
	if _, err := full.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install: %v", err)
	}
	snap, err := full.UninstallGene(ctx, "A")
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if snap.Ledger.Balance != DefaultStartingPoints || snap.Ledger.Spent != 0 || len(snap.Config.Genes) != 0 {
		t.Fatalf("unexpected state after full refund: %+v", snap)
	}

	none := newSession(t, Options{GenomeType: "g3", RefundPolicy: model.RefundNone})
	if _, err := none.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install: %v", err)
	}
	snap, err = none.UninstallGene(ctx, "A")
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if snap.Ledger.Balance != DefaultStartingPoints-2 || len(snap.Config.Genes) != 0 {
		t.Fatalf("unexpected state after no-refund removal: %+v", snap)
	}
}

func TestEndConditions(t *testing.T) {
	ctx := context.Background()

	victory := newSession(t, Options{GenomeType: "g3", Victory: Victory{Tag: "viral", Threshold: 6}})
	snap, err := victory.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Status != model.StatusVictory {
		t.Fatalf("expected victory, got %s", snap.Status)
	}
	if _, err := victory.AdvanceRound(ctx); !errors.Is(err, simerr.ErrSessionOver) {
		t.Fatalf("expected session over, got %v", err)
	}
	if _, err := victory.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install after end should be allowed: %v", err)
	}

	exhausted := newSession(t, Options{GenomeType: "g3", MaxRounds: 2})
	for i := 0; i < 2; i++ {
		snap, err = exhausted.AdvanceRound(ctx)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if snap.Status != model.StatusExhausted {
		t.Fatalf("expected exhausted, got %s", snap.Status)
	}

	cat, err := catalog.New(model.CatalogDocument{
		Name:        "doomed",
		Entities:    []model.EntityDef{{ID: "X", BasePopulation: 1, DecayRate: 1}},
		GenomeTypes: []model.GenomeTypeDef{{ID: "g", SlotCapacity: 1}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	extinct, err := New(cat, Options{GenomeType: "g"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap, err = extinct.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Status != model.StatusExtinct {
		t.Fatalf("expected extinct, got %s", snap.Status)
	}
}

func TestEndConditionsSaturateLargePopulations(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.New(model.CatalogDocument{
		Name: "huge",
		Entities: []model.EntityDef{
			{ID: "X", BasePopulation: math.MaxInt64, Tags: []string{"viral"}},
			{ID: "Y", BasePopulation: math.MaxInt64, Tags: []string{"viral"}},
			{ID: "Z", BasePopulation: 2},
		},
		GenomeTypes: []model.GenomeTypeDef{{ID: "g", SlotCapacity: 1}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	active, err := New(cat, Options{GenomeType: "g"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap, err := active.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Status != model.StatusActive {
		t.Fatalf("expected active with clamped counts, got %s", snap.Status)
	}

	victory, err := New(cat, Options{GenomeType: "g", Victory: Victory{Tag: "viral", Threshold: math.MaxInt64}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if snap, err = victory.AdvanceRound(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Status != model.StatusVictory {
		t.Fatalf("expected victory from saturated tag total, got %s", snap.Status)
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})
	initial := mustJSON(t, s.Snapshot())
	if _, err := s.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := s.AdvanceRound(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	snap, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := mustJSON(t, snap); got != initial {
		t.Fatalf("reset mismatch:\nwant=%s\ngot=%s", initial, got)
	}
}

func playScript(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	steps := []func() error{
		func() error { _, err := s.InstallGene(ctx, "A"); return err },
		func() error { _, err := s.AdvanceRound(ctx); return err },
		func() error { _, err := s.InstallGene(ctx, "C"); return err },
		func() error { _, err := s.AdvanceRound(ctx); return err },
		func() error { _, err := s.AdvanceRound(ctx); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	a := newSession(t, Options{GenomeType: "g3"})
	b := newSession(t, Options{GenomeType: "g3"})
	playScript(t, a)
	playScript(t, b)
	if ja, jb := mustJSON(t, a.Snapshot()), mustJSON(t, b.Snapshot()); ja != jb {
		t.Fatalf("replay diverged:\n%s\n%s", ja, jb)
	}
}

func TestRestoreResumesBitForBit(t *testing.T) {
	ctx := context.Background()
	cat := sessionCatalog(t)
	original, err := New(cat, Options{ID: "s-1", GenomeType: "g3"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := original.InstallGene(ctx, "A"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := original.AdvanceRound(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	var exported model.SessionSnapshot
	if err := json.Unmarshal([]byte(mustJSON(t, original.Snapshot())), &exported); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored, err := Restore(cat, exported, Options{GenomeType: "g3"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID() != "s-1" {
		t.Fatalf("expected snapshot id, got %s", restored.ID())
	}
	for _, s := range []*Session{original, restored} {
		if _, err := s.InstallGene(ctx, "C"); err != nil {
			t.Fatalf("install C: %v", err)
		}
		if _, err := s.AdvanceRound(ctx); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if a, b := mustJSON(t, original.Snapshot()), mustJSON(t, restored.Snapshot()); a != b {
		t.Fatalf("restored session diverged:\n%s\n%s", a, b)
	}
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	cat := sessionCatalog(t)
	s, err := New(cat, Options{ID: "s-1", GenomeType: "g3"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*model.SessionSnapshot)
		want   error
	}{
		{"unknown gene", func(s *model.SessionSnapshot) { s.Config.Genes = []string{"ghost"} }, simerr.ErrUnknownReference},
		{"unknown genome", func(s *model.SessionSnapshot) { s.Config.GenomeType = "ghost" }, simerr.ErrUnknownReference},
		{"unknown milestone", func(s *model.SessionSnapshot) { s.Progress["M9"] = model.MilestoneLocked }, simerr.ErrUnknownReference},
		{"unknown entity", func(s *model.SessionSnapshot) { s.Population.Counts["ghost"] = 1 }, simerr.ErrUnknownReference},
		{"over capacity", func(s *model.SessionSnapshot) { s.Config.Genes = []string{"A", "B"} }, simerr.ErrInvalidSnapshot},
		{"duplicate gene", func(s *model.SessionSnapshot) { s.Config.Genes = []string{"A", "A"} }, simerr.ErrInvalidSnapshot},
		{"ledger", func(s *model.SessionSnapshot) { s.Ledger.Balance++ }, simerr.ErrInvalidSnapshot},
		{"negative population", func(s *model.SessionSnapshot) { s.Population.Counts["E"] = -1 }, simerr.ErrInvalidSnapshot},
		{"premature milestone", func(s *model.SessionSnapshot) { s.Progress["M2"] = model.MilestoneCompleted }, simerr.ErrInvalidSnapshot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := s.Snapshot()
			tc.mutate(&snap)
			if _, err := Restore(cat, snap, Options{}); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInvariantsHoldAcrossCommands(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3", RefundPolicy: model.RefundFull})
	genes := []string{"A", "B", "C", "D"}
	for i := 0; i < 40; i++ {
		gene := genes[i%len(genes)]
		switch i % 3 {
		case 0:
			_, _ = s.InstallGene(ctx, gene)
		case 1:
			_, _ = s.AdvanceRound(ctx)
		default:
			_, _ = s.UninstallGene(ctx, gene)
		}
		snap := s.Snapshot()
		if l := snap.Ledger; l.Balance != l.Earned-l.Spent || l.Balance < 0 {
			t.Fatalf("ledger invariant broken at step %d: %+v", i, l)
		}
		if used, total := s.SlotUsage(); used > total {
			t.Fatalf("capacity invariant broken at step %d: %d > %d", i, used, total)
		}
		for id, c := range snap.Population.Counts {
			if c < 0 {
				t.Fatalf("negative population %s at step %d", id, i)
			}
		}
	}
}

func TestCommandsAreSerialized(t *testing.T) {
	s := newSession(t, Options{GenomeType: "g3"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := s.AdvanceRound(context.Background()); err != nil {
					t.Errorf("advance: %v", err)
					return
				}
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.Round != 40 || len(snap.History) != 40 {
		t.Fatalf("expected 40 rounds, got round=%d history=%d", snap.Round, len(snap.History))
	}
	for i, h := range snap.History {
		if h.Round != i+1 {
			t.Fatalf("history out of order at %d: %d", i, h.Round)
		}
	}
}

func TestSessionLogsJournal(t *testing.T) {
	var buf bytes.Buffer
	s := newSession(t, Options{GenomeType: "g3", Logger: log.New(&buf, "", 0)})
	if _, err := s.AdvanceRound(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !strings.Contains(buf.String(), "session s-1: round 1") {
		t.Fatalf("expected round journal line, got %q", buf.String())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	cat := sessionCatalog(t)
	cases := []struct {
		name string
		opts Options
		want error
	}{
		{"genome", Options{GenomeType: "ghost"}, simerr.ErrUnknownReference},
		{"refund", Options{RefundPolicy: "partial"}, simerr.ErrUnsupported},
		{"points", Options{StartingPoints: -5}, simerr.ErrInvalidAmount},
		{"victory tag", Options{Victory: Victory{Tag: "ghosts", Threshold: 1}}, simerr.ErrUnknownReference},
		{"victory threshold", Options{Victory: Victory{Entity: "V"}}, simerr.ErrInvalidAmount},
		{"hand size", Options{HandSize: -1}, simerr.ErrInvalidAmount},
		{"offer without hand", Options{OfferPerRound: 2}, simerr.ErrUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(cat, tc.opts); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	s, err := New(cat, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("expected generated session id")
	}
}

func TestMoveGeneChangesResolutionOrder(t *testing.T) {
	ctx := context.Background()
	install := func(s *Session) {
		t.Helper()
		for _, gene := range []string{"A", "S"} {
			if _, err := s.InstallGene(ctx, gene); err != nil {
				t.Fatalf("install %s: %v", gene, err)
			}
		}
	}

	kept := newSession(t, Options{GenomeType: "g3"})
	install(kept)
	snap, err := kept.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	// mute follows grow and suppresses it: V = 4 + 4*0.5
	if got := snap.Population.Count("V"); got != 6 {
		t.Fatalf("expected suppressed grow, got %d", got)
	}

	moved := newSession(t, Options{GenomeType: "g3"})
	install(moved)
	balance := moved.Snapshot().Ledger.Balance
	snap, err = moved.MoveGene(ctx, "S", -1)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !reflect.DeepEqual(snap.Config.Genes, []string{"S", "A"}) || snap.Ledger.Balance != balance {
		t.Fatalf("unexpected state after move: genes=%v ledger=%+v", snap.Config.Genes, snap.Ledger)
	}
	snap, err = moved.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := snap.Population.Count("V"); got != 8 {
		t.Fatalf("expected grow to survive after reorder, got %d", got)
	}
}

func TestMoveGeneRejectionsAndClamping(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3"})
	if _, err := s.MoveGene(ctx, "Z", 1); !errors.Is(err, simerr.ErrUnknownReference) {
		t.Fatalf("expected unknown reference, got %v", err)
	}
	if _, err := s.MoveGene(ctx, "A", 1); !errors.Is(err, simerr.ErrNotInstalled) {
		t.Fatalf("expected not installed, got %v", err)
	}
	for _, gene := range []string{"A", "S"} {
		if _, err := s.InstallGene(ctx, gene); err != nil {
			t.Fatalf("install %s: %v", gene, err)
		}
	}
	before := mustJSON(t, s.Snapshot())
	if _, err := s.MoveGene(ctx, "A", -3); err != nil {
		t.Fatalf("move to front: %v", err)
	}
	if after := mustJSON(t, s.Snapshot()); after != before {
		t.Fatalf("moving the first gene forward changed state:\nbefore=%s\nafter=%s", before, after)
	}
	snap, err := s.MoveGene(ctx, "A", 5)
	if err != nil {
		t.Fatalf("move to back: %v", err)
	}
	if !reflect.DeepEqual(snap.Config.Genes, []string{"S", "A"}) {
		t.Fatalf("expected A clamped to the back, got %v", snap.Config.Genes)
	}
}

func TestGeneHandLimitsInstalls(t *testing.T) {
	ctx := context.Background()
	opts := Options{GenomeType: "g3", HandSize: 2, OfferPerRound: 1, Seed: 42}
	s := newSession(t, opts)
	hand := s.Snapshot().Hand
	if len(hand) != 2 || hand[0] == hand[1] {
		t.Fatalf("expected two distinct genes in hand, got %v", hand)
	}
	if again := newSession(t, opts).Snapshot().Hand; !reflect.DeepEqual(again, hand) {
		t.Fatalf("same seed drew a different hand: %v vs %v", again, hand)
	}

	var outside string
	for _, id := range s.Catalog().GeneIDs() {
		if !contains(hand, id) {
			outside = id
			break
		}
	}
	before := mustJSON(t, s.Snapshot())
	if _, err := s.InstallGene(ctx, outside); !errors.Is(err, simerr.ErrNotOffered) {
		t.Fatalf("expected not offered for %s, got %v", outside, err)
	}
	if after := mustJSON(t, s.Snapshot()); after != before {
		t.Fatalf("rejected install changed state:\nbefore=%s\nafter=%s", before, after)
	}

	snap, err := s.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	offered := snap.History[len(snap.History)-1].Offered
	if len(offered) != 1 || contains(hand, offered[0]) {
		t.Fatalf("expected one new gene offered, got %v (hand %v)", offered, hand)
	}
	if !reflect.DeepEqual(snap.Hand, append(append([]string(nil), hand...), offered...)) {
		t.Fatalf("offer not added to hand: %v", snap.Hand)
	}

	reset, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !reflect.DeepEqual(reset.Hand, hand) {
		t.Fatalf("reset drew a different hand: %v", reset.Hand)
	}
}

func TestGeneHandInstallAndUninstall(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, Options{GenomeType: "g3", HandSize: 10, RefundPolicy: model.RefundFull, Seed: 7})
	if got := len(s.Snapshot().Hand); got != len(s.Catalog().GeneIDs()) {
		t.Fatalf("expected the whole catalog in hand, got %d genes", got)
	}
	snap, err := s.InstallGene(ctx, "A")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if contains(snap.Hand, "A") {
		t.Fatalf("installed gene still in hand: %v", snap.Hand)
	}
	snap, err = s.UninstallGene(ctx, "A")
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if snap.Hand[len(snap.Hand)-1] != "A" {
		t.Fatalf("expected removed gene back in hand, got %v", snap.Hand)
	}
}

func TestGeneHandSurvivesRestore(t *testing.T) {
	ctx := context.Background()
	cat := sessionCatalog(t)
	original, err := New(cat, Options{ID: "s-1", GenomeType: "g3", HandSize: 2, OfferPerRound: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if original.Options().Seed == 0 {
		t.Fatal("expected a seed to be picked")
	}
	if _, err := original.AdvanceRound(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	var exported model.SessionSnapshot
	if err := json.Unmarshal([]byte(mustJSON(t, original.Snapshot())), &exported); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored, err := Restore(cat, exported, OptionsFromRules(exported.ID, exported.Rules))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, s := range []*Session{original, restored} {
		if _, err := s.AdvanceRound(ctx); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if a, b := mustJSON(t, original.Snapshot()), mustJSON(t, restored.Snapshot()); a != b {
		t.Fatalf("restored draws diverged:\n%s\n%s", a, b)
	}

	bad := original.Snapshot()
	bad.Hand = append(bad.Hand, bad.Hand[0])
	if _, err := Restore(cat, bad, OptionsFromRules(bad.ID, bad.Rules)); !errors.Is(err, simerr.ErrInvalidSnapshot) {
		t.Fatalf("expected duplicate hand gene rejected, got %v", err)
	}
}

func TestMilestonesEvaluatedAtSessionStart(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.New(model.CatalogDocument{
		Name:        "start",
		Entities:    []model.EntityDef{{ID: "E", BasePopulation: 10}},
		GenomeTypes: []model.GenomeTypeDef{{ID: "g", SlotCapacity: 2}},
		Genes:       []model.GeneDef{{ID: "C", Cost: 1, Slots: 1, Locked: true}},
		Milestones: []model.MilestoneDef{
			{ID: "M0", Predicate: model.PredicateDef{Kind: model.PredicateRoundAtLeast, Threshold: 0}, Reward: model.RewardDef{Points: 5, UnlockGenes: []string{"C"}}},
			{ID: "M1", Predicate: model.PredicateDef{Kind: model.PredicatePopulationAtLeast, Entity: "E", Threshold: 10}, Prerequisites: []string{"M0"}, Reward: model.RewardDef{Points: 2}},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	s, err := New(cat, Options{GenomeType: "g"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap := s.Snapshot()
	if snap.Progress["M0"] != model.MilestoneCompleted || snap.Progress["M1"] != model.MilestoneEligible {
		t.Fatalf("unexpected starting progress: %v", snap.Progress)
	}
	if snap.Ledger.Balance != DefaultStartingPoints+5 || !reflect.DeepEqual(snap.Unlocked, []string{"C"}) {
		t.Fatalf("expected round zero award, got ledger=%+v unlocked=%v", snap.Ledger, snap.Unlocked)
	}
	if _, err := s.InstallGene(ctx, "C"); err != nil {
		t.Fatalf("install unlocked C: %v", err)
	}
	snap, err = s.AdvanceRound(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.Progress["M1"] != model.MilestoneCompleted {
		t.Fatalf("expected dependent completed on round 1, got %v", snap.Progress)
	}
	if reset, err := s.Reset(ctx); err != nil || reset.Ledger.Balance != DefaultStartingPoints+5 {
		t.Fatalf("reset should award round zero milestones again: %v %+v", err, reset.Ledger)
	}
}
