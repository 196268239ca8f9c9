package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
	"viralsandbox/internal/stats"
	"viralsandbox/pkg/viralsandbox"
)

const exportsDir = "exports"

var commands = []string{
	"validate",
	"new",
	"genome",
	"install",
	"uninstall",
	"move",
	"advance",
	"reset",
	"show",
	"genes",
	"sessions",
	"history",
	"delete",
	"export",
	"import",
	"script",
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	return withKind(execute(ctx, args))
}

func execute(ctx context.Context, args []string) error {
	switch args[0] {
	case "validate":
		return runValidate(ctx, args[1:])
	case "new":
		return runNew(ctx, args[1:])
	case "genome":
		return runGenome(ctx, args[1:])
	case "install":
		return runInstall(ctx, args[1:])
	case "uninstall":
		return runUninstall(ctx, args[1:])
	case "move":
		return runMove(ctx, args[1:])
	case "advance":
		return runAdvance(ctx, args[1:])
	case "reset":
		return runReset(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "genes":
		return runGenes(ctx, args[1:])
	case "sessions":
		return runSessions(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "delete":
		return runDelete(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "import":
		return runImport(ctx, args[1:])
	case "script":
		return runScript(ctx, args[1:])
	default:
		msg := fmt.Sprintf("unknown command: %s", args[0])
		if guess, ok := closest(args[0], commands); ok {
			msg += fmt.Sprintf(" (did you mean %s?)", guess)
		}
		return usageError(msg)
	}
}

func runValidate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	catalogPath := fs.String("catalog", "", "catalog file (.json|.yaml); empty validates the built-in catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		cat *catalog.Catalog
		err error
	)
	if *catalogPath == "" {
		cat, err = catalog.Sample()
	} else {
		cat, err = catalog.LoadFile(*catalogPath)
	}
	if err != nil {
		return err
	}

	fmt.Printf("catalog=%s entities=%d effects=%d genome_types=%d genes=%d milestones=%d\n",
		cat.Name(),
		len(cat.EntityIDs()),
		len(cat.EffectIDs()),
		len(cat.GenomeTypeIDs()),
		len(cat.GeneIDs()),
		len(cat.MilestoneIDs()),
	)
	return nil
}

func runNew(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("id", "", "session id (generated when empty)")
	genome := fs.String("genome", "", "preselected genome type (free of charge)")
	points := fs.Int64("points", 0, "starting evolution points (0 uses the configured default)")
	maxRounds := fs.Int("max-rounds", 0, "round limit (0 disables)")
	refund := fs.String("refund", "", "uninstall refund policy: disabled|none|full")
	victoryEntity := fs.String("victory-entity", "", "entity whose population ends the session in victory")
	victoryTag := fs.String("victory-tag", "", "tag whose total population ends the session in victory")
	victoryThreshold := fs.Int64("victory-threshold", 0, "victory population threshold")
	hand := fs.Int("hand", 0, "genes drawn into the starting hand (0 makes every gene available)")
	offer := fs.Int("offer", 0, "genes offered into the hand after every round")
	seed := fs.Uint64("seed", 0, "gene draw seed (0 picks one)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, settings, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	rules := settings.Rules()
	visited := visitedFlags(fs)
	if visited["genome"] {
		rules.GenomeType = *genome
	}
	if visited["points"] {
		rules.StartingPoints = *points
	}
	if visited["max-rounds"] {
		rules.MaxRounds = *maxRounds
	}
	if visited["refund"] {
		rules.RefundPolicy = model.RefundPolicy(*refund)
	}
	if visited["victory-entity"] || visited["victory-tag"] || visited["victory-threshold"] {
		rules.Victory = model.Victory{Entity: *victoryEntity, Tag: *victoryTag, Threshold: *victoryThreshold}
	}
	if visited["hand"] {
		rules.HandSize = *hand
	}
	if visited["offer"] {
		rules.OfferPerRound = *offer
	}
	if visited["seed"] {
		rules.Seed = *seed
	}

	snap, err := client.NewSession(ctx, viralsandbox.SessionRequest{ID: *sessionID, Rules: rules})
	if err != nil {
		return withSuggestion(err, rules.GenomeType, client.Catalog().GenomeTypeIDs())
	}
	fmt.Printf("session=%s catalog=%s balance=%s genome=%s\n",
		snap.ID, snap.Catalog, formatCount(snap.Ledger.Balance), displayGenome(snap.Config))
	if snap.Rules.HandSize > 0 {
		fmt.Printf("hand=%s seed=%d\n", joinOrNone(snap.Hand), snap.Rules.Seed)
	}
	return nil
}

func runGenome(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	genomeType := fs.String("type", "", "genome type id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *genomeType == "" {
		return errors.New("genome requires --session and --type")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snap, err := client.Configure(ctx, *sessionID, *genomeType)
	if err != nil {
		return withSuggestion(err, *genomeType, client.Catalog().GenomeTypeIDs())
	}
	fmt.Printf("session=%s genome=%s balance=%s\n", snap.ID, displayGenome(snap.Config), formatCount(snap.Ledger.Balance))
	return nil
}

func runInstall(ctx context.Context, args []string) error {
	return runGeneCommand(ctx, "install", args)
}

func runUninstall(ctx context.Context, args []string) error {
	return runGeneCommand(ctx, "uninstall", args)
}

func runGeneCommand(ctx context.Context, name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	geneID := fs.String("gene", "", "gene id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *geneID == "" {
		return fmt.Errorf("%s requires --session and --gene", name)
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var snap model.SessionSnapshot
	if name == "install" {
		snap, err = client.Install(ctx, *sessionID, *geneID)
	} else {
		snap, err = client.Uninstall(ctx, *sessionID, *geneID)
	}
	if err != nil {
		return withSuggestion(err, *geneID, client.Catalog().GeneIDs())
	}
	used, total, err := client.SlotUsage(ctx, *sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session=%s %sed=%s balance=%s slots=%d/%d\n",
		snap.ID, name, *geneID, formatCount(snap.Ledger.Balance), used, total)
	return nil
}

func runMove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	geneID := fs.String("gene", "", "installed gene id")
	by := fs.Int("by", 0, "places to shift the gene, negative toward the front")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *geneID == "" {
		return errors.New("move requires --session and --gene")
	}
	if *by == 0 {
		return errors.New("move requires a non-zero --by")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snap, err := client.Move(ctx, *sessionID, *geneID, *by)
	if err != nil {
		return withSuggestion(err, *geneID, client.Catalog().GeneIDs())
	}
	fmt.Printf("session=%s genes=%s\n", snap.ID, joinOrNone(snap.Config.Genes))
	return nil
}

func runAdvance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("advance", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	rounds := fs.Int("rounds", 1, "rounds to play")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("advance requires --session")
	}
	if *rounds <= 0 {
		return errors.New("rounds must be > 0")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	before, err := client.Snapshot(ctx, *sessionID)
	if err != nil {
		return err
	}
	snap, advanceErr := client.Advance(ctx, *sessionID, *rounds)
	for _, outcome := range snap.History {
		if outcome.Round > before.Round {
			printOutcome(outcome)
		}
	}
	if advanceErr != nil {
		return advanceErr
	}
	fmt.Printf("session=%s round=%d balance=%s status=%s\n",
		snap.ID, snap.Round, formatCount(snap.Ledger.Balance), snap.Status)
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("reset requires --session")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snap, err := client.Reset(ctx, *sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("reset session=%s round=%d balance=%s\n", snap.ID, snap.Round, formatCount(snap.Ledger.Balance))
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	jsonOut := fs.Bool("json", false, "emit the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("show requires --session")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snap, err := client.Snapshot(ctx, *sessionID)
	if err != nil {
		return err
	}
	if *jsonOut {
		return encodeJSON(snap)
	}

	used, total, err := client.SlotUsage(ctx, *sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session=%s catalog=%s round=%d status=%s balance=%s earned=%s spent=%s\n",
		snap.ID,
		snap.Catalog,
		snap.Round,
		snap.Status,
		formatCount(snap.Ledger.Balance),
		formatCount(snap.Ledger.Earned),
		formatCount(snap.Ledger.Spent),
	)
	fmt.Printf("genome=%s slots=%d/%d genes=%s\n", displayGenome(snap.Config), used, total, joinOrNone(snap.Config.Genes))
	if snap.Rules.HandSize > 0 {
		fmt.Printf("hand=%s\n", joinOrNone(snap.Hand))
	}
	for _, entity := range sortedKeys(snap.Population.Counts) {
		fmt.Printf("population %s=%s\n", entity, formatCount(snap.Population.Count(entity)))
	}
	for _, id := range snap.Progress.IDs() {
		fmt.Printf("milestone %s=%s\n", id, snap.Progress[id])
	}
	return nil
}

func runGenes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genes", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id; empty lists catalog defaults")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var snap model.SessionSnapshot
	if *sessionID != "" {
		snap, err = client.Snapshot(ctx, *sessionID)
		if err != nil {
			return err
		}
	}
	unlocked := make(map[string]bool, len(snap.Unlocked))
	for _, id := range snap.Unlocked {
		unlocked[id] = true
	}
	inHand := make(map[string]bool, len(snap.Hand))
	for _, id := range snap.Hand {
		inHand[id] = true
	}

	cat := client.Catalog()
	for _, id := range cat.GeneIDs() {
		gene, _ := cat.Gene(id)
		state := "available"
		switch {
		case snap.Config.HasGene(id):
			state = "installed"
		case snap.Rules.HandSize > 0 && !inHand[id]:
			state = "not-offered"
		case gene.Locked && !unlocked[id]:
			state = "locked"
		}
		fmt.Printf("gene=%s cost=%s slots=%d state=%s\n", id, formatCount(gene.Cost), gene.Slots, state)
	}
	return nil
}

func runSessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	common := bindCommon(fs)
	jsonOut := fs.Bool("json", false, "emit sessions as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	sessions, err := client.Sessions(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return encodeJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions found")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("session=%s catalog=%s round=%d balance=%s status=%s\n",
			s.ID, s.Catalog, s.Round, formatCount(s.Balance), s.Status)
	}
	return nil
}

func runHistory(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("history requires --session")
	}
	settings, err := common.settings()
	if err != nil {
		return err
	}

	report, ok, err := stats.ReadSessionReport(settings.ArtifactsDir, *sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no artifacts recorded for session %s", *sessionID)
	}
	fmt.Printf("session=%s rounds=%d status=%s points_awarded=%s completed=%s\n",
		report.SessionID, report.Rounds, report.Status, formatCount(report.PointsAwarded), joinOrNone(report.Completed))
	for _, e := range report.Entities {
		fmt.Printf("entity=%s initial=%s final=%s peak=%s peak_round=%d min=%s avg_delta=%.2f std_delta=%.2f\n",
			e.Entity,
			formatCount(e.Initial),
			formatCount(e.Final),
			formatCount(e.Peak),
			e.PeakRound,
			formatCount(e.Min),
			e.AvgDelta,
			e.StdDelta,
		)
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("delete requires --session")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Delete(ctx, *sessionID); err != nil {
		return err
	}
	fmt.Printf("deleted session=%s\n", *sessionID)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	latest := fs.Bool("latest", false, "export the most recently recorded session")
	outDir := fs.String("out", exportsDir, "export output directory")
	jsonPath := fs.String("json-out", "", "write a portable session file for import instead of artifacts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jsonPath != "" && *sessionID == "" {
		return errors.New("--json-out requires --session")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if *jsonPath != "" {
		data, err := client.ExportJSON(ctx, *sessionID)
		if err != nil {
			return err
		}
		if dir := filepath.Dir(*jsonPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := os.WriteFile(*jsonPath, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("exported session=%s to=%s\n", *sessionID, filepath.Clean(*jsonPath))
		return nil
	}

	summary, err := client.Export(ctx, viralsandbox.ExportRequest{SessionID: *sessionID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported session=%s to=%s\n", summary.SessionID, summary.Directory)
	return nil
}

func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	common := bindCommon(fs)
	path := fs.String("file", "", "session file written by export --json-out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("import requires --file")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	snap, err := client.Import(ctx, data)
	if err != nil {
		return err
	}
	fmt.Printf("imported session=%s round=%d balance=%s\n", snap.ID, snap.Round, formatCount(snap.Ledger.Balance))
	return nil
}

func runScript(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("script", flag.ContinueOnError)
	common := bindCommon(fs)
	sessionID := fs.String("session", "", "session id")
	path := fs.String("file", "", "lua scenario script")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *path == "" {
		return errors.New("script requires --session and --file")
	}

	client, _, err := common.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	report, err := client.RunScript(ctx, *sessionID, *path)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	if report.Final.ID != "" {
		fmt.Printf("session=%s round=%d balance=%s status=%s\n",
			report.Final.ID, report.Final.Round, formatCount(report.Final.Ledger.Balance), report.Final.Status)
	}
	if !report.Passed() {
		return fmt.Errorf("scenario %s failed: %d of %d steps", report.Scenario, report.Failed(), len(report.Steps))
	}
	return nil
}

func printOutcome(o model.RoundOutcome) {
	parts := make([]string, 0, len(o.Deltas))
	for _, entity := range sortedKeys(o.Deltas) {
		parts = append(parts, entity+":"+formatDelta(o.Deltas[entity]))
	}
	line := fmt.Sprintf("round=%d deltas=%s", o.Round, strings.Join(parts, ","))
	if len(o.Completed) > 0 {
		line += fmt.Sprintf(" completed=%s points=%s", strings.Join(o.Completed, ","), formatDelta(o.PointsAwarded))
	}
	if len(o.Unlocked) > 0 {
		line += " unlocked=" + strings.Join(o.Unlocked, ",")
	}
	if len(o.Offered) > 0 {
		line += " offered=" + strings.Join(o.Offered, ",")
	}
	if len(o.Expired) > 0 {
		expired := make([]string, 0, len(o.Expired))
		for _, e := range o.Expired {
			expired = append(expired, e.Entity+"/"+e.Effect)
		}
		line += " expired=" + strings.Join(expired, ",")
	}
	if o.Status != "" && o.Status != model.StatusActive {
		line += " status=" + string(o.Status)
	}
	fmt.Println(line)
}

func withSuggestion(err error, token string, candidates []string) error {
	if !simerr.IsKind(err, simerr.KindUnknownReference) || token == "" {
		return err
	}
	guess, ok := closest(token, candidates)
	if !ok || guess == token {
		return err
	}
	return fmt.Errorf("%w (did you mean %s?)", err, guess)
}

// withKind prefixes rejected operations with their failure kind.
func withKind(err error) error {
	kind := simerr.KindOf(err)
	if kind == "" {
		return err
	}
	return fmt.Errorf("%s: %w", kind, err)
}

func displayGenome(cfg model.VirusConfiguration) string {
	if cfg.GenomeType == "" {
		return "none"
	}
	return cfg.GenomeType
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ",")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	visited := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})
	return visited
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: sandboxctl <%s> [flags]", msg, strings.Join(commands, "|"))
}
