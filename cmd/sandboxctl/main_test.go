package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"viralsandbox/internal/stats"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	out, err := captureStdout(func() error {
		return run(context.Background(), args)
	})
	if err != nil {
		t.Fatalf("%s: %v\noutput:\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func fileStore(args ...string) []string {
	return append(args, "--store", "file", "--store-path", "store")
}

// startSession creates s-1 on the built-in catalog, installs receptor
// binding and plays three rounds.
func startSession(t *testing.T) string {
	t.Helper()
	out := runCommand(t, fileStore("new", "--id", "s-1", "--genome", "ssrna")...)
	if !strings.Contains(out, "session=s-1 catalog=sandbox balance=100 genome=ssrna") {
		t.Fatalf("unexpected new output: %s", out)
	}
	out = runCommand(t, fileStore("install", "--session", "s-1", "--gene", "receptor_binding")...)
	if !strings.Contains(out, "installed=receptor_binding balance=90 slots=1/4") {
		t.Fatalf("unexpected install output: %s", out)
	}
	return runCommand(t, fileStore("advance", "--session", "s-1", "--rounds", "3")...)
}

func TestRunRequiresKnownCommand(t *testing.T) {
	if err := run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
	err := run(context.Background(), []string{"instal"})
	if err == nil {
		t.Fatal("expected unknown command error")
	}
	if !strings.Contains(err.Error(), "did you mean install?") || !strings.Contains(err.Error(), "usage: sandboxctl") {
		t.Fatalf("expected suggestion and usage, got %v", err)
	}
	err = run(context.Background(), []string{"frobnicate"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Fatalf("expected unknown command without suggestion, got %v", err)
	}
}

func TestValidateBuiltInCatalog(t *testing.T) {
	out := runCommand(t, "validate")
	if !strings.Contains(out, "catalog=sandbox entities=5 effects=8 genome_types=2 genes=5 milestones=4") {
		t.Fatalf("unexpected validate output: %s", out)
	}
}

func TestValidateRejectsBrokenCatalog(t *testing.T) {
	workdir := chdirTemp(t)
	path := filepath.Join(workdir, "broken.yaml")
	doc := "name: broken\ngenes:\n  - id: g\n    cost: 1\n    slots: 1\n    effects: [missing]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := run(context.Background(), []string{"validate", "--catalog", path}); err == nil || !strings.Contains(err.Error(), "INVALID_CATALOG") {
		t.Fatalf("expected invalid catalog error, got %v", err)
	}
}

func TestSessionWorkflow(t *testing.T) {
	chdirTemp(t)
	out := startSession(t)
	for _, want := range []string{"round=1 deltas=", "virion:+4", "round=3 deltas=", "session=s-1 round=3 balance=90 status=active"} {
		if !strings.Contains(out, want) {
			t.Fatalf("advance output missing %q:\n%s", want, out)
		}
	}

	out = runCommand(t, fileStore("show", "--session", "s-1")...)
	for _, want := range []string{"round=3 status=active balance=90", "genome=ssrna slots=1/4 genes=receptor_binding", "population virion=21", "milestone first_wave=eligible"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}

	out = runCommand(t, fileStore("genes", "--session", "s-1")...)
	for _, want := range []string{"gene=receptor_binding cost=10 slots=1 state=installed", "gene=interferon_antagonist cost=25 slots=1 state=locked", "gene=lytic_cycle cost=15 slots=1 state=available"} {
		if !strings.Contains(out, want) {
			t.Fatalf("genes output missing %q:\n%s", want, out)
		}
	}

	out = runCommand(t, fileStore("sessions")...)
	if !strings.Contains(out, "session=s-1 catalog=sandbox round=3 balance=90 status=active") {
		t.Fatalf("unexpected sessions output: %s", out)
	}

	out = runCommand(t, "history", "--session", "s-1")
	if !strings.Contains(out, "session=s-1 rounds=3 status=active points_awarded=0 completed=none") ||
		!strings.Contains(out, "entity=virion initial=10 final=21 peak=21 peak_round=3") {
		t.Fatalf("unexpected history output: %s", out)
	}

	out = runCommand(t, fileStore("reset", "--session", "s-1")...)
	if !strings.Contains(out, "reset session=s-1 round=0 balance=100") {
		t.Fatalf("unexpected reset output: %s", out)
	}

	out = runCommand(t, fileStore("delete", "--session", "s-1")...)
	if !strings.Contains(out, "deleted session=s-1") {
		t.Fatalf("unexpected delete output: %s", out)
	}
	out = runCommand(t, fileStore("sessions")...)
	if !strings.Contains(out, "no sessions found") {
		t.Fatalf("expected empty listing, got %s", out)
	}
}

func TestGeneCommandsReportKindsAndSuggestions(t *testing.T) {
	chdirTemp(t)
	startSession(t)

	err := run(context.Background(), fileStore("install", "--session", "s-1", "--gene", "receptor_bindin"))
	if err == nil || !strings.Contains(err.Error(), "UNKNOWN_REFERENCE") || !strings.Contains(err.Error(), "did you mean receptor_binding?") {
		t.Fatalf("expected unknown gene with suggestion, got %v", err)
	}
	err = run(context.Background(), fileStore("install", "--session", "s-1", "--gene", "interferon_antagonist"))
	if err == nil || !strings.Contains(err.Error(), "LOCKED") {
		t.Fatalf("expected locked gene, got %v", err)
	}
	err = run(context.Background(), fileStore("uninstall", "--session", "s-1", "--gene", "receptor_binding"))
	if err == nil || !strings.Contains(err.Error(), "UNSUPPORTED") {
		t.Fatalf("expected uninstall to be disabled, got %v", err)
	}
	if err := run(context.Background(), fileStore("install", "--session", "s-1")); err == nil {
		t.Fatal("expected missing --gene error")
	}
	if err := run(context.Background(), fileStore("advance", "--session", "s-1", "--rounds", "0")); err == nil {
		t.Fatal("expected rounds validation error")
	}
}

func TestMoveAndHandCommands(t *testing.T) {
	chdirTemp(t)
	out := runCommand(t, fileStore("new", "--id", "h-1", "--genome", "ssrna", "--hand", "10", "--seed", "3")...)
	if !strings.Contains(out, "hand=") || !strings.Contains(out, "seed=3") {
		t.Fatalf("expected hand in new output: %s", out)
	}
	runCommand(t, fileStore("install", "--session", "h-1", "--gene", "receptor_binding")...)
	runCommand(t, fileStore("install", "--session", "h-1", "--gene", "lytic_cycle")...)

	out = runCommand(t, fileStore("move", "--session", "h-1", "--gene", "lytic_cycle", "--by", "-1")...)
	if !strings.Contains(out, "session=h-1 genes=lytic_cycle,receptor_binding") {
		t.Fatalf("unexpected move output: %s", out)
	}
	err := run(context.Background(), fileStore("move", "--session", "h-1", "--gene", "rna_polymerase", "--by", "1"))
	if err == nil || !strings.Contains(err.Error(), "NOT_INSTALLED") {
		t.Fatalf("expected not installed, got %v", err)
	}
	if err := run(context.Background(), fileStore("move", "--session", "h-1", "--gene", "lytic_cycle")); err == nil {
		t.Fatal("expected missing --by error")
	}

	runCommand(t, fileStore("new", "--id", "h-2", "--genome", "ssrna", "--hand", "1", "--seed", "3")...)
	out = runCommand(t, fileStore("genes", "--session", "h-2")...)
	if strings.Count(out, "state=not-offered") != 4 {
		t.Fatalf("expected four genes outside a one-gene hand:\n%s", out)
	}
}

func TestNewAppliesSettingsFile(t *testing.T) {
	workdir := chdirTemp(t)
	path := filepath.Join(workdir, "sandbox.yaml")
	body := "store:\n  kind: file\n  path: cfgstore\nsession:\n  starting_points: 40\n  refund_policy: full\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	out := runCommand(t, "new", "--config", path, "--id", "c-1", "--genome", "ssrna")
	if !strings.Contains(out, "session=c-1 catalog=sandbox balance=40") {
		t.Fatalf("unexpected new output: %s", out)
	}
	runCommand(t, "install", "--config", path, "--session", "c-1", "--gene", "receptor_binding")
	out = runCommand(t, "uninstall", "--config", path, "--session", "c-1", "--gene", "receptor_binding")
	if !strings.Contains(out, "uninstalled=receptor_binding balance=40 slots=0/4") {
		t.Fatalf("expected full refund, got %s", out)
	}

	out = runCommand(t, "new", "--config", path, "--id", "c-2", "--points", "7")
	if !strings.Contains(out, "session=c-2 catalog=sandbox balance=7 genome=none") {
		t.Fatalf("flag should override settings: %s", out)
	}
	if _, err := os.Stat(filepath.Join(workdir, "cfgstore", "sessions")); err != nil {
		t.Fatalf("expected file store from settings: %v", err)
	}
}

func TestExportAndImport(t *testing.T) {
	chdirTemp(t)
	startSession(t)

	out := runCommand(t, fileStore("export", "--latest", "--out", "exports")...)
	if !strings.Contains(out, "exported session=s-1 to=exports/s-1") {
		t.Fatalf("unexpected export output: %s", out)
	}
	for _, file := range []string{"snapshot.json", "history.json", "populations.csv", "summary.json"} {
		if _, err := os.Stat(filepath.Join("exports", "s-1", file)); err != nil {
			t.Fatalf("expected exported %s: %v", file, err)
		}
	}
	entries, err := stats.ListSessionIndex(filepath.Join(".sandbox", "artifacts"))
	if err != nil || len(entries) == 0 || entries[0].SessionID != "s-1" {
		t.Fatalf("unexpected session index entries=%+v err=%v", entries, err)
	}

	if err := run(context.Background(), fileStore("export", "--session", "s-1", "--latest")); err == nil {
		t.Fatal("expected conflicting export flags to fail")
	}

	out = runCommand(t, fileStore("export", "--session", "s-1", "--json-out", "portable/s-1.json")...)
	if !strings.Contains(out, "exported session=s-1 to=portable/s-1.json") {
		t.Fatalf("unexpected json export output: %s", out)
	}
	out = runCommand(t, "import", "--file", "portable/s-1.json", "--store", "file", "--store-path", "other")
	if !strings.Contains(out, "imported session=s-1 round=3 balance=90") {
		t.Fatalf("unexpected import output: %s", out)
	}
	out = runCommand(t, "show", "--session", "s-1", "--store", "file", "--store-path", "other", "--json")
	if !strings.Contains(out, `"round": 3`) || !strings.Contains(out, `"genome_type": "ssrna"`) {
		t.Fatalf("unexpected imported snapshot: %s", out)
	}
}

func TestScriptCommand(t *testing.T) {
	workdir := chdirTemp(t)
	startSession(t)

	passing := filepath.Join(workdir, "burst.lua")
	script := `
local s = Scenario.new()
s:install("interferon_antagonist")
s:expect_error("LOCKED")
s:install("lytic_cycle")
s:expect_balance(75)
s:advance()
s:expect_round(4)
return s
`
	if err := os.WriteFile(passing, []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	out := runCommand(t, fileStore("script", "--session", "s-1", "--file", passing)...)
	if !strings.Contains(out, "scenario burst: 5/5 steps passed") || !strings.Contains(out, "session=s-1 round=4 balance=75") {
		t.Fatalf("unexpected script output: %s", out)
	}

	failing := filepath.Join(workdir, "wrong.lua")
	if err := os.WriteFile(failing, []byte("local s = Scenario.new()\ns:expect_round(99)\nreturn s\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	out, err := captureStdout(func() error {
		return run(context.Background(), fileStore("script", "--session", "s-1", "--file", failing))
	})
	if err == nil || !strings.Contains(err.Error(), "scenario wrong failed: 1 of 1 steps") {
		t.Fatalf("expected failing scenario, got %v", err)
	}
	if !strings.Contains(out, "step 1 (") {
		t.Fatalf("expected failed step in output: %s", out)
	}
}

func TestClosestSuggestion(t *testing.T) {
	cases := []struct {
		token string
		want  string
		ok    bool
	}{
		{token: "shw", want: "show", ok: true},
		{token: "sesions", want: "sessions", ok: true},
		{token: "export", want: "export", ok: true},
		{token: "zzzz", ok: false},
	}
	for _, tc := range cases {
		got, ok := closest(tc.token, commands)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("closest(%q) = %q,%t want %q,%t", tc.token, got, ok, tc.want, tc.ok)
		}
	}
	if levenshteinLimit(4) != 1 || levenshteinLimit(8) != 2 || levenshteinLimit(9) != 3 {
		t.Fatal("unexpected levenshtein limits")
	}
}

func TestFormatCountGroupsThousands(t *testing.T) {
	if got := formatCount(1234567); got != "1,234,567" {
		t.Fatalf("unexpected count format %q", got)
	}
	if got := formatDelta(-8); got != "-8" {
		t.Fatalf("unexpected negative delta %q", got)
	}
	if got := formatDelta(0); got != "+0" {
		t.Fatalf("unexpected zero delta %q", got)
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
