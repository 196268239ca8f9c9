package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"viralsandbox/internal/config"
	"viralsandbox/internal/platform"
	"viralsandbox/internal/storage"
	"viralsandbox/internal/telemetry"
	"viralsandbox/pkg/viralsandbox"
)

const sqliteFileName = "sandbox.db"

var printer = message.NewPrinter(language.English)

// commonFlags are accepted by every session command. Empty values inherit
// from the settings file and SANDBOX_* environment.
type commonFlags struct {
	configPath  *string
	storeKind   *string
	storePath   *string
	catalogPath *string
	artifacts   *string
	journal     *bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath:  fs.String("config", "", "settings file (YAML)"),
		storeKind:   fs.String("store", "", "store backend: memory|file|sqlite"),
		storePath:   fs.String("store-path", "", "file store directory or sqlite database"),
		catalogPath: fs.String("catalog", "", "catalog file (.json|.yaml); empty uses the built-in catalog"),
		artifacts:   fs.String("artifacts", "", "session artifacts directory"),
		journal:     fs.Bool("journal", false, "log every session command to stderr"),
	}
}

func (f *commonFlags) settings() (config.Settings, error) {
	s, err := config.Load(*f.configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if *f.storeKind != "" {
		s.Store.Kind = *f.storeKind
	}
	if *f.storePath != "" {
		s.Store.Path = *f.storePath
	}
	if *f.catalogPath != "" {
		s.Catalog = *f.catalogPath
	}
	if *f.artifacts != "" {
		s.ArtifactsDir = *f.artifacts
	}
	if *f.journal {
		s.Journal = true
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func (f *commonFlags) open() (*viralsandbox.Client, config.Settings, error) {
	s, err := f.settings()
	if err != nil {
		return nil, config.Settings{}, err
	}
	storePath, err := resolveStorePath(s.Store.Kind, s.Store.Path)
	if err != nil {
		return nil, config.Settings{}, err
	}

	var logger *log.Logger
	if s.Journal {
		logger = log.New(os.Stderr, "[SANDBOX] ", log.LstdFlags)
	}
	client, err := viralsandbox.New(viralsandbox.Options{
		StoreKind:      s.Store.Kind,
		StorePath:      storePath,
		CatalogPath:    s.Catalog,
		ArtifactsDir:   s.ArtifactsDir,
		Logger:         logger,
		SupportModules: []platform.SupportModule{telemetry.NewModule(s.Telemetry)},
	})
	if err != nil {
		return nil, config.Settings{}, err
	}
	return client, s, nil
}

// resolveStorePath places a sqlite database inside path when path names a
// directory rather than a database file.
func resolveStorePath(kind, path string) (string, error) {
	if kind == "" {
		kind = storage.DefaultStoreKind()
	}
	if kind != "sqlite" || filepath.Ext(path) != "" {
		return path, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(path, sqliteFileName), nil
}

func formatCount(n int64) string {
	return printer.Sprintf("%d", n)
}

func formatDelta(n int64) string {
	if n >= 0 {
		return "+" + formatCount(n)
	}
	return formatCount(n)
}

// levenshteinLimit is the largest edit distance still worth suggesting for a
// candidate of length n.
func levenshteinLimit(n int) int {
	switch {
	case n <= 4:
		return 1
	case n <= 8:
		return 2
	default:
		return 3
	}
}

// closest returns the candidate nearest to token within levenshteinLimit,
// preferring the lexically smallest on ties.
func closest(token string, candidates []string) (string, bool) {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	best, bestDist := "", -1
	for _, cand := range sorted {
		dist := levenshtein.ComputeDistance(token, cand)
		if dist > levenshteinLimit(len(cand)) {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best, bestDist >= 0
}
