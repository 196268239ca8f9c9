// Package config loads sandbox settings from embedded defaults, an optional
// YAML file and SANDBOX_* environment variables, in that order.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"viralsandbox/internal/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Settings struct {
	Store        StoreSettings     `yaml:"store"`
	Catalog      string            `yaml:"catalog" env:"SANDBOX_CATALOG"`
	ArtifactsDir string            `yaml:"artifacts_dir" env:"SANDBOX_ARTIFACTS_DIR"`
	Journal      bool              `yaml:"journal" env:"SANDBOX_JOURNAL"`
	Session      SessionSettings   `yaml:"session"`
	Telemetry    TelemetrySettings `yaml:"telemetry"`
}

type StoreSettings struct {
	// Kind is memory, file or sqlite; empty selects the build default.
	Kind string `yaml:"kind" env:"SANDBOX_STORE"`
	Path string `yaml:"path" env:"SANDBOX_STORE_PATH"`
}

type SessionSettings struct {
	StartingPoints int64           `yaml:"starting_points" env:"SANDBOX_STARTING_POINTS"`
	MaxRounds      int             `yaml:"max_rounds" env:"SANDBOX_MAX_ROUNDS"`
	RefundPolicy   string          `yaml:"refund_policy" env:"SANDBOX_REFUND_POLICY"`
	GenomeType     string          `yaml:"genome_type" env:"SANDBOX_GENOME_TYPE"`
	HandSize       int             `yaml:"hand_size" env:"SANDBOX_HAND_SIZE"`
	OfferPerRound  int             `yaml:"offer_per_round" env:"SANDBOX_OFFER_PER_ROUND"`
	Seed           uint64          `yaml:"seed" env:"SANDBOX_SEED"`
	Victory        VictorySettings `yaml:"victory"`
}

type VictorySettings struct {
	Entity    string `yaml:"entity" env:"SANDBOX_VICTORY_ENTITY"`
	Tag       string `yaml:"tag" env:"SANDBOX_VICTORY_TAG"`
	Threshold int64  `yaml:"threshold" env:"SANDBOX_VICTORY_THRESHOLD"`
}

type TelemetrySettings struct {
	Enabled     bool   `yaml:"enabled" env:"SANDBOX_OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"SANDBOX_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SANDBOX_OTEL_SERVICE_NAME"`
}

// Active reports whether spans should be exported.
func (t TelemetrySettings) Active() bool {
	return t.Enabled && t.Endpoint != ""
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Defaults returns the built-in settings.
func Defaults() (Settings, error) {
	var s Settings
	if err := decodeYAML(defaultsYAML, &s); err != nil {
		return Settings{}, fmt.Errorf("parse embedded defaults: %w", err)
	}
	return s, nil
}

// Load merges the settings file at path (skipped when empty) over the
// defaults, then applies environment overrides and validates the result.
func Load(path string) (Settings, error) {
	s, err := Defaults()
	if err != nil {
		return Settings{}, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
		// Keys absent from the file keep their default.
		if err := decodeYAML(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	if err := ParseEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.Store.Kind {
	case "", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("unsupported store backend: %s", s.Store.Kind)
	}
	if s.Store.Kind != "" && s.Store.Kind != "memory" && s.Store.Path == "" {
		return fmt.Errorf("store path is required for %s store", s.Store.Kind)
	}
	if s.Session.StartingPoints < 0 {
		return fmt.Errorf("starting points must be >= 0")
	}
	if s.Session.MaxRounds < 0 {
		return fmt.Errorf("max rounds must be >= 0")
	}
	switch model.RefundPolicy(s.Session.RefundPolicy) {
	case "", model.RefundDisabled, model.RefundNone, model.RefundFull:
	default:
		return fmt.Errorf("unsupported refund policy: %s", s.Session.RefundPolicy)
	}
	if s.Session.HandSize < 0 || s.Session.OfferPerRound < 0 {
		return fmt.Errorf("hand size and offer per round must be >= 0")
	}
	if s.Session.OfferPerRound > 0 && s.Session.HandSize == 0 {
		return fmt.Errorf("offer per round needs a hand size")
	}
	if s.Session.Victory.Threshold < 0 {
		return fmt.Errorf("victory threshold must be >= 0")
	}
	return nil
}

// Rules converts the session section into session rules.
func (s Settings) Rules() model.SessionRules {
	return model.SessionRules{
		StartingPoints: s.Session.StartingPoints,
		MaxRounds:      s.Session.MaxRounds,
		RefundPolicy:   model.RefundPolicy(s.Session.RefundPolicy),
		GenomeType:     s.Session.GenomeType,
		HandSize:       s.Session.HandSize,
		OfferPerRound:  s.Session.OfferPerRound,
		Seed:           s.Session.Seed,
		Victory: model.Victory{
			Entity:    s.Session.Victory.Entity,
			Tag:       s.Session.Victory.Tag,
			Threshold: s.Session.Victory.Threshold,
		},
	}
}

func decodeYAML(data []byte, target *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
