package model

import (
	"math"
	"sort"
)

type MilestoneState string

const (
	MilestoneLocked    MilestoneState = "locked"
	MilestoneEligible  MilestoneState = "eligible"
	MilestoneCompleted MilestoneState = "completed"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusExtinct   SessionStatus = "extinct"
	StatusVictory   SessionStatus = "victory"
	StatusExhausted SessionStatus = "exhausted"
)

// Over reports whether no further rounds may be played.
func (s SessionStatus) Over() bool {
	return s != "" && s != StatusActive
}

type RefundPolicy string

const (
	RefundDisabled RefundPolicy = "disabled"
	RefundNone     RefundPolicy = "none"
	RefundFull     RefundPolicy = "full"
)

// Victory ends a session once the watched population reaches Threshold.
// Exactly one of Entity or Tag names the population; the zero value disables
// the check.
type Victory struct {
	Entity    string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Tag       string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Threshold int64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

func (v Victory) Enabled() bool {
	return v.Entity != "" || v.Tag != ""
}

// SessionRules are the per-session settings fixed at creation.
type SessionRules struct {
	StartingPoints int64        `json:"starting_points"`
	MaxRounds      int          `json:"max_rounds,omitempty"`
	Victory        Victory      `json:"victory,omitempty"`
	RefundPolicy   RefundPolicy `json:"refund_policy"`
	GenomeType     string       `json:"genome_type,omitempty"`
	// HandSize enables the gene hand: only genes drawn into the hand can be
	// installed. Zero leaves every catalog gene available.
	HandSize       int          `json:"hand_size,omitempty"`
	OfferPerRound  int          `json:"offer_per_round,omitempty"`
	Seed           uint64       `json:"seed,omitempty"`
}

type VirusConfiguration struct {
	GenomeType string   `json:"genome_type,omitempty"`
	Genes      []string `json:"genes"`
}

// Configured reports whether a genome type has been selected.
func (c VirusConfiguration) Configured() bool {
	return c.GenomeType != ""
}

// HasGene reports whether id is installed.
func (c VirusConfiguration) HasGene(id string) bool {
	for _, g := range c.Genes {
		if g == id {
			return true
		}
	}
	return false
}

func (c VirusConfiguration) Clone() VirusConfiguration {
	return VirusConfiguration{
		GenomeType: c.GenomeType,
		Genes:      append([]string{}, c.Genes...),
	}
}

type PopulationSnapshot struct {
	Counts     map[string]int64          `json:"counts"`
	Active     map[string]map[string]int `json:"active,omitempty"`
	Introduced []string                  `json:"introduced,omitempty"`
}

// Count returns the population of entity, zero when absent.
func (p PopulationSnapshot) Count(entity string) int64 {
	return p.Counts[entity]
}

// Total sums every entity population.
// Total sums every count, saturating at math.MaxInt64.
func (p PopulationSnapshot) Total() int64 {
	var total int64
	for _, c := range p.Counts {
		total = SaturatingAdd(total, c)
	}
	return total
}

// SaturatingAdd adds two non-negative counts, clamping at math.MaxInt64.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func (p PopulationSnapshot) Clone() PopulationSnapshot {
	out := PopulationSnapshot{
		Counts:     make(map[string]int64, len(p.Counts)),
		Introduced: append([]string(nil), p.Introduced...),
	}
	for k, v := range p.Counts {
		out.Counts[k] = v
	}
	if len(p.Active) > 0 {
		out.Active = make(map[string]map[string]int, len(p.Active))
		for entity, effects := range p.Active {
			copied := make(map[string]int, len(effects))
			for id, remaining := range effects {
				copied[id] = remaining
			}
			out.Active[entity] = copied
		}
	}
	return out
}

type MilestoneProgress map[string]MilestoneState

func (p MilestoneProgress) Clone() MilestoneProgress {
	out := make(MilestoneProgress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// IDs returns milestone ids in ascending order.
func (p MilestoneProgress) IDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Ledger struct {
	Balance int64 `json:"balance"`
	Earned  int64 `json:"earned"`
	Spent   int64 `json:"spent"`
}

type ExpiredEffect struct {
	Entity string `json:"entity"`
	Effect string `json:"effect"`
}

type RoundOutcome struct {
	Round         int              `json:"round"`
	Deltas        map[string]int64 `json:"deltas"`
	Expired       []ExpiredEffect  `json:"expired,omitempty"`
	Introduced    []string         `json:"introduced,omitempty"`
	Completed     []string         `json:"completed,omitempty"`
	Unlocked      []string         `json:"unlocked,omitempty"`
	Offered       []string         `json:"offered,omitempty"`
	PointsAwarded int64            `json:"points_awarded,omitempty"`
	Status        SessionStatus    `json:"status,omitempty"`
}

type SessionSnapshot struct {
	VersionedRecord
	ID         string             `json:"id"`
	Catalog    string             `json:"catalog"`
	Rules      SessionRules       `json:"rules"`
	Config     VirusConfiguration `json:"config"`
	Population PopulationSnapshot `json:"population"`
	Progress   MilestoneProgress  `json:"progress"`
	Ledger     Ledger             `json:"ledger"`
	Round      int                `json:"round"`
	Unlocked   []string           `json:"unlocked,omitempty"`
	Hand       []string           `json:"hand,omitempty"`
	Status     SessionStatus      `json:"status"`
	History    []RoundOutcome     `json:"history,omitempty"`
}

// SessionSummary is the listing row kept by stores.
type SessionSummary struct {
	ID      string        `json:"id"`
	Catalog string        `json:"catalog"`
	Round   int           `json:"round"`
	Balance int64         `json:"balance"`
	Status  SessionStatus `json:"status"`
}
