package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version"`
	CodecVersion  int `json:"codec_version" yaml:"codec_version"`
}

type EffectKind string

const (
	EffectAdditive       EffectKind = "additive"
	EffectMultiplicative EffectKind = "multiplicative"
	EffectTrigger        EffectKind = "trigger"
)

type Comparison string

const (
	AtMost  Comparison = "at_most"
	AtLeast Comparison = "at_least"
)

// Holds reports whether value satisfies the comparison against threshold.
func (c Comparison) Holds(value, threshold float64) bool {
	switch c {
	case AtMost:
		return value <= threshold
	case AtLeast:
		return value >= threshold
	default:
		return false
	}
}

type TriggerAction string

const (
	TriggerOverride TriggerAction = "override"
	TriggerSuppress TriggerAction = "suppress"
)

type PredicateKind string

const (
	PredicatePopulationAtMost  PredicateKind = "population_at_most"
	PredicatePopulationAtLeast PredicateKind = "population_at_least"
	PredicateRoundAtLeast      PredicateKind = "round_at_least"
)

type EntityDef struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	BasePopulation int64    `json:"base_population" yaml:"base_population"`
	GrowthRate     float64  `json:"growth_rate" yaml:"growth_rate"`
	DecayRate      float64  `json:"decay_rate" yaml:"decay_rate"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the entity carries tag.
func (e EntityDef) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Selector picks the entities an effect applies to. Exactly one of Entity,
// Tag or Global is set.
type Selector struct {
	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Tag    string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Global bool   `json:"global,omitempty" yaml:"global,omitempty"`
}

// Matches reports whether the selector targets entity.
func (s Selector) Matches(entity EntityDef) bool {
	switch {
	case s.Global:
		return true
	case s.Entity != "":
		return s.Entity == entity.ID
	case s.Tag != "":
		return entity.HasTag(s.Tag)
	default:
		return false
	}
}

type TriggerDef struct {
	Watch      string        `json:"watch,omitempty" yaml:"watch,omitempty"`
	Comparison Comparison    `json:"comparison" yaml:"comparison"`
	Threshold  float64       `json:"threshold" yaml:"threshold"`
	Action     TriggerAction `json:"action" yaml:"action"`
	Suppresses string        `json:"suppresses,omitempty" yaml:"suppresses,omitempty"`
}

type EffectDef struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        EffectKind  `json:"kind" yaml:"kind"`
	Target      Selector    `json:"target" yaml:"target"`
	Magnitude   float64     `json:"magnitude" yaml:"magnitude"`
	Duration    int         `json:"duration,omitempty" yaml:"duration,omitempty"`
	Permanent   bool        `json:"permanent,omitempty" yaml:"permanent,omitempty"`
	Trigger     *TriggerDef `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// Timed reports whether the effect runs for a finite number of rounds.
func (e EffectDef) Timed() bool {
	return !e.Permanent && e.Duration > 0
}

type GenomeTypeDef struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	SlotCapacity int    `json:"slot_capacity" yaml:"slot_capacity"`
	Cost         int64  `json:"cost" yaml:"cost"`
}

type GeneDef struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Set         string   `json:"set,omitempty" yaml:"set,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Cost        int64    `json:"cost" yaml:"cost"`
	Slots       int      `json:"slots" yaml:"slots"`
	Effects     []string `json:"effects,omitempty" yaml:"effects,omitempty"`
	Locked      bool     `json:"locked,omitempty" yaml:"locked,omitempty"`
}

type PredicateDef struct {
	Kind      PredicateKind `json:"kind" yaml:"kind"`
	Entity    string        `json:"entity,omitempty" yaml:"entity,omitempty"`
	Tag       string        `json:"tag,omitempty" yaml:"tag,omitempty"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
}

type RewardDef struct {
	Points      int64    `json:"points,omitempty" yaml:"points,omitempty"`
	UnlockGenes []string `json:"unlock_genes,omitempty" yaml:"unlock_genes,omitempty"`
}

type MilestoneDef struct {
	ID            string       `json:"id" yaml:"id"`
	Name          string       `json:"name" yaml:"name"`
	Description   string       `json:"description,omitempty" yaml:"description,omitempty"`
	Predicate     PredicateDef `json:"predicate" yaml:"predicate"`
	Prerequisites []string     `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Reward        RewardDef    `json:"reward" yaml:"reward"`
}

// CatalogDocument is the authored content bundle consumed by the catalog
// package.
type CatalogDocument struct {
	VersionedRecord `yaml:",inline"`
	Name            string          `json:"name" yaml:"name"`
	Entities        []EntityDef     `json:"entities" yaml:"entities"`
	Effects         []EffectDef     `json:"effects" yaml:"effects"`
	GenomeTypes     []GenomeTypeDef `json:"genome_types" yaml:"genome_types"`
	Genes           []GeneDef       `json:"genes" yaml:"genes"`
	Milestones      []MilestoneDef  `json:"milestones" yaml:"milestones"`
}
