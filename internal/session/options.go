package session

import (
	"log"

	"github.com/google/uuid"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

const DefaultStartingPoints int64 = 100

type Victory = model.Victory

type Options struct {
	ID string
	// StartingPoints is granted at session start; zero selects
	// DefaultStartingPoints.
	StartingPoints int64
	MaxRounds      int
	Victory        Victory
	RefundPolicy   model.RefundPolicy
	// GenomeType preselects a genome free of charge.
	GenomeType string
	// HandSize genes are drawn at session start and OfferPerRound more
	// after every round. Zero disables the hand.
	HandSize      int
	OfferPerRound int
	// Seed drives the gene draws; zero picks a random seed when the hand is
	// enabled.
	Seed   uint64
	Logger *log.Logger
}

// OptionsFromRules rebuilds options from persisted rules.
func OptionsFromRules(id string, rules model.SessionRules) Options {
	return Options{
		ID:             id,
		StartingPoints: rules.StartingPoints,
		MaxRounds:      rules.MaxRounds,
		Victory:        rules.Victory,
		RefundPolicy:   rules.RefundPolicy,
		GenomeType:     rules.GenomeType,
		HandSize:       rules.HandSize,
		OfferPerRound:  rules.OfferPerRound,
		Seed:           rules.Seed,
	}
}

func (o Options) Rules() model.SessionRules {
	return model.SessionRules{
		StartingPoints: o.StartingPoints,
		MaxRounds:      o.MaxRounds,
		Victory:        o.Victory,
		RefundPolicy:   o.RefundPolicy,
		GenomeType:     o.GenomeType,
		HandSize:       o.HandSize,
		OfferPerRound:  o.OfferPerRound,
		Seed:           o.Seed,
	}
}

func (o Options) handEnabled() bool { return o.HandSize > 0 }

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.StartingPoints == 0 {
		o.StartingPoints = DefaultStartingPoints
	}
	if o.RefundPolicy == "" {
		o.RefundPolicy = model.RefundDisabled
	}
	if o.handEnabled() && o.Seed == 0 {
		o.Seed = newSeed()
	}
	return o
}

func (o Options) validate(cat *catalog.Catalog) error {
	if o.StartingPoints < 0 {
		return simerr.New(simerr.KindInvalidAmount, "", "starting points %d is negative", o.StartingPoints)
	}
	if o.MaxRounds < 0 {
		return simerr.New(simerr.KindInvalidAmount, "", "max rounds %d is negative", o.MaxRounds)
	}
	if o.HandSize < 0 {
		return simerr.New(simerr.KindInvalidAmount, "", "hand size %d is negative", o.HandSize)
	}
	if o.OfferPerRound < 0 {
		return simerr.New(simerr.KindInvalidAmount, "", "offer per round %d is negative", o.OfferPerRound)
	}
	if o.OfferPerRound > 0 && !o.handEnabled() {
		return simerr.New(simerr.KindUnsupported, "", "gene offers need a hand size")
	}
	switch o.RefundPolicy {
	case model.RefundDisabled, model.RefundNone, model.RefundFull:
	default:
		return simerr.New(simerr.KindUnsupported, string(o.RefundPolicy), "unknown refund policy")
	}
	if o.GenomeType != "" {
		if _, ok := cat.GenomeType(o.GenomeType); !ok {
			return simerr.New(simerr.KindUnknownReference, o.GenomeType, "unknown genome type")
		}
	}
	if o.Victory.Entity != "" && o.Victory.Tag != "" {
		return simerr.New(simerr.KindUnsupported, o.Victory.Entity, "victory names both an entity and a tag")
	}
	if o.Victory.Entity != "" {
		if _, ok := cat.Entity(o.Victory.Entity); !ok {
			return simerr.New(simerr.KindUnknownReference, o.Victory.Entity, "unknown victory entity")
		}
	}
	if o.Victory.Tag != "" && len(cat.TaggedEntities(o.Victory.Tag)) == 0 {
		return simerr.New(simerr.KindUnknownReference, o.Victory.Tag, "no entity carries victory tag")
	}
	if o.Victory.Enabled() && o.Victory.Threshold <= 0 {
		return simerr.New(simerr.KindInvalidAmount, "", "victory threshold must be > 0")
	}
	return nil
}
