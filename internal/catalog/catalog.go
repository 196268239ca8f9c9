// Package catalog holds the immutable content definitions a session plays
// against: entities, effects, genome types, genes and milestones.
//
// A Catalog is only ever built through New (or the Parse/Load helpers), which
// validates referential integrity first. After construction nothing mutates
// it, so one Catalog may be shared by any number of sessions.
package catalog

import (
	"sort"

	"viralsandbox/internal/model"
)

type Catalog struct {
	name string
	doc  model.CatalogDocument

	entities    map[string]model.EntityDef
	effects     map[string]model.EffectDef
	genomeTypes map[string]model.GenomeTypeDef
	genes       map[string]model.GeneDef
	milestones  map[string]model.MilestoneDef

	entityIDs    []string
	geneIDs      []string
	milestoneIDs []string
	genomeIDs    []string
	effectIDs    []string
	tags         map[string][]string
}

// New validates doc and builds an immutable catalog from it.
func New(doc model.CatalogDocument) (*Catalog, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	c := &Catalog{
		name:        doc.Name,
		doc:         cloneDocument(doc),
		entities:    make(map[string]model.EntityDef, len(doc.Entities)),
		effects:     make(map[string]model.EffectDef, len(doc.Effects)),
		genomeTypes: make(map[string]model.GenomeTypeDef, len(doc.GenomeTypes)),
		genes:       make(map[string]model.GeneDef, len(doc.Genes)),
		milestones:  make(map[string]model.MilestoneDef, len(doc.Milestones)),
		tags:        make(map[string][]string),
	}
	for _, e := range c.doc.Entities {
		c.entities[e.ID] = e
		c.entityIDs = append(c.entityIDs, e.ID)
		for _, tag := range e.Tags {
			c.tags[tag] = append(c.tags[tag], e.ID)
		}
	}
	for _, e := range c.doc.Effects {
		c.effects[e.ID] = e
		c.effectIDs = append(c.effectIDs, e.ID)
	}
	for _, g := range c.doc.GenomeTypes {
		c.genomeTypes[g.ID] = g
		c.genomeIDs = append(c.genomeIDs, g.ID)
	}
	for _, g := range c.doc.Genes {
		c.genes[g.ID] = g
		c.geneIDs = append(c.geneIDs, g.ID)
	}
	for _, m := range c.doc.Milestones {
		c.milestones[m.ID] = m
		c.milestoneIDs = append(c.milestoneIDs, m.ID)
	}
	sort.Strings(c.entityIDs)
	sort.Strings(c.effectIDs)
	sort.Strings(c.genomeIDs)
	sort.Strings(c.geneIDs)
	sort.Strings(c.milestoneIDs)
	for tag := range c.tags {
		sort.Strings(c.tags[tag])
	}
	return c, nil
}

func (c *Catalog) Name() string { return c.name }

// Document returns a copy of the source document, suitable for persistence.
func (c *Catalog) Document() model.CatalogDocument {
	return cloneDocument(c.doc)
}

func (c *Catalog) Entity(id string) (model.EntityDef, bool) {
	e, ok := c.entities[id]
	return e, ok
}

func (c *Catalog) Effect(id string) (model.EffectDef, bool) {
	e, ok := c.effects[id]
	return e, ok
}

func (c *Catalog) GenomeType(id string) (model.GenomeTypeDef, bool) {
	g, ok := c.genomeTypes[id]
	return g, ok
}

func (c *Catalog) Gene(id string) (model.GeneDef, bool) {
	g, ok := c.genes[id]
	return g, ok
}

func (c *Catalog) Milestone(id string) (model.MilestoneDef, bool) {
	m, ok := c.milestones[id]
	return m, ok
}

// Entities returns every entity in ascending id order.
func (c *Catalog) Entities() []model.EntityDef {
	out := make([]model.EntityDef, 0, len(c.entityIDs))
	for _, id := range c.entityIDs {
		out = append(out, c.entities[id])
	}
	return out
}

// TaggedEntities returns the ids of entities carrying tag, ascending.
func (c *Catalog) TaggedEntities(tag string) []string {
	return append([]string(nil), c.tags[tag]...)
}

func (c *Catalog) EntityIDs() []string     { return append([]string(nil), c.entityIDs...) }
func (c *Catalog) EffectIDs() []string     { return append([]string(nil), c.effectIDs...) }
func (c *Catalog) GenomeTypeIDs() []string { return append([]string(nil), c.genomeIDs...) }
func (c *Catalog) GeneIDs() []string       { return append([]string(nil), c.geneIDs...) }
func (c *Catalog) MilestoneIDs() []string  { return append([]string(nil), c.milestoneIDs...) }

// InitialPopulation builds the round-zero snapshot from base populations.
func (c *Catalog) InitialPopulation() model.PopulationSnapshot {
	counts := make(map[string]int64, len(c.entityIDs))
	for _, id := range c.entityIDs {
		counts[id] = c.entities[id].BasePopulation
	}
	return model.PopulationSnapshot{Counts: counts}
}

func cloneDocument(doc model.CatalogDocument) model.CatalogDocument {
	out := model.CatalogDocument{
		VersionedRecord: doc.VersionedRecord,
		Name:            doc.Name,
		Entities:        make([]model.EntityDef, len(doc.Entities)),
		Effects:         make([]model.EffectDef, len(doc.Effects)),
		GenomeTypes:     append([]model.GenomeTypeDef(nil), doc.GenomeTypes...),
		Genes:           make([]model.GeneDef, len(doc.Genes)),
		Milestones:      make([]model.MilestoneDef, len(doc.Milestones)),
	}
	for i, e := range doc.Entities {
		e.Tags = append([]string(nil), e.Tags...)
		out.Entities[i] = e
	}
	for i, e := range doc.Effects {
		if e.Trigger != nil {
			trigger := *e.Trigger
			e.Trigger = &trigger
		}
		out.Effects[i] = e
	}
	for i, g := range doc.Genes {
		g.Effects = append([]string(nil), g.Effects...)
		out.Genes[i] = g
	}
	for i, m := range doc.Milestones {
		m.Prerequisites = append([]string(nil), m.Prerequisites...)
		m.Reward.UnlockGenes = append([]string(nil), m.Reward.UnlockGenes...)
		out.Milestones[i] = m
	}
	return out
}
