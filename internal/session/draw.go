package session

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/google/uuid"

	"viralsandbox/internal/catalog"
)

// newSeed derives a draw seed from a random uuid.
func newSeed() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// newRNG returns the generator of one draw. Every draw point of a session
// owns a stream, so a replay under the same seed draws the same genes.
func newRNG(seed uint64, stream int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(stream)))
}

// drawGenes samples up to count catalog genes that are neither in hand nor
// installed. The pool keeps catalog order before sampling.
func drawGenes(cat *catalog.Catalog, rng *rand.Rand, hand, installed []string, count int) []string {
	if count <= 0 {
		return nil
	}
	pool := make([]string, 0, len(cat.GeneIDs()))
	for _, id := range cat.GeneIDs() {
		if contains(hand, id) || contains(installed, id) {
			continue
		}
		pool = append(pool, id)
	}
	if count > len(pool) {
		count = len(pool)
	}
	for i := 0; i < count; i++ {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:count]
}

func removeGene(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
