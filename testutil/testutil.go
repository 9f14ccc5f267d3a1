package testutil

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/hupe1980/schemareg/model"
)

const bases = "ACGT"

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Sequence returns a random coding sequence of length residues. It starts
// with a start codon when length allows.
func (r *RNG) Sequence(length int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequenceLocked(length)
}

func (r *RNG) sequenceLocked(length int) string {
	var sb strings.Builder
	sb.Grow(length)
	if length >= 3 {
		sb.WriteString("ATG")
	}
	for sb.Len() < length {
		sb.WriteByte(bases[r.rand.Intn(len(bases))])
	}
	return sb.String()
}

// Variants returns n distinct sequences derived from a random template by
// point mutations, the way alleles of one locus differ.
func (r *RNG) Variants(n, length int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	template := []byte(r.sequenceLocked(length))
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for len(out) < n {
		v := append([]byte(nil), template...)
		for m := 0; m <= len(out)%4; m++ {
			pos := 3 + r.rand.Intn(len(v)-3)
			v[pos] = bases[r.rand.Intn(len(bases))]
		}
		s := string(v)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Batches returns loci locus batches named prefix_0 ... with alleles
// variants of length residues each. length must leave room for mutations.
func (r *RNG) Batches(prefix string, loci, alleles, length int) []model.LocusBatch {
	out := make([]model.LocusBatch, loci)
	for i := range out {
		out[i] = model.LocusBatch{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Sequences: r.Variants(alleles, length),
		}
	}
	return out
}

// Shuffle permutes batches in place.
func (r *RNG) Shuffle(batches []model.LocusBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
}
