package deletion

import (
	"sort"
	"sync"

	"github.com/hupe1980/schemareg/repository"
)

// Step is one stage of a cascading deletion.
type Step int

const (
	StepAlleles Step = iota + 1
	StepLoci
	StepSpeciesLinks
	StepSchemaLinks
	StepArtifacts
	StepSchema
)

func (s Step) String() string {
	switch s {
	case StepAlleles:
		return "alleles"
	case StepLoci:
		return "loci"
	case StepSpeciesLinks:
		return "species_links"
	case StepSchemaLinks:
		return "schema_links"
	case StepArtifacts:
		return "artifacts"
	case StepSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// ratio returns the facts one entity of the step carries.
func (s Step) ratio() int {
	switch s {
	case StepAlleles:
		return repository.AlleleFacts
	case StepLoci:
		return repository.LocusFacts
	case StepSpeciesLinks:
		return repository.SpeciesLinkFacts
	case StepSchemaLinks:
		return repository.SchemaLinkFacts
	case StepSchema:
		return repository.SchemaFacts
	default:
		return 0
	}
}

// Receipt reports what a deletion removed. Entity counts are derived from
// the removed facts and the fixed number of facts per entity type.
type Receipt struct {
	Schema       int
	Loci         int
	SpeciesLinks int
	SchemaLinks  int
	Alleles      int
	TotalFacts   int
	// Failed lists the entities whose delete gave up, per step.
	Failed map[Step][]string
}

// Complete reports whether nothing failed.
func (r Receipt) Complete() bool { return len(r.Failed) == 0 }

// FailedCount returns the number of failed entities across all steps.
func (r Receipt) FailedCount() int {
	n := 0
	for _, ids := range r.Failed {
		n += len(ids)
	}
	return n
}

type tally struct {
	mu     sync.Mutex
	facts  map[Step]int
	failed map[Step][]string
}

func newTally() *tally {
	return &tally{facts: make(map[Step]int), failed: make(map[Step][]string)}
}

func (t *tally) removed(s Step, n int) {
	t.mu.Lock()
	t.facts[s] += n
	t.mu.Unlock()
}

func (t *tally) fail(s Step, ids ...string) {
	t.mu.Lock()
	t.failed[s] = append(t.failed[s], ids...)
	t.mu.Unlock()
}

func (t *tally) failures(steps ...Step) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range steps {
		n += len(t.failed[s])
	}
	return n
}

func (t *tally) receipt() Receipt {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := func(s Step) int { return t.facts[s] / s.ratio() }
	r := Receipt{
		Schema:       count(StepSchema),
		Loci:         count(StepLoci),
		SpeciesLinks: count(StepSpeciesLinks),
		SchemaLinks:  count(StepSchemaLinks),
		Alleles:      count(StepAlleles),
	}
	for s, n := range t.facts {
		if s.ratio() > 0 {
			r.TotalFacts += n
		}
	}
	if len(t.failed) > 0 {
		r.Failed = make(map[Step][]string, len(t.failed))
		for s, ids := range t.failed {
			ids = append([]string(nil), ids...)
			sort.Strings(ids)
			r.Failed[s] = ids
		}
	}
	return r
}
