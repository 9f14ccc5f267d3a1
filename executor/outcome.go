package executor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/retry"
	"github.com/hupe1980/schemareg/staging"
)

// Class groups failures by cause.
type Class string

const (
	ClassTransient       Class = "transient"
	ClassHashCollision   Class = "hash_collision"
	ClassNotFound        Class = "not_found"
	ClassPayloadTooLarge Class = "payload_too_large"
	ClassInvalid         Class = "invalid"
	ClassNotStaged       Class = "not_staged"
	ClassOther           Class = "other"
)

// Classify maps an error to its Class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, repository.ErrHashCollision):
		return ClassHashCollision
	case errors.Is(err, repository.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, repository.ErrPayloadTooLarge):
		return ClassPayloadTooLarge
	case errors.Is(err, repository.ErrInvalidStatement):
		return ClassInvalid
	case errors.Is(err, staging.ErrNotStaged):
		return ClassNotStaged
	case errors.Is(err, repository.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ClassTransient
	}
	return ClassOther
}

// Outcome summarizes one run.
type Outcome struct {
	// Pending is the number of entries pending when the run started.
	Pending int
	// Succeeded and Failed count repository writes.
	Succeeded int
	Failed    int
	// Skipped counts alleles not written because the locus already had
	// their sequence.
	Skipped int
	// Remaining is the number of entries still pending afterwards.
	Remaining int
	// Failures lists the affected entity URIs per failure class.
	Failures map[Class][]string
}

// Complete reports whether the run left nothing pending.
func (o Outcome) Complete() bool { return o.Remaining == 0 }

type recorder struct {
	mu sync.Mutex
	o  Outcome
}

func (r *recorder) succeeded(n int) {
	r.mu.Lock()
	r.o.Succeeded += n
	r.mu.Unlock()
}

func (r *recorder) skipped(n int) {
	r.mu.Lock()
	r.o.Skipped += n
	r.mu.Unlock()
}

func (r *recorder) failed(err error, entities ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.o.Failed++
	if r.o.Failures == nil {
		r.o.Failures = make(map[Class][]string)
	}
	c := Classify(err)
	r.o.Failures[c] = append(r.o.Failures[c], entities...)
}

func (r *recorder) outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.o
	if len(out.Failures) > 0 {
		failures := make(map[Class][]string, len(out.Failures))
		for c, ids := range out.Failures {
			ids = append([]string(nil), ids...)
			sort.Strings(ids)
			failures[c] = ids
		}
		out.Failures = failures
	}
	return out
}
