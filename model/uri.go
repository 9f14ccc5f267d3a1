package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace derives entity URIs from a base URI.
type Namespace struct {
	base string
}

// NewNamespace returns a Namespace rooted at base. A trailing slash is added
// when missing.
func NewNamespace(base string) Namespace {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return Namespace{base: base}
}

// Base returns the base URI.
func (n Namespace) Base() string { return n.base }

// Species returns the URI of a species.
func (n Namespace) Species(id int) string {
	return fmt.Sprintf("%sspecies/%d", n.base, id)
}

// Schema returns the URI of a schema.
func (n Namespace) Schema(ref SchemaRef) string {
	return n.base + ref.String()
}

// SchemaPart returns the URI of the link node joining a schema and a locus.
func (n Namespace) SchemaPart(ref SchemaRef, locus LocusID) string {
	return fmt.Sprintf("%s/parts/%d", n.Schema(ref), locus)
}

// Locus returns the URI of a locus.
func (n Namespace) Locus(id LocusID) string {
	return fmt.Sprintf("%sloci/%d", n.base, id)
}

// Allele returns the URI of an allele.
func (n Namespace) Allele(locus LocusID, id AlleleID) string {
	return fmt.Sprintf("%s/alleles/%d", n.Locus(locus), id)
}

// Sequence returns the URI of a sequence record.
func (n Namespace) Sequence(h SequenceHash) string {
	return n.base + "sequences/" + string(h)
}

// User returns the URI of a submitter.
func (n Namespace) User(id string) string {
	return n.base + "users/" + id
}

// ParseLocus extracts the locus id from a locus URI.
func (n Namespace) ParseLocus(uri string) (LocusID, error) {
	rest, ok := strings.CutPrefix(uri, n.base+"loci/")
	if !ok || strings.Contains(rest, "/") {
		return 0, fmt.Errorf("not a locus URI: %q", uri)
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("not a locus URI: %q: %w", uri, err)
	}
	return LocusID(id), nil
}

// ParseAllele extracts the locus and allele ids from an allele URI.
func (n Namespace) ParseAllele(uri string) (LocusID, AlleleID, error) {
	rest, ok := strings.CutPrefix(uri, n.base+"loci/")
	if !ok {
		return 0, 0, fmt.Errorf("not an allele URI: %q", uri)
	}
	locusPart, allelePart, ok := strings.Cut(rest, "/alleles/")
	if !ok {
		return 0, 0, fmt.Errorf("not an allele URI: %q", uri)
	}
	l, err := strconv.Atoi(locusPart)
	if err != nil {
		return 0, 0, fmt.Errorf("not an allele URI: %q: %w", uri, err)
	}
	a, err := strconv.Atoi(allelePart)
	if err != nil {
		return 0, 0, fmt.Errorf("not an allele URI: %q: %w", uri, err)
	}
	return LocusID(l), AlleleID(a), nil
}
