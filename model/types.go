package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LocusID is the globally unique identifier of a locus.
type LocusID int

// AlleleID identifies an allele within its locus. It is not globally unique.
type AlleleID int

// SchemaRef names one schema of one species.
type SchemaRef struct {
	Species int
	Schema  int
}

// String returns the stable textual form "species/<id>/schemas/<id>".
func (r SchemaRef) String() string {
	return fmt.Sprintf("species/%d/schemas/%d", r.Species, r.Schema)
}

// IsZero reports whether r is unset.
func (r SchemaRef) IsZero() bool {
	return r.Species == 0 && r.Schema == 0
}

// ParseSchemaRef parses the output of SchemaRef.String.
func ParseSchemaRef(s string) (SchemaRef, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 4 || parts[0] != "species" || parts[2] != "schemas" {
		return SchemaRef{}, fmt.Errorf("invalid schema reference %q", s)
	}
	sp, err := strconv.Atoi(parts[1])
	if err != nil {
		return SchemaRef{}, fmt.Errorf("invalid species id in %q: %w", s, err)
	}
	sc, err := strconv.Atoi(parts[3])
	if err != nil {
		return SchemaRef{}, fmt.Errorf("invalid schema id in %q: %w", s, err)
	}
	return SchemaRef{Species: sp, Schema: sc}, nil
}

// LockToken is either Unlocked or the identity of the current lock owner.
type LockToken string

// Unlocked is the token value of a schema nobody holds.
const Unlocked LockToken = "Unlocked"

// IsUnlocked reports whether the token is Unlocked. The empty token is
// treated as Unlocked.
func (t LockToken) IsUnlocked() bool {
	return t == Unlocked || t == ""
}

// Owner returns the owner identity, or "" when unlocked.
func (t LockToken) Owner() string {
	if t.IsUnlocked() {
		return ""
	}
	return string(t)
}

// LockedBy returns the token held by owner.
func LockedBy(owner string) LockToken {
	return LockToken(owner)
}

// Role is the role a caller holds in the user directory.
type Role string

const (
	RoleAdmin       Role = "Admin"
	RoleContributor Role = "Contributor"
	RoleUser        Role = "User"
)

// Schema is a named collection of loci for one species.
type Schema struct {
	Ref          SchemaRef
	Name         string
	Owner        string
	Lock         LockToken
	CreatedAt    time.Time
	LastModified time.Time
	// Loci in schema order.
	Loci []LocusID
}

// Locus is one gene/genetic marker.
type Locus struct {
	ID     LocusID
	Name   string
	Origin string
	// Schema is the home schema. Zero if the locus is not linked yet.
	Schema     SchemaRef
	Deprecated bool
}

// Allele is one known sequence variant of a locus.
type Allele struct {
	Locus      LocusID
	ID         AlleleID
	Sequence   SequenceHash
	Submitter  string
	InsertedAt time.Time
}

// Sequence is a content-addressed residue string.
type Sequence struct {
	Hash     SequenceHash
	Residues string
}

// LocusBatch is one locus worth of uploaded data as produced by the schema
// adaptation step: a locus name, annotation and its allele sequences.
type LocusBatch struct {
	Name   string
	Origin string
	// Existing is set for incremental submissions to a locus that already
	// exists in the repository. Locus creation and linking are skipped.
	Existing  LocusID
	Sequences []string
}
