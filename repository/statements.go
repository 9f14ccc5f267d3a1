package repository

import (
	"strconv"
	"time"

	"github.com/hupe1980/schemareg/model"
)

// Builder renders entity writes into statements for one namespace.
type Builder struct {
	NS model.Namespace
}

// NewBuilder returns a Builder for ns.
func NewBuilder(ns model.Namespace) Builder {
	return Builder{NS: ns}
}

// InsertSchema creates a schema node in the Unlocked state.
func (b Builder) InsertSchema(s model.Schema) Statement {
	uri := b.NS.Schema(s.Ref)
	lock := s.Lock
	if lock == "" {
		lock = model.Unlocked
	}
	modified := s.LastModified
	if modified.IsZero() {
		modified = s.CreatedAt
	}
	return Insert(
		Triple{uri, RDFType, IRI(ClassSchema)},
		Triple{uri, PredName, Literal(s.Name)},
		Triple{uri, PredIsOfTaxon, IRI(b.NS.Species(s.Ref.Species))},
		Triple{uri, PredAdministrated, IRI(b.NS.User(s.Owner))},
		Triple{uri, PredLock, Literal(string(lock))},
		Triple{uri, PredLastModified, Time(modified)},
	)
}

// TouchSchema replaces the lastModified fact. The delete must be applied
// before the insert.
func (b Builder) TouchSchema(ref model.SchemaRef, at time.Time) (Statement, Statement) {
	uri := b.NS.Schema(ref)
	return Delete(Pattern{Subject: uri, Predicate: PredLastModified}),
		Insert(Triple{uri, PredLastModified, Time(at)})
}

// InsertLocus creates a locus node.
func (b Builder) InsertLocus(l model.Locus) Statement {
	uri := b.NS.Locus(l.ID)
	origin := l.Origin
	if origin == "" {
		origin = "N/A"
	}
	return Insert(
		Triple{uri, RDFType, IRI(ClassLocus)},
		Triple{uri, PredName, Literal(l.Name)},
		Triple{uri, PredIdentifier, Int(int(l.ID))},
		Triple{uri, PredOrigin, Literal(origin)},
	)
}

// LinkSpecies links a locus to its species subgraph.
func (b Builder) LinkSpecies(locus model.LocusID, species int) Statement {
	return Insert(Triple{b.NS.Locus(locus), PredIsOfTaxon, IRI(b.NS.Species(species))})
}

// LinkSchema links a locus into a schema at position index.
func (b Builder) LinkSchema(ref model.SchemaRef, locus model.LocusID, index int) Statement {
	part := b.NS.SchemaPart(ref, locus)
	return Insert(
		Triple{b.NS.Schema(ref), PredHasSchemaPart, IRI(part)},
		Triple{part, RDFType, IRI(ClassSchemaPart)},
		Triple{part, PredHasLocus, IRI(b.NS.Locus(locus))},
		Triple{part, PredIndex, Int(index)},
		Triple{part, PredDeprecated, Bool(false)},
	)
}

// AlleleRow is one allele to insert.
type AlleleRow struct {
	Locus      model.LocusID
	ID         model.AlleleID
	Residues   string
	Hash       model.SequenceHash
	Submitter  string
	InsertedAt time.Time
}

// InsertAlleles creates allele nodes and their sequence records. Sequence
// facts are shared: re-inserting an existing sequence adds nothing.
func (b Builder) InsertAlleles(rows ...AlleleRow) Statement {
	triples := make([]Triple, 0, len(rows)*(AlleleFacts+SequenceFacts))
	for _, r := range rows {
		seq := b.NS.Sequence(r.Hash)
		uri := b.NS.Allele(r.Locus, r.ID)
		triples = append(triples,
			Triple{seq, RDFType, IRI(ClassSequence)},
			Triple{seq, PredResidues, Literal(r.Residues)},
			Triple{uri, RDFType, IRI(ClassAllele)},
			Triple{uri, PredIsOfLocus, IRI(b.NS.Locus(r.Locus))},
			Triple{uri, PredHasSequence, IRI(seq)},
			Triple{uri, PredSentBy, IRI(b.NS.User(r.Submitter))},
			Triple{uri, PredDateEntered, Time(r.InsertedAt)},
			Triple{uri, PredAlleleID, Int(int(r.ID))},
		)
	}
	return Insert(triples...)
}

// DeleteAllele removes every fact of one allele. The sequence is kept.
func (b Builder) DeleteAllele(locus model.LocusID, id model.AlleleID) Statement {
	return Delete(Pattern{Subject: b.NS.Allele(locus, id)})
}

// DeleteLocus removes the locus node but not its links.
func (b Builder) DeleteLocus(id model.LocusID) Statement {
	uri := b.NS.Locus(id)
	return Delete(
		Pattern{Subject: uri, Predicate: RDFType},
		Pattern{Subject: uri, Predicate: PredName},
		Pattern{Subject: uri, Predicate: PredIdentifier},
		Pattern{Subject: uri, Predicate: PredOrigin},
	)
}

// UnlinkSpecies removes the locus→species link.
func (b Builder) UnlinkSpecies(id model.LocusID) Statement {
	return Delete(Pattern{Subject: b.NS.Locus(id), Predicate: PredIsOfTaxon})
}

// UnlinkSchema removes the locus→schema link node.
func (b Builder) UnlinkSchema(ref model.SchemaRef, id model.LocusID) Statement {
	part := b.NS.SchemaPart(ref, id)
	return Delete(
		Pattern{Subject: b.NS.Schema(ref), Predicate: PredHasSchemaPart, Object: part},
		Pattern{Subject: part},
	)
}

// DeprecateLink flips the deprecation marker of a schema link.
func (b Builder) DeprecateLink(ref model.SchemaRef, id model.LocusID) (Statement, Statement) {
	part := b.NS.SchemaPart(ref, id)
	return Delete(Pattern{Subject: part, Predicate: PredDeprecated}),
		Insert(Triple{part, PredDeprecated, Bool(true)})
}

// DeleteSchema removes the schema node itself.
func (b Builder) DeleteSchema(ref model.SchemaRef) Statement {
	return Delete(Pattern{Subject: b.NS.Schema(ref)})
}

// ParseInt parses an integer literal.
func ParseInt(t Term) (int, bool) {
	n, err := strconv.Atoi(t.Value)
	return n, err == nil
}
