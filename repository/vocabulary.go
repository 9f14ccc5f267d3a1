package repository

// Vocabulary used for every fact written by schemareg.
const (
	RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

	Typon = "http://purl.phyloviz.net/ontology/typon#"

	ClassSchema     = Typon + "Schema"
	ClassSchemaPart = Typon + "SchemaPart"
	ClassLocus      = Typon + "Locus"
	ClassAllele     = Typon + "Allele"
	ClassSequence   = Typon + "Sequence"

	PredName          = Typon + "name"
	PredIdentifier    = Typon + "identifier"
	PredOrigin        = Typon + "origin"
	PredIsOfTaxon     = Typon + "isOfTaxon"
	PredAdministrated = Typon + "administratedBy"
	PredLock          = Typon + "lockStatus"
	PredLastModified  = Typon + "lastModified"
	PredHasSchemaPart = Typon + "hasSchemaPart"
	PredHasLocus      = Typon + "hasLocus"
	PredIndex         = Typon + "index"
	PredDeprecated    = Typon + "deprecated"
	PredIsOfLocus     = Typon + "isOfLocus"
	PredHasSequence   = Typon + "hasSequence"
	PredSentBy        = Typon + "sentBy"
	PredDateEntered   = Typon + "dateEntered"
	PredAlleleID      = Typon + "id"
	PredResidues      = Typon + "nucleotideSequence"
)

// Facts written per entity. Deletion receipts are derived from these.
const (
	SchemaFacts      = 6 // type, name, taxon, owner, lock, lastModified
	LocusFacts       = 4 // type, name, identifier, origin
	SpeciesLinkFacts = 1 // locus isOfTaxon species
	SchemaLinkFacts  = 5 // schema hasSchemaPart part; part type, hasLocus, index, deprecated
	AlleleFacts      = 6 // type, isOfLocus, hasSequence, sentBy, dateEntered, id
	SequenceFacts    = 2 // type, residues
)

// Functional reports whether a predicate admits a single object per subject.
// Inserting a second, different object is rejected.
func Functional(predicate string) bool {
	return predicate == PredResidues
}
