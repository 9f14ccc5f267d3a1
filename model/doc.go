// Package model defines the core types shared by every schemareg component.
//
// # Identity Types
//
//   - SchemaRef: (species id, schema id) pair naming one schema
//   - LocusID: globally unique locus identifier
//   - AlleleID: locus-scoped allele identifier (unique within its locus only)
//   - SequenceHash: content address of a normalized residue string
//
// # Entities
//
//   - Schema: owner, lock token, last-modified timestamp, ordered loci
//   - Locus: name, origin annotation, home schema, deprecation marker
//   - Allele: sequence reference, submitter, insertion time
//   - Sequence: residues shared by any number of alleles
//
// # URIs
//
// Entities live in a graph repository and are addressed by URIs derived from
// a Namespace:
//
//	ns := model.NewNamespace("https://registry.example.org/api/")
//	ns.Schema(model.SchemaRef{Species: 1, Schema: 4}) // .../species/1/schemas/4
//	ns.Locus(17)                                     // .../loci/17
//	ns.Allele(17, 3)                                 // .../loci/17/alleles/3
//	ns.Sequence(hash)                                // .../sequences/<hash>
package model
