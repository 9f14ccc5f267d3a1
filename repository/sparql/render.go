package sparql

import (
	"strings"

	"github.com/hupe1980/schemareg/repository"
)

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func iri(v string) string {
	return "<" + v + ">"
}

func term(t repository.Term) string {
	if t.Kind == repository.KindIRI {
		return iri(t.Value)
	}
	lit := `"` + literalEscaper.Replace(t.Value) + `"`
	if t.Datatype == "" || t.Datatype == repository.XSDString {
		return lit
	}
	return lit + "^^" + iri(t.Datatype)
}

func writeTriple(sb *strings.Builder, t repository.Triple) {
	sb.WriteString(iri(t.Subject))
	sb.WriteByte(' ')
	sb.WriteString(iri(t.Predicate))
	sb.WriteByte(' ')
	sb.WriteString(term(t.Object))
	sb.WriteString(" .\n")
}

// graphBlock wraps body in a GRAPH clause when graph is set.
func graphBlock(graph, body string) string {
	if graph == "" {
		return body
	}
	return "GRAPH " + iri(graph) + " {\n" + body + "}\n"
}

func renderInsert(graph string, triples []repository.Triple) string {
	var body strings.Builder
	for _, t := range triples {
		writeTriple(&body, t)
	}
	return "INSERT DATA {\n" + graphBlock(graph, body.String()) + "}"
}

// patternWhere renders p as a triple pattern with variables for wildcards.
func patternWhere(p repository.Pattern) string {
	s, pr, o := "?s", "?p", "?o"
	if p.Subject != "" {
		s = iri(p.Subject)
	}
	if p.Predicate != "" {
		pr = iri(p.Predicate)
	}
	if p.Object != "" {
		// Patterns select by object value; every object the registry matches
		// on is an IRI.
		o = iri(p.Object)
	}
	return s + " " + pr + " " + o + " ."
}

func renderDelete(graph string, patterns []repository.Pattern) string {
	ops := make([]string, 0, len(patterns))
	for _, p := range patterns {
		ops = append(ops, "DELETE WHERE {\n"+graphBlock(graph, patternWhere(p)+"\n")+"}")
	}
	return strings.Join(ops, " ;\n")
}

func renderCount(graph string, patterns []repository.Pattern) string {
	unions := make([]string, 0, len(patterns))
	for _, p := range patterns {
		unions = append(unions, "{ "+patternWhere(p)+" }")
	}
	return "SELECT (COUNT(*) AS ?n) WHERE {\n" +
		graphBlock(graph, strings.Join(unions, " UNION ")+"\n") + "}"
}

// renderExisting counts how many of triples are already stored.
func renderExisting(graph string, triples []repository.Triple) string {
	var values strings.Builder
	for _, t := range triples {
		values.WriteString("(" + iri(t.Subject) + " " + iri(t.Predicate) + " " + term(t.Object) + ")\n")
	}
	return "SELECT (COUNT(*) AS ?n) WHERE {\nVALUES (?s ?p ?o) {\n" + values.String() + "}\n" +
		graphBlock(graph, "?s ?p ?o .\n") + "}"
}

// renderFunctional selects the stored objects of functional facts.
func renderFunctional(graph string, triples []repository.Triple) string {
	var values strings.Builder
	for _, t := range triples {
		values.WriteString("(" + iri(t.Subject) + " " + iri(t.Predicate) + ")\n")
	}
	return "SELECT ?s ?o WHERE {\nVALUES (?s ?p) {\n" + values.String() + "}\n" +
		graphBlock(graph, "?s ?p ?o .\n") + "}"
}

// renderGuardedInsert inserts triples unless one of the functional facts
// already holds a different object.
func renderGuardedInsert(graph string, triples, functional []repository.Triple) string {
	var body, values strings.Builder
	for _, t := range triples {
		writeTriple(&body, t)
	}
	for _, t := range functional {
		values.WriteString("(" + iri(t.Subject) + " " + iri(t.Predicate) + " " + term(t.Object) + ")\n")
	}
	where := "FILTER NOT EXISTS {\nVALUES (?s ?p ?want) {\n" + values.String() + "}\n" +
		"?s ?p ?o .\nFILTER(!sameTerm(?o, ?want))\n}\n"
	if graph != "" {
		return "WITH " + iri(graph) + "\nINSERT {\n" + body.String() + "}\nWHERE {\n" + where + "}"
	}
	return "INSERT {\n" + body.String() + "}\nWHERE {\n" + where + "}"
}

func renderLockSwap(graph, schema, old, new string, at repository.Term) string {
	lock := iri(repository.PredLock)
	mod := iri(repository.PredLastModified)
	s := iri(schema)
	del := s + " " + lock + " ?old .\n" + s + " " + mod + " ?m .\n"
	ins := s + " " + lock + " " + term(repository.Literal(new)) + " .\n" + s + " " + mod + " " + term(at) + " .\n"
	where := s + " " + lock + " ?old .\nFILTER(STR(?old) = " + term(repository.Literal(old)) + ")\n" +
		"OPTIONAL { " + s + " " + mod + " ?m }\n"
	if graph != "" {
		return "WITH " + iri(graph) + "\nDELETE {\n" + del + "}\nINSERT {\n" + ins + "}\nWHERE {\n" + where + "}"
	}
	return "DELETE {\n" + del + "}\nINSERT {\n" + ins + "}\nWHERE {\n" + where + "}"
}
