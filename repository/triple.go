package repository

import (
	"strconv"
	"time"
)

// TermKind distinguishes IRIs from literals.
type TermKind uint8

const (
	KindIRI TermKind = iota
	KindLiteral
)

// XSD datatypes used for typed literals.
const (
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	XSDBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)

// Term is the object of a triple.
type Term struct {
	Kind     TermKind
	Value    string
	Datatype string
}

// IRI returns an IRI term.
func IRI(v string) Term { return Term{Kind: KindIRI, Value: v} }

// Literal returns a plain string literal.
func Literal(v string) Term { return Term{Kind: KindLiteral, Value: v, Datatype: XSDString} }

// Int returns an integer literal.
func Int(n int) Term {
	return Term{Kind: KindLiteral, Value: strconv.Itoa(n), Datatype: XSDInteger}
}

// Bool returns a boolean literal.
func Bool(b bool) Term {
	return Term{Kind: KindLiteral, Value: strconv.FormatBool(b), Datatype: XSDBoolean}
}

// Time returns a dateTime literal in UTC.
func Time(t time.Time) Term {
	return Term{Kind: KindLiteral, Value: t.UTC().Format(time.RFC3339Nano), Datatype: XSDDateTime}
}

// Triple is one fact.
type Triple struct {
	Subject   string
	Predicate string
	Object    Term
}

// Pattern selects facts for deletion. Empty fields are wildcards.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

// Matches reports whether t is selected by p.
func (p Pattern) Matches(t Triple) bool {
	if p.Subject != "" && p.Subject != t.Subject {
		return false
	}
	if p.Predicate != "" && p.Predicate != t.Predicate {
		return false
	}
	if p.Object != "" && p.Object != t.Object.Value {
		return false
	}
	return true
}

// Op is the kind of a Statement.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Statement is one write submitted to the repository. A statement is applied
// all-or-nothing.
type Statement struct {
	Op       Op
	Triples  []Triple
	Patterns []Pattern
}

// Insert returns an insert statement.
func Insert(triples ...Triple) Statement {
	return Statement{Op: OpInsert, Triples: triples}
}

// Delete returns a delete statement.
func Delete(patterns ...Pattern) Statement {
	return Statement{Op: OpDelete, Patterns: patterns}
}

// Size returns the number of triples or patterns carried.
func (s Statement) Size() int {
	if s.Op == OpInsert {
		return len(s.Triples)
	}
	return len(s.Patterns)
}
