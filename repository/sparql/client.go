// Package sparql implements the graph repository on top of a SPARQL 1.1
// endpoint (Virtuoso, Fuseki, GraphDB).
//
// Statements are sent as SPARQL Update requests. Fact counts are obtained
// with a counting query issued before each update. The lock swap is a single
// conditional DELETE/INSERT ... WHERE update, so it is atomic on the server.
// Inserts of content-addressed sequences are guarded the same way and read
// back, so two different residue values never end up under one hash.
package sparql

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
)

var (
	_ repository.Repository = (*Client)(nil)
	_ repository.LockStore  = (*Client)(nil)
)

// Options configures a Client.
type Options struct {
	// QueryEndpoint receives SPARQL queries.
	QueryEndpoint string
	// UpdateEndpoint receives SPARQL updates. Defaults to QueryEndpoint.
	UpdateEndpoint string
	// Graph is the named graph all facts live in. Empty uses the default graph.
	Graph string

	Username string
	Password string

	// Timeout bounds a request when the context carries no deadline.
	Timeout time.Duration
	// MaxConns caps concurrent connections. Every worker goroutine gets its
	// own pooled connection up to this cap.
	MaxConns int

	// Dial overrides the network dialer (used by tests).
	Dial func(addr string) (net.Conn, error)
}

// DefaultOptions returns sane defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:  30 * time.Second,
		MaxConns: 64,
	}
}

// Client talks to a SPARQL endpoint.
type Client struct {
	ns   model.Namespace
	opts Options
	http *fasthttp.Client
	auth string
}

// New creates a Client for endpoint.
func New(ns model.Namespace, endpoint string, optFns ...func(o *Options)) *Client {
	opts := DefaultOptions()
	opts.QueryEndpoint = endpoint
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.UpdateEndpoint == "" {
		opts.UpdateEndpoint = opts.QueryEndpoint
	}

	c := &Client{
		ns:   ns,
		opts: opts,
		http: &fasthttp.Client{
			Name:            "schemareg",
			MaxConnsPerHost: opts.MaxConns,
			ReadTimeout:     opts.Timeout,
			WriteTimeout:    opts.Timeout,
			Dial:            opts.Dial,
		},
	}
	if opts.Username != "" {
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.Username+":"+opts.Password))
	}
	return c
}

// Namespace returns the namespace URIs are minted in.
func (c *Client) Namespace() model.Namespace { return c.ns }

// HTTPError is returned for unexpected endpoint responses.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sparql: endpoint returned %d: %s", e.Status, e.Body)
}

// Unwrap maps the status to the repository error taxonomy.
func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case fasthttp.StatusRequestEntityTooLarge:
		return repository.ErrPayloadTooLarge
	case fasthttp.StatusBadRequest:
		return repository.ErrInvalidStatement
	case fasthttp.StatusNotFound:
		return repository.ErrNotFound
	default:
		if e.Status == fasthttp.StatusTooManyRequests || e.Status >= 500 {
			return repository.ErrUnavailable
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, endpoint, contentType, body string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	req.Header.Set("Accept", "application/sparql-results+json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}
	req.SetBodyString(body)

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.opts.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("sparql: %w: %v", repository.ErrUnavailable, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		b := resp.Body()
		if len(b) > 256 {
			b = b[:256]
		}
		return nil, &HTTPError{Status: status, Body: string(b)}
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

func (c *Client) update(ctx context.Context, update string) error {
	_, err := c.do(ctx, c.opts.UpdateEndpoint, "application/sparql-update", update)
	return err
}

type binding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
}

type results struct {
	Results struct {
		Bindings []map[string]binding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean,omitempty"`
}

func (c *Client) query(ctx context.Context, q string) ([]map[string]binding, error) {
	body, err := c.do(ctx, c.opts.QueryEndpoint, "application/sparql-query", q)
	if err != nil {
		return nil, err
	}
	var r results
	if err := gojson.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("sparql: decode results: %w", err)
	}
	return r.Results.Bindings, nil
}

func (c *Client) count(ctx context.Context, q string) (int, error) {
	rows, err := c.query(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(rows[0]["n"].Value)
	if err != nil {
		return 0, fmt.Errorf("sparql: count: %w", err)
	}
	return n, nil
}

// Apply implements repository.Writer.
func (c *Client) Apply(ctx context.Context, st repository.Statement) (int, error) {
	switch st.Op {
	case repository.OpInsert:
		return c.insert(ctx, st.Triples)
	case repository.OpDelete:
		return c.delete(ctx, st.Patterns)
	default:
		return 0, fmt.Errorf("%w: unknown op %d", repository.ErrInvalidStatement, st.Op)
	}
}

func (c *Client) insert(ctx context.Context, triples []repository.Triple) (int, error) {
	if len(triples) == 0 {
		return 0, nil
	}
	uniq := make([]repository.Triple, 0, len(triples))
	seen := make(map[repository.Triple]struct{}, len(triples))
	var functional []repository.Triple
	incoming := make(map[string]string)
	for _, t := range triples {
		if t.Subject == "" || t.Predicate == "" {
			return 0, fmt.Errorf("%w: empty subject or predicate", repository.ErrInvalidStatement)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		uniq = append(uniq, t)
		if repository.Functional(t.Predicate) {
			if prev, ok := incoming[t.Subject]; ok && prev != t.Object.Value {
				return 0, &repository.CollisionError{Subject: t.Subject, Existing: prev, Incoming: t.Object.Value}
			}
			incoming[t.Subject] = t.Object.Value
			functional = append(functional, t)
		}
	}

	if len(functional) > 0 {
		// fast rejection before any write
		if err := c.checkFunctional(ctx, functional, incoming); err != nil {
			return 0, err
		}
	}

	existing, err := c.count(ctx, renderExisting(c.opts.Graph, uniq))
	if err != nil {
		return 0, err
	}
	if len(functional) == 0 {
		if err := c.update(ctx, renderInsert(c.opts.Graph, uniq)); err != nil {
			return 0, err
		}
		return len(uniq) - existing, nil
	}

	// The guarded insert is a no-op when a functional fact already holds a
	// different object. Reading back tells whether it took effect, or
	// whether a concurrent writer got there first.
	if err := c.update(ctx, renderGuardedInsert(c.opts.Graph, uniq, functional)); err != nil {
		return 0, err
	}
	if err := c.checkFunctional(ctx, functional, incoming); err != nil {
		return 0, err
	}
	return len(uniq) - existing, nil
}

// checkFunctional fails with a CollisionError if a stored functional fact
// differs from the incoming one.
func (c *Client) checkFunctional(ctx context.Context, functional []repository.Triple, incoming map[string]string) error {
	rows, err := c.query(ctx, renderFunctional(c.opts.Graph, functional))
	if err != nil {
		return err
	}
	for _, row := range rows {
		subject, stored := row["s"].Value, row["o"].Value
		if want, ok := incoming[subject]; ok && want != stored {
			return &repository.CollisionError{Subject: subject, Existing: stored, Incoming: want}
		}
	}
	return nil
}

func (c *Client) delete(ctx context.Context, patterns []repository.Pattern) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	for _, p := range patterns {
		if p.Subject == "" && p.Predicate == "" && p.Object == "" {
			return 0, fmt.Errorf("%w: unbounded delete pattern", repository.ErrInvalidStatement)
		}
	}
	n, err := c.count(ctx, renderCount(c.opts.Graph, patterns))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.update(ctx, renderDelete(c.opts.Graph, patterns)); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) from() string {
	if c.opts.Graph == "" {
		return ""
	}
	return "FROM " + iri(c.opts.Graph) + "\n"
}

func (c *Client) properties(ctx context.Context, subject string) (map[string][]string, error) {
	rows, err := c.query(ctx, "SELECT ?p ?o "+c.from()+"WHERE { "+iri(subject)+" ?p ?o . }")
	if err != nil {
		return nil, err
	}
	props := make(map[string][]string)
	for _, row := range rows {
		props[row["p"].Value] = append(props[row["p"].Value], row["o"].Value)
	}
	return props, nil
}

func first(props map[string][]string, pred string) string {
	if v := props[pred]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func hasType(props map[string][]string, class string) bool {
	for _, v := range props[repository.RDFType] {
		if v == class {
			return true
		}
	}
	return false
}

// Schema implements repository.Reader.
func (c *Client) Schema(ctx context.Context, ref model.SchemaRef) (model.Schema, error) {
	props, err := c.properties(ctx, c.ns.Schema(ref))
	if err != nil {
		return model.Schema{}, err
	}
	if !hasType(props, repository.ClassSchema) {
		return model.Schema{}, fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	loci, err := c.SchemaLoci(ctx, ref)
	if err != nil {
		return model.Schema{}, err
	}
	modified, _ := time.Parse(time.RFC3339Nano, first(props, repository.PredLastModified))
	return model.Schema{
		Ref:          ref,
		Name:         first(props, repository.PredName),
		Owner:        strings.TrimPrefix(first(props, repository.PredAdministrated), c.ns.User("")),
		Lock:         model.LockToken(first(props, repository.PredLock)),
		LastModified: modified,
		Loci:         loci,
	}, nil
}

// SchemaLoci implements repository.Reader.
func (c *Client) SchemaLoci(ctx context.Context, ref model.SchemaRef) ([]model.LocusID, error) {
	q := "SELECT ?locus ?index " + c.from() + "WHERE {\n" +
		iri(c.ns.Schema(ref)) + " " + iri(repository.PredHasSchemaPart) + " ?part .\n" +
		"?part " + iri(repository.PredHasLocus) + " ?locus ;\n" +
		iri(repository.PredIndex) + " ?index .\n} ORDER BY ?index"
	rows, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	type entry struct {
		id    model.LocusID
		index int
	}
	entries := make([]entry, 0, len(rows))
	for _, row := range rows {
		id, err := c.ns.ParseLocus(row["locus"].Value)
		if err != nil {
			continue
		}
		idx, _ := strconv.Atoi(row["index"].Value)
		entries = append(entries, entry{id: id, index: idx})
	}
	// Endpoints order typed literals inconsistently; sort numerically.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
	out := make([]model.LocusID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out, nil
}

// Locus implements repository.Reader.
func (c *Client) Locus(ctx context.Context, id model.LocusID) (model.Locus, error) {
	uri := c.ns.Locus(id)
	props, err := c.properties(ctx, uri)
	if err != nil {
		return model.Locus{}, err
	}
	if !hasType(props, repository.ClassLocus) {
		return model.Locus{}, fmt.Errorf("locus %d: %w", id, repository.ErrNotFound)
	}
	l := model.Locus{
		ID:     id,
		Name:   first(props, repository.PredName),
		Origin: first(props, repository.PredOrigin),
	}
	q := "SELECT ?schema ?dep " + c.from() + "WHERE {\n" +
		"?part " + iri(repository.PredHasLocus) + " " + iri(uri) + " .\n" +
		"?schema " + iri(repository.PredHasSchemaPart) + " ?part .\n" +
		"OPTIONAL { ?part " + iri(repository.PredDeprecated) + " ?dep }\n} LIMIT 1"
	rows, err := c.query(ctx, q)
	if err != nil {
		return model.Locus{}, err
	}
	if len(rows) > 0 {
		if ref, err := model.ParseSchemaRef(strings.TrimPrefix(rows[0]["schema"].Value, c.ns.Base())); err == nil {
			l.Schema = ref
			l.Deprecated = rows[0]["dep"].Value == "true"
		}
	}
	return l, nil
}

// LocusAlleles implements repository.Reader.
func (c *Client) LocusAlleles(ctx context.Context, id model.LocusID) ([]model.AlleleID, error) {
	q := "SELECT ?a " + c.from() + "WHERE { ?a " + iri(repository.PredIsOfLocus) + " " + iri(c.ns.Locus(id)) + " . }"
	rows, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]model.AlleleID, 0, len(rows))
	for _, row := range rows {
		_, a, err := c.ns.ParseAllele(row["a"].Value)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FindAllele implements repository.Reader.
func (c *Client) FindAllele(ctx context.Context, locus model.LocusID, h model.SequenceHash) (model.AlleleID, bool, error) {
	q := "SELECT ?a " + c.from() + "WHERE {\n?a " + iri(repository.PredIsOfLocus) + " " + iri(c.ns.Locus(locus)) + " ;\n" +
		iri(repository.PredHasSequence) + " " + iri(c.ns.Sequence(h)) + " .\n} LIMIT 1"
	rows, err := c.query(ctx, q)
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	_, a, err := c.ns.ParseAllele(rows[0]["a"].Value)
	if err != nil {
		return 0, false, err
	}
	return a, true, nil
}

// Sequence implements repository.Reader.
func (c *Client) Sequence(ctx context.Context, h model.SequenceHash) (string, bool, error) {
	q := "SELECT ?r " + c.from() + "WHERE { " + iri(c.ns.Sequence(h)) + " " + iri(repository.PredResidues) + " ?r . } LIMIT 1"
	rows, err := c.query(ctx, q)
	if err != nil || len(rows) == 0 {
		return "", false, err
	}
	return rows[0]["r"].Value, true, nil
}

func (c *Client) max(ctx context.Context, q string) (int, error) {
	rows, err := c.query(ctx, q)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	v := rows[0]["max"].Value
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("sparql: max: %w", err)
	}
	return n, nil
}

// MaxLocusID implements repository.Reader.
func (c *Client) MaxLocusID(ctx context.Context) (model.LocusID, error) {
	q := "SELECT (MAX(?id) AS ?max) " + c.from() + "WHERE {\n?l " + iri(repository.RDFType) + " " + iri(repository.ClassLocus) + " ;\n" +
		iri(repository.PredIdentifier) + " ?id .\n}"
	n, err := c.max(ctx, q)
	return model.LocusID(n), err
}

// MaxAlleleID implements repository.Reader.
func (c *Client) MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error) {
	q := "SELECT (MAX(?id) AS ?max) " + c.from() + "WHERE {\n?a " + iri(repository.PredIsOfLocus) + " " + iri(c.ns.Locus(locus)) + " ;\n" +
		iri(repository.PredAlleleID) + " ?id .\n}"
	n, err := c.max(ctx, q)
	return model.AlleleID(n), err
}

// LoadLock implements repository.LockStore.
func (c *Client) LoadLock(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	tok, _, err := c.loadLock(ctx, ref)
	return tok, err
}

func (c *Client) loadLock(ctx context.Context, ref model.SchemaRef) (model.LockToken, string, error) {
	props, err := c.properties(ctx, c.ns.Schema(ref))
	if err != nil {
		return "", "", err
	}
	if !hasType(props, repository.ClassSchema) {
		return "", "", fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	tok := model.LockToken(first(props, repository.PredLock))
	if tok.IsUnlocked() {
		tok = model.Unlocked
	}
	return tok, first(props, repository.PredLastModified), nil
}

// CompareAndSwapLock implements repository.LockStore. The swap writes at as
// the new lastModified; the follow-up read uses it to tell our write apart
// from a concurrent swap to the same token.
func (c *Client) CompareAndSwapLock(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error) {
	if old.IsUnlocked() {
		old = model.Unlocked
	}
	stamp := repository.Time(at)
	update := renderLockSwap(c.opts.Graph, c.ns.Schema(ref), string(old), string(new), stamp)
	if err := c.update(ctx, update); err != nil {
		return false, err
	}
	tok, modified, err := c.loadLock(ctx, ref)
	if err != nil {
		return false, err
	}
	return tok == new && modified == stamp.Value, nil
}
