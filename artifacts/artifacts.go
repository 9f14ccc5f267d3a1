package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/resource"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifacts: not found")

const (
	descriptionName = "description.txt"
	reportDir       = "reports/"
)

// Options configures a Store.
type Options struct {
	// Compression of new archives.
	Compression Compression
	// Resources optionally limits archive write bandwidth.
	Resources *resource.Controller
	Logger    *slog.Logger
}

// Store manages schema artifacts.
type Store struct {
	blobs blobstore.BlobStore
	opts  Options
}

// New creates a Store on top of blobs.
func New(blobs blobstore.BlobStore, optFns ...func(o *Options)) *Store {
	opts := Options{
		Compression: CompressionZstd,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{blobs: blobs, opts: opts}
}

func prefix(ref model.SchemaRef) string {
	return fmt.Sprintf("artifacts/%d/%d/", ref.Species, ref.Schema)
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// PutDescription stores the description text of a schema.
func (s *Store) PutDescription(ctx context.Context, ref model.SchemaRef, text string) error {
	return s.blobs.Put(ctx, prefix(ref)+descriptionName, []byte(text))
}

// Description returns the description text of a schema.
func (s *Store) Description(ctx context.Context, ref model.SchemaRef) (string, error) {
	data, err := s.get(ctx, prefix(ref)+descriptionName)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func validReportName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("artifacts: invalid report name %q", name)
	}
	return nil
}

// PutReport caches a precomputed report of a schema.
func (s *Store) PutReport(ctx context.Context, ref model.SchemaRef, name string, data []byte) error {
	if err := validReportName(name); err != nil {
		return err
	}
	return s.blobs.Put(ctx, prefix(ref)+reportDir+name, data)
}

// Report returns a cached report.
func (s *Store) Report(ctx context.Context, ref model.SchemaRef, name string) ([]byte, error) {
	if err := validReportName(name); err != nil {
		return nil, err
	}
	return s.get(ctx, prefix(ref)+reportDir+name)
}

// Reports lists the cached report names of a schema.
func (s *Store) Reports(ctx context.Context, ref model.SchemaRef) ([]string, error) {
	p := prefix(ref) + reportDir
	names, err := s.blobs.List(ctx, p)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = strings.TrimPrefix(n, p)
	}
	return names, nil
}

// Remove deletes every artifact of a schema. Artifacts that are already
// gone are skipped.
func (s *Store) Remove(ctx context.Context, ref model.SchemaRef) error {
	names, err := s.blobs.List(ctx, prefix(ref))
	if err != nil {
		return fmt.Errorf("artifacts: list %s: %w", ref, err)
	}
	var errs []error
	for _, name := range names {
		if err := s.blobs.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	if len(names) > 0 {
		s.opts.Logger.Info("schema artifacts removed", slog.String("schema", ref.String()), slog.Int("blobs", len(names)))
	}
	return errors.Join(errs...)
}
