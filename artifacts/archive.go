package artifacts

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/resource"
)

// Compression selects the archive codec.
type Compression uint8

const (
	CompressionZstd Compression = iota + 1
	CompressionLZ4
)

func (c Compression) suffix() string {
	switch c {
	case CompressionZstd:
		return ".tar.zst"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ""
	}
}

// File is one member of an archive.
type File struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

func archiveName(ref model.SchemaRef, c Compression) string {
	return prefix(ref) + "archive" + c.suffix()
}

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("artifacts: unknown compression %d", c)
	}
}

// WriteArchive stores files as the compressed archive of a schema,
// replacing an archive in the other codec. It returns the stored size.
func (s *Store) WriteArchive(ctx context.Context, ref model.SchemaRef, files []File) (int, error) {
	c := s.opts.Compression
	var buf bytes.Buffer
	zw, err := compressor(resource.NewRateLimitedWriter(ctx, &buf, s.opts.Resources), c)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    0o644,
			Size:    int64(len(f.Data)),
			ModTime: f.ModTime,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, fmt.Errorf("artifacts: archive %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return 0, fmt.Errorf("artifacts: archive %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	if err := s.blobs.Put(ctx, archiveName(ref, c), buf.Bytes()); err != nil {
		return 0, err
	}
	for _, other := range []Compression{CompressionZstd, CompressionLZ4} {
		if other == c {
			continue
		}
		if err := s.blobs.Delete(ctx, archiveName(ref, other)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return 0, err
		}
	}
	return buf.Len(), nil
}

// ReadArchive returns the files of the stored archive of a schema.
func (s *Store) ReadArchive(ctx context.Context, ref model.SchemaRef) ([]File, error) {
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		data, err := s.get(ctx, archiveName(ref, c))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return readArchive(data, c)
	}
	return nil, fmt.Errorf("%w: archive of %s", ErrNotFound, ref)
}

func readArchive(data []byte, c Compression) ([]File, error) {
	var r io.Reader
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	default:
		r = lz4.NewReader(bytes.NewReader(data))
	}

	var files []File
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: read archive: %w", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("artifacts: read %s: %w", hdr.Name, err)
		}
		files = append(files, File{Name: hdr.Name, Data: body, ModTime: hdr.ModTime})
	}
}
