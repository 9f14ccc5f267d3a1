// Package staging keeps uploaded allele batches until they are written to
// the repository.
//
// A batch is stored as a FASTA file, zstd-compressed, under
// staging/species/<id>/schemas/<id>/<batch>.fasta.zst in a blob store. The
// import manifest only records allelesStaged after the batch is durable
// here, so a restarted import can always reload it.
package staging

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/model"
)

// ErrNotStaged is returned by Get for unknown batches.
var ErrNotStaged = errors.New("staging: batch not staged")

// zstd encoder/decoder pools
var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	return enc
}

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Area is a staging area on top of a blob store.
type Area struct {
	store blobstore.BlobStore
}

// New creates an Area.
func New(store blobstore.BlobStore) *Area {
	return &Area{store: store}
}

func prefix(ref model.SchemaRef) string {
	return "staging/" + ref.String() + "/"
}

func blobName(ref model.SchemaRef, key string) string {
	return prefix(ref) + key + ".fasta.zst"
}

// Put stores sequences under key. Storing the same key again overwrites it.
func (a *Area) Put(ctx context.Context, ref model.SchemaRef, key string, sequences []string) error {
	enc := getEncoder()
	defer encoderPool.Put(enc)

	data := enc.EncodeAll(EncodeFASTA(sequences), nil)
	if err := a.store.Put(ctx, blobName(ref, key), data); err != nil {
		return fmt.Errorf("staging: put %s: %w", key, err)
	}
	return nil
}

// Get loads the sequences stored under key, in upload order.
func (a *Area) Get(ctx context.Context, ref model.SchemaRef, key string) ([]string, error) {
	data, err := a.store.Get(ctx, blobName(ref, key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotStaged, key)
		}
		return nil, fmt.Errorf("staging: get %s: %w", key, err)
	}

	dec := getDecoder()
	defer decoderPool.Put(dec)

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("staging: decompress %s: %w", key, err)
	}
	return DecodeFASTA(raw)
}

// Drop removes every batch staged for ref.
func (a *Area) Drop(ctx context.Context, ref model.SchemaRef) error {
	names, err := a.store.List(ctx, prefix(ref))
	if err != nil {
		return fmt.Errorf("staging: list %s: %w", ref, err)
	}
	for _, name := range names {
		if err := a.store.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("staging: delete %s: %w", name, err)
		}
	}
	return nil
}

// EncodeFASTA renders sequences as FASTA records named by their 1-based
// ordinal.
func EncodeFASTA(sequences []string) []byte {
	var buf bytes.Buffer
	for i, s := range sequences {
		buf.WriteByte('>')
		buf.WriteString(strconv.Itoa(i + 1))
		buf.WriteByte('\n')
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// DecodeFASTA parses FASTA records. Sequence lines of one record are joined.
func DecodeFASTA(data []byte) ([]string, error) {
	var (
		out     []string
		current strings.Builder
		open    bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, ">"):
			if open {
				out = append(out, current.String())
				current.Reset()
			}
			open = true
		default:
			if !open {
				return nil, errors.New("staging: sequence data before first FASTA header")
			}
			current.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if open {
		out = append(out, current.String())
	}
	return out, nil
}
