package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// SequenceHash is the hex-encoded content address of a normalized sequence.
type SequenceHash string

// Hasher computes the content address of normalized residues.
type Hasher func(normalized string) SequenceHash

// SHA256 is the default Hasher.
func SHA256(normalized string) SequenceHash {
	sum := sha256.Sum256([]byte(normalized))
	return SequenceHash(hex.EncodeToString(sum[:]))
}

// NormalizeSequence upper-cases residues and strips whitespace.
func NormalizeSequence(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// BatchHash returns the content hash of a locus batch. It keys manifest
// entries, so resubmitting identical data maps onto the same entry.
func BatchHash(b LocusBatch) string {
	h := sha256.New()
	var scratch [8]byte
	write := func(s string) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(len(s)))
		h.Write(scratch[:])
		h.Write([]byte(s))
	}
	write(b.Name)
	write(b.Origin)
	binary.LittleEndian.PutUint64(scratch[:], uint64(b.Existing))
	h.Write(scratch[:])
	for _, seq := range b.Sequences {
		write(NormalizeSequence(seq))
	}
	return hex.EncodeToString(h.Sum(nil))
}
