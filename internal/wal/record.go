package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/schemareg/internal/hash"
)

// RecordType identifies the type of journal record.
type RecordType uint8

const (
	RecordTypePut    RecordType = 1
	RecordTypeDelete RecordType = 2
)

// MaxRecordSize bounds key plus value length.
const MaxRecordSize = 64 << 20

const recordHeaderSize = 4 + 1 + 4 + 4

var (
	ErrInvalidCRC     = errors.New("invalid journal record checksum")
	ErrInvalidType    = errors.New("invalid journal record type")
	ErrShortRead      = errors.New("short read in journal record")
	ErrRecordTooLarge = errors.New("journal record too large")
)

// Record is a single journal operation.
type Record struct {
	Type  RecordType
	Key   string
	Value []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Key) + len(r.Value)
}

// Encode writes the record to w.
func (r *Record) Encode(w io.Writer) error {
	if r.Type != RecordTypePut && r.Type != RecordTypeDelete {
		return ErrInvalidType
	}
	if len(r.Key)+len(r.Value) > MaxRecordSize {
		return ErrRecordTooLarge
	}
	buf := make([]byte, r.Size())
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(r.Value)))
	copy(buf[recordHeaderSize:], r.Key)
	copy(buf[recordHeaderSize+len(r.Key):], r.Value)
	binary.LittleEndian.PutUint32(buf[0:4], hash.CRC32C(buf[4:]))
	_, err := w.Write(buf)
	return err
}

// Decode reads one record from r. It returns io.EOF at a clean end of
// input and the number of bytes consumed otherwise.
func Decode(r io.Reader) (*Record, int64, error) {
	var header [recordHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, ErrShortRead
	}

	typ := RecordType(header[4])
	if typ != RecordTypePut && typ != RecordTypeDelete {
		return nil, 0, ErrInvalidType
	}
	keyLen := binary.LittleEndian.Uint32(header[5:9])
	valLen := binary.LittleEndian.Uint32(header[9:13])
	if uint64(keyLen)+uint64(valLen) > MaxRecordSize {
		return nil, 0, ErrRecordTooLarge
	}

	body := make([]byte, keyLen+valLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, ErrShortRead
	}

	crc := hash.UpdateCRC32C(hash.CRC32C(header[4:]), body)
	if crc != binary.LittleEndian.Uint32(header[0:4]) {
		return nil, 0, ErrInvalidCRC
	}

	rec := &Record{Type: typ, Key: string(body[:keyLen])}
	if valLen > 0 {
		rec.Value = body[keyLen:]
	}
	return rec, int64(recordHeaderSize) + int64(len(body)), nil
}
