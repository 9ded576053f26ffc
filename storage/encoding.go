package storage

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// OffsetEntrySize is the width of one index-meta entry.
	OffsetEntrySize = 8
	// MaxFieldSize bounds a single key or value. A larger length prefix can
	// only come from a damaged file.
	MaxFieldSize = 64 << 20
)

type byteReader interface {
	io.Reader
	io.ByteReader
}

func EncodeOffset(bytes []byte, offset uint64) {
	binary.LittleEndian.PutUint64(bytes, offset)
}

func DecodeOffset(bytes []byte) uint64 {
	return binary.LittleEndian.Uint64(bytes[:OffsetEntrySize])
}

// AppendIndexRecord appends the large-index form of rec:
//
//	uvarint(len(key)) key uvarint(len(value)) value
func AppendIndexRecord(dst []byte, rec IndexRecord) []byte {
	dst = appendString(dst, rec.Key)
	return appendString(dst, rec.Value)
}

// IndexRecordSize is the number of bytes rec occupies in the large-index.
func IndexRecordSize(rec IndexRecord) int {
	return stringSize(rec.Key) + stringSize(rec.Value)
}

// DecodeIndexRecord reads one record and reports how many bytes it used.
func DecodeIndexRecord(r byteReader) (IndexRecord, int, error) {
	key, kn, err := readString(r, "index key")
	if err != nil {
		return IndexRecord{}, 0, err
	}

	value, vn, err := readString(r, "index value")
	if err != nil {
		return IndexRecord{}, 0, err
	}

	return IndexRecord{Key: key, Value: value}, kn + vn, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func stringSize(s string) int {
	return uvarintSize(uint64(len(s))) + len(s)
}

func uvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

func readString(r byteReader, what string) (string, int, error) {
	length, err := readUvarint(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", 0, corrupt(err, what+" length")
	}

	if length > MaxFieldSize {
		return "", 0, errors.Wrapf(ErrCorruptRecord, "%s length %d exceeds limit", what, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", 0, corrupt(err, what)
	}

	return string(buf), uvarintSize(length) + int(length), nil
}

// readUvarint is binary.ReadUvarint with overflow reported as a corrupt
// record instead of an opaque error.
func readUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint

	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}

		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				break
			}
			return x | uint64(b)<<s, nil
		}

		x |= uint64(b&0x7f) << s
		s += 7
	}

	return 0, errors.Wrap(ErrCorruptRecord, "varint overflows 64 bits")
}
