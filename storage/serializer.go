package storage

import (
	"io"

	"github.com/pkg/errors"
)

// AppendLogEntry appends the small-log form of e:
//
//	op:uint8 uvarint(len(key)) key [uvarint(len(value)) value]
//
// The value part is present only for OpSet, so every entry carries its own
// length.
func AppendLogEntry(dst []byte, e LogEntry) []byte {
	dst = append(dst, byte(e.Op))
	dst = appendString(dst, e.Key)

	if e.Op == OpSet {
		dst = appendString(dst, e.Value)
	}

	return dst
}

func LogEntrySize(e LogEntry) int {
	n := 1 + stringSize(e.Key)
	if e.Op == OpSet {
		n += stringSize(e.Value)
	}
	return n
}

// DecodeLogEntry reads one entry and reports how many bytes it used. It
// returns io.EOF, unwrapped, only when r ends exactly on an entry
// boundary.
func DecodeLogEntry(r byteReader) (LogEntry, int, error) {
	op, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return LogEntry{}, 0, io.EOF
		}
		return LogEntry{}, 0, corrupt(err, "log op")
	}

	e := LogEntry{Op: Op(op)}
	if e.Op != OpSet && e.Op != OpRemove {
		return LogEntry{}, 0, errors.Wrapf(ErrCorruptRecord, "unknown log op %d", op)
	}

	key, kn, err := readString(r, "log key")
	if err != nil {
		return LogEntry{}, 0, err
	}
	e.Key = key

	n := 1 + kn
	if e.Op == OpSet {
		value, vn, err := readString(r, "log value")
		if err != nil {
			return LogEntry{}, 0, err
		}
		e.Value = value
		n += vn
	}

	return e, n, nil
}
