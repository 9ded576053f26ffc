package wal

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"

	"minikv/storage"
)

const readBufferSize = 32 * 1024 // 32KB

// Reader decodes small-log entries in order. It stops at the first entry
// that does not decode; everything after it is unreachable.
type Reader struct {
	reader *bufio.Reader
	entry  storage.LogEntry
	offset int64
	err    error
}

func NewReader(reader io.Reader) *Reader {
	return &Reader{reader: bufio.NewReaderSize(reader, readBufferSize)}
}

func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}

	e, n, err := storage.DecodeLogEntry(r.reader)
	if err == io.EOF {
		return false
	}

	if err != nil {
		r.err = err
		return false
	}

	r.entry = e
	r.offset += int64(n)

	return true
}

func (r *Reader) Entry() storage.LogEntry {
	return r.entry
}

// Offset is the end of the last entry returned by Next.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Torn reports whether reading stopped on a malformed entry rather than on
// an I/O error.
func (r *Reader) Torn() bool {
	return r.err != nil && errors.Is(r.err, storage.ErrCorruptRecord)
}

func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}

	if !r.Torn() {
		return r.err
	}

	return &wlog.CorruptionErr{
		Err:     r.err,
		Segment: -1,
		Offset:  r.offset,
	}
}
