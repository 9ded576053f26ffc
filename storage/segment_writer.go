package storage

import (
	"bufio"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"minikv/config"
)

const writeBufferSize = 64 << 10

// SegmentWriter writes a new large-index and index-meta pair. Records must
// arrive in strictly ascending key order; each one gets its offset entry as
// it is written.
type SegmentWriter struct {
	dataPath    string
	offsetsPath string

	data    *os.File
	offsets *os.File
	dataW   *bufio.Writer
	offW    *bufio.Writer

	filter  *bloom.BloomFilter
	scratch []byte
	written int64
	count   int
	last    string
}

// NewSegmentWriter truncates or creates both files. expected sizes the
// bloom filter and may be an estimate.
func NewSegmentWriter(dataPath, offsetsPath string, expected int, opts config.EngineOptions) (*SegmentWriter, error) {
	data, err := os.OpenFile(dataPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create large index")
	}

	offsets, err := os.OpenFile(offsetsPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		data.Close()
		os.Remove(dataPath)
		return nil, errors.Wrap(err, "create offset index")
	}

	w := &SegmentWriter{
		dataPath:    dataPath,
		offsetsPath: offsetsPath,
		data:        data,
		offsets:     offsets,
		dataW:       bufio.NewWriterSize(data, writeBufferSize),
		offW:        bufio.NewWriterSize(offsets, writeBufferSize),
	}

	if opts.BloomFilter {
		w.filter = bloom.NewWithEstimates(uint(max(expected, 1)), opts.BloomFalsePositiveRate)
	}

	return w, nil
}

func (w *SegmentWriter) Add(rec IndexRecord) error {
	if w.count > 0 && rec.Key <= w.last {
		return errors.Wrapf(ErrUnsortedKey, "%q after %q", rec.Key, w.last)
	}

	var entry [OffsetEntrySize]byte
	EncodeOffset(entry[:], uint64(w.written))

	w.scratch = AppendIndexRecord(w.scratch[:0], rec)
	if _, err := w.dataW.Write(w.scratch); err != nil {
		return errors.Wrap(err, "write index record")
	}

	if _, err := w.offW.Write(entry[:]); err != nil {
		return errors.Wrap(err, "write offset entry")
	}

	if w.filter != nil {
		w.filter.AddString(rec.Key)
	}

	w.written += int64(len(w.scratch))
	w.count++
	w.last = rec.Key

	return nil
}

// Finish flushes and syncs both files and closes them.
func (w *SegmentWriter) Finish() error {
	for _, f := range []struct {
		name string
		buf  *bufio.Writer
		file *os.File
	}{
		{"large index", w.dataW, w.data},
		{"offset index", w.offW, w.offsets},
	} {
		if err := f.buf.Flush(); err != nil {
			return errors.Wrapf(err, "flush %s", f.name)
		}
		if err := f.file.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", f.name)
		}
		if err := f.file.Close(); err != nil {
			return errors.Wrapf(err, "close %s", f.name)
		}
	}

	return nil
}

// Abort closes and removes whatever was written.
func (w *SegmentWriter) Abort() {
	w.data.Close()
	w.offsets.Close()
	os.Remove(w.dataPath)
	os.Remove(w.offsetsPath)
}

// Written is the large-index size so far.
func (w *SegmentWriter) Written() int64 {
	return w.written
}

func (w *SegmentWriter) Count() int {
	return w.count
}

// Filter holds every key added, or nil when bloom filters are disabled.
func (w *SegmentWriter) Filter() *bloom.BloomFilter {
	return w.filter
}
