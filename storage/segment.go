package storage

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"minikv/config"
)

const (
	IndexSegmentFileName = "large-index"
	OffsetIndexFileName  = "index-meta"
	// StagingSuffix marks the files a compaction is still writing.
	StagingSuffix = ".compacting"

	readBufferSize = 4 << 10
)

func StagingPath(path string) string {
	return path + StagingSuffix
}

// IndexSegment is the immutable sorted part of the store: the large-index
// records plus the index-meta offsets that address them. Reads are
// positional, so any number of lookups may run at once.
type IndexSegment struct {
	logger  log.Logger
	data    *os.File
	size    int64
	offsets *OffsetIndex
	filter  *bloom.BloomFilter
}

// LookupResult describes how a lookup went, for callers that record
// metrics about it.
type LookupResult struct {
	Value          string
	Found          bool
	Probes         int
	FilterRejected bool
}

// OpenIndexSegment opens (or creates empty) the index files in dir. With
// the bloom filter enabled, every key is read once to populate it.
func OpenIndexSegment(logger log.Logger, dir string, opts config.EngineOptions) (*IndexSegment, error) {
	s, err := openIndexSegment(logger, dir)
	if err != nil {
		return nil, err
	}

	if opts.BloomFilter {
		s.filter = s.buildFilter(opts.BloomFalsePositiveRate)
	}

	return s, nil
}

// OpenIndexSegmentWithFilter opens the index files in dir and trusts filter
// to hold every key of the segment. Compaction hands over the filter it
// built while writing the files.
func OpenIndexSegmentWithFilter(logger log.Logger, dir string, filter *bloom.BloomFilter) (*IndexSegment, error) {
	s, err := openIndexSegment(logger, dir)
	if err != nil {
		return nil, err
	}

	s.filter = filter

	return s, nil
}

func openIndexSegment(logger log.Logger, dir string) (*IndexSegment, error) {
	data, err := os.OpenFile(filepath.Join(dir, IndexSegmentFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open large index")
	}

	stat, err := data.Stat()
	if err != nil {
		data.Close()
		return nil, errors.Wrap(err, "stat large index")
	}

	offsets, err := OpenOffsetIndex(filepath.Join(dir, OffsetIndexFileName))
	if err != nil {
		data.Close()
		return nil, err
	}

	return &IndexSegment{
		logger:  logger,
		data:    data,
		size:    stat.Size(),
		offsets: offsets,
	}, nil
}

func (s *IndexSegment) buildFilter(fpRate float64) *bloom.BloomFilter {
	filter := bloom.NewWithEstimates(uint(max(s.offsets.Len(), 1)), fpRate)

	it := s.Iterate()
	for it.Next() {
		filter.AddString(it.Record().Key)
	}

	// a partial filter would turn present keys into misses
	if err := it.Err(); err != nil {
		level.Warn(s.logger).Log("msg", "disabling bloom filter, index not readable", "err", err)
		return nil
	}

	return filter
}

// Len is the number of records in the segment.
func (s *IndexSegment) Len() int {
	return s.offsets.Len()
}

// Size is the large-index size in bytes.
func (s *IndexSegment) Size() int64 {
	return s.size
}

func (s *IndexSegment) reader(offset int64) (*bufio.Reader, error) {
	if offset < 0 || offset >= s.size {
		return nil, errors.Wrapf(ErrCorruptRecord, "record offset %d outside large index of %d bytes", offset, s.size)
	}

	return bufio.NewReaderSize(io.NewSectionReader(s.data, offset, s.size-offset), readBufferSize), nil
}

// ReadKeyAt decodes the key of the record starting at offset and returns
// the offset of the record's value length.
func (s *IndexSegment) ReadKeyAt(offset int64) (string, int64, error) {
	r, err := s.reader(offset)
	if err != nil {
		return "", 0, err
	}

	key, n, err := readString(r, "index key")
	if err != nil {
		return "", 0, err
	}

	return key, offset + int64(n), nil
}

// ReadValueAt decodes a value starting at offset, as returned by ReadKeyAt.
func (s *IndexSegment) ReadValueAt(offset int64) (string, error) {
	r, err := s.reader(offset)
	if err != nil {
		return "", err
	}

	value, _, err := readString(r, "index value")

	return value, err
}

// ReadRecordAt decodes the whole record starting at offset.
func (s *IndexSegment) ReadRecordAt(offset int64) (IndexRecord, error) {
	r, err := s.reader(offset)
	if err != nil {
		return IndexRecord{}, err
	}

	rec, _, err := DecodeIndexRecord(r)

	return rec, err
}

func (s *IndexSegment) Lookup(key string) (string, bool, error) {
	res, err := s.Probe(key)
	return res.Value, res.Found, err
}

// Probe binary searches the offset index for key. The search range is
// [low, high) over offset entries and only the keys are decoded until the
// match, whose value is read last.
func (s *IndexSegment) Probe(key string) (LookupResult, error) {
	var res LookupResult

	if s.filter != nil && !s.filter.TestString(key) {
		res.FilterRejected = true
		return res, nil
	}

	low, high := 0, s.offsets.Len()
	for low < high {
		mid := low + (high-low)/2
		res.Probes++

		offset, err := s.offsets.At(mid)
		if err != nil {
			return res, err
		}

		current, next, err := s.ReadKeyAt(offset)
		if err != nil {
			return res, errors.Wrapf(err, "probe entry %d", mid)
		}

		switch {
		case current == key:
			value, err := s.ReadValueAt(next)
			if err != nil {
				return res, errors.Wrapf(err, "probe entry %d", mid)
			}
			res.Value, res.Found = value, true
			return res, nil
		case current < key:
			low = mid + 1
		default:
			high = mid
		}
	}

	return res, nil
}

// Iterate walks the records in key order, following the offset index
// entry by entry.
func (s *IndexSegment) Iterate() *IndexIterator {
	return &IndexIterator{seg: s}
}

func (s *IndexSegment) Close() error {
	var err error

	if s.data != nil {
		err = errors.Wrap(s.data.Close(), "close large index")
		s.data = nil
	}

	if cerr := s.offsets.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close offset index")
	}

	return err
}

type IndexIterator struct {
	seg *IndexSegment
	n   int
	rec IndexRecord
	err error
}

func (it *IndexIterator) Next() bool {
	if it.err != nil || it.n >= it.seg.Len() {
		return false
	}

	offset, err := it.seg.offsets.At(it.n)
	if err != nil {
		it.err = err
		return false
	}

	rec, err := it.seg.ReadRecordAt(offset)
	if err != nil {
		it.err = errors.Wrapf(err, "index record %d", it.n)
		return false
	}

	it.rec = rec
	it.n++

	return true
}

func (it *IndexIterator) Record() IndexRecord {
	return it.rec
}

func (it *IndexIterator) Err() error {
	return it.err
}
