package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// OffsetIndex is the index-meta file: a dense array of fixed-width offsets
// into the large-index, in the same ascending key order. Entries are read
// with ReadAt, so lookups never share a file cursor.
type OffsetIndex struct {
	file  *os.File
	count int
}

func OpenOffsetIndex(path string) (*OffsetIndex, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open offset index")
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat offset index")
	}

	// a partial trailing entry is not addressable
	return &OffsetIndex{
		file:  file,
		count: int(stat.Size() / OffsetEntrySize),
	}, nil
}

// Len is the number of records the index addresses.
func (i *OffsetIndex) Len() int {
	return i.count
}

// At returns the large-index offset of the n-th record.
func (i *OffsetIndex) At(n int) (int64, error) {
	if n < 0 || n >= i.count {
		return 0, errors.Errorf("offset entry %d out of range [0, %d)", n, i.count)
	}

	var buf [OffsetEntrySize]byte
	if _, err := i.file.ReadAt(buf[:], int64(n)*OffsetEntrySize); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, corrupt(err, "offset entry")
	}

	return int64(DecodeOffset(buf[:])), nil
}

func (i *OffsetIndex) Close() error {
	if i.file == nil {
		return nil
	}

	err := i.file.Close()
	i.file = nil

	return err
}
