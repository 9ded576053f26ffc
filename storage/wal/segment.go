package wal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const FileName = "small-log"

// Segment is the single small-log file. Writes are positional so a
// rollback can cut a partial entry off the end.
type Segment struct {
	*os.File
}

func OpenSegment(dir string) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open small log")
	}

	return &Segment{File: f}, nil
}

func SegmentName(dir string) string {
	return filepath.Join(dir, FileName)
}

func (s *Segment) Size() (int64, error) {
	stat, err := s.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat small log")
	}

	return stat.Size(), nil
}

// SectionReader reads the first size bytes without moving any cursor.
func (s *Segment) SectionReader(size int64) io.Reader {
	return io.NewSectionReader(s.File, 0, size)
}
