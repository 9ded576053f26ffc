package storage

import (
	"io"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrCorruptRecord = errors.New("corrupt record")
	ErrUnsortedKey   = errors.New("keys must be added in strictly ascending order")
	ErrClosed        = errors.New("storage closed")
)

// corrupt classifies a decode failure. Short reads inside a record mean
// the record is malformed; any other error came from the file and is
// returned as is.
func corrupt(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(ErrCorruptRecord, "%s: %v", what, err)
	}

	return errors.Wrapf(err, "read %s", what)
}
