// Package leveldb adapts an embedded goleveldb database to storage.Storage.
package leveldb

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"minikv/config"
	"minikv/storage"
)

type Store struct {
	logger log.Logger
	db     *leveldb.DB
	wo     *opt.WriteOptions
}

func Open(logger log.Logger, dir string, opts config.EngineOptions) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb")
	}

	level.Debug(logger).Log("msg", "leveldb opened", "dir", dir)

	return &Store{
		logger: logger,
		db:     db,
		wo:     &opt.WriteOptions{Sync: opts.SyncWrites},
	}, nil
}

func (s *Store) Insert(key, value string) error {
	return errors.Wrap(s.db.Put([]byte(key), []byte(value), s.wo), "leveldb put")
}

func (s *Store) Get(key string) (string, bool, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "leveldb get")
	}

	return string(v), true, nil
}

// Remove checks for the key first; leveldb deletes of absent keys succeed
// silently.
func (s *Store) Remove(key string) error {
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return errors.Wrap(err, "leveldb has")
	}

	if !ok {
		return storage.ErrKeyNotFound
	}

	return errors.Wrap(s.db.Delete([]byte(key), s.wo), "leveldb delete")
}

// Compact runs a full manual compaction of the key range.
func (s *Store) Compact() error {
	return errors.Wrap(s.db.CompactRange(util.Range{}), "leveldb compact")
}

func (s *Store) Close() error {
	return s.db.Close()
}
