// Package backend picks the storage engine named in the configuration.
package backend

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"minikv/config"
	"minikv/storage"
	"minikv/storage/leveldb"
	"minikv/storage/lsm"
	"minikv/storage/memory"
)

var ErrCompactionUnsupported = errors.New("backend does not compact")

// Backend is a Storage with the lifecycle calls the process needs.
type Backend interface {
	storage.Storage
	Compact() error
	Close() error
}

type volatile struct {
	storage.Storage
}

func (volatile) Compact() error {
	return ErrCompactionUnsupported
}

func (volatile) Close() error {
	return nil
}

func Open(logger log.Logger, registerer prometheus.Registerer, cfg *config.Config) (Backend, error) {
	logger = log.With(logger, "backend", cfg.Backend)

	var (
		b   Backend
		err error
	)

	switch cfg.Backend {
	case "lsm":
		b, err = lsm.Open(logger, registerer, cfg.DataDir, cfg.Engine)
	case "leveldb":
		b, err = leveldb.Open(logger, cfg.DataDir, cfg.Engine)
	case "hash":
		b = volatile{memory.NewHashStore()}
	case "btree":
		b = volatile{memory.NewOrderedStore()}
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, err
	}

	level.Info(logger).Log("msg", "backend opened", "dir", cfg.DataDir)

	return b, nil
}
