package lsm

import (
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"minikv/config"
	"minikv/storage"
	"minikv/storage/wal"
)

const (
	lookupLog    = "log"
	lookupIndex  = "index"
	lookupAbsent = "absent"
)

// Tree is the two-level engine: a small unsorted log in front of a large
// sorted index. It does no locking of its own; wrap it in
// storage.Synchronized for concurrent use.
type Tree struct {
	logger  log.Logger
	dir     string
	opts    config.EngineOptions
	metrics *Metrics

	log   *wal.Wal
	index *storage.IndexSegment

	closed bool
	// failed is set when a compaction died after closing the index; the
	// tree has to be reopened from disk.
	failed error
}

type Stats struct {
	LogSize      int64
	IndexRecords int
	IndexSize    int64
}

func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts config.EngineOptions) (*Tree, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	for _, name := range []string{storage.IndexSegmentFileName, storage.OffsetIndexFileName} {
		staged := filepath.Join(dir, storage.StagingPath(name))
		if _, err := os.Stat(staged); err == nil {
			level.Warn(logger).Log("msg", "found staged compaction output, a previous compaction did not finish", "file", staged)
		}
	}

	w, err := wal.Open(logger, registerer, dir, opts)
	if err != nil {
		return nil, err
	}

	index, err := storage.OpenIndexSegment(logger, dir, opts)
	if err != nil {
		w.Close()
		return nil, err
	}

	t := &Tree{
		logger:  logger,
		dir:     dir,
		opts:    opts,
		metrics: NewMetrics(prometheus.WrapRegistererWithPrefix("lsm_", registerer)),
		log:     w,
		index:   index,
	}

	t.metrics.logSize.Set(float64(w.Size()))
	t.metrics.indexRecords.Set(float64(index.Len()))

	level.Debug(logger).Log("msg", "tree opened", "dir", dir, "log_size", w.Size(), "index_records", index.Len())

	return t, nil
}

func (t *Tree) usable() error {
	if t.closed {
		return storage.ErrClosed
	}

	if t.failed != nil {
		return errors.Wrap(t.failed, "tree must be reopened after failed compaction")
	}

	return nil
}

func (t *Tree) Insert(key, value string) error {
	if err := t.usable(); err != nil {
		return err
	}

	if err := t.log.Append(storage.SetEntry(key, value)); err != nil {
		return err
	}

	return t.maybeCompact()
}

// Get answers from the log when it mentions key, and from the index
// otherwise. A removal in the log hides any value the index still holds.
func (t *Tree) Get(key string) (string, bool, error) {
	if err := t.usable(); err != nil {
		return "", false, err
	}

	state, err := t.logState(key)
	if err != nil {
		return "", false, err
	}

	if state.present {
		t.metrics.lookups.WithLabelValues(lookupLog).Inc()
		return state.value, !state.tombstone, nil
	}

	res, err := t.index.Probe(key)
	if err != nil {
		return "", false, err
	}

	t.metrics.lookupProbes.Add(float64(res.Probes))
	if res.FilterRejected {
		t.metrics.bloomRejections.Inc()
	}

	if res.Found {
		t.metrics.lookups.WithLabelValues(lookupIndex).Inc()
	} else {
		t.metrics.lookups.WithLabelValues(lookupAbsent).Inc()
	}

	return res.Value, res.Found, nil
}

// Remove writes a tombstone for a key that currently has a value.
func (t *Tree) Remove(key string) error {
	_, found, err := t.Get(key)
	if err != nil {
		return err
	}

	if !found {
		return storage.ErrKeyNotFound
	}

	if err := t.log.Append(storage.RemoveEntry(key)); err != nil {
		return err
	}

	return t.maybeCompact()
}

type logState struct {
	present   bool
	tombstone bool
	value     string
}

// logState replays the whole log; the last entry for key decides.
func (t *Tree) logState(key string) (logState, error) {
	var state logState

	r := t.log.Replay()
	for r.Next() {
		e := r.Entry()
		if e.Key != key {
			continue
		}

		state = logState{
			present:   true,
			tombstone: e.Op == storage.OpRemove,
			value:     e.Value,
		}
	}

	if err := r.Err(); err != nil && !r.Torn() {
		return logState{}, errors.Wrap(err, "replay small log")
	}

	return state, nil
}

func (t *Tree) maybeCompact() error {
	size := t.log.Size()
	t.metrics.logSize.Set(float64(size))

	if size <= t.opts.CompactionThreshold {
		return nil
	}

	return t.Compact()
}

func (t *Tree) Stats() Stats {
	s := Stats{LogSize: t.log.Size()}

	if t.index != nil {
		s.IndexRecords = t.index.Len()
		s.IndexSize = t.index.Size()
	}

	return s
}

func (t *Tree) Close() error {
	if t.closed {
		return storage.ErrClosed
	}
	t.closed = true

	err := t.log.Close()

	if t.index != nil {
		if ierr := t.index.Close(); ierr != nil && err == nil {
			err = ierr
		}
		t.index = nil
	}

	return err
}
