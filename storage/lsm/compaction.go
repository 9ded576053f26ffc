package lsm

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"minikv/storage"
)

const pendingDegree = 32

// afterRemoveOld runs between deleting the old index files and renaming
// the staged ones into place. Tests use it to stop a compaction there.
var afterRemoveOld = func() error { return nil }

// pendingOp is the latest state of one key in the log.
type pendingOp struct {
	key       string
	value     string
	tombstone bool
}

func pendingLess(a, b pendingOp) bool {
	return a.key < b.key
}

// recordSource is the ascending side of the merge; *storage.IndexIterator
// is one.
type recordSource interface {
	Next() bool
	Record() storage.IndexRecord
	Err() error
}

// entrySource yields log entries oldest first; *wal.Reader is one.
type entrySource interface {
	Next() bool
	Entry() storage.LogEntry
}

// bufferLog folds the log into one op per key. Entries are applied in log
// order, so whichever of set or remove came last wins.
func bufferLog(r entrySource) *btree.BTreeG[pendingOp] {
	pending := btree.NewG[pendingOp](pendingDegree, pendingLess)

	for r.Next() {
		e := r.Entry()
		pending.ReplaceOrInsert(pendingOp{
			key:       e.Key,
			value:     e.Value,
			tombstone: e.Op == storage.OpRemove,
		})
	}

	return pending
}

// merge walks pending and index together in key order. On equal keys the
// pending op wins; tombstones emit nothing. A corrupt index record ends the
// index side as if it were the last one; other index errors are returned.
// It returns the number of records emitted.
func merge(pending *btree.BTreeG[pendingOp], index recordSource, emit func(storage.IndexRecord) error) (int, error) {
	var (
		emitted int
		err     error
		more    = index.Next()
	)

	pending.Ascend(func(op pendingOp) bool {
		for more && index.Record().Key < op.key {
			if err = emit(index.Record()); err != nil {
				return false
			}
			emitted++
			more = index.Next()
		}

		if more && index.Record().Key == op.key {
			more = index.Next()
		}

		if op.tombstone {
			return true
		}

		if err = emit(storage.IndexRecord{Key: op.key, Value: op.value}); err != nil {
			return false
		}
		emitted++

		return true
	})

	if err != nil {
		return emitted, err
	}

	for ; more; more = index.Next() {
		if err := emit(index.Record()); err != nil {
			return emitted, err
		}
		emitted++
	}

	if err := index.Err(); err != nil && !errors.Is(err, storage.ErrCorruptRecord) {
		return emitted, err
	}

	return emitted, nil
}

// Compact merges the log into a new index, publishes it and empties the
// log. It runs synchronously; callers see its cost on the mutating call
// that crossed the threshold.
func (t *Tree) Compact() error {
	if err := t.usable(); err != nil {
		return err
	}

	start := time.Now()

	emitted, err := t.compact()
	if err != nil {
		t.metrics.compactionsFailed.Inc()
		level.Error(t.logger).Log("msg", "compaction failed", "err", err)
		return err
	}

	t.metrics.compactions.Inc()
	t.metrics.compactionDuration.Observe(time.Since(start).Seconds())
	t.metrics.emittedRecords.Set(float64(emitted))
	t.metrics.logSize.Set(0)
	t.metrics.indexRecords.Set(float64(emitted))

	level.Info(t.logger).Log("msg", "compaction done", "records", emitted, "index_size", t.index.Size(), "duration", time.Since(start))

	return nil
}

func (t *Tree) compact() (int, error) {
	r := t.log.Replay()
	pending := bufferLog(r)

	if err := r.Err(); err != nil {
		if !r.Torn() {
			return 0, errors.Wrap(err, "replay small log")
		}
		level.Warn(t.logger).Log("msg", "compacting up to corrupt small log entry", "err", err)
	}

	w, err := storage.NewSegmentWriter(
		t.stagedPath(storage.IndexSegmentFileName),
		t.stagedPath(storage.OffsetIndexFileName),
		t.index.Len()+pending.Len(),
		t.opts,
	)
	if err != nil {
		return 0, err
	}

	it := t.index.Iterate()

	emitted, err := merge(pending, it, w.Add)
	if err != nil {
		w.Abort()
		return 0, errors.Wrap(err, "merge")
	}

	if err := it.Err(); err != nil {
		level.Warn(t.logger).Log("msg", "compacting up to corrupt index record", "err", err)
	}

	if err := w.Finish(); err != nil {
		w.Abort()
		return 0, err
	}

	level.Debug(t.logger).Log("msg", "staged index written", "records", w.Count(), "bytes", w.Written())

	if err := t.publish(w); err != nil {
		return 0, err
	}

	return emitted, nil
}

// publish swaps the staged files in. Between the removal and the renames
// the store has no index on disk; a crash there loses every key the log
// does not also hold.
func (t *Tree) publish(w *storage.SegmentWriter) error {
	err := t.index.Close()
	t.index = nil
	if err != nil {
		t.failed = errors.Wrap(err, "close old index")
		return t.failed
	}

	if err := t.swapFiles(); err != nil {
		t.failed = err
		return err
	}

	if err := t.log.Truncate(); err != nil {
		t.failed = err
		return err
	}

	index, err := storage.OpenIndexSegmentWithFilter(t.logger, t.dir, w.Filter())
	if err != nil {
		t.failed = err
		return err
	}
	t.index = index

	return nil
}

func (t *Tree) swapFiles() error {
	names := []string{storage.IndexSegmentFileName, storage.OffsetIndexFileName}

	for _, name := range names {
		if err := os.Remove(filepath.Join(t.dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove old %s", name)
		}
	}

	if err := afterRemoveOld(); err != nil {
		return err
	}

	for _, name := range names {
		if err := os.Rename(t.stagedPath(name), filepath.Join(t.dir, name)); err != nil {
			return errors.Wrapf(err, "publish %s", name)
		}
	}

	return syncDir(t.dir)
}

func (t *Tree) stagedPath(name string) string {
	return filepath.Join(t.dir, storage.StagingPath(name))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open data dir")
	}
	defer d.Close()

	return errors.Wrap(d.Sync(), "sync data dir")
}
