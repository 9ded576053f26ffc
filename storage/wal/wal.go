package wal

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"minikv/config"
	"minikv/storage"
)

// Wal is the small-log: every mutation is appended here in arrival order
// until a compaction folds the log into the index and truncates it.
type Wal struct {
	logger     log.Logger
	metrics    *WalMetrics
	syncWrites bool
	pool       *storage.BytesPool

	segment *Segment
	size    int64

	mutex  sync.Mutex
	closed bool
}

type WalMetrics struct {
	appends       prometheus.Counter
	appendedBytes prometheus.Counter
	replays       prometheus.Counter
	tornRecords   prometheus.Counter
	truncations   prometheus.Counter
	fsyncDuration prometheus.Summary
	writesFailed  prometheus.Counter
}

// Open opens or creates the small-log in dir. A torn tail left by a crash
// is cut back to the last whole entry so later appends stay reachable.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts config.EngineOptions) (*Wal, error) {
	segment, err := OpenSegment(dir)
	if err != nil {
		return nil, err
	}

	w := &Wal{
		logger:     logger,
		metrics:    NewWalMetrics(prometheus.WrapRegistererWithPrefix("wal_", registerer)),
		syncWrites: opts.SyncWrites,
		pool:       storage.NewBytesPool(),
		segment:    segment,
	}

	if err := w.recover(); err != nil {
		segment.Close()
		return nil, err
	}

	return w, nil
}

func NewWalMetrics(registerer prometheus.Registerer) *WalMetrics {
	m := &WalMetrics{}

	m.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of entries appended to the small log.",
	})

	m.appendedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appended_bytes_total",
		Help: "Total number of bytes appended to the small log.",
	})

	m.replays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replays_total",
		Help: "Total number of small log replays.",
	})

	m.tornRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "torn_records_total",
		Help: "Total number of torn or corrupt tails found on open.",
	})

	m.truncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truncations_total",
		Help: "Total number of small log truncations.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of small log fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of small log writes that failed.",
	})

	registerer.MustRegister(
		m.appends,
		m.appendedBytes,
		m.replays,
		m.tornRecords,
		m.truncations,
		m.fsyncDuration,
		m.writesFailed,
	)

	return m
}

func (w *Wal) recover() error {
	size, err := w.segment.Size()
	if err != nil {
		return err
	}

	r := NewReader(w.segment.SectionReader(size))
	for r.Next() {
	}

	if r.Err() == nil {
		w.size = size
		return nil
	}

	if !r.Torn() {
		return errors.Wrap(r.Err(), "recover small log")
	}

	level.Warn(w.logger).Log("msg", "truncating torn small log tail", "err", r.Err(), "valid", r.Offset(), "size", size)
	w.metrics.tornRecords.Inc()

	if err := w.segment.Truncate(r.Offset()); err != nil {
		return errors.Wrap(err, "truncate torn tail")
	}
	w.size = r.Offset()

	return nil
}

// Append writes e at the end of the log. A failed write is rolled back so
// the log never keeps a partial entry it reported as failed.
func (w *Wal) Append(e storage.LogEntry) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return storage.ErrClosed
	}

	if err := w.append(e); err != nil {
		w.metrics.writesFailed.Inc()
		return err
	}

	return nil
}

func (w *Wal) append(e storage.LogEntry) error {
	buf := w.pool.GetBytes()
	defer w.pool.PutBytes(buf)

	*buf = storage.AppendLogEntry(*buf, e)

	n, err := w.segment.WriteAt(*buf, w.size)
	if err != nil {
		if n > 0 {
			if terr := w.segment.Truncate(w.size); terr != nil {
				level.Error(w.logger).Log("msg", "rollback partial append", "err", terr)
			}
		}
		return errors.Wrap(err, "append small log")
	}

	if w.syncWrites {
		if err := w.fsync(); err != nil {
			return errors.Wrap(err, "sync small log")
		}
	}

	w.size += int64(n)
	w.metrics.appends.Inc()
	w.metrics.appendedBytes.Add(float64(n))

	return nil
}

func (w *Wal) fsync() error {
	now := time.Now()
	err := w.segment.Sync()

	w.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

// Replay reads the log as of this call, oldest entry first. Appends made
// while the reader is in use are not visible to it.
func (w *Wal) Replay() *Reader {
	w.mutex.Lock()
	size := w.size
	w.mutex.Unlock()

	w.metrics.replays.Inc()

	return NewReader(w.segment.SectionReader(size))
}

// Size is the log size in bytes.
func (w *Wal) Size() int64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.size
}

// Truncate empties the log once its contents live in the index.
func (w *Wal) Truncate() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return storage.ErrClosed
	}

	if err := w.segment.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate small log")
	}

	if err := w.fsync(); err != nil {
		return errors.Wrap(err, "sync small log")
	}

	w.size = 0
	w.metrics.truncations.Inc()

	return nil
}

func (w *Wal) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return storage.ErrClosed
	}
	w.closed = true

	if err := w.fsync(); err != nil {
		level.Error(w.logger).Log("msg", "sync small log", "err", err)
	}

	return w.segment.Close()
}
