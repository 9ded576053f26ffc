package lsm

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	compactions        prometheus.Counter
	compactionsFailed  prometheus.Counter
	compactionDuration prometheus.Histogram
	emittedRecords     prometheus.Gauge
	logSize            prometheus.Gauge
	indexRecords       prometheus.Gauge
	lookups            *prometheus.CounterVec
	lookupProbes       prometheus.Counter
	bloomRejections    prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of completed compactions.",
	})

	m.compactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_failed_total",
		Help: "Total number of compactions that returned an error.",
	})

	m.compactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "compaction_duration_seconds",
		Help:    "Duration of compactions.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	m.emittedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "compaction_emitted_records",
		Help: "Records written by the last compaction.",
	})

	m.logSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "log_size_bytes",
		Help: "Current size of the small log.",
	})

	m.indexRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "index_records",
		Help: "Number of records in the large index.",
	})

	m.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookups_total",
		Help: "Total number of gets by where they were answered.",
	}, []string{"source"})

	m.lookupProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lookup_probes_total",
		Help: "Total number of index records examined by binary search.",
	})

	m.bloomRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bloom_rejections_total",
		Help: "Total number of index lookups answered by the bloom filter.",
	})

	registerer.MustRegister(
		m.compactions,
		m.compactionsFailed,
		m.compactionDuration,
		m.emittedRecords,
		m.logSize,
		m.indexRecords,
		m.lookups,
		m.lookupProbes,
		m.bloomRejections,
	)

	return m
}
