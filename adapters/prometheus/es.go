package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/metrics"
)

// storeMetrics implements es.StoreMetrics using Prometheus.
type storeMetrics struct {
	getDuration    *prometheus.HistogramVec
	commitDuration *prometheus.HistogramVec
	commitsTotal   *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec

	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec

	undispatched prometheus.Gauge
}

// NewStoreMetrics creates a Prometheus implementation of es.StoreMetrics.
func NewStoreMetrics(reg prometheus.Registerer) es.StoreMetrics {
	m := &storeMetrics{
		getDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evstore_get_duration_seconds",
			Help:    "Commit log range read latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evstore_commit_duration_seconds",
			Help:    "Commit attempt latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_commits_total",
			Help: "Total number of commit attempts by outcome",
		}, []string{"bucket", "outcome"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evstore_events_committed_total",
			Help: "Total number of events persisted by successful commits",
		}, []string{"bucket"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evstore_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evstore_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		undispatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evstore_undispatched_commits",
			Help: "Current number of commits not yet dispatched",
		}),
	}

	reg.MustRegister(
		m.getDuration,
		m.commitDuration,
		m.commitsTotal,
		m.eventsTotal,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.undispatched,
	)

	return m
}

func (m *storeMetrics) GetDuration(bucket string) metrics.Timer {
	return newTimer(m.getDuration.WithLabelValues(bucket))
}

func (m *storeMetrics) CommitDuration(bucket string) metrics.Timer {
	return newTimer(m.commitDuration.WithLabelValues(bucket))
}

func (m *storeMetrics) CommitAttempted(bucket string, err error) {
	m.commitsTotal.WithLabelValues(bucket, es.CommitOutcome(err)).Inc()
}

func (m *storeMetrics) EventsCommitted(bucket string, count int) {
	m.eventsTotal.WithLabelValues(bucket).Add(float64(count))
}

func (m *storeMetrics) SnapshotLoadDuration(bucket string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(bucket))
}

func (m *storeMetrics) SnapshotSaveDuration(bucket string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(bucket))
}

func (m *storeMetrics) UndispatchedCommits(count int) {
	m.undispatched.Set(float64(count))
}

var _ es.StoreMetrics = (*storeMetrics)(nil)
