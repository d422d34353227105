package prometheus

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/es"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)

	m.GetDuration("b1").ObserveDuration()
	m.CommitDuration("b1").ObserveDuration()
	m.CommitAttempted("b1", nil)
	m.CommitAttempted("b1", es.ErrConcurrencyConflict)
	m.CommitAttempted("b1", es.ErrDuplicateCommit)
	m.CommitAttempted("b1", errors.New("boom"))
	m.EventsCommitted("b1", 3)
	m.SnapshotLoadDuration("b1").ObserveDuration()
	m.SnapshotSaveDuration("b1").ObserveDuration()
	m.UndispatchedCommits(7)

	require.Equal(t, float64(1), gather(t, reg, "evstore_get_duration_seconds"))
	require.Equal(t, float64(1), gather(t, reg, "evstore_commit_duration_seconds"))
	require.Equal(t, float64(4), gather(t, reg, "evstore_commits_total"))
	require.Equal(t, float64(3), gather(t, reg, "evstore_events_committed_total"))
	require.Equal(t, float64(1), gather(t, reg, "evstore_snapshot_load_duration_seconds"))
	require.Equal(t, float64(1), gather(t, reg, "evstore_snapshot_save_duration_seconds"))
	require.Equal(t, float64(7), gather(t, reg, "evstore_undispatched_commits"))
}

func TestStoreMetrics_EndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine := es.NewEngine(es.NewInMemoryCommitStore(), es.WithMetrics(NewStoreMetrics(reg)))

	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(es.NewEventMessage("x")))
	require.NoError(t, s.CommitChanges(context.Background(), "c1"))

	require.Equal(t, float64(1), gather(t, reg, "evstore_commits_total"))
	require.Equal(t, float64(1), gather(t, reg, "evstore_events_committed_total"))
}
