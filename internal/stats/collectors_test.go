package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_ObserveJobOutcomeIncrementsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveJobOutcome("completed")
	c.ObserveJobOutcome("completed")
	c.ObserveJobOutcome("failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsTotal.WithLabelValues("failed")))
}

func TestCollectors_ObserveBytesTransferredIgnoresNonPositive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveBytesTransferred(0)
	c.ObserveBytesTransferred(-5)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.bytesTransferred))

	c.ObserveBytesTransferred(1024)
	assert.Equal(t, float64(1024), testutil.ToFloat64(c.bytesTransferred))
}

func TestCollectors_SetRunningJobsOverwrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetRunningJobs(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.runningJobs))
	c.SetRunningJobs(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.runningJobs))
}

func TestCollectors_ObserveDurationRecordsIntoHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.ObserveDuration(12.5)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if strings.Contains(f.GetName(), "efc_backup_duration_seconds") {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found, "expected efc_backup_duration_seconds to be registered")
}

func TestCollectors_RegistersAllFourMetricNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"efc_backup_jobs_total",
		"efc_backup_duration_seconds",
		"efc_backup_bytes_transferred_total",
		"efc_backup_running_jobs",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}
