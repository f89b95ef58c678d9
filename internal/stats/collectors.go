// Package stats wires the Prometheus metrics SPEC_FULL.md §9.3 names. The
// teacher's go.mod already carries prometheus/client_golang but never
// registers a single collector with it — this package is the first thing in
// this repository to actually use that dependency, against the progress/
// stats pipeline the Job Runner drives.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Collectors implements jobrunner.StatsRecorder, recording the four metrics
// SPEC_FULL.md §9.3 specifies. The zero value is not usable — construct with
// New, which registers every collector with reg.
type Collectors struct {
	jobsTotal        *prometheus.CounterVec
	duration         prometheus.Histogram
	bytesTransferred prometheus.Counter
	runningJobs      prometheus.Gauge
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose them on the default /metrics path.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efc_backup_jobs_total",
			Help: "Total number of backup jobs, partitioned by terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "efc_backup_duration_seconds",
			Help:    "Wall-clock duration of completed backup jobs.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5s .. 10240s (~2.8h)
		}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "efc_backup_bytes_transferred_total",
			Help: "Cumulative bytes transferred across all completed backup jobs.",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "efc_backup_running_jobs",
			Help: "Number of backups currently tracked in the RunningJob registry.",
		}),
	}
	reg.MustRegister(c.jobsTotal, c.duration, c.bytesTransferred, c.runningJobs)
	return c
}

// ObserveJobOutcome increments efc_backup_jobs_total{status=status}.
func (c *Collectors) ObserveJobOutcome(status string) {
	c.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveDuration records one sample into efc_backup_duration_seconds.
func (c *Collectors) ObserveDuration(seconds float64) {
	c.duration.Observe(seconds)
}

// ObserveBytesTransferred adds n to efc_backup_bytes_transferred_total.
func (c *Collectors) ObserveBytesTransferred(n int64) {
	if n <= 0 {
		return
	}
	c.bytesTransferred.Add(float64(n))
}

// SetRunningJobs sets efc_backup_running_jobs to n.
func (c *Collectors) SetRunningJobs(n int) {
	c.runningJobs.Set(float64(n))
}
