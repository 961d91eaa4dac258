package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backup metrics
	BackupsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efc_backups_started_total",
			Help: "Total number of backups started, by kind and trigger",
		},
		[]string{"kind", "trigger"},
	)

	BackupsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efc_backups_completed_total",
			Help: "Total number of backups completed successfully, by kind",
		},
		[]string{"kind"},
	)

	BackupsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efc_backups_failed_total",
			Help: "Total number of failed backups, by kind",
		},
		[]string{"kind"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efc_backup_duration_seconds",
			Help:    "Wall-clock duration of backups in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)

	BytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efc_backup_bytes_transferred_total",
			Help: "Total bytes shipped from clients to the archive root",
		},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "efc_running_jobs",
			Help: "Number of backups currently executing",
		},
	)

	BackupRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efc_backup_retries_total",
			Help: "Total number of backup-level retry attempts",
		},
	)

	// Scheduler metrics
	ScheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efc_schedule_runs_total",
			Help: "Total number of schedule fires, by schedule name",
		},
		[]string{"schedule"},
	)

	// Retention metrics
	RetentionDeletes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efc_retention_deletes_total",
			Help: "Total number of archives deleted by the retention sweeper",
		},
	)

	RetentionBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efc_retention_bytes_freed_total",
			Help: "Total bytes freed by the retention sweeper",
		},
	)

	RetentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efc_retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BackupsStarted)
	prometheus.MustRegister(BackupsCompleted)
	prometheus.MustRegister(BackupsFailed)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(BytesTransferred)
	prometheus.MustRegister(RunningJobs)
	prometheus.MustRegister(BackupRetries)
	prometheus.MustRegister(ScheduleRuns)
	prometheus.MustRegister(RetentionDeletes)
	prometheus.MustRegister(RetentionBytesFreed)
	prometheus.MustRegister(RetentionSweepDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
