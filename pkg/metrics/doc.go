/*
Package metrics exposes Prometheus collectors for the backup engine.

Counters track backups started/completed/failed by kind, bytes shipped,
backup-level retries, schedule fires, and retention deletions; histograms
track backup and sweep durations; a gauge tracks currently executing jobs.
Handler returns the promhttp handler for the optional /metrics listener.

A small Timer helper pairs with the histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BackupDuration)
*/
package metrics
