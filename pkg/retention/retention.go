package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/catalog"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// orphanGrace is how long an incomplete download tree may sit in the archive
// root before it is considered abandoned.
const orphanGrace = 24 * time.Hour

// Report summarizes one sweep.
type Report struct {
	ArchivesDeleted int   `json:"archives_deleted"`
	OrphansDeleted  int   `json:"orphans_deleted"`
	BytesFreed      int64 `json:"bytes_freed"`
	CatalogRows     int   `json:"catalog_rows"`
	StatsRows       int   `json:"stats_rows"`
	ActivityRows    int   `json:"activity_rows"`
}

// Sweeper enforces the retention horizon over the archive root and the
// catalog. Sweeps are idempotent; a second pass over the same state deletes
// nothing.
type Sweeper struct {
	store  catalog.Store
	root   string
	days   int
	logger zerolog.Logger
}

// New creates a sweeper over the archive root with the given horizon in days.
func New(store catalog.Store, root string, days int) *Sweeper {
	return &Sweeper{
		store:  store,
		root:   root,
		days:   days,
		logger: log.WithComponent("retention"),
	}
}

// Sweep deletes archives older than the horizon, reaps abandoned download
// trees, prunes the matching catalog rows, and compacts the database.
// Archive deletion errors are collected, not fatal; catalog errors abort.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RetentionSweepDuration)

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -s.days)
	s.logger.Info().Time("cutoff", cutoff).Str("root", s.root).Msg("retention sweep started")

	var report Report

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return report, s.pruneCatalog(cutoff, &report)
		}
		return report, fmt.Errorf("failed to read archive root: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		name := entry.Name()
		path := filepath.Join(s.root, name)

		info, err := entry.Info()
		if err != nil {
			continue
		}

		switch {
		case entry.IsDir() && strings.HasPrefix(name, "backup_"):
			if s.isOrphan(path, info.ModTime(), now) {
				size := dirSize(path)
				if err := os.RemoveAll(path); err != nil {
					s.logger.Error().Err(err).Str("path", path).Msg("failed to remove orphaned tree")
					continue
				}
				report.OrphansDeleted++
				report.BytesFreed += size
				s.logger.Info().Str("path", path).Msg("removed orphaned download tree")
				continue
			}
			if info.ModTime().Before(cutoff) {
				size := dirSize(path)
				if err := os.RemoveAll(path); err != nil {
					s.logger.Error().Err(err).Str("path", path).Msg("failed to remove expired backup tree")
					continue
				}
				report.ArchivesDeleted++
				report.BytesFreed += size
			}

		case !entry.IsDir() && strings.HasPrefix(name, "efc-backup-") && strings.HasSuffix(name, ".tar.gz"):
			if info.ModTime().Before(cutoff) {
				size := info.Size()
				if err := os.Remove(path); err != nil {
					s.logger.Error().Err(err).Str("path", path).Msg("failed to remove expired archive")
					continue
				}
				report.ArchivesDeleted++
				report.BytesFreed += size
			}
		}
	}

	metrics.RetentionDeletes.Add(float64(report.ArchivesDeleted))
	metrics.RetentionBytesFreed.Add(float64(report.BytesFreed))

	if err := s.pruneCatalog(cutoff, &report); err != nil {
		return report, err
	}

	s.recordSweep(now, report)

	s.logger.Info().
		Int("archives_deleted", report.ArchivesDeleted).
		Int("orphans_deleted", report.OrphansDeleted).
		Int64("bytes_freed", report.BytesFreed).
		Int("catalog_rows", report.CatalogRows).
		Msg("retention sweep finished")
	return report, nil
}

// pruneCatalog removes expired rows and compacts the database file.
func (s *Sweeper) pruneCatalog(cutoff time.Time, report *Report) error {
	n, err := s.store.DeleteBackupsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune backup rows: %w", err)
	}
	report.CatalogRows = n

	n, err = s.store.DeleteNetworkStatsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune network stats: %w", err)
	}
	report.StatsRows = n

	n, err = s.store.DeleteActivityBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune activity log: %w", err)
	}
	report.ActivityRows = n

	if err := s.store.Compact(); err != nil {
		return fmt.Errorf("failed to compact catalog: %w", err)
	}
	return nil
}

// recordSweep stamps the last-sweep setting and appends an audit entry.
// Bookkeeping failures are logged, never fatal.
func (s *Sweeper) recordSweep(now time.Time, report Report) {
	if err := s.store.SetSetting("last_sweep_at", now.Format(time.RFC3339)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record sweep timestamp")
	}

	details, _ := json.Marshal(report)
	entry := &types.ActivityEntry{
		Action:    "retention_sweep",
		Actor:     "system",
		Details:   details,
		Timestamp: now,
	}
	if err := s.store.AppendActivity(entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to append sweep activity")
	}
}

// isOrphan reports whether a backup_ tree is an abandoned partial download:
// no metadata document and not touched within the grace window.
func (s *Sweeper) isOrphan(path string, mtime, now time.Time) bool {
	if now.Sub(mtime) < orphanGrace {
		return false
	}
	_, err := os.Stat(filepath.Join(path, "backup_metadata.json"))
	return os.IsNotExist(err)
}

// dirSize totals regular file sizes under path; unreadable entries count as
// zero.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
