package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/catalog"
	"github.com/efc-ti/efc-backup/pkg/config"
	"github.com/efc-ti/efc-backup/pkg/driver"
	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/retry"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// Options configures one job.
type Options struct {
	// BackupID pre-allocates the id; empty generates one.
	BackupID string

	// Trigger records what started the job.
	Trigger types.TriggerOrigin

	// Folders overrides the client's configured folder set.
	Folders []string

	// CreateImage is the caller's explicit Windows system-image choice; nil
	// defers to configuration.
	CreateImage *bool
}

// DriverFactory builds a driver for a client; tests substitute fakes.
type DriverFactory func(client *types.Client) (driver.Driver, error)

// Runner drives one client through one backup: it registers the running job,
// walks the catalog record through its states, enforces the backup-level
// retry budget, and persists results and network statistics.
type Runner struct {
	store    catalog.Store
	registry *Registry
	policy   *retry.Policy
	cfg      *config.Config
	logger   zerolog.Logger

	newDriver DriverFactory
}

// New creates a runner wired to the default SSH-backed drivers.
func New(store catalog.Store, registry *Registry, cfg *config.Config) *Runner {
	r := &Runner{
		store:    store,
		registry: registry,
		policy:   retry.New(),
		cfg:      cfg,
		logger:   log.WithComponent("runner"),
	}
	r.newDriver = func(client *types.Client) (driver.Driver, error) {
		// Session operations get their own retry budget so a transient blip
		// on one command does not consume a whole-backup attempt.
		conn := driver.NewRetryingConn(driver.NewSession(client, cfg.SSHCommandTimeout), r.policy, client.Name)
		return driver.New(client, conn)
	}
	return r
}

// WithDriverFactory swaps the driver construction; used by tests.
func (r *Runner) WithDriverFactory(f DriverFactory) *Runner {
	r.newDriver = f
	return r
}

// Run executes one backup for the named client and returns the driver
// result. The catalog row ends in a terminal state whatever happens.
func (r *Runner) Run(ctx context.Context, clientName string, kind types.BackupKind, opts Options) (*types.BackupResult, error) {
	client, err := r.store.GetClient(clientName)
	if err != nil {
		return nil, fmt.Errorf("unknown client %s: %w", clientName, err)
	}
	if !client.Active {
		return nil, fmt.Errorf("%w: client %s is inactive", errdefs.ErrConfigInvalid, clientName)
	}

	backupID := opts.BackupID
	if backupID == "" {
		backupID = uuid.New().String()
	}
	if opts.Trigger == "" {
		opts.Trigger = types.TriggerManual
	}

	logger := r.logger.With().Str("client", clientName).Str("backup_id", backupID).Logger()

	// Incremental without a prior full is promoted to full with a warning.
	refTime := time.Time{}
	promoted := false
	effectiveKind := kind
	if kind == types.BackupIncremental || kind == types.BackupDifferential {
		ref, ok := r.lastFullBackup(client)
		if !ok {
			logger.Warn().Msg("no prior full backup found, promoting to full")
			effectiveKind = types.BackupFull
			promoted = true
		} else {
			refTime = ref
		}
	}

	now := time.Now().UTC()
	r.registry.Add(&types.RunningJob{
		BackupID:  backupID,
		Client:    clientName,
		Kind:      effectiveKind,
		StartedAt: now,
		Phase:     "pending",
		Trigger:   opts.Trigger,
	})

	record := &types.BackupRecord{
		ID:         backupID,
		ClientName: clientName,
		Kind:       effectiveKind,
		Status:     types.BackupStatusPending,
		StartedAt:  now,
	}
	if err := r.store.InsertBackup(record); err != nil {
		r.registry.Finish(backupID, true, err.Error())
		return nil, fmt.Errorf("failed to insert catalog record: %w", err)
	}

	record.Status = types.BackupStatusRunning
	if err := r.store.UpdateBackup(record); err != nil {
		logger.Error().Err(err).Msg("failed to mark backup running")
	}

	metrics.BackupsStarted.WithLabelValues(string(effectiveKind), string(opts.Trigger)).Inc()
	timer := metrics.NewTimer()

	r.appendActivity("backup_started", clientName, backupID, nil)

	result, runErr := r.runDriver(ctx, client, effectiveKind, backupID, refTime, opts, logger)

	if runErr != nil {
		r.finishFailed(record, runErr, logger)
		metrics.BackupsFailed.WithLabelValues(string(effectiveKind)).Inc()
		return nil, runErr
	}

	result.Promoted = promoted
	r.finishCompleted(record, result, logger)
	metrics.BackupsCompleted.WithLabelValues(string(effectiveKind)).Inc()
	metrics.BytesTransferred.Add(float64(result.TotalBytes))
	timer.ObserveDuration(metrics.BackupDuration)
	return result, nil
}

// runDriver invokes the appropriate driver inside the backup-level retry
// budget. Each attempt re-runs the driver from its first phase; the catalog
// row stays `running` across attempts.
func (r *Runner) runDriver(ctx context.Context, client *types.Client, kind types.BackupKind, backupID string, refTime time.Time, opts Options, logger zerolog.Logger) (*types.BackupResult, error) {
	var result *types.BackupResult

	// Progress callbacks arrive from driver phase boundaries; serialize them
	// into registry updates and remember the phase for failure reporting.
	var phaseMu sync.Mutex
	lastPhase := "connect"
	progress := func(phase string, percent int) {
		phaseMu.Lock()
		lastPhase = phase
		phaseMu.Unlock()
		r.registry.Update(backupID, func(job *types.RunningJob) {
			job.Phase = phase
			job.Progress = percent
		})
	}

	attempt := 0
	err := r.policy.RunBackup(ctx, "backup "+client.Name, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.BackupRetries.Inc()
			// Retrying resets the visible progress to the first phase.
			r.registry.Reset(backupID, "connect")
		}
		attempt++

		drv, err := r.newDriver(client)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrFatalInternal, err)
		}
		defer func() {
			if err := drv.Disconnect(); err != nil {
				logger.Debug().Err(err).Msg("disconnect failed")
			}
		}()

		dopts := driver.Options{
			BackupID:           backupID,
			Folders:            opts.Folders,
			RefTime:            refTime,
			BackupRoot:         r.cfg.BackupPath,
			UseVSS:             r.cfg.UseVSS,
			CreateImage:        opts.CreateImage,
			CreateImageDefault: r.cfg.CreateSystemImage,
			Progress:           progress,
		}

		var res *types.BackupResult
		switch kind {
		case types.BackupFull:
			res, err = drv.PerformFullBackup(ctx, dopts)
		default:
			res, err = drv.PerformIncrementalBackup(ctx, dopts)
		}
		if err != nil {
			phaseMu.Lock()
			phase := lastPhase
			phaseMu.Unlock()
			return fmt.Errorf("phase %s: %w", phase, err)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finishCompleted moves the row to completed and persists stats exactly once.
// Catalog failures here are logged, not propagated: the archive exists and
// the sweeper reconciles later.
func (r *Runner) finishCompleted(record *types.BackupRecord, result *types.BackupResult, logger zerolog.Logger) {
	completed := result.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	record.Status = types.BackupStatusCompleted
	record.CompletedAt = &completed
	record.SizeMB = result.SizeMB
	record.FileCount = result.TotalFiles
	record.ArchivePath = result.ArchivePath

	meta := types.BackupMetadata{
		BackupID:     record.ID,
		ClientName:   result.ClientName,
		ClientHost:   result.ClientHost,
		Timestamp:    result.StartedAt,
		Type:         result.Kind,
		Folders:      result.Folders,
		SystemInfo:   result.SystemInfo,
		ShadowID:     result.ShadowID,
		ImageCreated: result.ImageCreated,
	}
	if data, err := json.Marshal(&meta); err == nil {
		record.Metadata = data
	}

	if err := r.store.UpdateBackup(record); err != nil {
		logger.Error().Err(err).Msg("failed to persist completed backup record")
	}

	// Network statistics are inserted exactly once per backup, and only when
	// something actually crossed the wire.
	if result.TotalBytes > 0 {
		duration := completed.Sub(result.StartedAt).Seconds()
		stats := &types.NetworkStats{
			BackupID:         record.ID,
			BytesTransferred: result.TotalBytes,
			DurationSeconds:  duration,
			FileCount:        result.TotalFiles,
			StartedAt:        result.StartedAt,
			CompletedAt:      completed,
		}
		if duration > 0 {
			stats.AvgSpeedMbps = float64(result.TotalBytes) * 8 / duration / 1e6
		}
		if err := r.store.InsertNetworkStats(stats); err != nil {
			logger.Error().Err(err).Msg("failed to persist network stats")
		}
	}

	r.appendActivity("backup_completed", record.ClientName, record.ID, map[string]interface{}{
		"size_mb":    record.SizeMB,
		"file_count": record.FileCount,
	})
	r.registry.Update(record.ID, func(job *types.RunningJob) {
		job.Phase = "done"
		job.Progress = 100
	})
	r.registry.Finish(record.ID, false, "")

	logger.Info().
		Float64("size_mb", record.SizeMB).
		Int("files", record.FileCount).
		Msg("backup completed")
}

// finishFailed moves the row to failed with the error text.
func (r *Runner) finishFailed(record *types.BackupRecord, runErr error, logger zerolog.Logger) {
	failed := time.Now().UTC()
	record.Status = types.BackupStatusFailed
	record.FailedAt = &failed
	record.ErrorText = runErr.Error()
	if errdefs.IsCancelled(runErr) {
		record.ErrorText = "cancelled"
	}

	if err := r.store.UpdateBackup(record); err != nil {
		logger.Error().Err(err).Msg("failed to persist failed backup record")
	}

	r.appendActivity("backup_failed", record.ClientName, record.ID, map[string]interface{}{
		"error": record.ErrorText,
	})
	r.registry.Update(record.ID, func(job *types.RunningJob) {
		job.Failed = true
		job.Error = record.ErrorText
	})
	r.registry.Finish(record.ID, true, record.ErrorText)

	logger.Error().Err(runErr).Msg("backup failed")
}

// lastFullBackup locates the most recent completed full backup for a client,
// consulting the catalog first and the on-disk archive root second.
func (r *Runner) lastFullBackup(client *types.Client) (time.Time, bool) {
	records, err := r.store.ListBackups(catalog.BackupFilter{
		Client: client.Name,
		Kind:   types.BackupFull,
		Status: types.BackupStatusCompleted,
		Limit:  1,
	})
	if err == nil && len(records) > 0 {
		return records[0].StartedAt, true
	}

	// The disk fallback exists for catalogs rebuilt after data loss. Named
	// tar.gz archives carry no kind, so they only count as a full reference
	// when the client has no catalog history at all.
	any, err := r.store.ListBackups(catalog.BackupFilter{Client: client.Name, Limit: 1})
	catalogEmpty := err == nil && len(any) == 0

	if ts, ok := r.lastFullOnDisk(client.Name, catalogEmpty); ok {
		return ts, true
	}
	return time.Time{}, false
}

// lastFullOnDisk scans the archive root for this client's artifacts and reads
// each candidate's metadata document to find the newest full backup.
func (r *Runner) lastFullOnDisk(clientName string, catalogEmpty bool) (time.Time, bool) {
	entries, err := os.ReadDir(r.cfg.BackupPath)
	if err != nil {
		return time.Time{}, false
	}

	var newest time.Time
	found := false
	dirPrefix := "backup_" + clientName + "_"
	filePrefix := "efc-backup-" + clientName + "-"

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir() && strings.HasPrefix(name, dirPrefix):
			metaPath := filepath.Join(r.cfg.BackupPath, name, "backup_metadata.json")
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta types.BackupMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			if meta.Type == types.BackupFull && meta.Timestamp.After(newest) {
				newest = meta.Timestamp
				found = true
			}
		case !entry.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".tar.gz"):
			// Linux archives carry the timestamp in the name; without the
			// catalog row the kind is unknown, so a full is assumed only
			// when the catalog is empty entirely.
			if !catalogEmpty {
				continue
			}
			ts := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".tar.gz")
			if t, err := time.Parse("20060102-150405", ts); err == nil && t.After(newest) {
				newest = t
				found = true
			}
		}
	}
	return newest, found
}

func (r *Runner) appendActivity(action, client, backupID string, details map[string]interface{}) {
	entry := &types.ActivityEntry{
		Action:   action,
		Client:   client,
		BackupID: backupID,
		Actor:    "engine",
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = data
		}
	}
	if err := r.store.AppendActivity(entry); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append activity entry")
	}
}

// Registry exposes the running-jobs registry for dashboard consumers.
func (r *Runner) Jobs() *Registry {
	return r.registry
}
