package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/catalog"
	"github.com/efc-ti/efc-backup/pkg/config"
	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/notify"
	"github.com/efc-ti/efc-backup/pkg/retention"
	"github.com/efc-ti/efc-backup/pkg/runner"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// RetentionSweeper is invoked after a successful full-kind run.
type RetentionSweeper interface {
	Sweep(ctx context.Context) (retention.Report, error)
}

// BatchResult aggregates one scheduled or manual run.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []string
}

// Scheduler owns the cron entries (built-in and custom) and fans jobs out to
// the runner through a bounded worker pool.
type Scheduler struct {
	store    catalog.Store
	runner   *runner.Runner
	cfg      *config.Config
	notifier notify.Notifier
	sweeper  RetentionSweeper
	logger   zerolog.Logger

	cron *cron.Cron

	// sem bounds in-flight jobs globally: overlapping cron fires, manual
	// batches, and single-client runs all acquire a slot before running.
	sem chan struct{}

	// mu guards the cron entry and schedule maps; only Scheduler APIs
	// mutate them.
	mu        sync.Mutex
	entries   map[string]cron.EntryID
	schedules map[string]*types.Schedule

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. The sweeper and notifier may be nil.
func New(store catalog.Store, run *runner.Runner, cfg *config.Config, notifier notify.Notifier, sweeper RetentionSweeper) *Scheduler {
	slots := cfg.MaxParallelBackups
	if slots < 1 {
		slots = 1
	}
	return &Scheduler{
		store:     store,
		runner:    run,
		cfg:       cfg,
		notifier:  notifier,
		sweeper:   sweeper,
		logger:    log.WithComponent("scheduler"),
		sem:       make(chan struct{}, slots),
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]*types.Schedule),
	}
}

// acquire claims one global job slot, or fails when ctx ends first.
func (s *Scheduler) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) release() {
	<-s.sem
}

// Start materializes the built-in schedules, loads active custom schedules
// from the catalog, and begins firing cron entries in the configured
// timezone.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLocation(s.cfg.Location()))

	builtins, err := s.builtinSchedules()
	if err != nil {
		return err
	}
	for _, schedule := range builtins {
		if err := s.register(schedule); err != nil {
			return err
		}
	}

	custom, err := s.store.ListActiveSchedules()
	if err != nil {
		return fmt.Errorf("failed to load custom schedules: %w", err)
	}
	for _, schedule := range custom {
		if err := s.register(schedule); err != nil {
			s.logger.Error().Err(err).Str("schedule", schedule.Name).Msg("failed to register custom schedule")
		}
	}

	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.entries)).Str("timezone", s.cfg.Timezone).Msg("scheduler started")
	return nil
}

// Stop halts cron firing and waits up to grace for in-flight fires.
func (s *Scheduler) Stop(grace time.Duration) {
	if s.cancel != nil {
		defer s.cancel()
	}
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(grace):
		s.logger.Warn().Msg("timeout waiting for in-flight scheduled runs")
	}
}

// builtinSchedules materializes the three built-ins from configuration:
// daily incremental, weekly full, monthly full.
func (s *Scheduler) builtinSchedules() ([]*types.Schedule, error) {
	daily, err := TimeToCron(s.cfg.DailyBackupTime, "", "")
	if err != nil {
		return nil, err
	}
	weekly, err := TimeToCron(s.cfg.WeeklyBackupTime, s.cfg.WeeklyBackupDay, "")
	if err != nil {
		return nil, err
	}
	monthly, err := TimeToCron(s.cfg.MonthlyBackupTime, "", s.cfg.MonthlyBackupDay)
	if err != nil {
		return nil, err
	}
	return []*types.Schedule{
		{Name: "daily-incremental", CronExpr: daily, Kind: types.BackupIncremental, Active: true, Origin: types.ScheduleBuiltin, Description: "Daily incremental backup"},
		{Name: "weekly-full", CronExpr: weekly, Kind: types.BackupFull, Active: true, Origin: types.ScheduleBuiltin, Description: "Weekly full backup"},
		{Name: "monthly-full", CronExpr: monthly, Kind: types.BackupFull, Active: true, Origin: types.ScheduleBuiltin, Description: "Monthly full backup"},
	}, nil
}

// register adds a cron entry for a schedule. Caller must not hold mu.
func (s *Scheduler) register(schedule *types.Schedule) error {
	if _, err := cron.ParseStandard(schedule.CronExpr); err != nil {
		return fmt.Errorf("%w: bad cron expression %q for schedule %s: %v",
			errdefs.ErrConfigInvalid, schedule.CronExpr, schedule.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[schedule.Name]; exists {
		return fmt.Errorf("%w: schedule %s already registered", errdefs.ErrConfigInvalid, schedule.Name)
	}

	name := schedule.Name
	id, err := s.cron.AddFunc(schedule.CronExpr, func() { s.onFire(name) })
	if err != nil {
		return fmt.Errorf("failed to add cron entry: %w", err)
	}
	s.entries[schedule.Name] = id
	s.schedules[schedule.Name] = schedule
	return nil
}

// onFire runs one scheduled batch.
func (s *Scheduler) onFire(name string) {
	s.mu.Lock()
	schedule, ok := s.schedules[name]
	if ok {
		schedule.RunCount++
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	logger := s.logger.With().Str("schedule", name).Logger()
	logger.Info().Str("kind", string(schedule.Kind)).Msg("schedule fired")
	metrics.ScheduleRuns.WithLabelValues(name).Inc()

	if schedule.Origin == types.ScheduleCustom {
		if err := s.store.IncrementScheduleRuns(name); err != nil {
			logger.Warn().Err(err).Msg("failed to increment schedule run counter")
		}
	}

	clients, err := s.resolveClients(schedule.Clients)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve clients")
		return
	}
	if len(clients) == 0 {
		logger.Info().Msg("no active clients, nothing to do")
		return
	}

	result := s.runBatch(s.baseCtx, clients, schedule.Kind, types.TriggerScheduled)
	logger.Info().
		Int("total", result.Total).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("scheduled run finished")

	s.dispatchNotification(name, schedule.Kind, result)

	// Full-kind runs that succeeded trigger a retention sweep.
	if schedule.Kind == types.BackupFull && result.Failed == 0 && s.sweeper != nil {
		if _, err := s.sweeper.Sweep(s.baseCtx); err != nil {
			logger.Error().Err(err).Msg("retention sweep failed")
		}
	}
}

// resolveClients returns the restricted list when set, all active clients
// otherwise.
func (s *Scheduler) resolveClients(names []string) ([]*types.Client, error) {
	if len(names) == 0 {
		return s.store.ListActiveClients()
	}
	var clients []*types.Client
	for _, name := range names {
		client, err := s.store.GetClient(name)
		if err != nil {
			s.logger.Warn().Str("client", name).Msg("schedule references unknown client, skipping")
			continue
		}
		if client.Active {
			clients = append(clients, client)
		}
	}
	return clients, nil
}

// runBatch executes clients in groups of MaxParallelBackups, awaiting each
// group before starting the next. Every worker also claims a global slot, so
// concurrent batches never exceed the bound together.
func (s *Scheduler) runBatch(ctx context.Context, clients []*types.Client, kind types.BackupKind, trigger types.TriggerOrigin) BatchResult {
	result := BatchResult{Total: len(clients)}
	batchSize := cap(s.sem)

	var resultMu sync.Mutex
	record := func(client *types.Client, err error) {
		resultMu.Lock()
		defer resultMu.Unlock()
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", client.Name, err))
		} else {
			result.Succeeded++
		}
	}

	for start := 0; start < len(clients); start += batchSize {
		end := start + batchSize
		if end > len(clients) {
			end = len(clients)
		}

		var wg sync.WaitGroup
		for _, client := range clients[start:end] {
			wg.Add(1)
			go func(client *types.Client) {
				defer wg.Done()
				if err := s.acquire(ctx); err != nil {
					record(client, err)
					return
				}
				defer s.release()
				_, err := s.runner.Run(ctx, client.Name, kind, runner.Options{Trigger: trigger})
				record(client, err)
			}(client)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}
	return result
}

func (s *Scheduler) dispatchNotification(name string, kind types.BackupKind, result BatchResult) {
	if s.notifier == nil {
		return
	}
	if result.Failed == 0 && !s.cfg.NotifyOnSuccess {
		return
	}
	s.notifier.Notify(notify.Event{
		Schedule:  name,
		Kind:      kind,
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Errors:    result.Errors,
		Timestamp: time.Now().UTC(),
	})
}

// StartManualBackup runs a one-shot batch identical to a scheduled run and
// returns the aggregate counts. Empty clientNames means all active clients.
func (s *Scheduler) StartManualBackup(ctx context.Context, clientNames []string, kind types.BackupKind) (BatchResult, error) {
	clients, err := s.resolveClients(clientNames)
	if err != nil {
		return BatchResult{}, err
	}
	if len(clients) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no matching active clients", errdefs.ErrConfigInvalid)
	}
	result := s.runBatch(ctx, clients, kind, types.TriggerManual)
	s.dispatchNotification("manual", kind, result)
	return result, nil
}

// ManualOptions tunes a single-client manual run.
type ManualOptions struct {
	Folders     []string
	CreateImage *bool
}

// StartManualBackupForClient runs a single client asynchronously and returns
// the backup id immediately; live progress is visible through the running-job
// registry.
func (s *Scheduler) StartManualBackupForClient(clientName string, kind types.BackupKind, opts ManualOptions) (string, error) {
	client, err := s.store.GetClient(clientName)
	if err != nil {
		return "", fmt.Errorf("unknown client %s: %w", clientName, err)
	}
	if !client.Active {
		return "", fmt.Errorf("%w: client %s is inactive", errdefs.ErrConfigInvalid, clientName)
	}

	backupID := uuid.New().String()
	go func() {
		// Single manual runs share the global slot pool with batches.
		if err := s.acquire(s.baseCtx); err != nil {
			s.logger.Warn().Err(err).Str("client", clientName).Msg("manual backup never started")
			return
		}
		defer s.release()
		_, err := s.runner.Run(s.baseCtx, clientName, kind, runner.Options{
			BackupID:    backupID,
			Trigger:     types.TriggerManual,
			Folders:     opts.Folders,
			CreateImage: opts.CreateImage,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("client", clientName).Msg("manual backup failed")
		}
	}()
	return backupID, nil
}

// AddSchedule persists a custom schedule and registers its cron entry.
func (s *Scheduler) AddSchedule(schedule *types.Schedule) error {
	switch schedule.Kind {
	case types.BackupFull, types.BackupIncremental, types.BackupDifferential:
	default:
		return fmt.Errorf("%w: invalid backup kind %q for schedule %s",
			errdefs.ErrConfigInvalid, schedule.Kind, schedule.Name)
	}

	schedule.Origin = types.ScheduleCustom
	schedule.Active = true
	if err := s.register(schedule); err != nil {
		return err
	}
	if err := s.store.UpsertSchedule(schedule); err != nil {
		s.removeEntry(schedule.Name)
		return fmt.Errorf("failed to persist schedule: %w", err)
	}
	s.appendActivity("schedule_added", schedule.Name)
	return nil
}

// RemoveSchedule destroys the cron entry and soft-deletes the row. Built-in
// schedules cannot be removed.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	schedule, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown schedule %s", errdefs.ErrConfigInvalid, name)
	}
	if schedule.Origin == types.ScheduleBuiltin {
		return fmt.Errorf("%w: cannot remove built-in schedule %s", errdefs.ErrConfigInvalid, name)
	}

	s.removeEntry(name)
	if err := s.store.DeleteSchedule(name); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	s.appendActivity("schedule_removed", name)
	return nil
}

// RenameSchedule is modeled as delete + add; the run counter restarts.
func (s *Scheduler) RenameSchedule(oldName, newName string) error {
	s.mu.Lock()
	schedule, ok := s.schedules[oldName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown schedule %s", errdefs.ErrConfigInvalid, oldName)
	}

	renamed := *schedule
	renamed.Name = newName
	renamed.RunCount = 0
	renamed.CreatedAt = time.Time{}
	renamed.DeletedAt = nil

	if err := s.RemoveSchedule(oldName); err != nil {
		return err
	}
	return s.AddSchedule(&renamed)
}

// Schedules snapshots the registered schedules.
func (s *Scheduler) Schedules() []types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, *schedule)
	}
	return out
}

func (s *Scheduler) removeEntry(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	delete(s.schedules, name)
}

func (s *Scheduler) appendActivity(action, schedule string) {
	entry := &types.ActivityEntry{Action: action, Actor: "operator", Details: nil}
	entry.Details = []byte(fmt.Sprintf(`{"schedule":%q}`, schedule))
	if err := s.store.AppendActivity(entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to append activity entry")
	}
}
