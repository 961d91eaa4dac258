package catalog

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClientLifecycle(t *testing.T) {
	store := newTestStore(t)

	client := &types.Client{
		Name:     "web-01",
		Host:     "10.0.0.5",
		Port:     22,
		Username: "backup",
		Secret:   "hunter2",
		OS:       types.OSLinux,
		Active:   true,
	}
	require.NoError(t, store.UpsertClient(client))
	assert.False(t, client.CreatedAt.IsZero())

	got, err := store.GetClient("web-01")
	require.NoError(t, err)
	// The secret survives the round trip even though Client itself never
	// marshals it.
	assert.Equal(t, "hunter2", got.Secret)
	assert.Equal(t, "10.0.0.5", got.Host)

	// Upsert preserves CreatedAt and bumps UpdatedAt.
	created := got.CreatedAt
	got.Host = "10.0.0.6"
	require.NoError(t, store.UpsertClient(got))
	got2, err := store.GetClient("web-01")
	require.NoError(t, err)
	assert.Equal(t, created, got2.CreatedAt)
	assert.Equal(t, "10.0.0.6", got2.Host)

	_, err = store.GetClient("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrCatalog)
}

func TestClientSoftDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertClient(&types.Client{Name: "a", Active: true}))
	require.NoError(t, store.UpsertClient(&types.Client{Name: "b", Active: true}))
	require.NoError(t, store.UpsertClient(&types.Client{Name: "c", Active: false}))

	require.NoError(t, store.DeleteClient("b"))

	clients, err := store.ListClients()
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	active, err := store.ListActiveClients()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Name)
}

func TestInsertBackupRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)

	record := &types.BackupRecord{ID: "b-1", ClientName: "web-01", Status: types.BackupStatusPending, StartedAt: time.Now().UTC()}
	require.NoError(t, store.InsertBackup(record))

	err := store.InsertBackup(record)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrCatalog)

	// UpdateBackup overwrites freely.
	record.Status = types.BackupStatusRunning
	require.NoError(t, store.UpdateBackup(record))
	got, err := store.GetBackup("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BackupStatusRunning, got.Status)
}

func TestListBackupsFilterAndOrder(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rows := []*types.BackupRecord{
		{ID: "b-1", ClientName: "web-01", Kind: types.BackupFull, Status: types.BackupStatusCompleted, StartedAt: base},
		{ID: "b-2", ClientName: "web-01", Kind: types.BackupIncremental, Status: types.BackupStatusCompleted, StartedAt: base.Add(1 * time.Hour)},
		{ID: "b-3", ClientName: "db-01", Kind: types.BackupFull, Status: types.BackupStatusFailed, StartedAt: base.Add(2 * time.Hour)},
		{ID: "b-4", ClientName: "web-01", Kind: types.BackupFull, Status: types.BackupStatusCompleted, StartedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range rows {
		require.NoError(t, store.InsertBackup(r))
	}

	all, err := store.ListBackups(BackupFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Newest first.
	assert.Equal(t, "b-4", all[0].ID)
	assert.Equal(t, "b-1", all[3].ID)

	fulls, err := store.ListBackups(BackupFilter{
		Client: "web-01",
		Kind:   types.BackupFull,
		Status: types.BackupStatusCompleted,
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, fulls, 1)
	assert.Equal(t, "b-4", fulls[0].ID)

	since, err := store.ListBackups(BackupFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestBackupStats(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.InsertBackup(&types.BackupRecord{
		ID: "b-1", Status: types.BackupStatusCompleted, StartedAt: now.Add(-2 * time.Hour), SizeMB: 100,
	}))
	require.NoError(t, store.InsertBackup(&types.BackupRecord{
		ID: "b-2", Status: types.BackupStatusFailed, StartedAt: now.Add(-48 * time.Hour), SizeMB: 50,
	}))

	stats, err := store.BackupStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.BackupStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[types.BackupStatusFailed])
	assert.Equal(t, 1, stats.Last24h)
	assert.InDelta(t, 150.0, stats.TotalSizeMB, 0.001)
}

func TestDeleteBackupsBefore(t *testing.T) {
	store := newTestStore(t)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBackup(&types.BackupRecord{ID: "old", StartedAt: cutoff.Add(-time.Hour)}))
	require.NoError(t, store.InsertBackup(&types.BackupRecord{ID: "exact", StartedAt: cutoff}))
	require.NoError(t, store.InsertBackup(&types.BackupRecord{ID: "new", StartedAt: cutoff.Add(time.Hour)}))

	n, err := store.DeleteBackupsBefore(cutoff)
	require.NoError(t, err)
	// Strictly before: the row exactly at the cutoff survives.
	assert.Equal(t, 1, n)

	_, err = store.GetBackup("old")
	assert.Error(t, err)
	_, err = store.GetBackup("exact")
	assert.NoError(t, err)

	// Idempotent.
	n, err = store.DeleteBackupsBefore(cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleLifecycle(t *testing.T) {
	store := newTestStore(t)

	schedule := &types.Schedule{
		Name:     "nightly-db",
		CronExpr: "0 1 * * *",
		Kind:     types.BackupFull,
		Active:   true,
		Origin:   types.ScheduleCustom,
	}
	require.NoError(t, store.UpsertSchedule(schedule))

	require.NoError(t, store.IncrementScheduleRuns("nightly-db"))
	require.NoError(t, store.IncrementScheduleRuns("nightly-db"))

	got, err := store.GetSchedule("nightly-db")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunCount)

	active, err := store.ListActiveSchedules()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, store.DeleteSchedule("nightly-db"))
	active, err = store.ListActiveSchedules()
	require.NoError(t, err)
	assert.Empty(t, active)

	// The soft-deleted row is still readable.
	got, err = store.GetSchedule("nightly-db")
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	err = store.IncrementScheduleRuns("ghost")
	assert.ErrorIs(t, err, errdefs.ErrCatalog)
}

func TestActivityOrderingAndPruning(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendActivity(&types.ActivityEntry{
			Action:    fmt.Sprintf("event-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := store.ListActivity(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, "event-4", entries[0].Action)
	assert.Equal(t, "event-2", entries[2].Action)

	n, err := store.DeleteActivityBefore(base.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err = store.ListActivity(0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestActivitySameTimestampKeepsInsertionOrder(t *testing.T) {
	store := newTestStore(t)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendActivity(&types.ActivityEntry{
			Action:    fmt.Sprintf("burst-%d", i),
			Timestamp: ts,
		}))
	}

	entries, err := store.ListActivity(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// The sequence suffix breaks timestamp ties.
	assert.Equal(t, "burst-2", entries[0].Action)
	assert.Equal(t, "burst-0", entries[2].Action)
}

func TestNetworkStats(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	stats := &types.NetworkStats{
		BackupID:         "b-1",
		BytesTransferred: 1 << 30,
		AvgSpeedMbps:     85.3,
		StartedAt:        now.Add(-time.Hour),
		CompletedAt:      now,
	}
	require.NoError(t, store.InsertNetworkStats(stats))

	got, err := store.GetNetworkStats("b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), got.BytesTransferred)

	n, err := store.DeleteNetworkStatsBefore(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetNetworkStats("b-1")
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)

	// Missing keys read as empty.
	v, err := store.GetSetting("theme")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetSetting("theme", "dark"))
	v, err = store.GetSetting("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	require.NoError(t, store.SetSetting("theme", "light"))
	v, err = store.GetSetting("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", v)
}

func TestCompactPreservesData(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertClient(&types.Client{Name: "web-01", Secret: "s3cret", Active: true}))
	require.NoError(t, store.InsertBackup(&types.BackupRecord{ID: "b-1", StartedAt: time.Now().UTC()}))
	require.NoError(t, store.SetSetting("k", "v"))

	require.NoError(t, store.Compact())

	client, err := store.GetClient("web-01")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", client.Secret)

	_, err = store.GetBackup("b-1")
	assert.NoError(t, err)

	v, err := store.GetSetting("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	// The store keeps working after the swap.
	require.NoError(t, store.SetSetting("k2", "v2"))
}

func TestCompactConcurrentWithWriters(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertBackup(&types.BackupRecord{ID: "b-1", StartedAt: time.Now().UTC()}))

	// A backup updating its row while a sweep compacts must never observe a
	// closed or swapped-out handle.
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := store.UpdateBackup(&types.BackupRecord{
				ID: "b-1", Status: types.BackupStatusRunning, StartedAt: time.Now().UTC(),
			}); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for i := 0; i < 25; i++ {
		require.NoError(t, store.Compact())
	}
	close(done)

	if err, ok := <-errCh; ok {
		t.Fatalf("concurrent UpdateBackup failed during Compact: %v", err)
	}

	record, err := store.GetBackup("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BackupStatusRunning, record.Status)
}

func TestStoredClientRowNeverLeaksIntoAPIShape(t *testing.T) {
	// The wire shape of Client (what any HTTP layer would render) must not
	// carry the secret even when loaded from storage.
	store := newTestStore(t)
	require.NoError(t, store.UpsertClient(&types.Client{Name: "web-01", Secret: "hunter2"}))

	got, err := store.GetClient("web-01")
	require.NoError(t, err)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}
