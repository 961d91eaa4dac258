package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efc-ti/efc-backup/pkg/catalog"
	"github.com/efc-ti/efc-backup/pkg/types"
)

func newTestSweeper(t *testing.T, days int) (*Sweeper, catalog.Store, string) {
	t.Helper()
	store, err := catalog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	return New(store, root, days), store, root
}

// backdate sets a path's mtime to the given age before now.
func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	past := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, past, past))
}

func writeArchive(t *testing.T, root, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o640))
	backdate(t, path, age)
	return path
}

func writeTree(t *testing.T, root, name string, withMetadata bool, age time.Duration) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(path, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(path, "payload.bin"), make([]byte, 2048), 0o640))
	if withMetadata {
		require.NoError(t, os.WriteFile(filepath.Join(path, "backup_metadata.json"), []byte("{}"), 0o640))
	}
	backdate(t, filepath.Join(path, "payload.bin"), age)
	backdate(t, path, age)
	return path
}

func TestSweepDeletesExpiredArtifacts(t *testing.T) {
	s, _, root := newTestSweeper(t, 30)

	old := 31 * 24 * time.Hour
	expiredArchive := writeArchive(t, root, "efc-backup-web-01-20260701-020000.tar.gz", 4096, old)
	expiredTree := writeTree(t, root, "backup_win-01_1751340000000", true, old)
	recentArchive := writeArchive(t, root, "efc-backup-web-01-20260824-020000.tar.gz", 1024, 24*time.Hour)
	recentTree := writeTree(t, root, "backup_win-01_1756000000000", true, 2*time.Hour)
	// Files outside the naming scheme are never touched.
	stray := writeArchive(t, root, "notes.txt", 10, old)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.ArchivesDeleted)
	assert.Zero(t, report.OrphansDeleted)
	assert.GreaterOrEqual(t, report.BytesFreed, int64(4096+2048))

	assert.NoFileExists(t, expiredArchive)
	assert.NoDirExists(t, expiredTree)
	assert.FileExists(t, recentArchive)
	assert.DirExists(t, recentTree)
	assert.FileExists(t, stray)
}

func TestSweepHorizonIsStrictlyBefore(t *testing.T) {
	s, _, root := newTestSweeper(t, 30)

	// Slightly younger than the horizon: survives.
	boundary := writeArchive(t, root, "efc-backup-db-01-20260726-020000.tar.gz", 100, 30*24*time.Hour-time.Minute)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ArchivesDeleted)
	assert.FileExists(t, boundary)
}

func TestSweepReapsOrphanedTrees(t *testing.T) {
	s, _, root := newTestSweeper(t, 30)

	// Abandoned partial download: no metadata, idle past the grace window,
	// but well inside the retention horizon.
	orphan := writeTree(t, root, "backup_win-02_1755800000000", false, 30*time.Hour)
	// Fresh partial download: still in flight, left alone.
	inFlight := writeTree(t, root, "backup_win-03_1756080000000", false, time.Hour)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.OrphansDeleted)
	assert.Zero(t, report.ArchivesDeleted)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, inFlight)
}

func TestSweepIsIdempotent(t *testing.T) {
	s, _, root := newTestSweeper(t, 30)

	writeArchive(t, root, "efc-backup-web-01-20260601-020000.tar.gz", 512, 60*24*time.Hour)
	writeTree(t, root, "backup_win-01_1749000000000", false, 48*time.Hour)

	first, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.ArchivesDeleted)
	assert.Equal(t, 1, first.OrphansDeleted)

	second, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.ArchivesDeleted)
	assert.Zero(t, second.OrphansDeleted)
	assert.Zero(t, second.BytesFreed)
}

func TestSweepPrunesCatalog(t *testing.T) {
	s, store, _ := newTestSweeper(t, 30)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -45)

	require.NoError(t, store.InsertBackup(&types.BackupRecord{
		ID: "expired", ClientName: "web-01", Kind: types.BackupFull,
		Status: types.BackupStatusCompleted, StartedAt: old,
	}))
	require.NoError(t, store.InsertBackup(&types.BackupRecord{
		ID: "fresh", ClientName: "web-01", Kind: types.BackupFull,
		Status: types.BackupStatusCompleted, StartedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.InsertNetworkStats(&types.NetworkStats{
		BackupID: "expired", BytesTransferred: 1024, StartedAt: old, CompletedAt: old,
	}))
	require.NoError(t, store.AppendActivity(&types.ActivityEntry{
		Action: "backup_completed", Client: "web-01", Timestamp: old,
	}))

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.CatalogRows)
	assert.Equal(t, 1, report.StatsRows)
	assert.Equal(t, 1, report.ActivityRows)

	_, err = store.GetBackup("expired")
	assert.Error(t, err)
	fresh, err := store.GetBackup("fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", fresh.ID)

	// Sweep bookkeeping: a timestamp setting and an audit entry.
	stamp, err := store.GetSetting("last_sweep_at")
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)

	activity, err := store.ListActivity(10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, "retention_sweep", activity[0].Action)
}

func TestSweepMissingRootStillPrunesCatalog(t *testing.T) {
	store, err := catalog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	old := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, store.InsertBackup(&types.BackupRecord{
		ID: "stale", ClientName: "db-01", Kind: types.BackupFull,
		Status: types.BackupStatusCompleted, StartedAt: old,
	}))

	s := New(store, filepath.Join(t.TempDir(), "does-not-exist"), 30)
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.CatalogRows)
}

func TestSweepRespectsContext(t *testing.T) {
	s, _, root := newTestSweeper(t, 30)
	writeArchive(t, root, "efc-backup-web-01-20260601-020000.tar.gz", 128, 60*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Sweep(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), make([]byte, 100), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "b.bin"), make([]byte, 50), 0o640))

	assert.Equal(t, int64(150), dirSize(root))
	assert.Zero(t, dirSize(filepath.Join(root, "missing")))
}
