package driver

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/sshconn"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// fakeConn scripts remote command responses by prefix match and records
// everything the driver ran.
type fakeConn struct {
	mu        sync.Mutex
	cmds      []string
	responses map[string]fakeResponse // keyed by command prefix
	downloads []string
	dlBytes   int64
}

type fakeResponse struct {
	stdout string
	err    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{responses: make(map[string]fakeResponse), dlBytes: 1 << 20}
}

func (f *fakeConn) on(prefix, stdout string, err error) {
	f.responses[prefix] = fakeResponse{stdout: stdout, err: err}
}

func (f *fakeConn) Connect(ctx context.Context) error { return nil }
func (f *fakeConn) Close() error                      { return nil }

func (f *fakeConn) Run(ctx context.Context, cmd string, opts ...sshconn.RunOption) (sshconn.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	for prefix, resp := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			if resp.err != nil {
				return sshconn.Result{ExitCode: 1}, resp.err
			}
			return sshconn.Result{Stdout: resp.stdout}, nil
		}
	}
	return sshconn.Result{}, nil
}

func (f *fakeConn) DownloadFile(ctx context.Context, remote, local string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, remote)
	return f.dlBytes, nil
}

func (f *fakeConn) DownloadDir(ctx context.Context, remoteRoot, localRoot string) (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, remoteRoot)
	if err := os.MkdirAll(localRoot, 0o750); err != nil {
		return 0, 0, err
	}
	return 10, f.dlBytes, nil
}

func (f *fakeConn) StatRemote(remote string) (int64, error) { return f.dlBytes, nil }

func (f *fakeConn) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cmds {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

const rsyncOut = `
Number of files: 1,842
Number of regular files transferred: 97
Total transferred file size: 48,151,623 bytes
`

func linuxClient() *types.Client {
	return &types.Client{
		Name:     "web-01",
		Host:     "10.0.0.5",
		OS:       types.OSLinux,
		Folders:  types.EncodeFolders([]string{"/etc"}),
		Active:   true,
		Username: "backup",
	}
}

func TestLinuxFullBackup(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("rsync -a --stats", rsyncOut, nil)

	drv := NewLinuxDriver(linuxClient(), conn)

	var phases []string
	opts := Options{
		BackupID:   "b-1",
		BackupRoot: t.TempDir(),
		Progress:   func(phase string, pct int) { phases = append(phases, phase) },
	}

	result, err := drv.PerformFullBackup(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, types.BackupFull, result.Kind)
	require.Len(t, result.Folders, 1)
	assert.Equal(t, types.FolderCompleted, result.Folders[0].Status)
	assert.Equal(t, 97, result.Folders[0].FilesCopied)
	assert.Equal(t, 1842-97, result.Folders[0].FilesSkipped)

	// Transferred bytes come from the downloaded archive size.
	assert.Equal(t, int64(1<<20), result.TotalBytes)
	assert.InDelta(t, 1.0, result.SizeMB, 0.001)
	assert.Contains(t, result.ArchivePath, "efc-backup-web-01-")
	assert.True(t, strings.HasSuffix(result.ArchivePath, ".tar.gz"))

	// The remote flow ran: staging, copy, archive, cleanup.
	assert.True(t, conn.ran("mkdir -p '/tmp/efc-backup-web-01-"))
	assert.True(t, conn.ran("tar -czf"))
	assert.True(t, conn.ran("rm -rf"))
	require.Len(t, conn.downloads, 1)

	assert.Contains(t, phases, PhaseCopy)
	assert.Contains(t, phases, PhaseArchive)
	assert.Equal(t, PhaseCleanup, phases[len(phases)-1])
}

func TestLinuxIncrementalNoChanges(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("wc -l", "0\n", nil)

	drv := NewLinuxDriver(linuxClient(), conn)

	result, err := drv.PerformIncrementalBackup(context.Background(), Options{
		BackupID:   "b-2",
		BackupRoot: t.TempDir(),
		RefTime:    time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	// No changes: success with no archive and no transfer.
	assert.Zero(t, result.TotalFiles)
	assert.Zero(t, result.TotalBytes)
	assert.Empty(t, result.ArchivePath)
	assert.False(t, result.CompletedAt.IsZero())

	assert.False(t, conn.ran("tar -czf"))
	// System configuration is not copied when nothing changed.
	assert.False(t, conn.ran("cp --parents"))
	assert.Empty(t, conn.downloads)
}

func TestLinuxIncrementalWithChanges(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("wc -l", "12\n", nil)
	conn.on("rsync -a --stats --files-from=", rsyncOut, nil)

	drv := NewLinuxDriver(linuxClient(), conn)

	refTime := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	result, err := drv.PerformIncrementalBackup(context.Background(), Options{
		BackupID:   "b-3",
		BackupRoot: t.TempDir(),
		RefTime:    refTime,
	})
	require.NoError(t, err)

	// find gets the precise reference instant, not a coarsened day.
	assert.True(t, conn.ran("-newermt '2026-08-20 03:00:00'"))
	assert.True(t, conn.ran("tar -czf"))
	assert.Equal(t, 97, result.Folders[0].FilesCopied)
	assert.Positive(t, result.TotalBytes)
}

func TestLinuxIncrementalRequiresRefTime(t *testing.T) {
	drv := NewLinuxDriver(linuxClient(), newFakeConn())
	_, err := drv.PerformIncrementalBackup(context.Background(), Options{BackupID: "b-4"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrFatalInternal)
}

func TestLinuxMissingFolderSkipped(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("test -d", "", &errdefs.RemoteCommandError{ExitCode: 1})
	conn.on("rsync -a --stats", rsyncOut, nil)

	drv := NewLinuxDriver(linuxClient(), conn)
	result, err := drv.PerformFullBackup(context.Background(), Options{
		BackupID:   "b-5",
		BackupRoot: t.TempDir(),
	})
	require.NoError(t, err)

	require.Len(t, result.Folders, 1)
	assert.Equal(t, types.FolderSkipped, result.Folders[0].Status)
	// A skipped folder never triggers a copy.
	assert.False(t, conn.ran("rsync -a"))
}

func TestLinuxFolderSetPrecedence(t *testing.T) {
	drv := NewLinuxDriver(linuxClient(), newFakeConn())

	// Caller override wins.
	assert.Equal(t, []string{"/srv"}, drv.folderSet(Options{Folders: []string{"/srv"}}))
	// Client configuration next.
	assert.Equal(t, []string{"/etc"}, drv.folderSet(Options{}))
	// Defaults when the client has none.
	drv.client.Folders = ""
	assert.Equal(t, defaultLinuxFolders, drv.folderSet(Options{}))
}

func TestLinuxPlainCopyFallback(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("command -v rsync", "", &errdefs.RemoteCommandError{ExitCode: 1})
	conn.on("if command -v apt-get", "", &errdefs.RemoteCommandError{ExitCode: 9})
	conn.on("find", "42\n", nil)
	conn.on("du -sb", "1024\n", nil)

	drv := NewLinuxDriver(linuxClient(), conn)
	result, err := drv.PerformFullBackup(context.Background(), Options{
		BackupID:   "b-6",
		BackupRoot: t.TempDir(),
	})
	require.NoError(t, err)

	assert.True(t, drv.plainCopy)
	assert.True(t, conn.ran("cp -a"))
	require.Len(t, result.Folders, 1)
	assert.Equal(t, types.FolderCompleted, result.Folders[0].Status)
	assert.Equal(t, 42, result.Folders[0].FilesCopied)
}

func TestLinuxMissingTarFails(t *testing.T) {
	conn := newFakeConn()
	conn.on("hostname", "web-01\n", nil)
	conn.on("command -v tar", "", &errdefs.RemoteCommandError{ExitCode: 1})

	drv := NewLinuxDriver(linuxClient(), conn)
	_, err := drv.PerformFullBackup(context.Background(), Options{
		BackupID:   "b-7",
		BackupRoot: t.TempDir(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRemoteToolMissing)
	// The backup never reaches the copy phase without an archiver.
	assert.False(t, conn.ran("rsync"))
	assert.False(t, conn.ran("mkdir -p '/tmp/efc-backup-"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/var/www'", shellQuote("/var/www"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "var_www_html", sanitize("/var/www/html"))
	assert.Equal(t, "a_b", sanitize("a b"))
}
