package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/exclusion"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/sshconn"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// timeoutOpt shortens the option noise at call sites.
func timeoutOpt(d time.Duration) sshconn.RunOption {
	return sshconn.WithTimeout(d)
}

// defaultLinuxFolders is the fallback folder set when a client has none
// configured.
var defaultLinuxFolders = []string{"/home", "/etc", "/var/www", "/opt"}

// systemConfigFiles is the curated list copied alongside every backup.
var systemConfigFiles = []string{
	"/etc/passwd",
	"/etc/group",
	"/etc/fstab",
	"/etc/hosts",
	"/etc/crontab",
}

const (
	copyTimeout = 2 * time.Hour
	findTimeout = 10 * time.Minute
)

// LinuxDriver implements the backup state machine for Linux clients using
// rsync over an SSH session.
type LinuxDriver struct {
	client *types.Client
	conn   Conn
	logger zerolog.Logger
	rules  exclusion.RuleSet

	// plainCopy is set when rsync is unavailable and could not be installed;
	// folders are then copied with cp -a and no exclusion support.
	plainCopy bool
}

// NewLinuxDriver creates a driver for one Linux client.
func NewLinuxDriver(client *types.Client, conn Conn) *LinuxDriver {
	return &LinuxDriver{
		client: client,
		conn:   conn,
		logger: log.WithComponent("driver.linux").With().Str("client", client.Name).Logger(),
		rules:  exclusion.ForOS(types.OSLinux, client.Exclusions),
	}
}

// Connect establishes the SSH session.
func (d *LinuxDriver) Connect(ctx context.Context) error {
	return d.conn.Connect(ctx)
}

// Disconnect closes the SSH session.
func (d *LinuxDriver) Disconnect() error {
	return d.conn.Close()
}

// GetSystemInfo collects hostname, distribution, uptime, root filesystem
// usage, and installed memory.
func (d *LinuxDriver) GetSystemInfo(ctx context.Context) (*types.SystemInfo, error) {
	info := &types.SystemInfo{OS: "linux"}

	if res, err := d.conn.Run(ctx, "hostname"); err == nil {
		info.Hostname = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.conn.Run(ctx, "cat /etc/os-release"); err == nil {
		info.Version = parseOSRelease(res.Stdout)
	}
	if res, err := d.conn.Run(ctx, "uptime -p || cat /proc/uptime"); err == nil {
		info.Uptime = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.conn.Run(ctx, "df -h / | tail -1"); err == nil {
		info.RootFSUsage = strings.TrimSpace(res.Stdout)
	}
	if res, err := d.conn.Run(ctx, "cat /proc/meminfo"); err == nil {
		info.MemoryMB = parseMemTotalMB(res.Stdout)
	}

	if info.Hostname == "" {
		return info, fmt.Errorf("%w: could not collect system info", errdefs.ErrTransportUnreachable)
	}
	return info, nil
}

// PerformFullBackup copies every selected path.
func (d *LinuxDriver) PerformFullBackup(ctx context.Context, opts Options) (*types.BackupResult, error) {
	return d.performBackup(ctx, opts, types.BackupFull)
}

// PerformIncrementalBackup copies only paths modified after opts.RefTime.
func (d *LinuxDriver) PerformIncrementalBackup(ctx context.Context, opts Options) (*types.BackupResult, error) {
	if opts.RefTime.IsZero() {
		return nil, fmt.Errorf("%w: incremental backup requires a reference time", errdefs.ErrFatalInternal)
	}
	return d.performBackup(ctx, opts, types.BackupIncremental)
}

func (d *LinuxDriver) performBackup(ctx context.Context, opts Options, kind types.BackupKind) (*types.BackupResult, error) {
	start := time.Now()
	ts := timestamp(start)
	workDir := fmt.Sprintf("/tmp/efc-backup-%s-%s", d.client.Name, ts)

	result := &types.BackupResult{
		BackupID:   opts.BackupID,
		ClientName: d.client.Name,
		ClientHost: d.client.Host,
		Kind:       kind,
		StartedAt:  start.UTC(),
	}

	opts.report(PhaseConnect, 5)
	if err := d.conn.Connect(ctx); err != nil {
		return nil, err
	}

	opts.report(PhaseSystemInfo, 10)
	info, err := d.GetSystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	result.SystemInfo = info

	opts.report(PhasePrepare, 15)
	if err := d.ensureCopyTool(ctx); err != nil {
		return nil, err
	}

	folders := d.folderSet(opts)
	if len(folders) == 0 {
		return nil, fmt.Errorf("%w: no folders configured for client %s", errdefs.ErrConfigInvalid, d.client.Name)
	}

	if _, err := d.conn.Run(ctx, fmt.Sprintf("mkdir -p %s/data", shellQuote(workDir))); err != nil {
		return nil, fmt.Errorf("failed to create remote working directory: %w", err)
	}
	// Remote temp artifacts are reaped best-effort whatever happens next.
	defer d.removeRemote(workDir)

	opts.report(PhaseCopy, 20)
	for i, folder := range folders {
		fr := d.backupFolder(ctx, workDir, folder, kind, opts.RefTime)
		result.Folders = append(result.Folders, fr)
		if fr.Status == types.FolderCompleted {
			result.TotalFiles += fr.FilesCopied
		}
		// A per-folder failure does not fail the whole backup.
		if fr.Status == types.FolderFailed {
			d.logger.Warn().Str("folder", folder).Str("error", fr.Error).Msg("folder backup failed")
		}
		opts.report(PhaseCopy, 20+(i+1)*50/len(folders))
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: backup interrupted", errdefs.ErrCancelled)
		}
	}

	// Nothing changed on an incremental pass: success with size 0, no
	// archive, no system-config copy.
	if kind != types.BackupFull && result.TotalFiles == 0 {
		d.logger.Info().Msg("no files changed since reference, skipping archive")
		opts.report(PhaseCleanup, 97)
		result.CompletedAt = time.Now().UTC()
		opts.report(PhaseCleanup, 100)
		return result, nil
	}

	opts.report(PhaseSystemCopy, 72)
	sysFiles := d.copySystemConfig(ctx, workDir)
	result.TotalFiles += sysFiles

	opts.report(PhaseArchive, 80)
	remoteArchive := workDir + ".tar.gz"
	tarCmd := fmt.Sprintf("tar -czf %s -C %s .", shellQuote(remoteArchive), shellQuote(workDir))
	if _, err := d.conn.Run(ctx, tarCmd, timeoutOpt(copyTimeout)); err != nil {
		return nil, fmt.Errorf("failed to create remote archive: %w", err)
	}
	defer d.removeRemote(remoteArchive)

	opts.report(PhaseDownload, 88)
	localArchive := filepath.Join(opts.BackupRoot,
		fmt.Sprintf("efc-backup-%s-%s.tar.gz", d.client.Name, ts))
	n, err := d.conn.DownloadFile(ctx, remoteArchive, localArchive)
	if err != nil {
		return nil, fmt.Errorf("failed to download archive: %w", err)
	}
	result.ArchivePath = localArchive
	result.TotalBytes = n
	result.SizeMB = float64(n) / (1024 * 1024)

	opts.report(PhaseCleanup, 97)
	result.CompletedAt = time.Now().UTC()
	opts.report(PhaseCleanup, 100)

	d.logger.Info().
		Str("archive", localArchive).
		Int("files", result.TotalFiles).
		Float64("size_mb", result.SizeMB).
		Msg("linux backup complete")
	return result, nil
}

// ensureCopyTool verifies the remote tooling: tar is mandatory for the
// archive phase, rsync is preferred for copying. A missing rsync triggers an
// install attempt through the host's package manager and falls back to plain
// copy when that fails; a missing tar fails the backup.
func (d *LinuxDriver) ensureCopyTool(ctx context.Context) error {
	if d.plainCopy {
		return nil
	}
	if _, err := d.conn.Run(ctx, "command -v tar"); err != nil {
		return fmt.Errorf("%w: tar not found on client %s", errdefs.ErrRemoteToolMissing, d.client.Name)
	}
	if _, err := d.conn.Run(ctx, "command -v rsync"); err == nil {
		return nil
	}

	d.logger.Info().Msg("rsync missing, attempting install")
	install := "if command -v apt-get >/dev/null; then apt-get install -y rsync; " +
		"elif command -v dnf >/dev/null; then dnf install -y rsync; " +
		"elif command -v yum >/dev/null; then yum install -y rsync; " +
		"elif command -v zypper >/dev/null; then zypper --non-interactive install rsync; " +
		"else exit 9; fi"
	if _, err := d.conn.Run(ctx, install, timeoutOpt(5*time.Minute)); err != nil {
		d.logger.Warn().Err(err).Msg("rsync install failed, falling back to plain copy")
		d.plainCopy = true
		return nil
	}
	if _, err := d.conn.Run(ctx, "command -v rsync"); err != nil {
		d.plainCopy = true
	}
	return nil
}

// folderSet resolves the folder list: caller override, then the client's
// configured folders, then the defaults.
func (d *LinuxDriver) folderSet(opts Options) []string {
	if len(opts.Folders) > 0 {
		return opts.Folders
	}
	if parsed := types.ParseFolders(d.client.Folders); len(parsed) > 0 {
		return parsed
	}
	return defaultLinuxFolders
}

// backupFolder copies one folder into the working directory and parses the
// tool output for transfer counts.
func (d *LinuxDriver) backupFolder(ctx context.Context, workDir, folder string, kind types.BackupKind, ref time.Time) types.FolderResult {
	fr := types.FolderResult{Path: folder}

	if _, err := d.conn.Run(ctx, fmt.Sprintf("test -d %s", shellQuote(folder))); err != nil {
		fr.Status = types.FolderSkipped
		fr.Error = "folder does not exist"
		return fr
	}

	dest := workDir + "/data" + folder
	if _, err := d.conn.Run(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(dest))); err != nil {
		fr.Status = types.FolderFailed
		fr.Error = err.Error()
		return fr
	}

	if d.plainCopy {
		return d.plainCopyFolder(ctx, folder, dest, fr)
	}

	var cmd string
	if kind == types.BackupFull {
		cmd = fmt.Sprintf("rsync -a --stats %s %s/ %s/",
			strings.Join(d.rules.RsyncArgs(), " "), shellQuote(folder), shellQuote(dest))
	} else {
		manifest := fmt.Sprintf("%s/manifest-%s.list", workDir, sanitize(folder))
		findCmd := fmt.Sprintf("find %s -type f -newermt %s %s -printf '%%P\\n' > %s",
			shellQuote(folder), shellQuote(ref.UTC().Format("2006-01-02 15:04:05")),
			d.rules.FindExpr(), shellQuote(manifest))
		if _, err := d.conn.Run(ctx, findCmd, timeoutOpt(findTimeout)); err != nil {
			fr.Status = types.FolderFailed
			fr.Error = fmt.Sprintf("change enumeration failed: %v", err)
			return fr
		}

		countRes, err := d.conn.Run(ctx, fmt.Sprintf("wc -l < %s", shellQuote(manifest)))
		if err != nil {
			fr.Status = types.FolderFailed
			fr.Error = err.Error()
			return fr
		}
		if n, _ := strconv.Atoi(strings.TrimSpace(countRes.Stdout)); n == 0 {
			fr.Status = types.FolderCompleted
			return fr
		}
		cmd = fmt.Sprintf("rsync -a --stats --files-from=%s %s/ %s/",
			shellQuote(manifest), shellQuote(folder), shellQuote(dest))
	}

	res, err := d.conn.Run(ctx, cmd, timeoutOpt(copyTimeout))
	if err != nil {
		fr.Status = types.FolderFailed
		fr.Error = err.Error()
		return fr
	}

	st := parseRsyncStats(res.Stdout)
	fr.Status = types.FolderCompleted
	fr.FilesCopied = st.FilesTransferred
	fr.FilesSkipped = st.FilesTotal - st.FilesTransferred
	if fr.FilesSkipped < 0 {
		fr.FilesSkipped = 0
	}
	fr.Bytes = st.BytesReceived
	return fr
}

// plainCopyFolder is the degraded path when rsync is unavailable.
func (d *LinuxDriver) plainCopyFolder(ctx context.Context, folder, dest string, fr types.FolderResult) types.FolderResult {
	if _, err := d.conn.Run(ctx, fmt.Sprintf("cp -a %s/. %s/", shellQuote(folder), shellQuote(dest)), timeoutOpt(copyTimeout)); err != nil {
		fr.Status = types.FolderFailed
		fr.Error = err.Error()
		return fr
	}
	fr.Status = types.FolderCompleted
	if res, err := d.conn.Run(ctx, fmt.Sprintf("find %s -type f | wc -l", shellQuote(dest))); err == nil {
		fr.FilesCopied, _ = strconv.Atoi(strings.TrimSpace(res.Stdout))
	}
	if res, err := d.conn.Run(ctx, fmt.Sprintf("du -sb %s | cut -f1", shellQuote(dest))); err == nil {
		fr.Bytes, _ = strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	}
	return fr
}

// copySystemConfig copies the curated system files and a package dump into
// the working directory. Best-effort; returns the number of files captured.
func (d *LinuxDriver) copySystemConfig(ctx context.Context, workDir string) int {
	sysDir := workDir + "/system"
	if _, err := d.conn.Run(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(sysDir))); err != nil {
		d.logger.Warn().Err(err).Msg("failed to create system config dir")
		return 0
	}

	count := 0
	for _, f := range systemConfigFiles {
		cmd := fmt.Sprintf("test -f %s && cp --parents %s %s/", shellQuote(f), shellQuote(f), shellQuote(sysDir))
		if _, err := d.conn.Run(ctx, cmd); err == nil {
			count++
		}
	}

	pkgCmd := fmt.Sprintf("dpkg -l > %s/packages.txt 2>/dev/null || rpm -qa > %s/packages.txt 2>/dev/null",
		shellQuote(sysDir), shellQuote(sysDir))
	if _, err := d.conn.Run(ctx, pkgCmd, timeoutOpt(2*time.Minute)); err == nil {
		count++
	}
	return count
}

// removeRemote deletes a remote path best-effort, outside the caller's
// context so cleanup still runs after cancellation.
func (d *LinuxDriver) removeRemote(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := d.conn.Run(ctx, fmt.Sprintf("rm -rf %s", shellQuote(path))); err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("failed to remove remote artifact")
	}
}

// shellQuote single-quotes a path for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sanitize(s string) string {
	s = strings.Trim(s, "/")
	return strings.NewReplacer("/", "_", " ", "_", `\`, "_").Replace(s)
}
