package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/exclusion"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/sshconn"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// WindowsDriver implements the backup state machine for Windows clients
// using robocopy, reg export, vssadmin, and wbadmin over an SSH session.
type WindowsDriver struct {
	client *types.Client
	conn   Conn
	logger zerolog.Logger
	rules  exclusion.RuleSet
}

// NewWindowsDriver creates a driver for one Windows client.
func NewWindowsDriver(client *types.Client, conn Conn) *WindowsDriver {
	return &WindowsDriver{
		client: client,
		conn:   conn,
		logger: log.WithComponent("driver.windows").With().Str("client", client.Name).Logger(),
		rules:  exclusion.ForOS(types.OSWindows, client.Exclusions),
	}
}

// Connect establishes the SSH session.
func (d *WindowsDriver) Connect(ctx context.Context) error {
	return d.conn.Connect(ctx)
}

// Disconnect closes the SSH session.
func (d *WindowsDriver) Disconnect() error {
	return d.conn.Close()
}

// win32OS mirrors the PowerShell projection of Win32_OperatingSystem.
type win32OS struct {
	Caption                string `json:"Caption"`
	Version                string `json:"Version"`
	BuildNumber            string `json:"BuildNumber"`
	OSArchitecture         string `json:"OSArchitecture"`
	TotalVisibleMemorySize int64  `json:"TotalVisibleMemorySize"` // KB
}

// win32CPU mirrors the PowerShell projection of Win32_Processor.
type win32CPU struct {
	Name          string `json:"Name"`
	NumberOfCores int    `json:"NumberOfCores"`
}

// win32Disk mirrors the PowerShell projection of Win32_LogicalDisk.
type win32Disk struct {
	DeviceID   string  `json:"DeviceID"`
	DriveType  int     `json:"DriveType"`
	VolumeName string  `json:"VolumeName"`
	Size       float64 `json:"Size"`
	FreeSpace  float64 `json:"FreeSpace"`
}

// GetSystemInfo queries the modern shell for OS, memory, CPU, and adapters,
// falling back to the legacy systeminfo tool when PowerShell fails.
func (d *WindowsDriver) GetSystemInfo(ctx context.Context) (*types.SystemInfo, error) {
	info := &types.SystemInfo{OS: "windows"}

	osCmd := powershell("Get-CimInstance Win32_OperatingSystem | " +
		"Select-Object Caption,Version,BuildNumber,OSArchitecture,TotalVisibleMemorySize | ConvertTo-Json")
	if res, err := d.conn.Run(ctx, osCmd, timeoutOpt(2*time.Minute)); err == nil {
		if osInfo := decodeOne[win32OS](res.Stdout); osInfo != nil {
			info.Version = osInfo.Caption
			info.Build = osInfo.BuildNumber
			info.Architecture = osInfo.OSArchitecture
			info.MemoryMB = osInfo.TotalVisibleMemorySize / 1024
			if osInfo.Version != "" {
				info.Version = fmt.Sprintf("%s (%s)", osInfo.Caption, osInfo.Version)
			}
		}
	}

	if info.Version == "" {
		// Legacy fallback.
		if res, err := d.conn.Run(ctx, "systeminfo", timeoutOpt(3*time.Minute)); err == nil {
			parseSysteminfo(res.Stdout, info)
		}
	}

	if res, err := d.conn.Run(ctx, "hostname"); err == nil {
		info.Hostname = strings.TrimSpace(res.Stdout)
	}

	cpuCmd := powershell("Get-CimInstance Win32_Processor | Select-Object Name,NumberOfCores | ConvertTo-Json")
	if res, err := d.conn.Run(ctx, cpuCmd, timeoutOpt(2*time.Minute)); err == nil {
		for _, cpu := range decodeMany[win32CPU](res.Stdout) {
			if info.CPUModel == "" {
				info.CPUModel = strings.TrimSpace(cpu.Name)
			}
			info.CPUCores += cpu.NumberOfCores
		}
	}

	adapterCmd := powershell("(Get-NetAdapter | Where-Object Status -eq 'Up').Name | ConvertTo-Json")
	if res, err := d.conn.Run(ctx, adapterCmd, timeoutOpt(time.Minute)); err == nil {
		info.Adapters = decodeStrings(res.Stdout)
	}

	if info.Hostname == "" && info.Version == "" {
		return info, fmt.Errorf("%w: could not collect system info", errdefs.ErrTransportUnreachable)
	}
	return info, nil
}

// DetectVolumes queries the shell, then the legacy tool, then falls back to a
// minimal safe default, and categorizes each volume.
func (d *WindowsDriver) DetectVolumes(ctx context.Context) []types.Volume {
	cmd := powershell("Get-CimInstance Win32_LogicalDisk | " +
		"Select-Object DeviceID,DriveType,VolumeName,Size,FreeSpace | ConvertTo-Json")
	if res, err := d.conn.Run(ctx, cmd, timeoutOpt(2*time.Minute)); err == nil {
		if vols := disksToVolumes(decodeMany[win32Disk](res.Stdout)); len(vols) > 0 {
			return vols
		}
	}

	legacy := "wmic logicaldisk get DeviceID,DriveType,VolumeName,Size,FreeSpace /format:csv"
	if res, err := d.conn.Run(ctx, legacy, timeoutOpt(2*time.Minute)); err == nil {
		if vols := disksToVolumes(parseWmicDisks(res.Stdout)); len(vols) > 0 {
			return vols
		}
	}

	d.logger.Warn().Msg("volume detection failed, assuming single system volume")
	return []types.Volume{{Letter: "C:", Category: types.VolumeSystem}}
}

// disksToVolumes categorizes detected disks: the C: fixed disk is the system
// volume, other fixed disks are data, DriveType 4 is network, 2 removable.
func disksToVolumes(disks []win32Disk) []types.Volume {
	var vols []types.Volume
	for _, disk := range disks {
		if disk.DeviceID == "" {
			continue
		}
		v := types.Volume{
			Letter: disk.DeviceID,
			Label:  disk.VolumeName,
			SizeGB: disk.Size / (1024 * 1024 * 1024),
			FreeGB: disk.FreeSpace / (1024 * 1024 * 1024),
		}
		switch disk.DriveType {
		case 3:
			if strings.EqualFold(disk.DeviceID, "C:") {
				v.Category = types.VolumeSystem
			} else {
				v.Category = types.VolumeData
			}
		case 4:
			v.Category = types.VolumeNetwork
		case 2:
			v.Category = types.VolumeRemovable
		default:
			continue
		}
		vols = append(vols, v)
	}
	return vols
}

// defaultFoldersFor computes the default folder set from volume categories:
// user and machine data on the system volume, the root of each data volume.
// Network and removable volumes are never backed up by default.
func defaultFoldersFor(vols []types.Volume) []string {
	var folders []string
	for _, v := range vols {
		switch v.Category {
		case types.VolumeSystem:
			folders = append(folders, v.Letter+`\Users`, v.Letter+`\ProgramData`)
		case types.VolumeData:
			folders = append(folders, v.Letter+`\`)
		}
	}
	return folders
}

// PerformFullBackup mirrors every selected path.
func (d *WindowsDriver) PerformFullBackup(ctx context.Context, opts Options) (*types.BackupResult, error) {
	return d.performBackup(ctx, opts, types.BackupFull)
}

// PerformIncrementalBackup captures only files younger than opts.RefTime.
func (d *WindowsDriver) PerformIncrementalBackup(ctx context.Context, opts Options) (*types.BackupResult, error) {
	if opts.RefTime.IsZero() {
		return nil, fmt.Errorf("%w: incremental backup requires a reference time", errdefs.ErrFatalInternal)
	}
	return d.performBackup(ctx, opts, types.BackupIncremental)
}

func (d *WindowsDriver) performBackup(ctx context.Context, opts Options, kind types.BackupKind) (*types.BackupResult, error) {
	start := time.Now()
	ts := timestamp(start)

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
	vols := d.DetectVolumes(ctx)

	opts.report(PhasePrepare, 16)
	folders := d.folderSet(ctx, opts, vols)
	if len(folders) == 0 {
		return nil, fmt.Errorf("%w: no folders to back up for client %s", errdefs.ErrConfigInvalid, d.client.Name)
	}

	staging, err := d.makeStaging(ctx, ts)
	if err != nil {
		return nil, err
	}
	defer d.removeStaging(staging)

	// Volume-shadow snapshot on the system drive; failure is not fatal.
	if opts.UseVSS {
		opts.report(PhaseSnapshot, 20)
		result.ShadowID = d.createShadow(ctx)
		if result.ShadowID != "" {
			defer d.deleteShadow(result.ShadowID)
		}
	}

	opts.report(PhaseCopy, 24)
	for i, folder := range folders {
		fr := d.backupFolder(ctx, staging, folder, kind, opts.RefTime)
		result.Folders = append(result.Folders, fr)
		if fr.Status == types.FolderCompleted {
			result.TotalFiles += fr.FilesCopied
		}
		if fr.Status == types.FolderFailed {
			d.logger.Warn().Str("folder", folder).Str("error", fr.Error).Msg("folder backup failed")
		}
		opts.report(PhaseCopy, 24+(i+1)*40/len(folders))
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: backup interrupted", errdefs.ErrCancelled)
		}
	}

	// Nothing changed on an incremental pass: stop before the registry export
	// and image so no work lands in a tree that is never downloaded.
	if kind != types.BackupFull && result.TotalFiles == 0 {
		d.logger.Info().Msg("no files changed since reference, skipping download")
		result.CompletedAt = time.Now().UTC()
		opts.report(PhaseCleanup, 100)
		return result, nil
	}

	opts.report(PhaseRegistry, 68)
	d.exportRegistry(ctx, staging)

	if kind == types.BackupFull && d.shouldCreateImage(opts) {
		opts.report(PhaseImage, 74)
		result.ImageCreated = d.createSystemImage(ctx, staging)
	}

	opts.report(PhaseDownload, 80)
	localDir := filepath.Join(opts.BackupRoot,
		fmt.Sprintf("backup_%s_%d", d.client.Name, start.UnixMilli()))
	files, bytes, err := d.conn.DownloadDir(ctx, staging, localDir)
	if err != nil {
		return nil, fmt.Errorf("failed to download backup tree: %w", err)
	}
	result.ArchivePath = localDir
	result.TotalBytes = bytes
	result.SizeMB = float64(bytes) / (1024 * 1024)
	if files > result.TotalFiles {
		result.TotalFiles = files
	}

	opts.report(PhaseCleanup, 94)
	result.CompletedAt = time.Now().UTC()
	if err := d.writeMetadata(localDir, result, opts.BackupID, kind); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write backup metadata")
	}
	opts.report(PhaseCleanup, 100)

	d.logger.Info().
		Str("dir", localDir).
		Int("files", result.TotalFiles).
		Float64("size_mb", result.SizeMB).
		Msg("windows backup complete")
	return result, nil
}

// folderSet resolves the folder list with the same precedence as Linux, then
// drops paths that fail a Test-Path probe.
func (d *WindowsDriver) folderSet(ctx context.Context, opts Options, vols []types.Volume) []string {
	candidates := opts.Folders
	if len(candidates) == 0 {
		candidates = types.ParseFolders(d.client.Folders)
	}
	if len(candidates) == 0 {
		candidates = defaultFoldersFor(vols)
	}

	var valid []string
	for _, folder := range candidates {
		probe := powershell(fmt.Sprintf("if (Test-Path %s) { exit 0 } else { exit 1 }", psQuote(folder)))
		if _, err := d.conn.Run(ctx, probe); err != nil {
			d.logger.Warn().Str("folder", folder).Msg("folder absent on client, dropping")
			continue
		}
		valid = append(valid, folder)
	}
	return valid
}

// makeStaging creates the remote working directory under the client's TEMP.
func (d *WindowsDriver) makeStaging(ctx context.Context, ts string) (string, error) {
	res, err := d.conn.Run(ctx, `cmd /c echo %TEMP%`)
	if err != nil {
		return "", fmt.Errorf("failed to resolve remote temp dir: %w", err)
	}
	temp := strings.TrimSpace(res.Stdout)
	if temp == "" || temp == "%TEMP%" {
		temp = `C:\Windows\Temp`
	}
	staging := fmt.Sprintf(`%s\efc-backup-%s-%s`, temp, d.client.Name, ts)

	if _, err := d.conn.Run(ctx, fmt.Sprintf(`cmd /c mkdir "%s\data" "%s\registry"`, staging, staging)); err != nil {
		return "", fmt.Errorf("failed to create remote staging dir: %w", err)
	}
	return staging, nil
}

func (d *WindowsDriver) removeStaging(staging string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := d.conn.Run(ctx, fmt.Sprintf(`cmd /c rmdir /s /q "%s"`, staging)); err != nil {
		d.logger.Warn().Err(err).Str("path", staging).Msg("failed to remove remote staging dir")
	}
}

// backupFolder robocopies one folder into the staging area. Acceptable exit
// codes are 0-7: robocopy uses them to indicate success with various amounts
// of work.
func (d *WindowsDriver) backupFolder(ctx context.Context, staging, folder string, kind types.BackupKind, ref time.Time) types.FolderResult {
	fr := types.FolderResult{Path: folder}

	dest := fmt.Sprintf(`%s\data\%s`, staging, folderLabel(folder))
	args := []string{"/R:2", "/W:5", "/NP", "/NDL", "/NFL"}
	if kind == types.BackupFull {
		args = append(args, "/MIR")
	} else {
		// MAXAGE only accepts whole days; round the reference age up so a
		// change a minute past the reference is never missed.
		args = append(args, "/E", fmt.Sprintf("/MAXAGE:%d", maxAgeDays(ref, time.Now())))
	}
	args = append(args, d.rules.RobocopyArgs()...)

	cmd := fmt.Sprintf(`robocopy "%s" "%s" %s`, strings.TrimSuffix(folder, `\`), dest, strings.Join(args, " "))
	res, err := d.conn.Run(ctx, cmd, timeoutOpt(copyTimeout), exitRangeOpt(0, 7))
	if err != nil {
		fr.Status = types.FolderFailed
		fr.Error = err.Error()
		return fr
	}

	st := parseRobocopySummary(res.Stdout)
	fr.Status = types.FolderCompleted
	fr.FilesCopied = st.FilesCopied
	fr.FilesSkipped = st.FilesSkipped
	fr.Bytes = st.Bytes
	return fr
}

// exportRegistry exports the machine SOFTWARE and SYSTEM hives and the
// current user's SOFTWARE hive. Best-effort: failures are warnings.
func (d *WindowsDriver) exportRegistry(ctx context.Context, staging string) {
	hives := map[string]string{
		`HKLM\SOFTWARE`: "hklm_software.reg",
		`HKLM\SYSTEM`:   "hklm_system.reg",
		`HKCU\SOFTWARE`: "hkcu_software.reg",
	}
	for hive, file := range hives {
		cmd := fmt.Sprintf(`reg export %s "%s\registry\%s" /y`, hive, staging, file)
		if _, err := d.conn.Run(ctx, cmd, timeoutOpt(10*time.Minute)); err != nil {
			d.logger.Warn().Err(err).Str("hive", hive).Msg("registry export failed")
		}
	}
}

// createShadow creates a VSS snapshot on the system drive and returns its id,
// or "" when snapshot creation fails.
func (d *WindowsDriver) createShadow(ctx context.Context) string {
	res, err := d.conn.Run(ctx, "vssadmin create shadow /for=C:", timeoutOpt(5*time.Minute))
	if err != nil {
		d.logger.Warn().Err(err).Msg("vss snapshot failed, continuing without")
		return ""
	}
	id := parseShadowID(res.Stdout)
	if id == "" {
		d.logger.Warn().Msg("could not parse shadow id from vssadmin output")
	}
	return id
}

func (d *WindowsDriver) deleteShadow(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := fmt.Sprintf("vssadmin delete shadows /shadow=%s /quiet", id)
	if _, err := d.conn.Run(ctx, cmd); err != nil {
		d.logger.Warn().Err(err).Str("shadow_id", id).Msg("failed to delete vss snapshot")
	}
}

// shouldCreateImage honors the caller's explicit choice, else the configured
// default. Only full backups reach this point.
func (d *WindowsDriver) shouldCreateImage(opts Options) bool {
	if opts.CreateImage != nil {
		return *opts.CreateImage
	}
	return opts.CreateImageDefault
}

// createSystemImage invokes the built-in system-image tool against the
// staging destination. Best-effort: failure produces a warning.
func (d *WindowsDriver) createSystemImage(ctx context.Context, staging string) bool {
	cmd := fmt.Sprintf(`wbadmin start backup -backupTarget:"%s" -allCritical -quiet`, staging)
	if _, err := d.conn.Run(ctx, cmd, timeoutOpt(4*time.Hour)); err != nil {
		d.logger.Warn().Err(err).Msg("system image creation failed")
		return false
	}
	return true
}

// writeMetadata writes system_info.json and backup_metadata.json into the
// downloaded tree.
func (d *WindowsDriver) writeMetadata(localDir string, result *types.BackupResult, backupID string, kind types.BackupKind) error {
	if result.SystemInfo != nil {
		data, err := json.MarshalIndent(result.SystemInfo, "", "  ")
		if err == nil {
			err = os.WriteFile(filepath.Join(localDir, "system_info.json"), data, 0o640)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
		}
	}

	meta := types.BackupMetadata{
		BackupID:     backupID,
		ClientName:   d.client.Name,
		ClientHost:   d.client.Host,
		Timestamp:    result.StartedAt,
		Type:         kind,
		Folders:      result.Folders,
		SystemInfo:   result.SystemInfo,
		ShadowID:     result.ShadowID,
		ImageCreated: result.ImageCreated,
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(localDir, "backup_metadata.json"), data, 0o640); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrLocalIO, err)
	}
	return nil
}

// maxAgeDays converts the reference instant to robocopy's whole-day MAXAGE,
// rounding up and never below one day.
func maxAgeDays(ref, now time.Time) int {
	age := now.Sub(ref)
	days := int((age + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// folderLabel renders a staging subdirectory name for a folder path.
func folderLabel(folder string) string {
	label := strings.TrimSuffix(folder, `\`)
	label = strings.ReplaceAll(label, ":", "")
	label = strings.ReplaceAll(label, `\`, "_")
	label = strings.ReplaceAll(label, "/", "_")
	if label == "" {
		label = "root"
	}
	return label
}

func powershell(script string) string {
	return fmt.Sprintf(`powershell -NoProfile -NonInteractive -Command "%s"`, strings.ReplaceAll(script, `"`, `\"`))
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// decodeOne parses a single PowerShell ConvertTo-Json object.
func decodeOne[T any](out string) *T {
	objs := decodeMany[T](out)
	if len(objs) == 0 {
		return nil
	}
	return &objs[0]
}

// decodeMany parses ConvertTo-Json output that may be a single object or an
// array depending on result cardinality.
func decodeMany[T any](out string) []T {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	if strings.HasPrefix(out, "[") {
		var objs []T
		if err := json.Unmarshal([]byte(out), &objs); err != nil {
			return nil
		}
		return objs
	}
	var obj T
	if err := json.Unmarshal([]byte(out), &obj); err != nil {
		return nil
	}
	return []T{obj}
}

// decodeStrings handles ConvertTo-Json over a string list, which collapses to
// a bare JSON string for a single element.
func decodeStrings(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	if strings.HasPrefix(out, "[") {
		var list []string
		if err := json.Unmarshal([]byte(out), &list); err != nil {
			return nil
		}
		return list
	}
	var one string
	if err := json.Unmarshal([]byte(out), &one); err != nil {
		return nil
	}
	return []string{one}
}

// parseSysteminfo extracts the legacy tool's key fields.
func parseSysteminfo(out string, info *types.SystemInfo) {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "OS Name":
			info.Version = val
		case "OS Version":
			info.Build = val
		case "System Type":
			info.Architecture = val
		case "Total Physical Memory":
			info.MemoryMB = parseMemoryField(val)
		}
	}
}

// parseMemoryField converts "16,384 MB" style values to MB.
func parseMemoryField(val string) int64 {
	fields := strings.Fields(strings.ReplaceAll(val, ",", ""))
	if len(fields) == 0 {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(fields[0], "%d", &n); err != nil {
		return 0
	}
	if len(fields) > 1 && strings.EqualFold(fields[1], "GB") {
		n *= 1024
	}
	return n
}

// parseWmicDisks parses the legacy tool's CSV output.
func parseWmicDisks(out string) []win32Disk {
	var disks []win32Disk
	var header []string
	for _, line := range strings.Split(strings.ReplaceAll(out, "\r", ""), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if header == nil {
			header = fields
			continue
		}
		if len(fields) != len(header) {
			continue
		}
		var disk win32Disk
		for i, name := range header {
			val := strings.TrimSpace(fields[i])
			switch name {
			case "DeviceID":
				disk.DeviceID = val
			case "DriveType":
				fmt.Sscanf(val, "%d", &disk.DriveType)
			case "VolumeName":
				disk.VolumeName = val
			case "Size":
				fmt.Sscanf(val, "%f", &disk.Size)
			case "FreeSpace":
				fmt.Sscanf(val, "%f", &disk.FreeSpace)
			}
		}
		if disk.DeviceID != "" {
			disks = append(disks, disk)
		}
	}
	return disks
}

// exitRangeOpt shortens the option noise at call sites.
func exitRangeOpt(min, max int) sshconn.RunOption {
	return sshconn.WithExitRange(min, max)
}
