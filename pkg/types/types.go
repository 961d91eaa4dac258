package types

import (
	"encoding/json"
	"strings"
	"time"
)

// OSKind identifies the operating system family of a client.
type OSKind string

const (
	OSWindows OSKind = "windows"
	OSLinux   OSKind = "linux"
)

// BackupKind defines which paths a backup captures.
type BackupKind string

const (
	// BackupFull captures every selected path regardless of change state.
	BackupFull BackupKind = "full"
	// BackupIncremental captures only paths modified after the most recent
	// full backup.
	BackupIncremental BackupKind = "incremental"
	// BackupDifferential has the same semantics as incremental; reserved
	// for future divergence.
	BackupDifferential BackupKind = "differential"
)

// BackupStatus represents the catalog state of a backup.
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// TriggerOrigin records what started a backup.
type TriggerOrigin string

const (
	TriggerScheduled TriggerOrigin = "scheduled"
	TriggerManual    TriggerOrigin = "manual"
)

// ScheduleOrigin distinguishes built-in schedules from operator-defined ones.
type ScheduleOrigin string

const (
	ScheduleBuiltin ScheduleOrigin = "built-in"
	ScheduleCustom  ScheduleOrigin = "custom"
)

// Client is an enrolled remote host.
type Client struct {
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	Secret     string     `json:"-"`
	OS         OSKind     `json:"os"`
	Folders    string     `json:"folders"`
	BackupKind BackupKind `json:"backup_kind"`
	Active     bool       `json:"active"`
	// Exclusions holds optional per-client exclusion pattern overrides,
	// applied in addition to the OS defaults.
	Exclusions []string   `json:"exclusions,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Redacted returns a copy safe for logs and API payloads: the secret is
// replaced with a fixed sentinel.
func (c *Client) Redacted() Client {
	out := *c
	out.Secret = "********"
	return out
}

// Folder is one entry of the structured folder configuration.
type Folder struct {
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

// ParseFolders decodes the legacy folders field. The field historically
// carries either a JSON array of {path, enabled} objects or a comma-separated
// string; JSON wins when the value begins with '['. Disabled entries are
// dropped. An empty result means the caller should fall back to defaults.
func ParseFolders(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var folders []Folder
		if err := json.Unmarshal([]byte(raw), &folders); err == nil {
			var paths []string
			for _, f := range folders {
				if f.Enabled && f.Path != "" {
					paths = append(paths, f.Path)
				}
			}
			return paths
		}
		// Malformed JSON falls through to the comma-separated form.
	}

	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// EncodeFolders renders paths in the structured form for new writes.
func EncodeFolders(paths []string) string {
	folders := make([]Folder, 0, len(paths))
	for _, p := range paths {
		folders = append(folders, Folder{Path: p, Enabled: true})
	}
	data, _ := json.Marshal(folders)
	return string(data)
}

// Schedule is a cron-driven backup trigger.
type Schedule struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr"`
	Kind        BackupKind     `json:"kind"`
	// Clients restricts the schedule to the named clients; empty means all
	// active clients.
	Clients     []string       `json:"clients,omitempty"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Origin      ScheduleOrigin `json:"origin"`
	RunCount    int64          `json:"run_count"`
	CreatedAt   time.Time      `json:"created_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// BackupRecord is the durable catalog row for one backup.
type BackupRecord struct {
	ID          string          `json:"id"`
	ClientName  string          `json:"client_name"`
	Kind        BackupKind      `json:"kind"`
	Status      BackupStatus    `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	SizeMB      float64         `json:"size_mb"`
	FileCount   int             `json:"file_count"`
	ArchivePath string          `json:"archive_path,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Terminal reports whether the record is in an absorbing state.
func (r *BackupRecord) Terminal() bool {
	return r.Status == BackupStatusCompleted || r.Status == BackupStatusFailed
}

// NetworkStats captures transfer statistics for one backup.
type NetworkStats struct {
	BackupID         string    `json:"backup_id"`
	BytesTransferred int64     `json:"bytes_transferred"`
	AvgSpeedMbps     float64   `json:"avg_speed_mbps"`
	DurationSeconds  float64   `json:"duration_seconds"`
	FileCount        int       `json:"file_count"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Client    string          `json:"client,omitempty"`
	BackupID  string          `json:"backup_id,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunningJob tracks an executing backup in memory for dashboard visibility,
// independently of the durable catalog.
type RunningJob struct {
	BackupID  string        `json:"backup_id"`
	Client    string        `json:"client"`
	Kind      BackupKind    `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Phase     string        `json:"phase"`
	// Progress is a percentage in 0..100, monotonic non-decreasing except
	// on failure reset.
	Progress  int           `json:"progress"`
	Trigger   TriggerOrigin `json:"trigger"`
	Failed    bool          `json:"failed"`
	Error     string        `json:"error,omitempty"`
}

// FolderStatus is the per-folder outcome inside one backup.
type FolderStatus string

const (
	FolderCompleted FolderStatus = "completed"
	FolderFailed    FolderStatus = "failed"
	FolderSkipped   FolderStatus = "skipped"
)

// FolderResult records the copy outcome for one folder.
type FolderResult struct {
	Path         string       `json:"path"`
	Status       FolderStatus `json:"status"`
	FilesCopied  int          `json:"files_copied"`
	FilesSkipped int          `json:"files_skipped"`
	Bytes        int64        `json:"bytes"`
	Error        string       `json:"error,omitempty"`
}

// SystemInfo is the remote host inventory collected at the start of a backup.
type SystemInfo struct {
	Hostname     string   `json:"hostname"`
	OS           string   `json:"os"`
	Version      string   `json:"version,omitempty"`
	Build        string   `json:"build,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
	Uptime       string   `json:"uptime,omitempty"`
	MemoryMB     int64    `json:"memory_mb,omitempty"`
	CPUModel     string   `json:"cpu_model,omitempty"`
	CPUCores     int      `json:"cpu_cores,omitempty"`
	RootFSUsage  string   `json:"rootfs_usage,omitempty"`
	Adapters     []string `json:"adapters,omitempty"`
}

// VolumeCategory classifies a detected Windows volume.
type VolumeCategory string

const (
	VolumeSystem    VolumeCategory = "system"
	VolumeData      VolumeCategory = "data"
	VolumeNetwork   VolumeCategory = "network"
	VolumeRemovable VolumeCategory = "removable"
)

// Volume describes one detected Windows volume.
type Volume struct {
	Letter   string         `json:"letter"`
	Label    string         `json:"label,omitempty"`
	Category VolumeCategory `json:"category"`
	SizeGB   float64        `json:"size_gb,omitempty"`
	FreeGB   float64        `json:"free_gb,omitempty"`
}

// BackupResult is the driver's outcome for one backup pass.
type BackupResult struct {
	BackupID     string         `json:"backup_id"`
	ClientName   string         `json:"client_name"`
	ClientHost   string         `json:"client_host"`
	Kind         BackupKind     `json:"kind"`
	// Promoted is set when an incremental was upgraded to a full because no
	// prior full backup existed.
	Promoted     bool           `json:"promoted,omitempty"`
	Folders      []FolderResult `json:"folders"`
	TotalFiles   int            `json:"total_files"`
	TotalBytes   int64          `json:"total_bytes"`
	SizeMB       float64        `json:"size_mb"`
	ArchivePath  string         `json:"archive_path,omitempty"`
	SystemInfo   *SystemInfo    `json:"system_info,omitempty"`
	ShadowID     string         `json:"shadow_id,omitempty"`
	ImageCreated bool           `json:"image_created,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// BackupMetadata is the JSON document written beside Windows tree backups and
// stored in the catalog row for both platforms.
type BackupMetadata struct {
	BackupID     string         `json:"backupId"`
	ClientName   string         `json:"clientName"`
	ClientHost   string         `json:"clientHost"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         BackupKind     `json:"type"`
	Folders      []FolderResult `json:"folders"`
	SystemInfo   *SystemInfo    `json:"systemInfo,omitempty"`
	ShadowID     string         `json:"shadowId,omitempty"`
	ImageCreated bool           `json:"imageCreated"`
}

// BackupStats is the aggregate view over catalog rows.
type BackupStats struct {
	Total       int     `json:"total"`
	ByStatus    map[BackupStatus]int `json:"by_status"`
	Last24h     int     `json:"last_24h"`
	TotalSizeMB float64 `json:"total_size_mb"`
}
