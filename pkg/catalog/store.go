package catalog

import (
	"time"

	"github.com/efc-ti/efc-backup/pkg/types"
)

// BackupFilter narrows ListBackups. Zero values mean "any".
type BackupFilter struct {
	Client string
	Status types.BackupStatus
	Kind   types.BackupKind
	Since  time.Time
	Limit  int
}

// Store is the repository contract for all durable records. Implementations
// must be safe for concurrent use; unique constraints are enforced at the
// store. All timestamps are UTC.
type Store interface {
	// Clients
	UpsertClient(client *types.Client) error
	GetClient(name string) (*types.Client, error)
	ListClients() ([]*types.Client, error)
	ListActiveClients() ([]*types.Client, error)
	DeleteClient(name string) error // soft delete

	// Backups
	InsertBackup(record *types.BackupRecord) error
	UpdateBackup(record *types.BackupRecord) error
	GetBackup(id string) (*types.BackupRecord, error)
	ListBackups(filter BackupFilter) ([]*types.BackupRecord, error)
	BackupStats() (*types.BackupStats, error)
	DeleteBackupsBefore(cutoff time.Time) (int, error)

	// Schedules (custom)
	UpsertSchedule(schedule *types.Schedule) error
	GetSchedule(name string) (*types.Schedule, error)
	ListActiveSchedules() ([]*types.Schedule, error)
	DeleteSchedule(name string) error // soft delete
	IncrementScheduleRuns(name string) error

	// Activity log
	AppendActivity(entry *types.ActivityEntry) error
	ListActivity(limit int) ([]*types.ActivityEntry, error)
	DeleteActivityBefore(cutoff time.Time) (int, error)

	// Network statistics
	InsertNetworkStats(stats *types.NetworkStats) error
	GetNetworkStats(backupID string) (*types.NetworkStats, error)
	DeleteNetworkStatsBefore(cutoff time.Time) (int, error)

	// Settings
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Maintenance
	Compact() error
	Close() error
}
