package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/efc-ti/efc-backup/pkg/sshconn"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// Phase names reported through the progress callback and recorded on failure.
const (
	PhaseConnect    = "connect"
	PhaseSystemInfo = "system_info"
	PhasePrepare    = "prepare"
	PhaseSnapshot   = "snapshot"
	PhaseCopy       = "copy"
	PhaseSystemCopy = "system_copy"
	PhaseRegistry   = "registry"
	PhaseImage      = "image"
	PhaseArchive    = "archive"
	PhaseDownload   = "download"
	PhaseCleanup    = "cleanup"
)

// ProgressFunc is invoked at phase boundaries with the current phase name and
// a percentage in 0..100.
type ProgressFunc func(phase string, percent int)

// Options configures one backup pass.
type Options struct {
	// BackupID is the catalog id of the job.
	BackupID string

	// Folders overrides the client's configured folder set when non-empty.
	Folders []string

	// RefTime is the reference instant for incremental backups: only files
	// modified after it are captured.
	RefTime time.Time

	// BackupRoot is the permanent local archive root.
	BackupRoot string

	// UseVSS enables the volume-shadow snapshot phase on Windows.
	UseVSS bool

	// CreateImage decides the Windows system-image step. Nil falls back to
	// CreateImageDefault, and only for full backups.
	CreateImage *bool

	// CreateImageDefault is the configured fallback for CreateImage.
	CreateImageDefault bool

	// Progress receives phase-boundary updates. May be nil.
	Progress ProgressFunc
}

func (o *Options) report(phase string, percent int) {
	if o.Progress != nil {
		o.Progress(phase, percent)
	}
}

// Driver is the per-OS backup strategy. Implementations drive one client
// through the multi-phase backup state machine over a remote session.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetSystemInfo(ctx context.Context) (*types.SystemInfo, error)
	PerformFullBackup(ctx context.Context, opts Options) (*types.BackupResult, error)
	PerformIncrementalBackup(ctx context.Context, opts Options) (*types.BackupResult, error)
}

// Conn is the subset of sshconn.Session the drivers use; tests substitute a
// fake.
type Conn interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, cmd string, opts ...sshconn.RunOption) (sshconn.Result, error)
	DownloadFile(ctx context.Context, remote, local string) (int64, error)
	DownloadDir(ctx context.Context, remoteRoot, localRoot string) (int, int64, error)
	StatRemote(remote string) (int64, error)
	Close() error
}

// New returns the driver matching the client's OS kind.
func New(client *types.Client, conn Conn) (Driver, error) {
	switch client.OS {
	case types.OSLinux:
		return NewLinuxDriver(client, conn), nil
	case types.OSWindows:
		return NewWindowsDriver(client, conn), nil
	default:
		return nil, fmt.Errorf("unsupported os kind: %q", client.OS)
	}
}

// NewSession builds the default sshconn-backed connection for a client.
func NewSession(client *types.Client, cmdTimeout time.Duration) *sshconn.Session {
	return sshconn.New(sshconn.Config{
		Host:           client.Host,
		Port:           client.Port,
		User:           client.Username,
		Password:       client.Secret,
		CommandTimeout: cmdTimeout,
	})
}

// timestamp renders the instant used in remote working directory and archive
// names.
func timestamp(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}
