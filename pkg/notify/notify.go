// Package notify dispatches run-completion notifications.
//
// The daemon notifies after every scheduled or manual batch that had
// failures, and after fully successful ones when notify_on_success is set.
// The default sink writes structured log lines; alternative transports
// implement Notifier.
package notify

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/types"
)

// Event summarizes one finished batch.
type Event struct {
	Schedule  string           `json:"schedule"`
	Kind      types.BackupKind `json:"kind"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    []string         `json:"errors,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier delivers events to an operator-facing channel.
type Notifier interface {
	Notify(event Event)
}

// LogNotifier writes events as structured log lines.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates the default log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

// Notify emits the event at warn level when anything failed, info otherwise.
func (n *LogNotifier) Notify(event Event) {
	evt := n.logger.Info()
	if event.Failed > 0 {
		evt = n.logger.Warn()
	}
	evt.
		Str("schedule", event.Schedule).
		Str("kind", string(event.Kind)).
		Int("total", event.Total).
		Int("succeeded", event.Succeeded).
		Int("failed", event.Failed).
		Strs("errors", event.Errors).
		Msg("backup run notification")
}
