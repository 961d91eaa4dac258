package scheduler

import (
	"fmt"

	"github.com/efc-ti/efc-backup/pkg/config"
)

// TimeToCron converts a wall-clock tuple into a standard 5-field cron
// expression: monthly when dom is set, weekly when dow is set, daily
// otherwise.
//
//	TimeToCron("03:15", "0", "")  => "15 3 * * 0"
//	TimeToCron("04:30", "", "1")  => "30 4 1 * *"
//	TimeToCron("02:00", "", "")   => "0 2 * * *"
func TimeToCron(hhmm, dow, dom string) (string, error) {
	hour, minute, err := config.ParseClock(hhmm)
	if err != nil {
		return "", err
	}
	switch {
	case dom != "":
		return fmt.Sprintf("%d %d %s * *", minute, hour, dom), nil
	case dow != "":
		return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
	default:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
}
