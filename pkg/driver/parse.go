package driver

import (
	"regexp"
	"strconv"
	"strings"
)

// rsyncStats is the subset of `rsync --stats` output the engine consumes.
type rsyncStats struct {
	FilesTransferred int
	FilesTotal       int
	BytesReceived    int64
}

var (
	// Both spellings occur across rsync versions.
	reRsyncTransferred = regexp.MustCompile(`Number of (?:regular )?files transferred: ([\d,]+)`)
	reRsyncTotal       = regexp.MustCompile(`Number of files: ([\d,]+)`)
	reRsyncBytes       = regexp.MustCompile(`Total transferred file size: ([\d,]+) bytes`)
)

// parseRsyncStats extracts "files transferred", "files total", and "bytes
// received" from rsync --stats output.
func parseRsyncStats(out string) rsyncStats {
	var st rsyncStats
	if m := reRsyncTransferred.FindStringSubmatch(out); m != nil {
		st.FilesTransferred = atoiGrouped(m[1])
	}
	if m := reRsyncTotal.FindStringSubmatch(out); m != nil {
		st.FilesTotal = atoiGrouped(m[1])
	}
	if m := reRsyncBytes.FindStringSubmatch(out); m != nil {
		st.BytesReceived = int64(atoiGrouped(m[1]))
	}
	return st
}

// robocopyStats is the per-run summary of a robocopy invocation.
type robocopyStats struct {
	FilesCopied  int
	FilesSkipped int
	Bytes        int64
}

// parseRobocopySummary extracts the Files and Bytes rows from the robocopy
// summary table:
//
//	               Total    Copied   Skipped  Mismatch    FAILED    Extras
//	    Files :       10         7         3         0         0         0
//	    Bytes :   1.234 m   1.000 m   0.234 m         0         0         0
func parseRobocopySummary(out string) robocopyStats {
	var st robocopyStats
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Files :"):
			fields := strings.Fields(strings.TrimPrefix(trimmed, "Files :"))
			if len(fields) >= 3 {
				st.FilesCopied = atoiGrouped(fields[1])
				st.FilesSkipped = atoiGrouped(fields[2])
			}
		case strings.HasPrefix(trimmed, "Bytes :"):
			fields := strings.Fields(strings.TrimPrefix(trimmed, "Bytes :"))
			// Sizes may carry a unit suffix (k/m/g) on localized builds.
			vals := parseRobocopyBytesRow(fields)
			if len(vals) >= 2 {
				st.Bytes = vals[1] // copied column
			}
		}
	}
	return st
}

// parseRobocopyBytesRow collapses "1.234 m" value/unit pairs into bytes.
func parseRobocopyBytesRow(fields []string) []int64 {
	units := map[string]float64{
		"k": 1024, "m": 1024 * 1024, "g": 1024 * 1024 * 1024, "t": 1024 * 1024 * 1024 * 1024,
	}
	var vals []int64
	for i := 0; i < len(fields); i++ {
		f, err := strconv.ParseFloat(strings.ReplaceAll(fields[i], ",", ""), 64)
		if err != nil {
			continue
		}
		if i+1 < len(fields) {
			if mult, ok := units[strings.ToLower(fields[i+1])]; ok {
				f *= mult
				i++
			}
		}
		vals = append(vals, int64(f))
	}
	return vals
}

var reShadowID = regexp.MustCompile(`(?i)Shadow Copy ID:\s*(\{[0-9a-f-]+\})`)

// parseShadowID extracts the snapshot id from vssadmin output.
func parseShadowID(out string) string {
	if m := reShadowID.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// parseOSRelease extracts PRETTY_NAME from /etc/os-release content.
func parseOSRelease(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		}
	}
	return ""
}

// parseMemTotalMB extracts MemTotal from /proc/meminfo content, in MB.
func parseMemTotalMB(out string) int64 {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseInt(fields[1], 10, 64)
				return kb / 1024
			}
		}
	}
	return 0
}

func atoiGrouped(s string) int {
	n, _ := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	return n
}
