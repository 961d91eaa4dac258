package exclusion

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/efc-ti/efc-backup/pkg/types"
)

// MaxFileSize is the global file-size cap: 2 GiB.
const MaxFileSize int64 = 2 * 1024 * 1024 * 1024

// RuleSet is an OS-specific exclusion set: directory patterns, filename and
// extension globs, and a maximum file size in bytes.
type RuleSet struct {
	OS    types.OSKind
	Dirs  []string
	Files []string
	// MaxBytes caps the size of any single file.
	MaxBytes int64
}

// Default Linux exclusions: ephemeral and pseudo filesystems, user caches and
// trash, common temp/log/swap suffixes.
var linuxDirs = []string{
	"/tmp",
	"/var/tmp",
	"/var/cache",
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/lost+found",
	"*/.cache",
	"*/.local/share/Trash",
	"*/node_modules",
}

var linuxFiles = []string{
	"*.tmp",
	"*.temp",
	"*.swp",
	"*.swo",
	"*.log",
	"*.pid",
	"*.lock",
	"core.*",
	".~*",
}

// Default Windows exclusions: per-user and machine temp directories, browser
// caches, recycle bin, page/hibernation/swap files, volume metadata.
var windowsDirs = []string{
	`C:\Windows\Temp`,
	`C:\Temp`,
	`*\AppData\Local\Temp`,
	`*\AppData\Local\Microsoft\Windows\INetCache`,
	`*\AppData\Local\Google\Chrome\User Data\Default\Cache`,
	`*\AppData\Local\Mozilla\Firefox\Profiles`,
	`$Recycle.Bin`,
	`System Volume Information`,
	`Recovery`,
}

var windowsFiles = []string{
	"pagefile.sys",
	"hiberfil.sys",
	"swapfile.sys",
	"*.tmp",
	"*.temp",
	"~$*",
	"Thumbs.db",
	"desktop.ini",
}

// Global exclusions applied to every OS: large media container extensions.
var globalFiles = []string{
	"*.iso",
	"*.img",
	"*.vmdk",
	"*.vdi",
	"*.vhd",
	"*.vhdx",
	"*.mkv",
	"*.avi",
	"*.mp4",
	"*.mov",
}

// ForOS builds the exclusion set for an OS, with optional per-client extra
// patterns applied in addition to the defaults. Extra patterns containing a
// path separator are treated as directory patterns, the rest as file globs.
func ForOS(os types.OSKind, extra []string) RuleSet {
	rs := RuleSet{OS: os, MaxBytes: MaxFileSize}
	switch os {
	case types.OSWindows:
		rs.Dirs = append(rs.Dirs, windowsDirs...)
		rs.Files = append(rs.Files, windowsFiles...)
	default:
		rs.Dirs = append(rs.Dirs, linuxDirs...)
		rs.Files = append(rs.Files, linuxFiles...)
	}
	rs.Files = append(rs.Files, globalFiles...)

	for _, p := range extra {
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, `/\`) {
			rs.Dirs = append(rs.Dirs, p)
		} else {
			rs.Files = append(rs.Files, p)
		}
	}
	return rs
}

// RobocopyArgs serializes the set for the Windows copy tool. Robocopy /XD
// matches directory basenames, so directory patterns collapse to their last
// path segment; file globs join into a single /XF clause; /MAX caps bytes.
func (rs RuleSet) RobocopyArgs() []string {
	var args []string

	if len(rs.Dirs) > 0 {
		args = append(args, "/XD")
		seen := make(map[string]bool)
		for _, d := range rs.Dirs {
			base := lastSegment(d)
			if base == "" || seen[base] {
				continue
			}
			seen[base] = true
			args = append(args, quoteIfNeeded(base))
		}
	}

	if len(rs.Files) > 0 {
		args = append(args, "/XF")
		for _, f := range rs.Files {
			args = append(args, quoteIfNeeded(f))
		}
	}

	if rs.MaxBytes > 0 {
		args = append(args, fmt.Sprintf("/MAX:%d", rs.MaxBytes))
	}
	return args
}

// RsyncArgs serializes the set for the Linux copy tool: one --exclude per
// rule plus --max-size in megabytes.
func (rs RuleSet) RsyncArgs() []string {
	var args []string
	for _, d := range rs.Dirs {
		args = append(args, "--exclude="+d)
	}
	for _, f := range rs.Files {
		args = append(args, "--exclude="+f)
	}
	if rs.MaxBytes > 0 {
		args = append(args, fmt.Sprintf("--max-size=%dM", rs.MaxBytes/(1024*1024)))
	}
	return args
}

// FindExpr serializes the set as negated find(1) clauses used to enumerate
// changed files for incremental backups.
func (rs RuleSet) FindExpr() string {
	var parts []string
	for _, d := range rs.Dirs {
		pattern := d
		if !strings.HasPrefix(pattern, "*") && !strings.HasPrefix(pattern, "/") {
			pattern = "*/" + pattern
		}
		parts = append(parts, fmt.Sprintf("! -path '%s/*'", pattern))
	}
	for _, f := range rs.Files {
		parts = append(parts, fmt.Sprintf("! -name '%s'", f))
	}
	if rs.MaxBytes > 0 {
		parts = append(parts, fmt.Sprintf("-size -%dM", rs.MaxBytes/(1024*1024)))
	}
	return strings.Join(parts, " ")
}

// ShouldExclude reports whether a path matches the rule set. Directory
// patterns match any path segment prefix; file globs match the last path
// component only. Matching is case-insensitive on Windows.
func (rs RuleSet) ShouldExclude(p string) bool {
	norm := strings.ReplaceAll(p, `\`, "/")
	base := path.Base(norm)

	fold := rs.OS == types.OSWindows
	for _, d := range rs.Dirs {
		if matchDir(norm, strings.ReplaceAll(d, `\`, "/"), fold) {
			return true
		}
	}
	for _, f := range rs.Files {
		if matchGlob(base, f, fold) {
			return true
		}
	}
	return false
}

// matchDir reports whether any prefix of the path matches the directory
// pattern, i.e. the path is the directory itself or lives under it.
func matchDir(p, pattern string, fold bool) bool {
	re := globRegexp(pattern, fold)
	// Match the pattern against the path and each of its ancestors.
	if re.MatchString(p) {
		return true
	}
	rest := p
	for {
		idx := strings.LastIndex(rest, "/")
		if idx <= 0 {
			break
		}
		rest = rest[:idx]
		if re.MatchString(rest) {
			return true
		}
	}
	// Anchorless patterns ($Recycle.Bin, System Volume Information) match a
	// bare segment anywhere in the path.
	if !strings.Contains(pattern, "/") {
		for _, seg := range strings.Split(p, "/") {
			if matchGlob(seg, pattern, fold) {
				return true
			}
		}
	}
	return false
}

func matchGlob(name, pattern string, fold bool) bool {
	return globRegexp(pattern, fold).MatchString(name)
}

// globRegexp compiles a glob into an anchored regexp, escaping everything
// except * and ? wildcards.
func globRegexp(pattern string, fold bool) *regexp.Regexp {
	var b strings.Builder
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		// QuoteMeta makes this unreachable; match nothing on the off chance.
		return regexp.MustCompile(`$^`)
	}
	return re
}

// lastSegment returns the final path component of a pattern regardless of
// separator style.
func lastSegment(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimRight(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func quoteIfNeeded(s string) string {
	if strings.Contains(s, " ") {
		return `"` + s + `"`
	}
	return s
}
