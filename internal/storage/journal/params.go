package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Parameter names understood by writers and readers.
const (
	ParamJournalDirectory      = "journalDirectory"
	ParamArchiveDirectory      = "archiveDirectory"
	ParamFilenamePrefix        = "filenamePrefix"
	ParamSizeLimit             = "sizeLimit"
	ParamAgeLimit              = "ageLimit"
	ParamFollowPollingInterval = "followPollingInterval"
	ParamLockRequestedFilename = "lockRequestedFilename"
	ParamLockAcceptedFilename  = "lockAcceptedFilename"
	ParamPauseBeforePolling    = "pauseBeforePolling"
	ParamRecoveryLogFilename   = "recoveryLogFilename"
	ParamRecoveryLogLevel      = "recoveryLogLevel"
	ParamRepositoryHash        = "repositoryHash"
	ParamTempDirectory         = "tempDirectory"
)

// Defaults applied when a parameter is absent.
const (
	DefaultFilenamePrefix        = "fedoraJournal"
	DefaultSizeLimit             = "5M"
	DefaultAgeLimit              = "1D"
	DefaultFollowPollingInterval = "3"
)

// Parameters is the flat string-keyed configuration of one component.
type Parameters map[string]string

// String returns the value of key, or def when it is absent or blank.
func (p Parameters) String(key, def string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Required returns the value of key or a configuration error.
func (p Parameters) Required(key string) (string, error) {
	v := p.String(key, "")
	if v == "" {
		return "", configErrorf(key, "parameter is required")
	}
	return v, nil
}

// Size parses key with ParseSize.
func (p Parameters) Size(key, def string) (int64, error) {
	n, err := ParseSize(p.String(key, def))
	if err != nil {
		return 0, configErrorf(key, "%v", err)
	}
	return n, nil
}

// Interval parses key with ParseInterval.
func (p Parameters) Interval(key, def string) (time.Duration, error) {
	d, err := ParseInterval(p.String(key, def))
	if err != nil {
		return 0, configErrorf(key, "%v", err)
	}
	return d, nil
}

// Bool parses key with ParseBool.
func (p Parameters) Bool(key string, def bool) (bool, error) {
	v := p.String(key, "")
	if v == "" {
		return def, nil
	}
	b, err := ParseBool(v)
	if err != nil {
		return false, configErrorf(key, "%v", err)
	}
	return b, nil
}

// Directory returns the cleaned absolute path named by key, which must exist
// and be a directory.
func (p Parameters) Directory(key string) (string, error) {
	v, err := p.Required(key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(v)
	if err != nil {
		return "", configErrorf(key, "%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", configErrorf(key, "%v", err)
	}
	if !info.IsDir() {
		return "", configErrorf(key, "%s is not a directory", abs)
	}
	return abs, nil
}

// ParseSize parses a byte count with an optional K, M or G suffix.
// Zero means unbounded.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}

// ParseInterval parses a numeric interval with an optional D, H, M, S or MS
// suffix; bare numbers are seconds. Values at or below zero mean unbounded.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if strings.HasSuffix(strings.ToUpper(s), "MS") {
		n, err := strconv.ParseInt(s[:len(s)-2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	unit := time.Second
	switch strings.ToUpper(s[len(s)-1:]) {
	case "D":
		unit = 24 * time.Hour
	case "H":
		unit = time.Hour
	case "M":
		unit = time.Minute
	case "S":
		unit = time.Second
	default:
		s += "S"
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseBool accepts only "true" or "false", ignoring case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %q", s)
}

// checkDistinctDirectories fails when the active and archive directories are
// the same place.
func checkDistinctDirectories(active, archive string) error {
	if filepath.Clean(active) == filepath.Clean(archive) {
		return configErrorf(ParamArchiveDirectory, "must differ from %s (%s)", ParamJournalDirectory, active)
	}
	return nil
}
