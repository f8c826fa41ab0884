package journal

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Recovery log levels.
const (
	RecoveryLogLow  = "low"
	RecoveryLogHigh = "high"
)

// RecoveryLog is an append-only diagnostic trail of reader lifecycle events.
// Losing a line is not a journal failure, so Log does not return an error.
type RecoveryLog interface {
	Log(msg string)
	Close() error
}

// NewRecoveryLog builds the log described by params: a file when
// recoveryLogFilename is set, otherwise logger. It also reports whether each
// replayed entry should be logged.
func NewRecoveryLog(params Parameters, logger *slog.Logger) (RecoveryLog, bool, error) {
	verbose, err := recoveryLogVerbose(params)
	if err != nil {
		return nil, false, err
	}

	if path := params.String(ParamRecoveryLogFilename, ""); path != "" {
		l, err := OpenFileRecoveryLog(path)
		if err != nil {
			return nil, false, configErrorf(ParamRecoveryLogFilename, "%v", err)
		}
		return l, verbose, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &slogRecoveryLog{logger: logger}, verbose, nil
}

func recoveryLogVerbose(params Parameters) (bool, error) {
	level := strings.ToLower(params.String(ParamRecoveryLogLevel, RecoveryLogLow))
	if level != RecoveryLogLow && level != RecoveryLogHigh {
		return false, configErrorf(ParamRecoveryLogLevel, "expected %q or %q, got %q", RecoveryLogLow, RecoveryLogHigh, level)
	}
	return level == RecoveryLogHigh, nil
}

// FileRecoveryLog appends timestamped lines to a file.
type FileRecoveryLog struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

func OpenFileRecoveryLog(path string) (*FileRecoveryLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileRecoveryLog{f: f, now: time.Now}, nil
}

func (l *FileRecoveryLog) Log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	fmt.Fprintf(l.f, "%s: %s\n", l.now().UTC().Format(TimestampLayout), msg)
}

// Close is idempotent.
func (l *FileRecoveryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

type slogRecoveryLog struct {
	logger *slog.Logger
}

func (l *slogRecoveryLog) Log(msg string) {
	l.logger.Info(msg, "component", "recovery")
}

func (l *slogRecoveryLog) Close() error { return nil }

// DiscardRecoveryLog drops every message.
var DiscardRecoveryLog RecoveryLog = discardRecoveryLog{}

type discardRecoveryLog struct{}

func (discardRecoveryLog) Log(string) {}

func (discardRecoveryLog) Close() error { return nil }
