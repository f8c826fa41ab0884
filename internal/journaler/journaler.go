// ============================================================================
// Journaler - creator side of the journal
// ============================================================================
//
// Package: internal/journaler
// File: journaler.go
// Purpose: Record management calls as journal entries
//
// Flow:
//   management call -> Record(entry)
//     1. refuse with ErrReadOnly while the operating mode is read-only
//     2. writer.Write(entry): prepare + write under the writer's own lock
//
// Writer selection (journalWriterType):
//   - "file":      single-directory rotating writer
//   - "multicast": fan-out to transport.<name>.* transports
//
// A crucial transport failure inside the multicast writer flips the shared
// ModeSwitch to read-only; every later Record is refused.
//
// ============================================================================

package journaler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fcrepo3/fcrepo-sub017/internal/metrics"
	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/internal/transport"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// Parameter names selecting implementations.
const (
	ParamWriterType = "journalWriterType"
	ParamReaderType = "journalReaderType"
)

// Writer types.
const (
	WriterFile      = "file"
	WriterMulticast = "multicast"
)

// Writer is what the journaler needs from a journal writer.
type Writer interface {
	Write(e *types.Entry) error
	Shutdown() error
}

// Options carries the collaborators shared by writers.
type Options struct {
	// Registry resolves transport classnames for multicast writers. nil means
	// transport.NewDefaultRegistry().
	Registry       *transport.Registry
	Mode           *journal.ModeSwitch
	RepositoryHash func() (string, error)
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

// WriterFactory builds a writer from parameters.
type WriterFactory func(params journal.Parameters, opts Options) (Writer, error)

var (
	writerMu        sync.RWMutex
	writerFactories = map[string]WriterFactory{
		WriterFile: func(params journal.Parameters, opts Options) (Writer, error) {
			return journal.NewFileWriter(params, opts.writerOptions())
		},
		WriterMulticast: func(params journal.Parameters, opts Options) (Writer, error) {
			reg := opts.Registry
			if reg == nil {
				reg = transport.NewDefaultRegistry()
			}
			return transport.NewMulticastWriter(params, reg, opts.Mode, opts.writerOptions())
		},
	}
)

// RegisterWriter adds or replaces a writer type.
func RegisterWriter(name string, f WriterFactory) {
	writerMu.Lock()
	defer writerMu.Unlock()
	writerFactories[name] = f
}

// WriterTypes returns the registered writer types in order.
func WriterTypes() []string {
	writerMu.RLock()
	defer writerMu.RUnlock()
	names := make([]string, 0, len(writerFactories))
	for n := range writerFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewWriter builds the writer named by journalWriterType, "file" by default.
func NewWriter(params journal.Parameters, opts Options) (Writer, error) {
	kind := params.String(ParamWriterType, WriterFile)
	writerMu.RLock()
	f, ok := writerFactories[kind]
	writerMu.RUnlock()
	if !ok {
		return nil, &journal.ConfigError{Parameter: ParamWriterType, Reason: fmt.Sprintf("unknown writer type %q", kind)}
	}
	return f(params, opts)
}

func (o Options) writerOptions() journal.WriterOptions {
	return journal.WriterOptions{
		RepositoryHash: o.RepositoryHash,
		Logger:         o.Logger,
		Metrics:        o.Metrics,
	}
}

// Journaler records management calls.
type Journaler struct {
	writer Writer
	mode   *journal.ModeSwitch
	logger *slog.Logger
}

// New builds a journaler and its writer. When opts.Mode is nil a new switch
// is created and mirrored into metrics.
func New(params journal.Parameters, opts Options) (*Journaler, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == nil {
		m := opts.Metrics
		opts.Mode = journal.NewModeSwitch(func(mode journal.OperatingMode) {
			m.SetReadOnly(mode == journal.ModeReadOnly)
		})
	}

	w, err := NewWriter(params, opts)
	if err != nil {
		return nil, err
	}
	return &Journaler{writer: w, mode: opts.Mode, logger: opts.Logger}, nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer, mode *journal.ModeSwitch, logger *slog.Logger) *Journaler {
	if mode == nil {
		mode = journal.NewModeSwitch(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journaler{writer: w, mode: mode, logger: logger}
}

// Record writes e to the journal. It fails with journal.ErrReadOnly once the
// operating mode is read-only.
func (j *Journaler) Record(e *types.Entry) error {
	if j.mode.ReadOnly() {
		return journal.ErrReadOnly
	}
	if err := j.writer.Write(e); err != nil {
		j.logger.Error("Failed to journal entry", "method", e.Method, "error", err)
		return err
	}
	return nil
}

// Mode returns the operating mode shared with the writer.
func (j *Journaler) Mode() journal.OperatingMode {
	return j.mode.Mode()
}

// Shutdown shuts the writer down. Later calls do nothing.
func (j *Journaler) Shutdown() error {
	return j.writer.Shutdown()
}
