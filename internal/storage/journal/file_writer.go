package journal

// ============================================================================
// Single-destination journal writer
// Responsibilities:
// 1. Own at most one OutputFile at a time
// 2. Rotate on size (checked on every write) and on age (per-file timer)
// 3. Serialise writes and timer-driven closes through one mutex
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/internal/metrics"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// Close reasons reported to metrics and logs.
const (
	CloseSize     = "size"
	CloseAge      = "age"
	CloseShutdown = "shutdown"
)

// WriterOptions carries the collaborators of a writer.
type WriterOptions struct {
	// RepositoryHash returns the current hash of the repository, written into
	// each new file header. nil means no hash.
	RepositoryHash func() (string, error)
	Logger         *slog.Logger
	Metrics        *metrics.Collector
	Now            func() time.Time
}

// WithDefaults fills in the unset collaborators.
func (o WriterOptions) WithDefaults() WriterOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RepositoryHash == nil {
		o.RepositoryHash = func() (string, error) { return "", nil }
	}
	return o
}

// FileWriter writes journal entries to a series of files in one directory.
type FileWriter struct {
	mu sync.Mutex // guards everything below, shared with the age timer

	dir       string
	sizeLimit int64
	ageLimit  time.Duration
	names     *FilenameGenerator
	opts      WriterOptions

	current  *OutputFile
	xml      *XMLWriter
	size     int64
	gen      uint64
	timer    *time.Timer
	shutdown bool
}

// NewFileWriter validates params and returns a writer with no file open.
func NewFileWriter(params Parameters, opts WriterOptions) (*FileWriter, error) {
	opts = opts.WithDefaults()

	dir, err := params.Directory(ParamJournalDirectory)
	if err != nil {
		return nil, err
	}
	if archive := params.String(ParamArchiveDirectory, ""); archive != "" {
		archiveDir, err := params.Directory(ParamArchiveDirectory)
		if err != nil {
			return nil, err
		}
		if err := checkDistinctDirectories(dir, archiveDir); err != nil {
			return nil, err
		}
	}
	if err := checkWritable(dir); err != nil {
		return nil, configErrorf(ParamJournalDirectory, "%v", err)
	}

	prefix, err := filenamePrefix(params)
	if err != nil {
		return nil, err
	}
	sizeLimit, err := params.Size(ParamSizeLimit, DefaultSizeLimit)
	if err != nil {
		return nil, err
	}
	ageLimit, err := params.Interval(ParamAgeLimit, DefaultAgeLimit)
	if err != nil {
		return nil, err
	}

	names := NewFilenameGenerator(prefix)
	if err := CheckClockRegression(dir, names, opts.Now()); err != nil {
		return nil, err
	}

	return &FileWriter{
		dir:       dir,
		sizeLimit: sizeLimit,
		ageLimit:  ageLimit,
		names:     names,
		opts:      opts,
	}, nil
}

// PrepareToWrite closes the current file if it has reached the size limit and
// opens a new one if none is open.
func (w *FileWriter) PrepareToWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prepareLocked()
}

// WriteEntry writes e to the open file, flushes it, and closes the file if the
// size limit has been reached.
func (w *FileWriter) WriteEntry(e *types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(e)
}

// Write prepares and writes e without releasing the lock in between, so an
// age-driven close cannot slip between the two steps.
func (w *FileWriter) Write(e *types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.prepareLocked(); err != nil {
		return err
	}
	return w.writeLocked(e)
}

// Shutdown closes the current file. Later calls do nothing.
func (w *FileWriter) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdown {
		return nil
	}
	w.shutdown = true
	return w.closeLocked(CloseShutdown)
}

// CurrentFile returns the name of the open file, or "".
func (w *FileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.Name()
}

func (w *FileWriter) prepareLocked() error {
	if w.shutdown {
		return ErrShutdown
	}
	if w.current != nil && w.atSizeLimit() {
		if err := w.closeLocked(CloseSize); err != nil {
			return err
		}
	}
	if w.current == nil {
		return w.openLocked()
	}
	return nil
}

func (w *FileWriter) writeLocked(e *types.Entry) error {
	if w.shutdown {
		return ErrShutdown
	}
	if w.current == nil {
		return errors.New("journal: no journal file is open")
	}

	if err := w.xml.WriteEntry(e); err != nil {
		return fmt.Errorf("journal: failed to write entry to %s: %w", w.current.Name(), err)
	}
	if err := w.xml.Flush(); err != nil {
		return fmt.Errorf("journal: failed to flush %s: %w", w.current.Name(), err)
	}

	n, err := EstimateSize(e)
	if err != nil {
		return err
	}
	w.size += n
	w.opts.Metrics.RecordEntryWritten(n)

	if w.atSizeLimit() {
		return w.closeLocked(CloseSize)
	}
	return nil
}

func (w *FileWriter) openLocked() error {
	hash, err := w.opts.RepositoryHash()
	if err != nil {
		return fmt.Errorf("journal: failed to get repository hash: %w", err)
	}

	name, ts := w.names.Next(w.opts.Now())
	f, err := CreateOutputFile(w.dir, name)
	if err != nil {
		return err
	}
	xw, err := f.Writer()
	if err != nil {
		f.Abort()
		return err
	}
	if err := xw.WriteHeader(hash, ts); err != nil {
		f.Abort()
		return fmt.Errorf("journal: failed to write header to %s: %w", name, err)
	}

	w.current = f
	w.xml = xw
	w.size = 0
	w.gen++
	if w.ageLimit > 0 {
		gen := w.gen
		w.timer = time.AfterFunc(w.ageLimit, func() { w.expire(gen) })
	}

	w.opts.Metrics.RecordFileOpened()
	w.opts.Logger.Info("Opened journal file", "file", name)
	return nil
}

// closeLocked writes the trailer and publishes the current file. It does
// nothing if no file is open.
func (w *FileWriter) closeLocked(reason string) error {
	if w.current == nil {
		return nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	f, xw := w.current, w.xml
	w.current = nil
	w.xml = nil

	// A file without its trailer is never published.
	if err := xw.WriteTrailer(); err != nil {
		return fmt.Errorf("journal: failed to write trailer to %s: %w", f.Name(), errors.Join(err, f.Abort()))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("journal: failed to close %s: %w", f.Name(), err)
	}

	w.opts.Metrics.RecordFileClosed(reason)
	w.opts.Logger.Info("Closed journal file", "file", f.Name(), "reason", reason)
	return nil
}

// expire is called by the age timer of file generation gen.
func (w *FileWriter) expire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.gen != gen {
		return
	}
	if err := w.closeLocked(CloseAge); err != nil {
		w.opts.Logger.Error("Failed to close journal file on age limit", "error", err)
	}
}

func (w *FileWriter) atSizeLimit() bool {
	return w.sizeLimit > 0 && w.size >= w.sizeLimit
}

func filenamePrefix(params Parameters) (string, error) {
	prefix := params.String(ParamFilenamePrefix, DefaultFilenamePrefix)
	if strings.HasPrefix(prefix, TempPrefix) {
		return "", configErrorf(ParamFilenamePrefix, "must not start with %q", TempPrefix)
	}
	if strings.ContainsAny(prefix, `/\`) {
		return "", configErrorf(ParamFilenamePrefix, "must not contain a path separator")
	}
	return prefix, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
