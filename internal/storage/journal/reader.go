package journal

// ============================================================================
// Journal readers
// Responsibilities:
// 1. Consume journal files from the active directory in name order
// 2. Archive each file once its trailer has been read
// 3. Optionally follow the directory, polling for new files
// 4. Optionally honour the lock-request handshake between files
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/internal/metrics"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// ReaderOptions carries the collaborators of a reader.
type ReaderOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// RecoveryLog overrides the log built from the recovery parameters. The
	// reader does not close a log it was given.
	RecoveryLog RecoveryLog
}

// errNoFile means no journal file is ready to be consumed.
var errNoFile = errors.New("journal: no journal file available")

// inputFile is the journal file a reader is consuming.
type inputFile struct {
	name string
	path string
	f    *os.File
	dec  *entryDecoder
}

// Reader replays journal entries from a directory of journal files.
type Reader struct {
	mu sync.Mutex

	dir          string
	archiveDir   string
	prefix       string
	expectedHash string
	tempDir      string

	follow   bool
	interval time.Duration
	lock     *lockProtocol // nil unless locking

	logger     *slog.Logger
	metrics    *metrics.Collector
	recovery   RecoveryLog
	ownsLog    bool
	logEntries bool

	pauseFirst bool
	current    *inputFile
	err        error // sticky, set by a malformed file
	shutdown   bool
	done       chan struct{}
	doneOnce   sync.Once
}

// NewReader returns a reader that stops with ErrNoMoreEntries once the
// directory holds no more journal files.
func NewReader(params Parameters, opts ReaderOptions) (*Reader, error) {
	return newReader(params, opts, false, false)
}

// NewFollowingReader returns a reader that polls for new journal files every
// followPollingInterval instead of stopping.
func NewFollowingReader(params Parameters, opts ReaderOptions) (*Reader, error) {
	return newReader(params, opts, true, false)
}

// NewLockingFollowingReader returns a following reader that stops opening new
// files while the lock-request file exists.
func NewLockingFollowingReader(params Parameters, opts ReaderOptions) (*Reader, error) {
	return newReader(params, opts, true, true)
}

func newReader(params Parameters, opts ReaderOptions, follow, locking bool) (*Reader, error) {
	dir, err := params.Directory(ParamJournalDirectory)
	if err != nil {
		return nil, err
	}
	archiveDir, err := params.Directory(ParamArchiveDirectory)
	if err != nil {
		return nil, err
	}
	if err := checkDistinctDirectories(dir, archiveDir); err != nil {
		return nil, err
	}
	prefix, err := filenamePrefix(params)
	if err != nil {
		return nil, err
	}

	tempDir := os.TempDir()
	if params.String(ParamTempDirectory, "") != "" {
		if tempDir, err = params.Directory(ParamTempDirectory); err != nil {
			return nil, err
		}
	}

	r := &Reader{
		dir:          dir,
		archiveDir:   archiveDir,
		prefix:       prefix,
		expectedHash: params.String(ParamRepositoryHash, ""),
		tempDir:      tempDir,
		follow:       follow,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		done:         make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	if follow {
		if r.interval, err = params.Interval(ParamFollowPollingInterval, DefaultFollowPollingInterval); err != nil {
			return nil, err
		}
		if r.interval <= 0 {
			return nil, configErrorf(ParamFollowPollingInterval, "must be positive")
		}
	}
	if locking {
		if r.lock, err = newLockProtocol(params); err != nil {
			return nil, err
		}
		if r.pauseFirst, err = params.Bool(ParamPauseBeforePolling, false); err != nil {
			return nil, err
		}
	}

	if opts.RecoveryLog != nil {
		r.recovery = opts.RecoveryLog
		r.logEntries, err = recoveryLogVerbose(params)
	} else {
		r.recovery, r.logEntries, err = NewRecoveryLog(params, r.logger)
		r.ownsLog = true
	}
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ReadEntry returns the next journal entry. A non-following reader returns
// ErrNoMoreEntries when it runs out of files; a following reader waits for
// more until ctx is done or Shutdown is called, then returns ctx.Err() or
// ErrShutdown.
func (r *Reader) ReadEntry(ctx context.Context) (*types.ConsumerEntry, error) {
	if r.takePause() {
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
	}

	for {
		e, err := r.readEntry()
		if !errors.Is(err, errNoFile) {
			return e, err
		}
		if !r.follow {
			return nil, ErrNoMoreEntries
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Shutdown wakes any waiting ReadEntry and closes the current file without
// archiving it. Later calls do nothing.
func (r *Reader) Shutdown() error {
	r.doneOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil
	}
	r.shutdown = true

	var errs []error
	if r.current != nil {
		r.recovery.Log("shutdown while reading " + r.current.name)
		errs = append(errs, r.current.f.Close())
		r.current = nil
	}
	r.recovery.Log("reader shut down")
	if r.ownsLog {
		errs = append(errs, r.recovery.Close())
	}
	return errors.Join(errs...)
}

// Locked reports whether a locking reader currently honours a lock request.
func (r *Reader) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lock != nil && r.lock.locked
}

func (r *Reader) takePause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pauseFirst
	r.pauseFirst = false
	return p
}

// readEntry returns the next entry of the current or next file, or errNoFile.
func (r *Reader) readEntry() (*types.ConsumerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.shutdown {
			return nil, ErrShutdown
		}
		if r.err != nil {
			return nil, r.err
		}

		if r.current == nil {
			if err := r.openNextFile(); err != nil {
				return nil, err
			}
		}

		e, ok, err := r.current.dec.nextEntry()
		if err != nil {
			r.fail(err)
			return nil, err
		}
		if ok {
			if r.logEntries {
				r.recovery.Log("entry " + e.Identifier)
			}
			r.metrics.RecordEntryReplayed()
			return e, nil
		}

		if err := r.finishFile(); err != nil {
			r.fail(err)
			return nil, err
		}
	}
}

// openNextFile opens the earliest journal file, or returns errNoFile if there
// is none or the reader is locked.
func (r *Reader) openNextFile() error {
	if r.lock != nil {
		locked, changed, err := r.lock.check()
		if err != nil {
			return err
		}
		if changed {
			r.metrics.SetReaderLocked(locked)
			if locked {
				r.recovery.Log("lock requested; accepted and pausing")
			} else {
				r.recovery.Log("lock released; resuming")
			}
		}
		if locked {
			return errNoFile
		}
	}

	names, err := ListJournalFiles(r.dir, r.prefix)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errNoFile
	}

	name := names[0]
	path := filepath.Join(r.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: failed to open %s: %w", path, err)
	}

	in := &inputFile{name: name, path: path, f: f, dec: newEntryDecoder(name, f, r.tempDir)}
	header, err := in.dec.readHeader()
	if err == nil && header.RepositoryHash != "" && r.expectedHash != "" && header.RepositoryHash != r.expectedHash {
		err = fmt.Errorf("%w: %s has %q, expected %q", ErrRepositoryHashMismatch, name, header.RepositoryHash, r.expectedHash)
	}
	if err != nil {
		f.Close()
		r.err = err
		r.recovery.Log("rejected " + name + ": " + err.Error())
		return err
	}

	r.current = in
	r.recovery.Log("opened " + name)
	r.logger.Info("Opened journal file for replay", "file", name, "written", header.Timestamp)
	return nil
}

// finishFile closes and archives the current file after its trailer.
func (r *Reader) finishFile() error {
	in := r.current
	r.current = nil
	if err := in.f.Close(); err != nil {
		return fmt.Errorf("journal: failed to close %s: %w", in.path, err)
	}
	r.recovery.Log("closed " + in.name)

	dest, err := archiveFile(in.path, r.archiveDir)
	if err != nil {
		return err
	}
	r.metrics.RecordFileArchived()
	r.recovery.Log("archived " + in.name)
	r.logger.Info("Archived journal file", "file", in.name, "archive", dest)
	return nil
}

// fail makes err sticky and leaves the offending file in the active directory.
func (r *Reader) fail(err error) {
	r.err = err
	if r.current != nil {
		r.recovery.Log("failed reading " + r.current.name + ": " + err.Error())
		r.current.f.Close()
		r.current = nil
	}
	r.logger.Error("Journal replay failed", "error", err)
}

// wait sleeps one polling interval unless ctx is done or the reader shuts
// down first.
func (r *Reader) wait(ctx context.Context) error {
	t := time.NewTimer(r.interval)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-r.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}
