package journaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// Reader types.
const (
	ReaderDirectory = "directory"
	ReaderFollowing = "following"
	ReaderLocking   = "locking"
)

// EntryReader is what a Follower needs from a journal reader.
type EntryReader interface {
	ReadEntry(ctx context.Context) (*types.ConsumerEntry, error)
	Shutdown() error
}

// NewReader builds the reader named by journalReaderType, "following" by
// default.
func NewReader(params journal.Parameters, opts journal.ReaderOptions) (*journal.Reader, error) {
	switch kind := params.String(ParamReaderType, ReaderFollowing); kind {
	case ReaderDirectory:
		return journal.NewReader(params, opts)
	case ReaderFollowing:
		return journal.NewFollowingReader(params, opts)
	case ReaderLocking:
		return journal.NewLockingFollowingReader(params, opts)
	default:
		return nil, &journal.ConfigError{Parameter: ParamReaderType, Reason: fmt.Sprintf("unknown reader type %q", kind)}
	}
}

// Delegate applies replayed entries to local state.
type Delegate interface {
	Apply(ctx context.Context, e *types.ConsumerEntry) error
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, e *types.ConsumerEntry) error

func (f DelegateFunc) Apply(ctx context.Context, e *types.ConsumerEntry) error {
	return f(ctx, e)
}

// Follower replays journal entries into a delegate.
type Follower struct {
	reader   EntryReader
	delegate Delegate
	logger   *slog.Logger
	applied  int64
}

func NewFollower(r EntryReader, d Delegate, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{reader: r, delegate: d, logger: logger}
}

// Run replays entries until the reader runs out, is stopped, or ctx is done,
// all of which return nil. A delegate or reader error stops the replay and
// is returned. Temporary files of file arguments are removed after each
// entry is applied.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("Starting journal replay")
	for {
		e, err := f.reader.ReadEntry(ctx)
		switch {
		case err == nil:
		case errors.Is(err, journal.ErrNoMoreEntries), errors.Is(err, journal.ErrShutdown):
			f.logger.Info("Journal replay stopped", "applied", f.applied)
			return nil
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			f.logger.Info("Journal replay cancelled", "applied", f.applied)
			return nil
		default:
			return fmt.Errorf("journaler: read: %w", err)
		}

		err = f.delegate.Apply(ctx, e)
		removeFileArguments(e)
		if err != nil {
			f.logger.Error("Failed to apply journal entry", "entry", e.Identifier, "method", e.Method, "error", err)
			return fmt.Errorf("journaler: apply %s: %w", e.Identifier, err)
		}
		f.applied++
		f.logger.Debug("Applied journal entry", "entry", e.Identifier, "method", e.Method)
	}
}

// Applied returns the number of entries applied so far. Only meaningful
// after Run returns.
func (f *Follower) Applied() int64 {
	return f.applied
}

// Stop shuts the reader down, which makes Run return.
func (f *Follower) Stop() error {
	return f.reader.Shutdown()
}

func removeFileArguments(e *types.ConsumerEntry) {
	for _, a := range e.Arguments {
		if file, ok := a.Value.(types.File); ok && a.Type == types.ArgFile {
			os.Remove(file.Path)
		}
	}
}
