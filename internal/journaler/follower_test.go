package journaler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

type dirs struct {
	journal string
	archive string
}

func newDirs(t *testing.T) dirs {
	d := dirs{journal: t.TempDir(), archive: t.TempDir()}
	return d
}

func (d dirs) readerParams(kind string) journal.Parameters {
	return journal.Parameters{
		ParamReaderType:                    kind,
		journal.ParamJournalDirectory:      d.journal,
		journal.ParamArchiveDirectory:      d.archive,
		journal.ParamFollowPollingInterval: "50ms",
	}
}

// record journals n entries into d.journal.
func (d dirs) record(t *testing.T, entries ...*types.Entry) {
	j, err := New(journal.Parameters{journal.ParamJournalDirectory: d.journal}, Options{})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, j.Record(e))
	}
	require.NoError(t, j.Shutdown())
}

// collector is a Delegate remembering applied pids.
type collector struct {
	mu   sync.Mutex
	pids []string
}

func (c *collector) Apply(_ context.Context, e *types.ConsumerEntry) error {
	pid, err := e.StringArg("pid")
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pids = append(c.pids, pid)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pids...)
}

func TestNewReaderTypes(t *testing.T) {
	d := newDirs(t)
	for _, kind := range []string{ReaderDirectory, ReaderFollowing} {
		r, err := NewReader(d.readerParams(kind), journal.ReaderOptions{})
		require.NoError(t, err, kind)
		require.NoError(t, r.Shutdown())
	}

	// Locking readers need their lock files.
	_, err := NewReader(d.readerParams(ReaderLocking), journal.ReaderOptions{})
	assert.ErrorIs(t, err, journal.ErrConfig)

	_, err = NewReader(d.readerParams("tape"), journal.ReaderOptions{})
	var ce *journal.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ParamReaderType, ce.Parameter)
}

func TestFollowerReplaysDirectory(t *testing.T) {
	d := newDirs(t)
	d.record(t, entry(1), entry(2), entry(3))

	r, err := NewReader(d.readerParams(ReaderDirectory), journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	require.NoError(t, err)

	c := &collector{}
	f := NewFollower(r, c, nil)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, []string{"demo:1", "demo:2", "demo:3"}, c.snapshot())
	assert.EqualValues(t, 3, f.Applied())

	archived, err := journal.ListJournalFiles(d.archive, journal.DefaultFilenamePrefix)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestFollowerStopsOnDelegateError(t *testing.T) {
	d := newDirs(t)
	d.record(t, entry(1), entry(2))

	r, err := NewReader(d.readerParams(ReaderDirectory), journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	require.NoError(t, err)

	boom := errors.New("boom")
	f := NewFollower(r, DelegateFunc(func(context.Context, *types.ConsumerEntry) error { return boom }), nil)
	err = f.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.Applied())
}

func TestFollowerRemovesFileArguments(t *testing.T) {
	d := newDirs(t)
	src := filepath.Join(t.TempDir(), "content")
	require.NoError(t, os.WriteFile(src, []byte("datastream"), 0644))
	d.record(t, types.NewEntry("addDatastream", nil).Add(types.FileArg("content", src)))

	r, err := NewReader(d.readerParams(ReaderDirectory), journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	require.NoError(t, err)

	var seen string
	f := NewFollower(r, DelegateFunc(func(_ context.Context, e *types.ConsumerEntry) error {
		file, err := e.FileArg("content")
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file.Path)
		if err != nil {
			return err
		}
		assert.Equal(t, "datastream", string(data))
		seen = file.Path
		return nil
	}), nil)
	require.NoError(t, f.Run(context.Background()))

	require.NotEmpty(t, seen)
	assert.NoFileExists(t, seen)
	assert.FileExists(t, src)
}

func TestFollowerFollowsUntilStopped(t *testing.T) {
	d := newDirs(t)
	r, err := NewReader(d.readerParams(ReaderFollowing), journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	require.NoError(t, err)

	c := &collector{}
	f := NewFollower(r, c, nil)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	d.record(t, entry(1))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	d.record(t, entry(2))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop")
	}
	assert.Equal(t, []string{"demo:1", "demo:2"}, c.snapshot())
}

func TestFollowerContextCancel(t *testing.T) {
	d := newDirs(t)
	r, err := NewReader(d.readerParams(ReaderFollowing), journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	require.NoError(t, err)
	defer r.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewFollower(r, &collector{}, nil).Run(ctx))
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Handle("ingest", func(_ context.Context, e *types.ConsumerEntry) error {
		got = append(got, "ingest:"+e.Identifier)
		return nil
	})
	r.Handle("purgeObject", func(context.Context, *types.ConsumerEntry) error { return nil })
	assert.Equal(t, []string{"ingest", "purgeObject"}, r.Methods())

	e := &types.ConsumerEntry{Entry: types.Entry{Method: "ingest"}, Identifier: "f[1]"}
	require.NoError(t, r.Apply(context.Background(), e))
	assert.Equal(t, []string{"ingest:f[1]"}, got)

	e.Method = "modifyObject"
	err := r.Apply(context.Background(), e)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Contains(t, err.Error(), "modifyObject")
}
