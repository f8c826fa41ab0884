package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// outputState is the lifecycle of an OutputFile.
type outputState int

const (
	outputReady outputState = iota
	outputOpen
	outputClosed
)

// OutputFile is a journal file that becomes visible under its permanent name
// only once it has been closed cleanly. Until then it lives under TempName.
//
// OutputFile is not safe for concurrent use; its owner serialises access.
type OutputFile struct {
	dir      string
	name     string
	file     *os.File
	counter  *countingWriter
	writer   *XMLWriter
	state    outputState
	tempPath string
	path     string
}

// CreateOutputFile creates the in-progress file for name in dir. It fails with
// ErrFileExists if the permanent name is already taken.
func CreateOutputFile(dir, name string) (*OutputFile, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("journal: failed to stat %s: %w", path, err)
	}

	tempPath := filepath.Join(dir, TempName(name))
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to create %s: %w", tempPath, err)
	}

	return &OutputFile{
		dir:      dir,
		name:     name,
		file:     f,
		counter:  &countingWriter{w: f},
		tempPath: tempPath,
		path:     path,
	}, nil
}

// Name returns the permanent file name.
func (f *OutputFile) Name() string { return f.name }

// Path returns the permanent path.
func (f *OutputFile) Path() string { return f.path }

// TempPath returns the in-progress path.
func (f *OutputFile) TempPath() string { return f.tempPath }

// Size returns the number of bytes flushed to the file so far.
func (f *OutputFile) Size() int64 { return f.counter.n }

// IsClosed reports whether Close has been called.
func (f *OutputFile) IsClosed() bool { return f.state == outputClosed }

// Writer returns the structured writer for the file, opening it on first use.
func (f *OutputFile) Writer() (*XMLWriter, error) {
	switch f.state {
	case outputReady:
		f.writer = NewXMLWriter(f.counter)
		f.state = outputOpen
	case outputClosed:
		return nil, fmt.Errorf("journal: output file %s is closed", f.name)
	}
	return f.writer, nil
}

// Write appends already formatted journal text. It must not be mixed with
// the structured writer.
func (f *OutputFile) Write(p []byte) (int, error) {
	switch f.state {
	case outputReady:
		f.state = outputOpen
	case outputClosed:
		return 0, fmt.Errorf("journal: output file %s is closed", f.name)
	}
	if f.writer != nil {
		return 0, fmt.Errorf("journal: output file %s has a structured writer", f.name)
	}
	return f.counter.Write(p)
}

// Abort closes the file without publishing it. The in-progress file is left
// under its temporary name.
func (f *OutputFile) Abort() error {
	if f.state == outputClosed {
		return nil
	}
	f.state = outputClosed
	return f.file.Close()
}

// Close flushes and syncs the file and renames it to its permanent name.
// Closing a closed file does nothing. If anything fails before the rename the
// file keeps its temporary name.
func (f *OutputFile) Close() error {
	if f.state == outputClosed {
		return nil
	}
	f.state = outputClosed

	var err error
	if f.writer != nil {
		err = f.writer.Flush()
	}
	if err == nil {
		err = f.file.Sync()
	}
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("journal: failed to close %s: %w", f.tempPath, err)
	}

	if _, err := os.Stat(f.path); err == nil {
		return fmt.Errorf("%w: %s", ErrFileExists, f.path)
	}
	if err := os.Rename(f.tempPath, f.path); err != nil {
		return fmt.Errorf("journal: failed to rename %s: %w", f.tempPath, err)
	}
	syncDir(f.dir)
	return nil
}

// syncDir makes the rename durable. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
