package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
)

// LocalDirectoryClass is the classname of LocalDirectoryTransport.
const LocalDirectoryClass = "local-directory"

// ParamDirectory names the target directory of a local transport.
const ParamDirectory = "directory"

// LocalDirectoryTransport writes journal files into a directory through
// atomically published output files.
type LocalDirectoryTransport struct {
	Base
	dir    string
	parent Formatter
	file   *journal.OutputFile
	xml    *journal.XMLWriter
}

// NewLocalDirectoryTransport is the Factory for LocalDirectoryClass.
func NewLocalDirectoryTransport(name string, params journal.Parameters, crucial bool, parent Formatter) (Transport, error) {
	dir, err := params.Directory(ParamDirectory)
	if err != nil {
		return nil, err
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, &journal.ConfigError{Parameter: ParamDirectory, Reason: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())

	return &LocalDirectoryTransport{
		Base:   NewBase(name, crucial),
		dir:    dir,
		parent: parent,
	}, nil
}

// Directory returns the target directory.
func (t *LocalDirectoryTransport) Directory() string { return t.dir }

func (t *LocalDirectoryTransport) Open(repositoryHash, filename string, ts time.Time) error {
	if err := t.BeginOpen(); err != nil {
		return err
	}

	f, err := journal.CreateOutputFile(t.dir, filename)
	if err != nil {
		return err
	}
	xw, err := f.Writer()
	if err != nil {
		f.Abort()
		return err
	}
	if err := t.parent.WriteDocumentHeader(xw, repositoryHash, ts); err != nil {
		f.Abort()
		return fmt.Errorf("transport %s: failed to write header: %w", t.Name(), err)
	}

	t.file = f
	t.xml = xw
	return nil
}

func (t *LocalDirectoryTransport) Writer() (*journal.XMLWriter, error) {
	if err := t.CheckWritable(); err != nil {
		return nil, err
	}
	if t.xml == nil {
		return nil, fmt.Errorf("transport %s: open failed, no file to write", t.Name())
	}
	return t.xml, nil
}

func (t *LocalDirectoryTransport) Close() error {
	if err := t.BeginClose(); err != nil {
		return err
	}
	if t.file == nil {
		return nil
	}

	f, xw := t.file, t.xml
	t.file, t.xml = nil, nil

	if err := t.parent.WriteDocumentTrailer(xw); err != nil {
		return fmt.Errorf("transport %s: failed to write trailer: %w", t.Name(), errors.Join(err, f.Abort()))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("transport %s: %w", t.Name(), err)
	}
	return nil
}

func (t *LocalDirectoryTransport) Shutdown() error {
	_, err := t.BeginShutdown()
	return err
}
