// Package transport fans journal files out to independently configured
// destinations.
package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
)

// Parameter keys common to every transport.
const (
	ParamClassname = "classname"
	ParamCrucial   = "crucial"
)

// Transport is one destination for journal files.
//
// Open, Close and Shutdown validate the requested transition and fail with a
// LifecycleError when it is not allowed. Writer only checks that the
// transport is open. Shutdown of a shut down transport does nothing.
type Transport interface {
	Open(repositoryHash, filename string, ts time.Time) error
	Writer() (*journal.XMLWriter, error)
	Close() error
	Shutdown() error
	Crucial() bool
}

// DirectoryTransport is implemented by transports that publish into a local
// directory. The multicast writer checks those directories for files that
// would sort after its own at startup.
type DirectoryTransport interface {
	Directory() string
}

// Formatter writes the document header and trailer on behalf of a transport.
// Transports never write them themselves.
type Formatter interface {
	WriteDocumentHeader(w *journal.XMLWriter, repositoryHash string, ts time.Time) error
	WriteDocumentTrailer(w *journal.XMLWriter) error
}

// State is the lifecycle state of a transport.
type State int

const (
	FileClosed State = iota
	FileOpen
	Shutdown
)

func (s State) String() string {
	switch s {
	case FileClosed:
		return "FileClosed"
	case FileOpen:
		return "FileOpen"
	case Shutdown:
		return "Shutdown"
	}
	return "unknown"
}

// Base implements the lifecycle checks shared by transports. Embed it and
// call the Begin methods before doing any work.
type Base struct {
	name    string
	crucial bool
	state   State
}

func NewBase(name string, crucial bool) Base {
	return Base{name: name, crucial: crucial}
}

func (b *Base) Name() string  { return b.name }
func (b *Base) Crucial() bool { return b.crucial }
func (b *Base) State() State  { return b.state }

// BeginOpen moves FileClosed to FileOpen.
func (b *Base) BeginOpen() error {
	if b.state != FileClosed {
		return b.violation("open")
	}
	b.state = FileOpen
	return nil
}

// BeginClose moves FileOpen to FileClosed.
func (b *Base) BeginClose() error {
	if b.state != FileOpen {
		return b.violation("close")
	}
	b.state = FileClosed
	return nil
}

// BeginShutdown moves FileClosed to Shutdown. It reports done == true when
// the transport was already shut down and nothing remains to do.
func (b *Base) BeginShutdown() (done bool, err error) {
	switch b.state {
	case Shutdown:
		return true, nil
	case FileOpen:
		return false, b.violation("shut down")
	}
	b.state = Shutdown
	return false, nil
}

// CheckWritable fails unless a file is open.
func (b *Base) CheckWritable() error {
	if b.state != FileOpen {
		return b.violation("write")
	}
	return nil
}

func (b *Base) violation(op string) error {
	return &LifecycleError{Transport: b.name, Op: op, State: b.state}
}

// Factory builds a transport from its own parameter map.
type Factory func(name string, params journal.Parameters, crucial bool, parent Formatter) (Transport, error)

// Registry maps configured classnames to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry holding the transports of this
// package.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LocalDirectoryClass, NewLocalDirectoryTransport)
	return r
}

// Register adds or replaces the factory for classname.
func (r *Registry) Register(classname string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[classname] = f
}

// New builds a transport with the factory registered for classname.
func (r *Registry) New(classname, name string, params journal.Parameters, crucial bool, parent Formatter) (Transport, error) {
	r.mu.RLock()
	f, ok := r.factories[classname]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for transport %s", ErrUnknownClass, classname, name)
	}
	return f(name, params, crucial, parent)
}

// Classnames returns the registered classnames in order.
func (r *Registry) Classnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
