package transport

// ============================================================================
// Multicast journal writer
// Responsibilities:
// 1. Build one transport per transport.<name>.* parameter group
// 2. Open, write and close the same journal file on every transport
// 3. Tolerate non-crucial failures, go read-only on crucial ones
// 4. Rotate on size and age like the single-destination writer
// ============================================================================

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// TransportParamPrefix starts every per-transport parameter key.
const TransportParamPrefix = "transport."

type namedTransport struct {
	name string
	Transport
}

// MulticastWriter writes each journal file to several transports at once.
type MulticastWriter struct {
	mu sync.Mutex // guards everything below, shared with the age timer

	transports []namedTransport
	sizeLimit  int64
	ageLimit   time.Duration
	names      *journal.FilenameGenerator
	mode       *journal.ModeSwitch
	opts       journal.WriterOptions

	open     bool
	size     int64
	gen      uint64
	timer    *time.Timer
	shutdown bool
}

// NewMulticastWriter parses the transport.<name>.<key> namespace of params and
// builds every transport through reg. Crucial failures switch mode to
// read-only.
func NewMulticastWriter(params journal.Parameters, reg *Registry, mode *journal.ModeSwitch, opts journal.WriterOptions) (*MulticastWriter, error) {
	opts = opts.WithDefaults()
	if mode == nil {
		mode = journal.NewModeSwitch(nil)
	}

	groups, err := ParseTransportParameters(params)
	if err != nil {
		return nil, err
	}

	prefix := params.String(journal.ParamFilenamePrefix, journal.DefaultFilenamePrefix)
	if strings.HasPrefix(prefix, journal.TempPrefix) {
		return nil, &journal.ConfigError{Parameter: journal.ParamFilenamePrefix, Reason: fmt.Sprintf("must not start with %q", journal.TempPrefix)}
	}
	sizeLimit, err := params.Size(journal.ParamSizeLimit, journal.DefaultSizeLimit)
	if err != nil {
		return nil, err
	}
	ageLimit, err := params.Interval(journal.ParamAgeLimit, journal.DefaultAgeLimit)
	if err != nil {
		return nil, err
	}

	w := &MulticastWriter{
		sizeLimit: sizeLimit,
		ageLimit:  ageLimit,
		names:     journal.NewFilenameGenerator(prefix),
		mode:      mode,
		opts:      opts,
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tp := groups[name]
		crucial, _ := journal.ParseBool(tp[ParamCrucial])
		t, err := reg.New(tp[ParamClassname], name, tp, crucial, w)
		if err != nil {
			w.shutdownBuilt()
			return nil, fmt.Errorf("transport %s: %w", name, err)
		}
		w.transports = append(w.transports, namedTransport{name: name, Transport: t})
	}

	now := opts.Now()
	for _, t := range w.transports {
		d, ok := t.Transport.(DirectoryTransport)
		if !ok {
			continue
		}
		if err := journal.CheckClockRegression(d.Directory(), w.names, now); err != nil {
			w.shutdownBuilt()
			return nil, fmt.Errorf("transport %s: %w", t.name, err)
		}
	}

	return w, nil
}

// ParseTransportParameters splits the transport.<name>.<key> keys of params
// into one parameter map per transport name and validates them: at least one
// transport, each with a classname and a boolean crucial flag, and at least
// one crucial.
func ParseTransportParameters(params journal.Parameters) (map[string]journal.Parameters, error) {
	groups := make(map[string]journal.Parameters)
	for key, value := range params {
		if !strings.HasPrefix(key, TransportParamPrefix) {
			continue
		}
		name, sub, ok := strings.Cut(strings.TrimPrefix(key, TransportParamPrefix), ".")
		if !ok || name == "" || sub == "" {
			return nil, &journal.ConfigError{Parameter: key, Reason: "expected transport.<name>.<parameter>"}
		}
		if groups[name] == nil {
			groups[name] = journal.Parameters{}
		}
		groups[name][sub] = value
	}

	if len(groups) == 0 {
		return nil, &journal.ConfigError{Reason: "no transports are configured"}
	}

	anyCrucial := false
	for name, tp := range groups {
		if tp.String(ParamClassname, "") == "" {
			return nil, &journal.ConfigError{Parameter: TransportParamPrefix + name + "." + ParamClassname, Reason: "parameter is required"}
		}
		raw := tp.String(ParamCrucial, "")
		if raw == "" {
			return nil, &journal.ConfigError{Parameter: TransportParamPrefix + name + "." + ParamCrucial, Reason: "parameter is required"}
		}
		crucial, err := journal.ParseBool(raw)
		if err != nil {
			return nil, &journal.ConfigError{Parameter: TransportParamPrefix + name + "." + ParamCrucial, Reason: err.Error()}
		}
		anyCrucial = anyCrucial || crucial
	}
	if !anyCrucial {
		return nil, &journal.ConfigError{Reason: "at least one transport must be crucial"}
	}
	return groups, nil
}

// WriteDocumentHeader implements Formatter.
func (w *MulticastWriter) WriteDocumentHeader(xw *journal.XMLWriter, repositoryHash string, ts time.Time) error {
	return xw.WriteHeader(repositoryHash, ts)
}

// WriteDocumentTrailer implements Formatter.
func (w *MulticastWriter) WriteDocumentTrailer(xw *journal.XMLWriter) error {
	return xw.WriteTrailer()
}

// PrepareToWrite closes the current file on every transport once the size
// estimate has reached the limit, then opens a new one if none is open.
func (w *MulticastWriter) PrepareToWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prepareLocked()
}

// WriteEntry broadcasts e to every transport.
func (w *MulticastWriter) WriteEntry(e *types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(e)
}

// Write prepares and writes e under one lock.
func (w *MulticastWriter) Write(e *types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.prepareLocked(); err != nil {
		return err
	}
	return w.writeLocked(e)
}

// Shutdown closes any open file, then shuts every transport down. Later
// calls do nothing.
func (w *MulticastWriter) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdown {
		return nil
	}
	w.shutdown = true

	closeErr := w.closeLocked(journal.CloseShutdown)
	shutdownErr := w.broadcast("shutdown", Transport.Shutdown)
	return errors.Join(closeErr, shutdownErr)
}

// Transports returns the configured transport names in broadcast order.
func (w *MulticastWriter) Transports() []string {
	names := make([]string, len(w.transports))
	for i, t := range w.transports {
		names[i] = t.name
	}
	return names
}

func (w *MulticastWriter) prepareLocked() error {
	if w.shutdown {
		return journal.ErrShutdown
	}
	if w.open && w.sizeLimit > 0 && w.size >= w.sizeLimit {
		if err := w.closeLocked(journal.CloseSize); err != nil {
			return err
		}
	}
	if !w.open {
		return w.openLocked()
	}
	return nil
}

func (w *MulticastWriter) writeLocked(e *types.Entry) error {
	if w.shutdown {
		return journal.ErrShutdown
	}
	if !w.open {
		return fmt.Errorf("transport: no journal file is open")
	}

	err := w.broadcast("write", func(t Transport) error {
		xw, err := t.Writer()
		if err != nil {
			return err
		}
		if err := xw.WriteEntry(e); err != nil {
			return err
		}
		return xw.Flush()
	})
	if err != nil {
		return err
	}

	n, err := journal.EstimateSize(e)
	if err != nil {
		return err
	}
	w.size += n
	w.opts.Metrics.RecordEntryWritten(n)
	return nil
}

func (w *MulticastWriter) openLocked() error {
	hash, err := w.opts.RepositoryHash()
	if err != nil {
		return fmt.Errorf("transport: failed to get repository hash: %w", err)
	}
	name, ts := w.names.Next(w.opts.Now())

	// Transports that failed to open stay in the set; their later calls fail
	// and are reported like any other failure.
	w.open = true
	w.size = 0
	w.gen++
	if w.ageLimit > 0 {
		gen := w.gen
		w.timer = time.AfterFunc(w.ageLimit, func() { w.expire(gen) })
	}
	w.opts.Metrics.RecordFileOpened()
	w.opts.Logger.Info("Opened journal file on all transports", "file", name)

	return w.broadcast("open", func(t Transport) error {
		return t.Open(hash, name, ts)
	})
}

// closeLocked closes the current file on every transport. It does nothing if
// no file is open.
func (w *MulticastWriter) closeLocked(reason string) error {
	if !w.open {
		return nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.open = false

	w.opts.Metrics.RecordFileClosed(reason)
	w.opts.Logger.Info("Closing journal file on all transports", "reason", reason)
	return w.broadcast("close", Transport.Close)
}

func (w *MulticastWriter) expire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open || w.gen != gen {
		return
	}
	if err := w.closeLocked(journal.CloseAge); err != nil {
		w.opts.Logger.Error("Failed to close journal file on age limit", "error", err)
	}
}

// broadcast calls fn on every transport, whatever the earlier results.
// Non-crucial failures are logged first, then crucial ones; any crucial
// failure switches the journal to read-only and is returned.
func (w *MulticastWriter) broadcast(op string, fn func(Transport) error) error {
	var nonCrucial, crucial []Failure
	for _, t := range w.transports {
		err := fn(t.Transport)
		if err == nil {
			continue
		}
		f := Failure{Transport: t.name, Crucial: t.Crucial(), Err: err}
		w.opts.Metrics.RecordTransportFailure(t.name, f.Crucial)
		if f.Crucial {
			crucial = append(crucial, f)
		} else {
			nonCrucial = append(nonCrucial, f)
		}
	}

	for _, f := range nonCrucial {
		w.opts.Logger.Warn("Non-crucial transport failed", "transport", f.Transport, "op", op, "crucial", false, "error", f.Err)
	}
	for _, f := range crucial {
		w.opts.Logger.Error("Crucial transport failed", "transport", f.Transport, "op", op, "crucial", true, "error", f.Err)
	}

	if len(crucial) == 0 {
		return nil
	}
	if w.mode.Set(journal.ModeReadOnly) {
		w.opts.Logger.Error("Journal switched to read-only mode", "op", op, "failures", len(crucial))
	}
	return &BroadcastError{Op: op, Failures: crucial}
}

// shutdownBuilt releases transports built before a construction failure.
func (w *MulticastWriter) shutdownBuilt() {
	for _, t := range w.transports {
		_ = t.Shutdown()
	}
}
