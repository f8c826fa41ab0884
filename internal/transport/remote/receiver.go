package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fcrepo3/fcrepo-sub017/internal/metrics"
	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
)

// Receiver stores journal files sent by remote transports in a directory.
// Each file is published under its permanent name only when the sender
// closes it, so a reader on the receiving side sees whole files only.
type Receiver struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*session
	shutdown bool
}

type session struct {
	file *journal.OutputFile
	next int64
}

var _ ReceiverServer = (*Receiver)(nil)

func NewReceiver(dir string, logger *slog.Logger, m *metrics.Collector) (*Receiver, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &journal.ConfigError{Parameter: journal.ParamJournalDirectory, Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &journal.ConfigError{Parameter: journal.ParamJournalDirectory, Reason: dir + " is not a directory"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		dir:      dir,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*session),
	}, nil
}

func (r *Receiver) OpenFile(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	fields := req.GetFields()
	filename := fields[fieldFilename].GetStringValue()
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.HasPrefix(filename, journal.TempPrefix) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid journal file name %q", filename)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, status.Error(codes.Unavailable, "receiver is shut down")
	}

	f, err := journal.CreateOutputFile(r.dir, filename)
	if errors.Is(err, journal.ErrFileExists) {
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	id := uuid.NewString()
	r.sessions[id] = &session{file: f}
	r.metrics.RecordFileOpened()
	r.logger.Info("Receiving journal file",
		"file", filename,
		"session", id,
		"repositoryHash", fields[fieldRepositoryHash].GetStringValue(),
		"timestamp", fields[fieldTimestamp].GetStringValue())
	return wrapperspb.String(id), nil
}

func (r *Receiver) WriteText(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	id := fields[fieldSession].GetStringValue()
	index := int64(fields[fieldIndex].GetNumberValue())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if index != s.next {
		return nil, status.Errorf(codes.FailedPrecondition, "session %s: expected chunk %d, got %d", id, s.next, index)
	}
	if _, err := s.file.Write([]byte(fields[fieldText].GetStringValue())); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.next++
	return &emptypb.Empty{}, nil
}

func (r *Receiver) CloseFile(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := req.GetValue()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	delete(r.sessions, id)

	if err := s.file.Close(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	r.metrics.RecordFileClosed("received")
	r.logger.Info("Received journal file", "file", s.file.Name(), "session", id, "chunks", s.next)
	return &emptypb.Empty{}, nil
}

// AbortFile drops a session without publishing its file. The partial file is
// left under its temporary name.
func (r *Receiver) AbortFile(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := req.GetValue()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	delete(r.sessions, id)

	r.logger.Warn("Sender abandoned journal file", "file", s.file.TempPath(), "session", id, "chunks", s.next)
	if err := s.file.Abort(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	r.metrics.RecordFileClosed("aborted")
	return &emptypb.Empty{}, nil
}

// Shutdown abandons every open session, leaving its partial file under the
// temporary name. Later calls do nothing.
func (r *Receiver) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil
	}
	r.shutdown = true

	var errs []error
	for id, s := range r.sessions {
		r.logger.Warn("Abandoning partial journal file", "file", s.file.TempPath(), "session", id)
		errs = append(errs, s.file.Abort())
		delete(r.sessions, id)
	}
	return errors.Join(errs...)
}

// OpenSessions returns the number of files being received.
func (r *Receiver) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Receiver) lookup(id string) (*session, error) {
	if r.shutdown {
		return nil, status.Error(codes.Unavailable, "receiver is shut down")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid session %q", id)
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("unknown session %s", id))
	}
	return s, nil
}
