package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/internal/transport"
)

// Class is the classname of the gRPC transport.
const Class = "grpc"

// Transport parameters.
const (
	ParamReceiverAddress = "receiverAddress"
	ParamTimeout         = "timeout"
)

// DefaultTimeout bounds each call to the receiver.
const DefaultTimeout = "30"

// Register adds the gRPC transport to reg. opts are passed to every client
// connection; when empty, connections are insecure.
func Register(reg *transport.Registry, opts ...grpc.DialOption) {
	reg.Register(Class, Factory(opts...))
}

// Factory returns a transport.Factory dialling with opts.
func Factory(opts ...grpc.DialOption) transport.Factory {
	return func(name string, params journal.Parameters, crucial bool, parent transport.Formatter) (transport.Transport, error) {
		return NewTransport(name, params, crucial, parent, opts...)
	}
}

// Transport sends journal files to a Receiver. Text is buffered until the
// structured writer flushes, then sent as indexed chunks.
type Transport struct {
	transport.Base
	conn    *grpc.ClientConn
	client  *receiverClient
	parent  transport.Formatter
	timeout time.Duration

	filename string
	session  string
	sink     *textSink
	xml      *journal.XMLWriter
}

func NewTransport(name string, params journal.Parameters, crucial bool, parent transport.Formatter, opts ...grpc.DialOption) (*Transport, error) {
	addr, err := params.Required(ParamReceiverAddress)
	if err != nil {
		return nil, err
	}
	timeout, err := params.Interval(ParamTimeout, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, &journal.ConfigError{Parameter: ParamTimeout, Reason: "must be positive"}
	}

	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, &journal.ConfigError{Parameter: ParamReceiverAddress, Reason: err.Error()}
	}

	return &Transport{
		Base:    transport.NewBase(name, crucial),
		conn:    conn,
		client:  &receiverClient{cc: conn},
		parent:  parent,
		timeout: timeout,
	}, nil
}

func (t *Transport) Open(repositoryHash, filename string, ts time.Time) error {
	if err := t.BeginOpen(); err != nil {
		return err
	}

	req, err := structpb.NewStruct(map[string]any{
		fieldRepositoryHash: repositoryHash,
		fieldFilename:       filename,
		fieldTimestamp:      ts.UTC().Format(journal.TimestampLayout),
	})
	if err != nil {
		return err
	}

	ctx, cancel := t.context()
	defer cancel()
	session, err := t.client.OpenFile(ctx, req)
	if err != nil {
		return fmt.Errorf("transport %s: open %s: %w", t.Name(), filename, err)
	}

	t.filename = filename
	t.session = session.GetValue()
	t.sink = &textSink{t: t, session: t.session}
	t.xml = journal.NewXMLWriter(t.sink)
	if err := t.parent.WriteDocumentHeader(t.xml, repositoryHash, ts); err != nil {
		return fmt.Errorf("transport %s: failed to write header: %w", t.Name(), err)
	}
	return nil
}

func (t *Transport) Writer() (*journal.XMLWriter, error) {
	if err := t.CheckWritable(); err != nil {
		return nil, err
	}
	if t.xml == nil {
		return nil, fmt.Errorf("transport %s: open failed, no file to write", t.Name())
	}
	if t.sink.err != nil {
		return nil, fmt.Errorf("transport %s: %w", t.Name(), t.sink.err)
	}
	return t.xml, nil
}

func (t *Transport) Close() error {
	if err := t.BeginClose(); err != nil {
		return err
	}
	if t.xml == nil {
		return nil
	}

	xw, sink, session, filename := t.xml, t.sink, t.session, t.filename
	t.xml, t.sink, t.session, t.filename = nil, nil, "", ""

	// Once a chunk is lost the receiver must never publish the file.
	if sink.err != nil {
		return fmt.Errorf("transport %s: abandoned %s: %w", t.Name(), filename, errors.Join(sink.err, t.abort(session)))
	}
	if err := t.parent.WriteDocumentTrailer(xw); err != nil {
		return fmt.Errorf("transport %s: failed to write trailer: %w", t.Name(), errors.Join(err, t.abort(session)))
	}
	ctx, cancel := t.context()
	defer cancel()
	if err := t.client.CloseFile(ctx, session); err != nil {
		return fmt.Errorf("transport %s: close: %w", t.Name(), err)
	}
	return nil
}

func (t *Transport) Shutdown() error {
	done, err := t.BeginShutdown()
	if done || err != nil {
		return err
	}
	return t.conn.Close()
}

func (t *Transport) abort(session string) error {
	ctx, cancel := t.context()
	defer cancel()
	if err := t.client.AbortFile(ctx, session); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

func (t *Transport) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.timeout)
}

// maxChunk keeps each WriteText well under the default gRPC message limit.
const maxChunk = 1 << 20

// textSink buffers formatted text and ships it on Flush. A failed send breaks
// the sink for good: the receiver has a gap it cannot fill.
type textSink struct {
	t       *Transport
	session string
	buf     bytes.Buffer
	index   int64
	err     error
}

func (s *textSink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.buf.Write(p)
}

func (s *textSink) Flush() error {
	if s.err != nil {
		return s.err
	}
	if s.session == "" {
		return errors.New("no receiver session")
	}
	for s.buf.Len() > 0 {
		chunk := s.buf.Next(maxChunk)
		req, err := structpb.NewStruct(map[string]any{
			fieldSession: s.session,
			fieldIndex:   float64(s.index),
			fieldText:    string(chunk),
		})
		if err != nil {
			return err
		}
		if err := s.send(req); err != nil {
			s.err = fmt.Errorf("chunk %d of %s was not delivered: %w", s.index, s.t.filename, err)
			return s.err
		}
		s.index++
	}
	return nil
}

func (s *textSink) send(req *structpb.Struct) error {
	ctx, cancel := s.t.context()
	defer cancel()
	return s.t.client.WriteText(ctx, req)
}
