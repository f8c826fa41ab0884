package remote

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/internal/transport"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

const bufAddress = "passthrough:///bufnet"

// startReceiver serves a Receiver over an in-memory listener and returns the
// dial options reaching it.
func startReceiver(t *testing.T, serverOpts ...grpc.ServerOption) (*Receiver, string, []grpc.DialOption) {
	dir := t.TempDir()
	recv, err := NewReceiver(dir, nil, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(serverOpts...)
	RegisterReceiverServer(srv, recv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	opts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return recv, dir, opts
}

func dial(t *testing.T, opts []grpc.DialOption) *receiverClient {
	conn, err := grpc.NewClient(bufAddress, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &receiverClient{cc: conn}
}

func openRequest(t *testing.T, filename string) *structpb.Struct {
	req, err := structpb.NewStruct(map[string]any{
		fieldFilename:       filename,
		fieldRepositoryHash: "hash",
		fieldTimestamp:      "2026-10-16T10:00:00.000Z",
	})
	require.NoError(t, err)
	return req
}

func textRequest(t *testing.T, session string, index int, text string) *structpb.Struct {
	req, err := structpb.NewStruct(map[string]any{
		fieldSession: session,
		fieldIndex:   float64(index),
		fieldText:    text,
	})
	require.NoError(t, err)
	return req
}

func TestMulticastToReceiver(t *testing.T) {
	recv, remoteDir, opts := startReceiver(t)
	localDir := t.TempDir()

	reg := transport.NewDefaultRegistry()
	Register(reg, opts...)
	assert.Equal(t, []string{Class, transport.LocalDirectoryClass}, reg.Classnames())

	w, err := transport.NewMulticastWriter(journal.Parameters{
		journal.ParamAgeLimit:              "0",
		"transport.remote.classname":       Class,
		"transport.remote.crucial":         "true",
		"transport.remote.receiverAddress": bufAddress,
		"transport.remote.timeout":         "5",
		"transport.local.classname":        transport.LocalDirectoryClass,
		"transport.local.crucial":          "false",
		"transport.local.directory":        localDir,
	}, reg, nil, journal.WriterOptions{RepositoryHash: func() (string, error) { return "hash", nil }})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := types.NewEntry("modifyObject", map[string]string{"clientIdentity": "fedoraAdmin"})
		e.Add(types.String("pid", "demo:"+strconv.Itoa(i)))
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Shutdown())
	assert.Zero(t, recv.OpenSessions())

	remoteFiles, err := journal.ListJournalFiles(remoteDir, journal.DefaultFilenamePrefix)
	require.NoError(t, err)
	localFiles, err := journal.ListJournalFiles(localDir, journal.DefaultFilenamePrefix)
	require.NoError(t, err)
	require.Len(t, remoteFiles, 1)
	assert.Equal(t, localFiles, remoteFiles)

	remote, err := os.ReadFile(filepath.Join(remoteDir, remoteFiles[0]))
	require.NoError(t, err)
	local, err := os.ReadFile(filepath.Join(localDir, localFiles[0]))
	require.NoError(t, err)
	assert.Equal(t, string(local), string(remote))
	assert.Equal(t, 3, strings.Count(string(remote), "<JournalEntry "))
}

func TestReceiverSession(t *testing.T) {
	recv, dir, opts := startReceiver(t)
	client := dial(t, opts)
	ctx := context.Background()

	session, err := client.OpenFile(ctx, openRequest(t, "j001"))
	require.NoError(t, err)
	assert.Equal(t, 1, recv.OpenSessions())
	assert.FileExists(t, filepath.Join(dir, "_j001"))

	require.NoError(t, client.WriteText(ctx, textRequest(t, session.GetValue(), 0, "hello ")))
	require.NoError(t, client.WriteText(ctx, textRequest(t, session.GetValue(), 1, "world")))

	// Out of order chunks are refused.
	err = client.WriteText(ctx, textRequest(t, session.GetValue(), 5, "lost"))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, client.CloseFile(ctx, session.GetValue()))
	data, err := os.ReadFile(filepath.Join(dir, "j001"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Zero(t, recv.OpenSessions())

	// The session is gone and the name is taken.
	err = client.CloseFile(ctx, session.GetValue())
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = client.OpenFile(ctx, openRequest(t, "j001"))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestTransportLostChunkAbandonsFile(t *testing.T) {
	// The receiver never sees the second chunk, which carries the first entry.
	var writes atomic.Int32
	dropSecond := grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == methodWriteText && writes.Add(1) == 2 {
			return nil, status.Error(codes.Unavailable, "connection reset")
		}
		return handler(ctx, req)
	})
	recv, remoteDir, opts := startReceiver(t, dropSecond)
	localDir := t.TempDir()

	reg := transport.NewDefaultRegistry()
	Register(reg, opts...)
	var logs bytes.Buffer
	w, err := transport.NewMulticastWriter(journal.Parameters{
		journal.ParamAgeLimit:              "0",
		"transport.remote.classname":       Class,
		"transport.remote.crucial":         "false",
		"transport.remote.receiverAddress": bufAddress,
		"transport.remote.timeout":         "5",
		"transport.local.classname":        transport.LocalDirectoryClass,
		"transport.local.crucial":          "true",
		"transport.local.directory":        localDir,
	}, reg, nil, journal.WriterOptions{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := types.NewEntry("modifyObject", nil).Add(types.String("pid", "demo:"+strconv.Itoa(i)))
		require.NoError(t, w.Write(e), "the remote transport is not crucial")
	}
	require.NoError(t, w.Shutdown())
	assert.Zero(t, recv.OpenSessions(), "the session is aborted, not left open")

	// Nothing incomplete is published on the receiving side.
	remoteFiles, err := journal.ListJournalFiles(remoteDir, journal.DefaultFilenamePrefix)
	require.NoError(t, err)
	assert.Empty(t, remoteFiles)
	leftovers, err := os.ReadDir(remoteDir)
	require.NoError(t, err)
	require.Len(t, leftovers, 1)
	assert.True(t, strings.HasPrefix(leftovers[0].Name(), journal.TempPrefix))

	localFiles, err := journal.ListJournalFiles(localDir, journal.DefaultFilenamePrefix)
	require.NoError(t, err)
	require.Len(t, localFiles, 1)
	local, err := os.ReadFile(filepath.Join(localDir, localFiles[0]))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(local), "<JournalEntry "))

	assert.Contains(t, logs.String(), "transport=remote")
	assert.Contains(t, logs.String(), "chunk 1 of "+localFiles[0]+" was not delivered")
	assert.Contains(t, logs.String(), "abandoned "+localFiles[0])
}

func TestReceiverAbortFile(t *testing.T) {
	recv, dir, opts := startReceiver(t)
	client := dial(t, opts)
	ctx := context.Background()

	session, err := client.OpenFile(ctx, openRequest(t, "j001"))
	require.NoError(t, err)
	require.NoError(t, client.WriteText(ctx, textRequest(t, session.GetValue(), 0, "partial")))

	require.NoError(t, client.AbortFile(ctx, session.GetValue()))
	assert.Zero(t, recv.OpenSessions())
	assert.NoFileExists(t, filepath.Join(dir, "j001"))
	assert.FileExists(t, filepath.Join(dir, "_j001"))

	err = client.WriteText(ctx, textRequest(t, session.GetValue(), 1, "more"))
	assert.Equal(t, codes.NotFound, status.Code(err))
	err = client.AbortFile(ctx, session.GetValue())
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestReceiverRejects(t *testing.T) {
	_, _, opts := startReceiver(t)
	client := dial(t, opts)
	ctx := context.Background()

	for _, name := range []string{"", "_j001", "../j001", `a\b`} {
		_, err := client.OpenFile(ctx, openRequest(t, name))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), name)
	}

	err := client.WriteText(ctx, textRequest(t, "not-a-uuid", 0, "x"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	err = client.WriteText(ctx, textRequest(t, "7b0d2f64-5a4c-4c84-9d4e-0c6a3b2f1e90", 0, "x"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestReceiverShutdown(t *testing.T) {
	recv, dir, opts := startReceiver(t)
	client := dial(t, opts)
	ctx := context.Background()

	session, err := client.OpenFile(ctx, openRequest(t, "j001"))
	require.NoError(t, err)
	require.NoError(t, client.WriteText(ctx, textRequest(t, session.GetValue(), 0, "partial")))

	require.NoError(t, recv.Shutdown())
	require.NoError(t, recv.Shutdown())
	assert.Zero(t, recv.OpenSessions())
	assert.FileExists(t, filepath.Join(dir, "_j001"))
	assert.NoFileExists(t, filepath.Join(dir, "j001"))

	_, err = client.OpenFile(ctx, openRequest(t, "j002"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	err = client.CloseFile(ctx, session.GetValue())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestTransportUnreachableReceiver(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	lis.Close()
	opts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	tr, err := NewTransport("remote", journal.Parameters{
		ParamReceiverAddress: bufAddress,
		ParamTimeout:         "200ms",
	}, true, nil, opts...)
	require.NoError(t, err)

	err = tr.Open("", "j001", time.Now())
	assert.Error(t, err)
	assert.True(t, tr.Crucial())

	// Open failed, so there is nothing to write to, but the file can be closed.
	_, err = tr.Writer()
	assert.Error(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Shutdown())
	require.NoError(t, tr.Shutdown())
}

func TestNewTransportConfig(t *testing.T) {
	_, err := NewTransport("remote", journal.Parameters{}, true, nil)
	assert.ErrorIs(t, err, journal.ErrConfig)

	_, err = NewTransport("remote", journal.Parameters{ParamReceiverAddress: "localhost:1", ParamTimeout: "0"}, true, nil)
	assert.ErrorIs(t, err, journal.ErrConfig)
}
