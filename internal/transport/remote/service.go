// Package remote carries journal files to a receiver process over gRPC.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name of the receiver.
const ServiceName = "fcrepo.journal.v1.JournalReceiver"

const (
	methodOpenFile  = "/" + ServiceName + "/OpenFile"
	methodWriteText = "/" + ServiceName + "/WriteText"
	methodCloseFile = "/" + ServiceName + "/CloseFile"
	methodAbortFile = "/" + ServiceName + "/AbortFile"
)

// Message fields. Requests use well-known types so no generated code is
// needed on either side.
const (
	fieldSession        = "session"
	fieldRepositoryHash = "repositoryHash"
	fieldFilename       = "filename"
	fieldTimestamp      = "timestamp"
	fieldIndex          = "index"
	fieldText           = "text"
)

// ReceiverServer is the server side of the journal receiver service.
//
// OpenFile takes {repositoryHash, filename, timestamp} and returns a session
// id. WriteText takes {session, index, text}; index counts from zero within
// the session. CloseFile takes the session id and publishes the file.
// AbortFile takes the session id and drops the file without publishing it.
type ReceiverServer interface {
	OpenFile(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	WriteText(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CloseFile(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	AbortFile(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterReceiverServer registers srv with s.
func RegisterReceiverServer(s grpc.ServiceRegistrar, srv ReceiverServer) {
	s.RegisterService(&receiverServiceDesc, srv)
}

var receiverServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReceiverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenFile", Handler: openFileHandler},
		{MethodName: "WriteText", Handler: writeTextHandler},
		{MethodName: "CloseFile", Handler: closeFileHandler},
		{MethodName: "AbortFile", Handler: abortFileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fcrepo/journal/v1/receiver.proto",
}

func openFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReceiverServer).OpenFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodOpenFile}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReceiverServer).OpenFile(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func writeTextHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReceiverServer).WriteText(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWriteText}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReceiverServer).WriteText(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func closeFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReceiverServer).CloseFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCloseFile}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReceiverServer).CloseFile(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func abortFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReceiverServer).AbortFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAbortFile}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReceiverServer).AbortFile(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// receiverClient is the client side of the receiver service.
type receiverClient struct {
	cc grpc.ClientConnInterface
}

func (c *receiverClient) OpenFile(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodOpenFile, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *receiverClient) WriteText(ctx context.Context, in *structpb.Struct) error {
	return c.cc.Invoke(ctx, methodWriteText, in, new(emptypb.Empty))
}

func (c *receiverClient) CloseFile(ctx context.Context, session string) error {
	return c.cc.Invoke(ctx, methodCloseFile, wrapperspb.String(session), new(emptypb.Empty))
}

func (c *receiverClient) AbortFile(ctx context.Context, session string) error {
	return c.cc.Invoke(ctx, methodAbortFile, wrapperspb.String(session), new(emptypb.Empty))
}
