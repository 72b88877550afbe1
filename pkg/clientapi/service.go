package clientapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// TransactionServer is the interface pkg/clientapi's hand-written
// grpc.ServiceDesc dispatches to. There is no .proto file: the single
// Execute RPC carries a codec-encoded Request/Response (see
// command.go) boxed in a wrapperspb.BytesValue, the well-known type
// every protobuf runtime already understands without codegen.
type TransactionServer interface {
	Execute(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// TransactionClient is the client side of TransactionServer.
type TransactionClient interface {
	Execute(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type transactionClient struct {
	cc grpc.ClientConnInterface
}

// NewTransactionClient wraps an existing connection for Execute calls.
func NewTransactionClient(cc grpc.ClientConnInterface) TransactionClient {
	return &transactionClient{cc: cc}
}

func (c *transactionClient) Execute(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, transactionExecuteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

const transactionExecuteMethod = "/raftkv.clientapi.Transactions/Execute"

// RegisterTransactionServer attaches srv to gs under the service
// descriptor below.
func RegisterTransactionServer(gs *grpc.Server, srv TransactionServer) {
	gs.RegisterService(&transactionServiceDesc, srv)
}

func transactionExecuteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransactionServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transactionExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TransactionServer).Execute(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var transactionServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftkv.clientapi.Transactions",
	HandlerType: (*TransactionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    transactionExecuteHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/clientapi/service.go",
}
