package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName                 = "unlock.v1.UnlockService"
	submitUnlockFullMethodName  = "/" + serviceName + "/SubmitUnlock"
	getStatusFullMethodName     = "/" + serviceName + "/GetUnlockStatus"
	cancelUnlockFullMethodName  = "/" + serviceName + "/CancelUnlock"
	unlockChapterFullMethodName = "/" + serviceName + "/UnlockChapter"
	getBalanceFullMethodName    = "/" + serviceName + "/GetBalance"
	creditWalletFullMethodName  = "/" + serviceName + "/CreditWallet"
)

// UnlockServiceServer is the server API for unlock.v1.UnlockService.
type UnlockServiceServer interface {
	SubmitUnlock(context.Context, *SubmitUnlockRequest) (*SubmitUnlockResponse, error)
	GetUnlockStatus(context.Context, *GetUnlockStatusRequest) (*GetUnlockStatusResponse, error)
	CancelUnlock(context.Context, *CancelUnlockRequest) (*CancelUnlockResponse, error)
	UnlockChapter(context.Context, *UnlockChapterRequest) (*UnlockChapterResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceResponse, error)
	CreditWallet(context.Context, *CreditWalletRequest) (*BalanceResponse, error)
}

// RegisterUnlockServiceServer attaches srv to a gRPC registrar.
func RegisterUnlockServiceServer(registrar grpc.ServiceRegistrar, srv UnlockServiceServer) {
	registrar.RegisterService(&unlockServiceDesc, srv)
}

var unlockServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*UnlockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitUnlock", Handler: unaryHandler(submitUnlockFullMethodName, UnlockServiceServer.SubmitUnlock)},
		{MethodName: "GetUnlockStatus", Handler: unaryHandler(getStatusFullMethodName, UnlockServiceServer.GetUnlockStatus)},
		{MethodName: "CancelUnlock", Handler: unaryHandler(cancelUnlockFullMethodName, UnlockServiceServer.CancelUnlock)},
		{MethodName: "UnlockChapter", Handler: unaryHandler(unlockChapterFullMethodName, UnlockServiceServer.UnlockChapter)},
		{MethodName: "GetBalance", Handler: unaryHandler(getBalanceFullMethodName, UnlockServiceServer.GetBalance)},
		{MethodName: "CreditWallet", Handler: unaryHandler(creditWalletFullMethodName, UnlockServiceServer.CreditWallet)},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler adapts a typed method expression to grpc.MethodHandler,
// running server interceptors when present.
func unaryHandler[Request any, Response any](fullMethod string, method func(UnlockServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(UnlockServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return method(srv.(UnlockServiceServer), ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// UnlockServiceClient is the client API for unlock.v1.UnlockService.
type UnlockServiceClient interface {
	SubmitUnlock(ctx context.Context, in *SubmitUnlockRequest, opts ...grpc.CallOption) (*SubmitUnlockResponse, error)
	GetUnlockStatus(ctx context.Context, in *GetUnlockStatusRequest, opts ...grpc.CallOption) (*GetUnlockStatusResponse, error)
	CancelUnlock(ctx context.Context, in *CancelUnlockRequest, opts ...grpc.CallOption) (*CancelUnlockResponse, error)
	UnlockChapter(ctx context.Context, in *UnlockChapterRequest, opts ...grpc.CallOption) (*UnlockChapterResponse, error)
	GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error)
	CreditWallet(ctx context.Context, in *CreditWalletRequest, opts ...grpc.CallOption) (*BalanceResponse, error)
}

type unlockServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewUnlockServiceClient returns a client that speaks the JSON codec.
func NewUnlockServiceClient(cc grpc.ClientConnInterface) UnlockServiceClient {
	return &unlockServiceClient{cc: cc}
}

func invoke[Response any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, in any, opts []grpc.CallOption) (*Response, error) {
	out := new(Response)
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod, in, out, callOptions...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *unlockServiceClient) SubmitUnlock(ctx context.Context, in *SubmitUnlockRequest, opts ...grpc.CallOption) (*SubmitUnlockResponse, error) {
	return invoke[SubmitUnlockResponse](ctx, client.cc, submitUnlockFullMethodName, in, opts)
}

func (client *unlockServiceClient) GetUnlockStatus(ctx context.Context, in *GetUnlockStatusRequest, opts ...grpc.CallOption) (*GetUnlockStatusResponse, error) {
	return invoke[GetUnlockStatusResponse](ctx, client.cc, getStatusFullMethodName, in, opts)
}

func (client *unlockServiceClient) CancelUnlock(ctx context.Context, in *CancelUnlockRequest, opts ...grpc.CallOption) (*CancelUnlockResponse, error) {
	return invoke[CancelUnlockResponse](ctx, client.cc, cancelUnlockFullMethodName, in, opts)
}

func (client *unlockServiceClient) UnlockChapter(ctx context.Context, in *UnlockChapterRequest, opts ...grpc.CallOption) (*UnlockChapterResponse, error) {
	return invoke[UnlockChapterResponse](ctx, client.cc, unlockChapterFullMethodName, in, opts)
}

func (client *unlockServiceClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client.cc, getBalanceFullMethodName, in, opts)
}

func (client *unlockServiceClient) CreditWallet(ctx context.Context, in *CreditWalletRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client.cc, creditWalletFullMethodName, in, opts)
}
