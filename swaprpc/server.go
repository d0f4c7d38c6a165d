package swaprpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"
)

type SwapperServer interface {
	CreateSwap(context.Context, *CreateSwapRequest) (*CreateSwapResponse, error)
	PaySwap(context.Context, *PaySwapRequest) (*PaySwapResponse, error)
	RefundSwap(context.Context, *RefundSwapRequest) (*RefundSwapResponse, error)
	SwapParameters(context.Context, *SwapParametersRequest) (*SwapParametersResponse, error)
}

type SwapManagerServer interface {
	AddAddressFilters(context.Context, *AddAddressFiltersRequest) (*AddAddressFiltersReply, error)
	GetInfo(context.Context, *GetInfoRequest) (*GetInfoReply, error)
	GetSwap(context.Context, *GetSwapRequest) (*GetSwapReply, error)
	Stop(context.Context, *StopRequest) (*StopReply, error)
}

// UnimplementedSwapperServer can be embedded by partial implementations.
type UnimplementedSwapperServer struct{}

func (UnimplementedSwapperServer) CreateSwap(context.Context, *CreateSwapRequest) (*CreateSwapResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CreateSwap not implemented")
}

func (UnimplementedSwapperServer) PaySwap(context.Context, *PaySwapRequest) (*PaySwapResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method PaySwap not implemented")
}

func (UnimplementedSwapperServer) RefundSwap(context.Context, *RefundSwapRequest) (*RefundSwapResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method RefundSwap not implemented")
}

func (UnimplementedSwapperServer) SwapParameters(context.Context, *SwapParametersRequest) (*SwapParametersResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SwapParameters not implemented")
}

// UnimplementedSwapManagerServer can be embedded by partial implementations.
type UnimplementedSwapManagerServer struct{}

func (UnimplementedSwapManagerServer) AddAddressFilters(context.Context, *AddAddressFiltersRequest) (*AddAddressFiltersReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method AddAddressFilters not implemented")
}

func (UnimplementedSwapManagerServer) GetInfo(context.Context, *GetInfoRequest) (*GetInfoReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetInfo not implemented")
}

func (UnimplementedSwapManagerServer) GetSwap(context.Context, *GetSwapRequest) (*GetSwapReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetSwap not implemented")
}

func (UnimplementedSwapManagerServer) Stop(context.Context, *StopRequest) (*StopReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Stop not implemented")
}

// unaryMethod adapts a typed handler to a grpc method working on dynamic
// messages.
func unaryMethod[Req, Resp any](service, method string, call func(srv any, ctx context.Context, in *Req) (*Resp, error)) grpc.MethodDesc {
	md, err := methodDescriptor(service, method)
	if err != nil {
		panic(err)
	}

	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			msg := dynamicpb.NewMessage(md.Input())
			if err := dec(msg); err != nil {
				return nil, err
			}
			in := new(Req)
			if err := fromMessage(msg, in); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}

			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv, ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return toMessage(md.Output(), out)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(service, method),
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func RegisterSwapperServer(s grpc.ServiceRegistrar, srv SwapperServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: SwapperService,
		HandlerType: (*SwapperServer)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod(SwapperService, "CreateSwap", func(srv any, ctx context.Context, in *CreateSwapRequest) (*CreateSwapResponse, error) {
				return srv.(SwapperServer).CreateSwap(ctx, in)
			}),
			unaryMethod(SwapperService, "PaySwap", func(srv any, ctx context.Context, in *PaySwapRequest) (*PaySwapResponse, error) {
				return srv.(SwapperServer).PaySwap(ctx, in)
			}),
			unaryMethod(SwapperService, "RefundSwap", func(srv any, ctx context.Context, in *RefundSwapRequest) (*RefundSwapResponse, error) {
				return srv.(SwapperServer).RefundSwap(ctx, in)
			}),
			unaryMethod(SwapperService, "SwapParameters", func(srv any, ctx context.Context, in *SwapParametersRequest) (*SwapParametersResponse, error) {
				return srv.(SwapperServer).SwapParameters(ctx, in)
			}),
		},
		Metadata: swapFile.name,
	}, srv)
}

func RegisterSwapManagerServer(s grpc.ServiceRegistrar, srv SwapManagerServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: SwapManagerService,
		HandlerType: (*SwapManagerServer)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod(SwapManagerService, "AddAddressFilters", func(srv any, ctx context.Context, in *AddAddressFiltersRequest) (*AddAddressFiltersReply, error) {
				return srv.(SwapManagerServer).AddAddressFilters(ctx, in)
			}),
			unaryMethod(SwapManagerService, "GetInfo", func(srv any, ctx context.Context, in *GetInfoRequest) (*GetInfoReply, error) {
				return srv.(SwapManagerServer).GetInfo(ctx, in)
			}),
			unaryMethod(SwapManagerService, "GetSwap", func(srv any, ctx context.Context, in *GetSwapRequest) (*GetSwapReply, error) {
				return srv.(SwapManagerServer).GetSwap(ctx, in)
			}),
			unaryMethod(SwapManagerService, "Stop", func(srv any, ctx context.Context, in *StopRequest) (*StopReply, error) {
				return srv.(SwapManagerServer).Stop(ctx, in)
			}),
		},
		Metadata: swapInternalFile.name,
	}, srv)
}
