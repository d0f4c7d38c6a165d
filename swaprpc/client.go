package swaprpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Dial opens an insecure connection to a swapd grpc listener.
func Dial(ctx context.Context, address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, fmt.Errorf("DialContext(%s) %w", address, err)
	}
	return conn, nil
}

// invoke performs a unary call, converting in and out through dynamic
// messages.
func invoke(ctx context.Context, conn grpc.ClientConnInterface, service, method string, in, out any, opts ...grpc.CallOption) error {
	md, err := methodDescriptor(service, method)
	if err != nil {
		return err
	}
	req, err := toMessage(md.Input(), in)
	if err != nil {
		return err
	}
	resp := dynamicpb.NewMessage(md.Output())
	if err := conn.Invoke(ctx, FullMethod(service, method), req, resp, opts...); err != nil {
		return err
	}
	return fromMessage(resp, out)
}

// SwapperClient talks to the public swap.Swapper service.
type SwapperClient struct {
	conn grpc.ClientConnInterface
}

func NewSwapperClient(conn grpc.ClientConnInterface) *SwapperClient {
	return &SwapperClient{conn: conn}
}

func (c *SwapperClient) CreateSwap(ctx context.Context, in *CreateSwapRequest, opts ...grpc.CallOption) (*CreateSwapResponse, error) {
	out := &CreateSwapResponse{}
	if err := invoke(ctx, c.conn, SwapperService, "CreateSwap", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapperClient) PaySwap(ctx context.Context, in *PaySwapRequest, opts ...grpc.CallOption) (*PaySwapResponse, error) {
	out := &PaySwapResponse{}
	if err := invoke(ctx, c.conn, SwapperService, "PaySwap", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapperClient) RefundSwap(ctx context.Context, in *RefundSwapRequest, opts ...grpc.CallOption) (*RefundSwapResponse, error) {
	out := &RefundSwapResponse{}
	if err := invoke(ctx, c.conn, SwapperService, "RefundSwap", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapperClient) SwapParameters(ctx context.Context, in *SwapParametersRequest, opts ...grpc.CallOption) (*SwapParametersResponse, error) {
	out := &SwapParametersResponse{}
	if err := invoke(ctx, c.conn, SwapperService, "SwapParameters", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SwapManagerClient talks to the internal swap_internal.SwapManager service.
type SwapManagerClient struct {
	conn grpc.ClientConnInterface
}

func NewSwapManagerClient(conn grpc.ClientConnInterface) *SwapManagerClient {
	return &SwapManagerClient{conn: conn}
}

func (c *SwapManagerClient) AddAddressFilters(ctx context.Context, in *AddAddressFiltersRequest, opts ...grpc.CallOption) (*AddAddressFiltersReply, error) {
	out := &AddAddressFiltersReply{}
	if err := invoke(ctx, c.conn, SwapManagerService, "AddAddressFilters", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapManagerClient) GetInfo(ctx context.Context, in *GetInfoRequest, opts ...grpc.CallOption) (*GetInfoReply, error) {
	out := &GetInfoReply{}
	if err := invoke(ctx, c.conn, SwapManagerService, "GetInfo", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapManagerClient) GetSwap(ctx context.Context, in *GetSwapRequest, opts ...grpc.CallOption) (*GetSwapReply, error) {
	out := &GetSwapReply{}
	if err := invoke(ctx, c.conn, SwapManagerService, "GetSwap", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SwapManagerClient) Stop(ctx context.Context, in *StopRequest, opts ...grpc.CallOption) (*StopReply, error) {
	out := &StopReply{}
	if err := invoke(ctx, c.conn, SwapManagerService, "Stop", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// DefaultCallTimeout bounds calls made by the command line tools.
const DefaultCallTimeout = 30 * time.Second
