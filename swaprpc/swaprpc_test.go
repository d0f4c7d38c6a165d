package swaprpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSwapper struct {
	UnimplementedSwapperServer
	created *CreateSwapRequest
}

func (f *fakeSwapper) CreateSwap(_ context.Context, in *CreateSwapRequest) (*CreateSwapResponse, error) {
	f.created = in
	return &CreateSwapResponse{
		Address:     "bcrt1qexample",
		ClaimPubkey: []byte{0x02, 0x03},
		LockTime:    288,
		Parameters: &SwapParameters{
			MaxSwapAmountSat: 4_000_000,
			MinSwapAmountSat: 1_000,
			MinUtxoAmountSat: 1_000,
		},
	}, nil
}

func (f *fakeSwapper) PaySwap(_ context.Context, in *PaySwapRequest) (*PaySwapResponse, error) {
	if in.PaymentRequest == "" {
		return nil, status.Error(codes.InvalidArgument, "missing payment request")
	}
	return &PaySwapResponse{}, nil
}

type fakeManager struct {
	UnimplementedSwapManagerServer
	filters []string
}

func (f *fakeManager) AddAddressFilters(_ context.Context, in *AddAddressFiltersRequest) (*AddAddressFiltersReply, error) {
	f.filters = append(f.filters, in.Addresses...)
	return &AddAddressFiltersReply{}, nil
}

func (f *fakeManager) GetInfo(context.Context, *GetInfoRequest) (*GetInfoReply, error) {
	return &GetInfoReply{BlockHeight: 1 << 40, Network: "regtest"}, nil
}

func (f *fakeManager) GetSwap(_ context.Context, in *GetSwapRequest) (*GetSwapReply, error) {
	return &GetSwapReply{
		Address:      in.Address,
		CreationTime: 1700000000,
		PaymentHash:  "aa",
		Outputs: []*SwapOutput{
			{Outpoint: "txid:0", AmountSat: 100_000, BlockHeight: 102},
		},
		PaymentAttempts: []*PaymentAttempt{
			{Label: "l1", AmountMsat: 100_000_000, Success: true},
		},
	}, nil
}

func dialBufconn(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSwapperClient_CreateSwap(t *testing.T) {
	fake := &fakeSwapper{}
	conn := dialBufconn(t, func(s *grpc.Server) { RegisterSwapperServer(s, fake) })
	client := NewSwapperClient(conn)

	hash := make([]byte, 32)
	hash[0] = 0xff
	res, err := client.CreateSwap(context.Background(), &CreateSwapRequest{
		Hash:         hash,
		RefundPubkey: []byte{0x02, 0x01},
	})
	require.NoError(t, err)

	assert.Equal(t, hash, fake.created.Hash)
	assert.Equal(t, []byte{0x02, 0x01}, fake.created.RefundPubkey)
	assert.Equal(t, "bcrt1qexample", res.Address)
	assert.Equal(t, []byte{0x02, 0x03}, res.ClaimPubkey)
	assert.EqualValues(t, 288, res.LockTime)
	require.NotNil(t, res.Parameters)
	assert.EqualValues(t, 4_000_000, res.Parameters.MaxSwapAmountSat)
}

func TestSwapperClient_StatusErrorsPassThrough(t *testing.T) {
	conn := dialBufconn(t, func(s *grpc.Server) { RegisterSwapperServer(s, &fakeSwapper{}) })
	client := NewSwapperClient(conn)

	_, err := client.PaySwap(context.Background(), &PaySwapRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, "missing payment request", status.Convert(err).Message())

	_, err = client.RefundSwap(context.Background(), &RefundSwapRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestSwapManagerClient(t *testing.T) {
	fake := &fakeManager{}
	conn := dialBufconn(t, func(s *grpc.Server) { RegisterSwapManagerServer(s, fake) })
	client := NewSwapManagerClient(conn)
	ctx := context.Background()

	_, err := client.AddAddressFilters(ctx, &AddAddressFiltersRequest{Addresses: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fake.filters)

	info, err := client.GetInfo(ctx, &GetInfoRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, uint64(1<<40), info.BlockHeight)
	assert.Equal(t, "regtest", info.Network)

	swap, err := client.GetSwap(ctx, &GetSwapRequest{Address: "addr"})
	require.NoError(t, err)
	assert.Equal(t, "addr", swap.Address)
	require.Len(t, swap.Outputs, 1)
	assert.EqualValues(t, 100_000, swap.Outputs[0].AmountSat)
	assert.Empty(t, swap.ActiveLocks)
	require.Len(t, swap.PaymentAttempts, 1)
	assert.True(t, swap.PaymentAttempts[0].Success)

	_, err = client.Stop(ctx, &StopRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestMethodDescriptor(t *testing.T) {
	md, err := methodDescriptor(SwapperService, "CreateSwap")
	require.NoError(t, err)
	assert.Equal(t, "swap.CreateSwapRequest", string(md.Input().FullName()))
	assert.Equal(t, "swap.CreateSwapResponse", string(md.Output().FullName()))

	_, err = methodDescriptor(SwapperService, "Nope")
	assert.Error(t, err)
	_, err = methodDescriptor("swap.Nope", "CreateSwap")
	assert.Error(t, err)

	assert.Equal(t, "/swap_internal.SwapManager/GetInfo", FullMethod(SwapManagerService, "GetInfo"))
}

func TestCodecRoundTripKeepsLargeIntegers(t *testing.T) {
	md, err := methodDescriptor(SwapManagerService, "GetInfo")
	require.NoError(t, err)

	msg, err := toMessage(md.Output(), &GetInfoReply{BlockHeight: 1<<63 + 5, Network: "regtest"})
	require.NoError(t, err)

	out := &GetInfoReply{}
	require.NoError(t, fromMessage(msg, out))
	assert.Equal(t, uint64(1<<63+5), out.BlockHeight)
}
