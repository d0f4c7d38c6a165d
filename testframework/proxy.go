package testframework

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elementsproject/glightning/glightning"
	"github.com/elementsproject/glightning/jrpc2"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/ybbus/jsonrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
)

const (
	// defaultGrpcBackoffTime is the linear backoff time between failing grpc
	// calls (also server side stream) to the lnd node.
	defaultGrpcBackoffTime   = 1 * time.Second
	defaultGrpcBackoffJitter = 0.1

	// defaultMaxGrpcRetries is the amount of retries we take if the grpc
	// connection to the lnd node drops or if the resource is exhausted.
	defaultMaxGrpcRetries = 5

	maxGrpcMsgSize = 1 * 1024 * 1024 * 500
)

var (
	// defaultGrpcRetryCodes are the grpc status codes on which we retry our
	// call to the lnd node.
	defaultGrpcRetryCodes []codes.Code = []codes.Code{
		codes.Unavailable,
		codes.ResourceExhausted,
	}

	// defaultGrpcRetryCodesWithMsg are grpc status codes that must have a
	// matching message for us to retry. LND answers with codes.Unknown while
	// it is starting up.
	// See: https://github.com/lightningnetwork/lnd/issues/6765
	defaultGrpcRetryCodesWithMsg []grpc_retry.CodeWithMsg = []grpc_retry.CodeWithMsg{
		{
			Code: codes.Unknown,
			Msg:  "the RPC server is in the process of starting up, but not yet ready to accept calls",
		},
		{
			Code: codes.Unknown,
			Msg:  "server is in the process of starting up, but not yet ready to accept calls",
		},
		{
			Code: codes.Unknown,
			Msg:  "chain notifier RPC is still in the process of starting",
		},
	}
)

// ChainRpc is the JSON-RPC surface the chain controller needs.
type ChainRpc interface {
	//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_chain_rpc.go -package=mocks github.com/breez/swapd-itest/testframework ChainRpc
	Call(method string, params ...any) (*jsonrpc.RPCResponse, error)
}

// RpcProxy is a bitcoind JSON-RPC client with basic auth. Application level
// errors are returned as *RpcError.
type RpcProxy struct {
	rpcHost    string
	rpcPort    int
	authHeader string

	Rpc jsonrpc.RPCClient
}

func NewRpcProxy(host string, port int, user, password string) *RpcProxy {
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", user, password)))
	p := &RpcProxy{
		rpcHost:    host,
		rpcPort:    port,
		authHeader: "Basic " + auth,
	}
	p.UpdateServiceUrl(p.ServiceUrl(""))
	return p
}

// NewRpcProxyFromConfig builds a proxy from a bitcoin.conf style file.
func NewRpcProxyFromConfig(configFile string) (*RpcProxy, error) {
	conf, err := ReadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("ReadConfig() %w", err)
	}

	port, ok := conf["rpcport"]
	if !ok {
		return nil, fmt.Errorf("rpcport not found in config %s", configFile)
	}
	rpcPort, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("could not convert string to int %w", err)
	}

	rpcHost := "127.0.0.1"
	if host, ok := conf["rpcbind"]; ok {
		rpcHost = host
	}

	user, okUser := conf["rpcuser"]
	pass, okPass := conf["rpcpassword"]
	if !okUser || !okPass {
		return nil, fmt.Errorf("rpcuser/rpcpassword not found in config %s", configFile)
	}

	return NewRpcProxy(rpcHost, rpcPort, user, pass), nil
}

// ServiceUrl returns the JSON-RPC url, scoped to a wallet if one is given.
func (p *RpcProxy) ServiceUrl(wallet string) string {
	u := fmt.Sprintf("http://%s:%d", p.rpcHost, p.rpcPort)
	if wallet != "" {
		u += "/wallet/" + wallet
	}
	return u
}

func (p *RpcProxy) UpdateServiceUrl(url string) {
	p.Rpc = jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
		CustomHeaders: map[string]string{
			"Authorization": p.authHeader,
		},
	})
}

func (p *RpcProxy) Call(method string, parameters ...any) (*jsonrpc.RPCResponse, error) {
	r, err := p.Rpc.Call(method, parameters...)
	if err != nil {
		return nil, fmt.Errorf("Call(%s) %w", method, err)
	}
	if r.Error != nil {
		return nil, newRpcError(method, r.Error)
	}
	return r, nil
}

// CallFor calls method and decodes its result into out.
func (p *RpcProxy) CallFor(out any, method string, parameters ...any) error {
	return callFor(p, out, method, parameters...)
}

func callFor(rpc ChainRpc, out any, method string, parameters ...any) error {
	r, err := rpc.Call(method, parameters...)
	if err != nil {
		return err
	}
	if r.Error != nil {
		return newRpcError(method, r.Error)
	}
	if out == nil {
		return nil
	}
	if err := r.GetObject(out); err != nil {
		return fmt.Errorf("GetObject(%s) %w", method, err)
	}
	return nil
}

type CLightningProxy struct {
	Rpc            *glightning.Lightning
	socketFileName string
	dataDir        string
}

func NewCLightningProxy(socketFileName, dataDir string, timeout time.Duration) *CLightningProxy {
	lcli := glightning.NewLightning()
	lcli.SetTimeout(uint(timeout.Seconds()))

	return &CLightningProxy{
		Rpc:            lcli,
		socketFileName: socketFileName,
		dataDir:        dataDir,
	}
}

// StartProxy connects to the lightning-rpc socket. The socket shows up
// shortly after the readiness log line, so connecting is retried.
func (p *CLightningProxy) StartProxy() error {
	return backoff.Retry(func() error {
		return p.Rpc.StartUp(p.socketFileName, p.dataDir)
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 20))
}

// Request issues a raw request and converts RPC errors into *RpcError.
func (p *CLightningProxy) Request(m jrpc2.Method, resp interface{}) error {
	return clnError(m.Name(), p.Rpc.Request(m, resp))
}

func clnError(method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jrpc2.RpcError
	if errors.As(err, &rpcErr) {
		return &RpcError{Method: method, Code: rpcErr.Code, Message: rpcErr.Message, Err: err}
	}
	return err
}

type LndRpcClient struct {
	Rpc      lnrpc.LightningClient
	RpcV2    routerrpc.RouterClient
	Wallet   walletrpc.WalletKitClient
	Invoices invoicesrpc.InvoicesClient
	conn     *grpc.ClientConn
}

// NewLndRpcClient dials lnd with TLS and the given admin macaroon.
func NewLndRpcClient(host, certPath string, macBytes []byte, timeout time.Duration, options ...grpc.DialOption) (*LndRpcClient, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return nil, fmt.Errorf("NewClientTLSFromFile() %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("UnmarshalBinary() %w", err)
	}

	cred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("NewMacaroonCredential() %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithPerRPCCredentials(cred),
	}
	opts = append(opts, options...)

	conn, err := dialLnd(host, creds, timeout, opts...)
	if err != nil {
		return nil, err
	}

	return &LndRpcClient{
		Rpc:      lnrpc.NewLightningClient(conn),
		RpcV2:    routerrpc.NewRouterClient(conn),
		Wallet:   walletrpc.NewWalletKitClient(conn),
		Invoices: invoicesrpc.NewInvoicesClient(conn),
		conn:     conn,
	}, nil
}

// NewLndUnlockerClient dials lnd without a macaroon, which only allows the
// wallet unlocker service.
func NewLndUnlockerClient(host, certPath string, timeout time.Duration) (lnrpc.WalletUnlockerClient, *grpc.ClientConn, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return nil, nil, fmt.Errorf("NewClientTLSFromFile() %w", err)
	}

	conn, err := dialLnd(host, creds, timeout)
	if err != nil {
		return nil, nil, err
	}
	return lnrpc.NewWalletUnlockerClient(conn), conn, nil
}

func dialLnd(host string, creds credentials.TransportCredentials, timeout time.Duration, options ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGrpcMsgSize)),
		grpc.WithBlock(),
	}
	opts = append(opts, options...)

	retryOptions := []grpc_retry.CallOption{
		grpc_retry.WithBackoff(
			grpc_retry.BackoffExponentialWithJitter(
				defaultGrpcBackoffTime,
				defaultGrpcBackoffJitter,
			),
		),
		grpc_retry.WithCodes(defaultGrpcRetryCodes...),
		grpc_retry.WithCodesAndMatchingMessage(defaultGrpcRetryCodesWithMsg...),
		grpc_retry.WithMax(defaultMaxGrpcRetries),
	}

	opts = append(opts,
		grpc.WithStreamInterceptor(grpc_retry.StreamClientInterceptor(
			retryOptions...,
		)),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(
			retryOptions...,
		)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, host, opts...)
	if err != nil {
		return nil, fmt.Errorf("DialContext(%s) %w", host, err)
	}
	return conn, nil
}

func (c *LndRpcClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
