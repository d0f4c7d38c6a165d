package testframework

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const lndWalletPassword = "super-secret-password"

var LND_CONFIG = map[string]string{
	"debuglevel":                     "debug",
	"nobootstrap":                    "true",
	"trickledelay":                   "50",
	"keep-failed-payment-attempts":   "true",
	"bitcoin.active":                 "true",
	"bitcoin.node":                   "bitcoind",
	"bitcoin.regtest":                "true",
	"gossip.channel-update-interval": "10ms",
	"db.batch-commit-interval":       "10ms",
	"maxbackoff":                     "1s",
	"norest":                         "true",
}

type LndNode struct {
	*DaemonProcess
	*LndRpcClient

	DataDir      string
	ConfigFile   string
	RpcPort      int
	ListenPort   int
	MacaroonPath string
	Info         *lnrpc.GetInfoResponse

	bitcoin  *BitcoinNode
	macaroon []byte
	cmdLine  []string
	prefix   string
	timeout  time.Duration
	ports    []int
}

// NewLndNode writes an lnd.conf under testDir pointing lnd at bitcoin.
func NewLndNode(testDir string, bitcoin *BitcoinNode, id int, pool *PortPool, cfg *Config, extraConfig map[string]string) (*LndNode, error) {
	ports, err := pool.ReserveN(2)
	if err != nil {
		return nil, err
	}
	listen, rpcListen := ports[0], ports[1]

	dataDir := filepath.Join(testDir, fmt.Sprintf("lnd-%d", id))
	if err := os.MkdirAll(dataDir, os.ModeDir|os.ModePerm); err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	nodeConfig := mergeMaps(LND_CONFIG, map[string]string{
		"lnddir":                  dataDir,
		"listen":                  fmt.Sprintf("127.0.0.1:%d", listen),
		"rpclisten":               fmt.Sprintf("127.0.0.1:%d", rpcListen),
		"alias":                   fmt.Sprintf("swapd-itest-lnd-%d", id),
		"bitcoind.rpchost":        fmt.Sprintf("127.0.0.1:%d", bitcoin.RpcPort),
		"bitcoind.rpcuser":        bitcoin.RpcUser,
		"bitcoind.rpcpass":        bitcoin.RpcPassword,
		"bitcoind.zmqpubrawblock": fmt.Sprintf("tcp://127.0.0.1:%d", bitcoin.ZmqBlockPort),
		"bitcoind.zmqpubrawtx":    fmt.Sprintf("tcp://127.0.0.1:%d", bitcoin.ZmqTxPort),
	}, extraConfig)

	configFile := filepath.Join(dataDir, "lnd.conf")
	if err := WriteConfig(configFile, nodeConfig, nil, ""); err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("WriteConfig() %w", err)
	}

	cmdLine := []string{
		cfg.LndPath,
		fmt.Sprintf("--configfile=%s", configFile),
	}

	prefix := fmt.Sprintf("lnd-%d", id)
	return &LndNode{
		DaemonProcess: NewDaemonProcess(cmdLine, dataDir, prefix),
		DataDir:       dataDir,
		ConfigFile:    configFile,
		RpcPort:       rpcListen,
		ListenPort:    listen,
		MacaroonPath:  filepath.Join(dataDir, "admin.macaroon"),
		bitcoin:       bitcoin,
		cmdLine:       cmdLine,
		prefix:        prefix,
		timeout:       cfg.Timeout(),
		ports:         ports,
	}, nil
}

func (n *LndNode) Kind() LightningKind {
	return KindLnd
}

func (n *LndNode) Process() *DaemonProcess {
	return n.DaemonProcess
}

func (n *LndNode) Id() string {
	if n.Info == nil {
		return ""
	}
	return n.Info.IdentityPubkey
}

func (n *LndNode) Address() string {
	return fmt.Sprintf("%s@127.0.0.1:%d", n.Id(), n.ListenPort)
}

func (n *LndNode) rpcHost() string {
	return fmt.Sprintf("127.0.0.1:%d", n.RpcPort)
}

func (n *LndNode) tlsCertPath() string {
	return filepath.Join(n.DataDir, "tls.cert")
}

// Start launches lnd, creates or unlocks its wallet and waits until it is
// synced to the chain.
func (n *LndNode) Start() error {
	if n.DaemonProcess.State() != StateNotStarted {
		n.DaemonProcess = NewDaemonProcess(n.cmdLine, n.DataDir, n.prefix)
	}
	if err := n.LndRpcClient.Close(); err != nil {
		log.Debugf("%s: closing stale client: %v", n.prefix, err)
	}
	n.LndRpcClient = nil

	if err := n.DaemonProcess.Start(); err != nil {
		return err
	}
	if err := n.WaitForLog("Waiting for wallet encryption password", n.timeout); err != nil {
		return err
	}
	if err := n.unlock(); err != nil {
		return err
	}
	if err := n.WaitForLog("Chain backend is fully synced", n.timeout); err != nil {
		return err
	}

	client, err := NewLndRpcClient(n.rpcHost(), n.tlsCertPath(), n.macaroon, n.timeout)
	if err != nil {
		return fmt.Errorf("NewLndRpcClient() %w", err)
	}
	n.LndRpcClient = client

	err = WaitFor(func() bool {
		ok, err := n.IsBlockHeightSynced()
		if err != nil {
			log.Debugf("%s: sync check: %v", n.prefix, err)
		}
		return ok
	}, n.timeout)
	if err != nil {
		return fmt.Errorf("%s not synced with bitcoind: %w", n.prefix, err)
	}

	n.Info, err = n.Rpc.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("GetInfo() %w", err)
	}
	n.DaemonProcess.MarkReady()

	log.Infof("%s: ready with id %s", n.prefix, n.Info.IdentityPubkey)
	return nil
}

// unlock initializes a stateless wallet on first start and unlocks it on
// later ones. The admin macaroon is only handed out once, so it is kept in
// memory and written next to the config for swapd.
func (n *LndNode) unlock() error {
	unlocker, conn, err := NewLndUnlockerClient(n.rpcHost(), n.tlsCertPath(), n.timeout)
	if err != nil {
		return fmt.Errorf("NewLndUnlockerClient() %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if n.macaroon != nil {
		_, err = unlocker.UnlockWallet(ctx, &lnrpc.UnlockWalletRequest{
			WalletPassword: []byte(lndWalletPassword),
			StatelessInit:  true,
		})
		if err != nil {
			return fmt.Errorf("UnlockWallet() %w", err)
		}
		return nil
	}

	seed, err := unlocker.GenSeed(ctx, &lnrpc.GenSeedRequest{})
	if err != nil {
		return fmt.Errorf("GenSeed() %w", err)
	}
	res, err := unlocker.InitWallet(ctx, &lnrpc.InitWalletRequest{
		WalletPassword:     []byte(lndWalletPassword),
		CipherSeedMnemonic: seed.CipherSeedMnemonic,
		StatelessInit:      true,
	})
	if err != nil {
		return fmt.Errorf("InitWallet() %w", err)
	}

	n.macaroon = res.AdminMacaroon
	if err := os.WriteFile(n.MacaroonPath, n.macaroon, 0o600); err != nil {
		return fmt.Errorf("WriteFile() %w", err)
	}
	return nil
}

func (n *LndNode) Stop(timeout time.Duration) error {
	defer func() {
		if err := n.LndRpcClient.Close(); err != nil {
			log.Debugf("%s: closing client: %v", n.prefix, err)
		}
		n.LndRpcClient = nil
	}()

	if !n.DaemonProcess.IsRunning() {
		return nil
	}
	if n.LndRpcClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := n.Rpc.StopDaemon(ctx, &lnrpc.StopRequest{})
		cancel()
		if err != nil {
			log.Debugf("%s: stop rpc: %v", n.prefix, err)
		}
	} else if err := n.DaemonProcess.Terminate(); err != nil {
		log.Debugf("%s: terminate: %v", n.prefix, err)
	}

	code, err := n.DaemonProcess.AwaitExit(timeout)
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s rc=%d", ErrUncleanExit, n.prefix, code)
	}
	return nil
}

func (n *LndNode) ReleasePorts(pool *PortPool) {
	pool.Release(n.ports...)
	n.ports = nil
}

func (n *LndNode) SwapdArgs() []string {
	return []string{
		fmt.Sprintf("--lnd-grpc-address=%s", n.rpcHost()),
		fmt.Sprintf("--lnd-grpc-macaroon=%s", n.MacaroonPath),
		fmt.Sprintf("--lnd-grpc-ca-cert=%s", n.tlsCertPath()),
	}
}

func (n *LndNode) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), n.timeout)
}

func (n *LndNode) IsBlockHeightSynced() (bool, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	info, err := n.Rpc.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return false, err
	}
	if !info.SyncedToChain {
		return false, nil
	}
	return isBlockHeightSynced(n.bitcoin, int(info.BlockHeight))
}

func (n *LndNode) NewAddress() (string, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return "", err
	}
	return res.Address, nil
}

func (n *LndNode) FundWallet(sats uint64, confirm bool) (string, error) {
	addr, err := n.NewAddress()
	if err != nil {
		return "", fmt.Errorf("NewAddress() %w", err)
	}

	txid, err := n.bitcoin.SendToAddress(addr, sats)
	if err != nil {
		return "", fmt.Errorf("SendToAddress() %w", err)
	}

	if confirm {
		if _, err := n.bitcoin.Mine(1, WaitForMempoolTxids(txid)); err != nil {
			return "", err
		}
		err = n.WaitForLog(fmt.Sprintf("Marking unconfirmed transaction %s mined in block", txid), n.timeout)
		if err != nil {
			return "", err
		}
	}
	return txid, nil
}

func (n *LndNode) Connect(peer LightningNode, waitForConnected bool) error {
	id, host, port, err := SplitLnAddr(peer.Address())
	if err != nil {
		return err
	}

	ctx, cancel := n.ctx()
	defer cancel()

	_, err = n.Rpc.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: id,
			Host:   fmt.Sprintf("%s:%d", host, port),
		},
	})
	// lnd reconnects to persistent peers on its own.
	if err != nil && !strings.Contains(status.Convert(err).Message(), "already connected") {
		return fmt.Errorf("ConnectPeer() %w", err)
	}
	if waitForConnected {
		return waitForConnectedPeer(n, peer, n.timeout)
	}
	return nil
}

func (n *LndNode) IsConnected(peer LightningNode) (bool, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.ListPeers(ctx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return false, err
	}
	for _, p := range res.Peers {
		if p.PubKey == peer.Id() {
			return true, nil
		}
	}
	return false, nil
}

func (n *LndNode) OpenChannel(peer LightningNode, capacity uint64, confirm, waitForActive bool) (ChannelPoint, error) {
	return openChannel(n, peer, n.bitcoin, capacity, confirm, waitForActive, n.timeout)
}

func (n *LndNode) fundChannel(peer LightningNode, capacity uint64) (ChannelPoint, error) {
	pubkey, err := hex.DecodeString(peer.Id())
	if err != nil {
		return ChannelPoint{}, fmt.Errorf("invalid peer id %s: %w", peer.Id(), err)
	}

	ctx, cancel := n.ctx()
	defer cancel()

	cp, err := n.Rpc.OpenChannelSync(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         pubkey,
		LocalFundingAmount: int64(capacity),
	})
	if err != nil {
		return ChannelPoint{}, fmt.Errorf("OpenChannelSync() %w", err)
	}
	return lndChannelPoint(cp)
}

// lndChannelPoint converts lnd's byte order txid into the displayed form.
func lndChannelPoint(cp *lnrpc.ChannelPoint) (ChannelPoint, error) {
	hash, err := chainhash.NewHash(cp.GetFundingTxidBytes())
	if err != nil {
		return ChannelPoint{}, err
	}
	return ChannelPoint{TxId: hash.String(), OutNum: cp.OutputIndex}, nil
}

func (n *LndNode) IsChannelActive(cp ChannelPoint) (bool, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.ListChannels(ctx, &lnrpc.ListChannelsRequest{ActiveOnly: true})
	if err != nil {
		return false, err
	}
	for _, ch := range res.Channels {
		if ch.ChannelPoint == cp.String() {
			return ch.Active, nil
		}
	}
	return false, nil
}

func (n *LndNode) CreateInvoice(amountMsat uint64, description string, preimage []byte, opts ...InvoiceOption) (*Invoice, error) {
	o := newInvoiceOptions(opts)
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.AddInvoice(ctx, &lnrpc.Invoice{
		ValueMsat:  int64(amountMsat),
		Memo:       description,
		RPreimage:  preimage,
		CltvExpiry: uint64(o.cltv),
	})
	if err != nil {
		return nil, fmt.Errorf("AddInvoice() %w", err)
	}
	return &Invoice{
		Bolt11:      res.PaymentRequest,
		PaymentHash: hex.EncodeToString(res.RHash),
		Preimage:    hex.EncodeToString(preimage),
		AmountMsat:  amountMsat,
	}, nil
}

// CreateHoldInvoice adds an invoice for paymentHash whose htlcs are held
// until SettleInvoice is called with the preimage.
func (n *LndNode) CreateHoldInvoice(amountMsat uint64, paymentHash []byte, opts ...InvoiceOption) (*Invoice, error) {
	o := newInvoiceOptions(opts)
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Invoices.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Hash:       paymentHash,
		ValueMsat:  int64(amountMsat),
		CltvExpiry: uint64(o.cltv),
	})
	if err != nil {
		return nil, fmt.Errorf("AddHoldInvoice() %w", err)
	}
	return &Invoice{
		Bolt11:      res.PaymentRequest,
		PaymentHash: hex.EncodeToString(paymentHash),
		AmountMsat:  amountMsat,
	}, nil
}

// IsInvoiceAccepted reports whether a hold invoice has htlcs waiting to be
// settled.
func (n *LndNode) IsInvoiceAccepted(paymentHash string) (bool, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	inv, err := n.Rpc.LookupInvoice(ctx, &lnrpc.PaymentHash{RHashStr: paymentHash})
	if err != nil {
		return false, err
	}
	return inv.State == lnrpc.Invoice_ACCEPTED, nil
}

func (n *LndNode) SettleInvoice(preimage []byte) error {
	ctx, cancel := n.ctx()
	defer cancel()

	_, err := n.Invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{Preimage: preimage})
	if err != nil {
		return fmt.Errorf("SettleInvoice() %w", err)
	}
	return nil
}

func (n *LndNode) PayInvoice(bolt11 string) error {
	ctx, cancel := n.ctx()
	defer cancel()

	stream, err := n.RpcV2.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: bolt11,
		TimeoutSeconds: int32(n.timeout.Seconds()),
		FeeLimitSat:    1_000_000,
	})
	if err != nil {
		return lndRpcError("SendPaymentV2", err)
	}

	for {
		payment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("payment stream closed before a final state")
		}
		if err != nil {
			return lndRpcError("SendPaymentV2", err)
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return nil
		case lnrpc.Payment_FAILED:
			return &RpcError{
				Method:  "SendPaymentV2",
				Code:    int(payment.FailureReason),
				Message: fmt.Sprintf("payment failed: %s", payment.FailureReason),
				Err:     &PaymentFailedError{Payment: payment},
			}
		}
	}
}

// PaymentFailedError carries the final state of a failed lnd payment.
type PaymentFailedError struct {
	Payment *lnrpc.Payment
}

func (e *PaymentFailedError) Error() string {
	msg := fmt.Sprintf("payment %s failed: %s", e.Payment.PaymentHash, e.Payment.FailureReason)
	if n := len(e.Payment.Htlcs); n > 0 {
		if f := e.Payment.Htlcs[n-1].Failure; f != nil {
			msg += fmt.Sprintf(", last htlc: %s", f.Code)
		}
	}
	return msg
}

// lndRpcError keeps the grpc status of err reachable for status.FromError
// and errors.As.
func lndRpcError(method string, err error) error {
	st := status.Convert(err)
	return &RpcError{
		Method:  method,
		Code:    int(st.Code()),
		Message: st.Message(),
		Err:     err,
	}
}

func (n *LndNode) ListInvoices(paymentHash string) ([]*Invoice, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	var invoices []*lnrpc.Invoice
	if paymentHash != "" {
		inv, err := n.Rpc.LookupInvoice(ctx, &lnrpc.PaymentHash{RHashStr: paymentHash})
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	} else {
		res, err := n.Rpc.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{NumMaxInvoices: 1000})
		if err != nil {
			return nil, err
		}
		invoices = res.Invoices
	}

	out := make([]*Invoice, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, &Invoice{
			Bolt11:      inv.PaymentRequest,
			PaymentHash: hex.EncodeToString(inv.RHash),
			AmountMsat:  uint64(inv.ValueMsat),
			Paid:        inv.State == lnrpc.Invoice_SETTLED,
		})
	}
	return out, nil
}

func (n *LndNode) SendOnchain(address string, amountSat uint64, confirmations int) (string, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:   address,
		Amount: int64(amountSat),
	})
	if err != nil {
		return "", fmt.Errorf("SendCoins() %w", err)
	}
	if err := confirmTx(n.bitcoin, res.Txid, confirmations); err != nil {
		return "", err
	}
	return res.Txid, nil
}

func (n *LndNode) ListUtxos() ([]*Utxo, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Wallet.ListUnspent(ctx, &walletrpc.ListUnspentRequest{
		MinConfs: 0,
		MaxConfs: 1_000_000,
	})
	if err != nil {
		return nil, err
	}

	utxos := make([]*Utxo, 0, len(res.Utxos))
	for _, u := range res.Utxos {
		utxos = append(utxos, &Utxo{
			TxId:          u.Outpoint.GetTxidStr(),
			OutNum:        u.Outpoint.GetOutputIndex(),
			AmountSat:     uint64(u.AmountSat),
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

func (n *LndNode) GetBtcBalanceSat() (uint64, error) {
	ctx, cancel := n.ctx()
	defer cancel()

	res, err := n.Rpc.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return 0, err
	}
	return uint64(res.ConfirmedBalance), nil
}
