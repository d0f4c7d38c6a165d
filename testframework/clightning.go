package testframework

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const clnChannelNormal = "CHANNELD_NORMAL"

type ClnNode struct {
	*DaemonProcess
	*CLightningProxy

	DataDir    string
	NetworkDir string
	ListenPort int
	GrpcPort   int
	Info       *ClnInfo

	bitcoin *BitcoinNode
	cmdLine []string
	prefix  string
	timeout time.Duration
	ports   []int
}

// NewClnNode prepares a lightningd under testDir connected to bitcoin.
func NewClnNode(testDir string, bitcoin *BitcoinNode, id int, pool *PortPool, cfg *Config, extraArgs ...string) (*ClnNode, error) {
	ports, err := pool.ReserveN(2)
	if err != nil {
		return nil, err
	}
	listenPort, grpcPort := ports[0], ports[1]

	dataDir := filepath.Join(testDir, fmt.Sprintf("lightning-%d", id))
	networkDir := filepath.Join(dataDir, "regtest")
	if err := os.MkdirAll(networkDir, os.ModeDir|os.ModePerm); err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	// A deterministic seed keeps node ids stable across restarts.
	seed := chainhash.HashB([]byte(dataDir))
	if err := os.WriteFile(filepath.Join(networkDir, "hsm_secret"), seed, 0o600); err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("WriteFile() %w", err)
	}

	cmdLine := []string{
		cfg.LightningdPath,
		fmt.Sprintf("--lightning-dir=%s", dataDir),
		"--network=regtest",
		"--log-level=debug",
		fmt.Sprintf("--addr=127.0.0.1:%d", listenPort),
		fmt.Sprintf("--grpc-port=%d", grpcPort),
		fmt.Sprintf("--alias=swapd-itest-%d", id),
		"--ignore-fee-limits=false",
		fmt.Sprintf("--bitcoin-rpcconnect=%s", "127.0.0.1"),
		fmt.Sprintf("--bitcoin-rpcport=%d", bitcoin.RpcPort),
		fmt.Sprintf("--bitcoin-rpcuser=%s", bitcoin.RpcUser),
		fmt.Sprintf("--bitcoin-rpcpassword=%s", bitcoin.RpcPassword),
	}
	cmdLine = append(cmdLine, extraArgs...)

	prefix := fmt.Sprintf("lightningd-%d", id)
	return &ClnNode{
		DaemonProcess:   NewDaemonProcess(cmdLine, dataDir, prefix),
		CLightningProxy: NewCLightningProxy("lightning-rpc", networkDir, cfg.Timeout()),
		DataDir:         dataDir,
		NetworkDir:      networkDir,
		ListenPort:      listenPort,
		GrpcPort:        grpcPort,
		bitcoin:         bitcoin,
		cmdLine:         cmdLine,
		prefix:          prefix,
		timeout:         cfg.Timeout(),
		ports:           ports,
	}, nil
}

func (n *ClnNode) Kind() LightningKind {
	return KindCln
}

func (n *ClnNode) Process() *DaemonProcess {
	return n.DaemonProcess
}

func (n *ClnNode) Id() string {
	if n.Info == nil {
		return ""
	}
	return n.Info.Id
}

func (n *ClnNode) Address() string {
	return fmt.Sprintf("%s@127.0.0.1:%d", n.Id(), n.ListenPort)
}

// Start launches lightningd, connects to its rpc socket and waits until it
// is synced with bitcoind.
func (n *ClnNode) Start() error {
	if n.DaemonProcess.State() != StateNotStarted {
		n.DaemonProcess = NewDaemonProcess(n.cmdLine, n.DataDir, n.prefix)
		n.CLightningProxy = NewCLightningProxy("lightning-rpc", n.NetworkDir, n.timeout)
	}

	if err := n.DaemonProcess.Start(); err != nil {
		return err
	}
	if err := n.WaitForReady("Server started with public key", n.timeout); err != nil {
		return err
	}
	if err := n.StartProxy(); err != nil {
		return fmt.Errorf("StartProxy() %w", err)
	}

	info, err := n.GetInfo()
	if err != nil {
		return err
	}
	n.Info = info

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

	log.Infof("%s: ready with id %s", n.prefix, n.Info.Id)
	return nil
}

func (n *ClnNode) Stop(timeout time.Duration) error {
	if !n.DaemonProcess.IsRunning() {
		return nil
	}
	var res string
	if err := n.Request(&clnStop{}, &res); err != nil {
		log.Debugf("%s: stop rpc: %v", n.prefix, err)
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

func (n *ClnNode) ReleasePorts(pool *PortPool) {
	pool.Release(n.ports...)
	n.ports = nil
}

// SwapdArgs wires swapd to lightningd's grpc interface with the mTLS
// material lightningd generated on first start.
func (n *ClnNode) SwapdArgs() []string {
	return []string{
		fmt.Sprintf("--cln-grpc-address=https://localhost:%d", n.GrpcPort),
		fmt.Sprintf("--cln-grpc-ca-cert=%s", filepath.Join(n.NetworkDir, "ca.pem")),
		fmt.Sprintf("--cln-grpc-client-cert=%s", filepath.Join(n.NetworkDir, "client.pem")),
		fmt.Sprintf("--cln-grpc-client-key=%s", filepath.Join(n.NetworkDir, "client-key.pem")),
	}
}

type ClnInfo struct {
	Id                    string `json:"id"`
	Alias                 string `json:"alias"`
	Blockheight           int    `json:"blockheight"`
	WarningBitcoindSync   string `json:"warning_bitcoind_sync"`
	WarningLightningdSync string `json:"warning_lightningd_sync"`
}

func (n *ClnNode) GetInfo() (*ClnInfo, error) {
	info := &ClnInfo{}
	if err := n.Request(&clnGetInfo{}, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (n *ClnNode) IsBlockHeightSynced() (bool, error) {
	info, err := n.GetInfo()
	if err != nil {
		return false, err
	}
	if info.WarningBitcoindSync != "" || info.WarningLightningdSync != "" {
		return false, nil
	}
	return isBlockHeightSynced(n.bitcoin, info.Blockheight)
}

func (n *ClnNode) NewAddress() (string, error) {
	var res struct {
		Bech32 string `json:"bech32"`
	}
	if err := n.Request(&clnNewAddr{AddressType: "bech32"}, &res); err != nil {
		return "", err
	}
	return res.Bech32, nil
}

func (n *ClnNode) FundWallet(sats uint64, confirm bool) (string, error) {
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
		err = n.WaitForLog(fmt.Sprintf("Owning output .* txid %s CONFIRMED", txid), n.timeout)
		if err != nil {
			return "", err
		}
	}
	return txid, nil
}

func (n *ClnNode) Connect(peer LightningNode, waitForConnected bool) error {
	id, host, port, err := SplitLnAddr(peer.Address())
	if err != nil {
		return err
	}
	var res struct {
		Id string `json:"id"`
	}
	if err := n.Request(&clnConnect{Id: id, Host: host, Port: uint(port)}, &res); err != nil {
		return err
	}
	if waitForConnected {
		return waitForConnectedPeer(n, peer, n.timeout)
	}
	return nil
}

func (n *ClnNode) IsConnected(peer LightningNode) (bool, error) {
	var res struct {
		Peers []struct {
			Id        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"peers"`
	}
	if err := n.Request(&clnListPeers{Id: peer.Id()}, &res); err != nil {
		return false, err
	}
	for _, p := range res.Peers {
		if p.Id == peer.Id() && p.Connected {
			return true, nil
		}
	}
	return false, nil
}

func (n *ClnNode) OpenChannel(peer LightningNode, capacity uint64, confirm, waitForActive bool) (ChannelPoint, error) {
	return openChannel(n, peer, n.bitcoin, capacity, confirm, waitForActive, n.timeout)
}

func (n *ClnNode) fundChannel(peer LightningNode, capacity uint64) (ChannelPoint, error) {
	var res struct {
		TxId   string `json:"txid"`
		OutNum uint32 `json:"outnum"`
	}
	if err := n.Request(&clnFundChannel{Id: peer.Id(), Amount: capacity}, &res); err != nil {
		return ChannelPoint{}, err
	}
	return ChannelPoint{TxId: res.TxId, OutNum: res.OutNum}, nil
}

type clnPeerChannel struct {
	PeerId         string `json:"peer_id"`
	State          string `json:"state"`
	ShortChannelId string `json:"short_channel_id"`
	FundingTxId    string `json:"funding_txid"`
	FundingOutnum  uint32 `json:"funding_outnum"`
}

func (n *ClnNode) ListPeerChannels() ([]*clnPeerChannel, error) {
	var res struct {
		Channels []*clnPeerChannel `json:"channels"`
	}
	if err := n.Request(&clnListPeerChannels{}, &res); err != nil {
		return nil, err
	}
	return res.Channels, nil
}

// IsChannelActive reports whether the channel is in CHANNELD_NORMAL and the
// peer's node announcement was received.
func (n *ClnNode) IsChannelActive(cp ChannelPoint) (bool, error) {
	channels, err := n.ListPeerChannels()
	if err != nil {
		return false, err
	}
	for _, ch := range channels {
		if ch.FundingTxId != cp.TxId || ch.FundingOutnum != cp.OutNum {
			continue
		}
		if ch.State != clnChannelNormal {
			return false, nil
		}
		return n.knowsNodeAlias(ch.PeerId)
	}
	return false, nil
}

func (n *ClnNode) knowsNodeAlias(id string) (bool, error) {
	var res struct {
		Nodes []struct {
			NodeId string `json:"nodeid"`
			Alias  string `json:"alias"`
		} `json:"nodes"`
	}
	if err := n.Request(&clnListNodes{Id: id}, &res); err != nil {
		return false, err
	}
	return len(res.Nodes) == 1 && res.Nodes[0].Alias != "", nil
}

// GetScid returns the short channel id of the channel to peer.
func (n *ClnNode) GetScid(peer LightningNode) (string, error) {
	channels, err := n.ListPeerChannels()
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch.PeerId == peer.Id() && ch.ShortChannelId != "" {
			return ch.ShortChannelId, nil
		}
	}
	return "", fmt.Errorf("no channel to peer %s", peer.Id())
}

func (n *ClnNode) CreateInvoice(amountMsat uint64, description string, preimage []byte, opts ...InvoiceOption) (*Invoice, error) {
	o := newInvoiceOptions(opts)
	label, err := GenerateRandomString(20)
	if err != nil {
		return nil, err
	}
	req := &clnInvoice{
		AmountMsat:  amountMsat,
		Label:       label,
		Description: description,
		Cltv:        o.cltv,
	}
	if preimage != nil {
		req.Preimage = hex.EncodeToString(preimage)
	}

	var res struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := n.Request(req, &res); err != nil {
		return nil, err
	}
	return &Invoice{
		Bolt11:      res.Bolt11,
		PaymentHash: res.PaymentHash,
		Preimage:    hex.EncodeToString(preimage),
		AmountMsat:  amountMsat,
	}, nil
}

func (n *ClnNode) PayInvoice(bolt11 string) error {
	var res struct {
		Status string `json:"status"`
	}
	if err := n.Request(&clnPay{Bolt11: bolt11}, &res); err != nil {
		return err
	}
	if res.Status != "complete" {
		return fmt.Errorf("payment status %s", res.Status)
	}
	return nil
}

func (n *ClnNode) ListInvoices(paymentHash string) ([]*Invoice, error) {
	var res struct {
		Invoices []struct {
			Bolt11      string `json:"bolt11"`
			Status      string `json:"status"`
			PaymentHash string `json:"payment_hash"`
			AmountMsat  uint64 `json:"amount_msat"`
		} `json:"invoices"`
	}
	if err := n.Request(&clnListInvoices{PaymentHash: paymentHash}, &res); err != nil {
		return nil, err
	}

	invoices := make([]*Invoice, 0, len(res.Invoices))
	for _, i := range res.Invoices {
		invoices = append(invoices, &Invoice{
			Bolt11:      i.Bolt11,
			PaymentHash: i.PaymentHash,
			AmountMsat:  i.AmountMsat,
			Paid:        i.Status == "paid",
		})
	}
	return invoices, nil
}

func (n *ClnNode) SendOnchain(address string, amountSat uint64, confirmations int) (string, error) {
	var res struct {
		TxId string `json:"txid"`
	}
	if err := n.Request(&clnWithdraw{Destination: address, Satoshi: amountSat}, &res); err != nil {
		return "", err
	}
	if err := confirmTx(n.bitcoin, res.TxId, confirmations); err != nil {
		return "", err
	}
	return res.TxId, nil
}

type clnOutput struct {
	TxId        string `json:"txid"`
	Output      uint32 `json:"output"`
	AmountMsat  uint64 `json:"amount_msat"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"blockheight"`
}

func (n *ClnNode) listFunds() ([]*clnOutput, error) {
	var res struct {
		Outputs []*clnOutput `json:"outputs"`
	}
	if err := n.Request(&clnListFunds{}, &res); err != nil {
		return nil, err
	}
	return res.Outputs, nil
}

func (n *ClnNode) ListUtxos() ([]*Utxo, error) {
	outputs, err := n.listFunds()
	if err != nil {
		return nil, err
	}
	height, err := n.bitcoin.GetBlockHeight()
	if err != nil {
		return nil, err
	}

	utxos := make([]*Utxo, 0, len(outputs))
	for _, o := range outputs {
		var confs int64
		if o.Status == "confirmed" && o.BlockHeight > 0 {
			confs = int64(height) - o.BlockHeight + 1
		}
		utxos = append(utxos, &Utxo{
			TxId:          o.TxId,
			OutNum:        o.Output,
			AmountSat:     o.AmountMsat / 1000,
			Confirmations: confs,
		})
	}
	return utxos, nil
}

func (n *ClnNode) GetBtcBalanceSat() (uint64, error) {
	outputs, err := n.listFunds()
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, o := range outputs {
		sum += o.AmountMsat / 1000
	}
	return sum, nil
}

type clnGetInfo struct{}

func (r *clnGetInfo) Name() string { return "getinfo" }

type clnStop struct{}

func (r *clnStop) Name() string { return "stop" }

type clnNewAddr struct {
	AddressType string `json:"addresstype,omitempty"`
}

func (r *clnNewAddr) Name() string { return "newaddr" }

type clnConnect struct {
	Id   string `json:"id"`
	Host string `json:"host,omitempty"`
	Port uint   `json:"port,omitempty"`
}

func (r *clnConnect) Name() string { return "connect" }

type clnListPeers struct {
	Id string `json:"id,omitempty"`
}

func (r *clnListPeers) Name() string { return "listpeers" }

type clnFundChannel struct {
	Id     string `json:"id"`
	Amount uint64 `json:"amount"`
}

func (r *clnFundChannel) Name() string { return "fundchannel" }

type clnListPeerChannels struct {
	Id string `json:"id,omitempty"`
}

func (r *clnListPeerChannels) Name() string { return "listpeerchannels" }

type clnListNodes struct {
	Id string `json:"id,omitempty"`
}

func (r *clnListNodes) Name() string { return "listnodes" }

type clnInvoice struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Preimage    string `json:"preimage,omitempty"`
	Cltv        uint32 `json:"cltv,omitempty"`
}

func (r *clnInvoice) Name() string { return "invoice" }

type clnListInvoices struct {
	PaymentHash string `json:"payment_hash,omitempty"`
}

func (r *clnListInvoices) Name() string { return "listinvoices" }

type clnPay struct {
	Bolt11 string `json:"bolt11"`
}

func (r *clnPay) Name() string { return "pay" }

type clnWithdraw struct {
	Destination string `json:"destination"`
	Satoshi     uint64 `json:"satoshi"`
}

func (r *clnWithdraw) Name() string { return "withdraw" }

type clnListFunds struct{}

func (r *clnListFunds) Name() string { return "listfunds" }
