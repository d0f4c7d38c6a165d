package testframework

import (
	"fmt"
	"time"
)

// FUNDAMOUNT is the default channel capacity in sat.
const FUNDAMOUNT = uint64(1_000_000)

type LightningKind string

const (
	KindCln LightningKind = "cln"
	KindLnd LightningKind = "lnd"
)

type Invoice struct {
	Bolt11      string
	PaymentHash string
	// Preimage is only known for invoices created with an explicit one.
	Preimage   string
	AmountMsat uint64
	Paid       bool
}

type invoiceOptions struct {
	cltv uint32
}

type InvoiceOption func(*invoiceOptions)

// WithCltv sets the min_final_cltv_expiry_delta of the invoice.
func WithCltv(delta uint32) InvoiceOption {
	return func(o *invoiceOptions) {
		o.cltv = delta
	}
}

func newInvoiceOptions(opts []InvoiceOption) *invoiceOptions {
	o := &invoiceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type Utxo struct {
	TxId          string
	OutNum        uint32
	AmountSat     uint64
	Confirmations int64
}

type ChannelPoint struct {
	TxId   string
	OutNum uint32
}

func (c ChannelPoint) String() string {
	return fmt.Sprintf("%s:%d", c.TxId, c.OutNum)
}

// LightningNode is the backend agnostic surface of a lightning daemon.
type LightningNode interface {
	Id() string
	// Address returns the node address as "pubkey@host:port".
	Address() string
	Kind() LightningKind
	Prefix() string
	Process() *DaemonProcess

	Start() error
	// Stop shuts the node down and waits up to timeout for it to exit.
	Stop(timeout time.Duration) error
	Kill()

	Connect(peer LightningNode, waitForConnected bool) error
	IsConnected(peer LightningNode) (bool, error)

	// FundWallet sends sats from the chain node to a fresh wallet address
	// and returns the funding txid.
	FundWallet(sats uint64, confirm bool) (string, error)
	OpenChannel(peer LightningNode, capacity uint64, confirm, waitForActive bool) (ChannelPoint, error)
	IsChannelActive(cp ChannelPoint) (bool, error)

	CreateInvoice(amountMsat uint64, description string, preimage []byte, opts ...InvoiceOption) (*Invoice, error)
	PayInvoice(bolt11 string) error
	ListInvoices(paymentHash string) ([]*Invoice, error)

	SendOnchain(address string, amountSat uint64, confirmations int) (string, error)
	ListUtxos() ([]*Utxo, error)
	NewAddress() (string, error)
	GetBtcBalanceSat() (uint64, error)

	IsBlockHeightSynced() (bool, error)

	// SwapdArgs returns the swapd flags that wire it to this node.
	SwapdArgs() []string
	ReleasePorts(pool *PortPool)
}

// channelOpener is the backend specific part of opening a channel.
type channelOpener interface {
	LightningNode
	fundChannel(peer LightningNode, capacity uint64) (ChannelPoint, error)
}

// openChannel funds the node, connects to the peer if needed, opens the
// channel and optionally confirms it and waits until both ends report it
// active.
func openChannel(node channelOpener, peer LightningNode, bitcoin *BitcoinNode, capacity uint64, confirm, waitForActive bool, timeout time.Duration) (ChannelPoint, error) {
	if _, err := node.FundWallet(10*capacity, true); err != nil {
		return ChannelPoint{}, fmt.Errorf("FundWallet() %w", err)
	}

	connected, err := node.IsConnected(peer)
	if err != nil {
		return ChannelPoint{}, fmt.Errorf("IsConnected() %w", err)
	}
	if !connected {
		if err := node.Connect(peer, true); err != nil {
			return ChannelPoint{}, fmt.Errorf("Connect() %w", err)
		}
	}

	cp, err := node.fundChannel(peer, capacity)
	if err != nil {
		return ChannelPoint{}, err
	}

	if confirm || waitForActive {
		if _, err := bitcoin.Mine(1, WaitForMempoolTxids(cp.TxId)); err != nil {
			return ChannelPoint{}, fmt.Errorf("confirming channel %s: %w", cp, err)
		}
	}

	if waitForActive {
		if _, err := bitcoin.Mine(5); err != nil {
			return ChannelPoint{}, err
		}
		err = WaitFor(func() bool {
			for _, n := range []LightningNode{node, peer} {
				active, err := n.IsChannelActive(cp)
				if err != nil || !active {
					return false
				}
			}
			return true
		}, timeout)
		if err != nil {
			return ChannelPoint{}, fmt.Errorf("waiting for active channel %s: %w", cp, err)
		}
	}

	return cp, nil
}

// confirmTx mines blocks until txid has the requested number of
// confirmations.
func confirmTx(bitcoin *BitcoinNode, txid string, confirmations int) error {
	if confirmations > 0 {
		if _, err := bitcoin.Mine(1, WaitForMempoolTxids(txid)); err != nil {
			return err
		}
	}
	if confirmations > 1 {
		if _, err := bitcoin.Mine(confirmations - 1); err != nil {
			return err
		}
	}
	return nil
}

// waitForConnectedPeer waits until node reports peer as connected.
func waitForConnectedPeer(node, peer LightningNode, timeout time.Duration) error {
	return WaitForWithErr(func() (bool, error) {
		return node.IsConnected(peer)
	}, timeout)
}

// isBlockHeightSynced compares a node's view of the chain with bitcoind.
func isBlockHeightSynced(bitcoin *BitcoinNode, nodeHeight int) (bool, error) {
	height, err := bitcoin.GetBlockHeight()
	if err != nil {
		return false, err
	}
	return height == nodeHeight, nil
}
