package testframework

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	defaultWalletName = "swapd-tests"

	// reorgFeeDelta is the fee delta in sats used to keep mempool
	// transactions out of the blocks mined during a reorg.
	reorgFeeDelta = 1000000

	matureBlockHeight = 101
)

var BITCOIND_CONFIG = map[string]string{
	"regtest":     "1",
	"rpcuser":     "rpcuser",
	"rpcpassword": "rpcpass",
	"fallbackfee": "0.00000253",
}

type BitcoinNode struct {
	*DaemonProcess
	*RpcProxy

	DataDir      string
	ConfigFile   string
	RpcPort      int
	ZmqBlockPort int
	ZmqTxPort    int
	RpcUser      string
	RpcPassword  string
	WalletName   string

	chain      ChainRpc
	waitForLog func(regex string, timeout time.Duration) error
	cmdLine    []string
	prefix     string
	timeout    time.Duration
	ports      []int
}

// NewBitcoinNode prepares a regtest bitcoind under testDir. Ports are
// reserved from the pool and returned to it by ReleasePorts.
func NewBitcoinNode(testDir string, id int, pool *PortPool, cfg *Config) (*BitcoinNode, error) {
	ports, err := pool.ReserveN(3)
	if err != nil {
		return nil, err
	}
	rpcPort, zmqBlockPort, zmqTxPort := ports[0], ports[1], ports[2]

	dataDir := filepath.Join(testDir, fmt.Sprintf("bitcoind-%d", id))
	if err := os.MkdirAll(dataDir, os.ModeDir|os.ModePerm); err != nil {
		pool.Release(ports...)
		return nil, err
	}

	regtestConfig := map[string]string{
		"rpcport":        strconv.Itoa(rpcPort),
		"rpcbind":        "127.0.0.1",
		"zmqpubrawblock": fmt.Sprintf("tcp://127.0.0.1:%d", zmqBlockPort),
		"zmqpubrawtx":    fmt.Sprintf("tcp://127.0.0.1:%d", zmqTxPort),
	}
	configFile := filepath.Join(dataDir, "bitcoin.conf")
	if err := WriteConfig(configFile, BITCOIND_CONFIG, regtestConfig, "regtest"); err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("WriteConfig() %w", err)
	}

	cmdLine := []string{
		cfg.BitcoindPath,
		fmt.Sprintf("-datadir=%s", dataDir),
		"-printtoconsole",
		"-server",
		"-logtimestamps",
		"-nolisten",
		"-txindex",
		"-addresstype=bech32",
		"-debug=mempool",
		"-debug=mempoolrej",
		"-debug=rpc",
		"-debug=validation",
		"-rpcthreads=20",
	}

	proxy, err := NewRpcProxyFromConfig(configFile)
	if err != nil {
		pool.Release(ports...)
		return nil, fmt.Errorf("NewRpcProxyFromConfig() %w", err)
	}

	prefix := fmt.Sprintf("bitcoind-%d", id)
	n := &BitcoinNode{
		DaemonProcess: NewDaemonProcess(cmdLine, dataDir, prefix),
		RpcProxy:      proxy,
		DataDir:       dataDir,
		ConfigFile:    configFile,
		RpcPort:       rpcPort,
		ZmqBlockPort:  zmqBlockPort,
		ZmqTxPort:     zmqTxPort,
		RpcUser:       BITCOIND_CONFIG["rpcuser"],
		RpcPassword:   BITCOIND_CONFIG["rpcpassword"],
		WalletName:    defaultWalletName,
		chain:         proxy,
		cmdLine:       cmdLine,
		prefix:        prefix,
		timeout:       cfg.Timeout(),
		ports:         ports,
	}
	n.waitForLog = func(regex string, timeout time.Duration) error {
		return n.DaemonProcess.WaitForLog(regex, timeout)
	}
	return n, nil
}

// Start launches bitcoind, waits until it finished loading, opens the test
// wallet and makes sure it holds mature coins.
func (n *BitcoinNode) Start() error {
	if n.DaemonProcess.State() != StateNotStarted {
		n.DaemonProcess = NewDaemonProcess(n.cmdLine, n.DataDir, n.prefix)
	}
	if err := n.DaemonProcess.Start(); err != nil {
		return err
	}
	if err := n.WaitForReady("Done loading", n.timeout); err != nil {
		return err
	}

	if err := n.openWallet(); err != nil {
		return err
	}

	height, err := n.GetBlockHeight()
	if err != nil {
		return err
	}
	if height < matureBlockHeight {
		if _, err := n.Mine(matureBlockHeight - height); err != nil {
			return fmt.Errorf("can not mature wallet: %w", err)
		}
	}

	log.Infof("%s: ready on rpc port %d at height %d", n.prefix, n.RpcPort, height)
	return nil
}

func (n *BitcoinNode) openWallet() error {
	err := callFor(n.chain, nil, "createwallet", n.WalletName)
	if err == nil {
		return nil
	}
	var rpcErr *RpcError
	if !errors.As(err, &rpcErr) || !strings.Contains(rpcErr.Message, "already exists") {
		return fmt.Errorf("can not create wallet: %w", err)
	}

	err = callFor(n.chain, nil, "loadwallet", n.WalletName)
	if err != nil && !strings.Contains(err.Error(), "already loaded") {
		return fmt.Errorf("can not load wallet: %w", err)
	}
	return nil
}

// Stop asks bitcoind to shut down and waits for it to exit.
func (n *BitcoinNode) Stop(timeout time.Duration) error {
	if !n.DaemonProcess.IsRunning() {
		return nil
	}
	if err := callFor(n.chain, nil, "stop"); err != nil {
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

// ReleasePorts returns the node's ports to the pool.
func (n *BitcoinNode) ReleasePorts(pool *PortPool) {
	pool.Release(n.ports...)
	n.ports = nil
}

// SwapdArgs returns the flags wiring swapd to this node.
func (n *BitcoinNode) SwapdArgs() []string {
	return []string{
		fmt.Sprintf("--bitcoind-rpc-address=http://127.0.0.1:%d", n.RpcPort),
		fmt.Sprintf("--bitcoind-rpc-user=%s", n.RpcUser),
		fmt.Sprintf("--bitcoind-rpc-password=%s", n.RpcPassword),
	}
}

func (n *BitcoinNode) GetBlockHeight() (int, error) {
	var height int
	if err := callFor(n.chain, &height, "getblockcount"); err != nil {
		return 0, err
	}
	return height, nil
}

type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int    `json:"blocks"`
	Headers       int    `json:"headers"`
	BestBlockHash string `json:"bestblockhash"`
}

func (n *BitcoinNode) GetBlockchainInfo() (*BlockchainInfo, error) {
	info := &BlockchainInfo{}
	if err := callFor(n.chain, info, "getblockchaininfo"); err != nil {
		return nil, err
	}
	return info, nil
}

func (n *BitcoinNode) GetBlockHash(height int) (string, error) {
	var hash string
	if err := callFor(n.chain, &hash, "getblockhash", height); err != nil {
		return "", err
	}
	return hash, nil
}

type Block struct {
	Hash   string   `json:"hash"`
	Height int      `json:"height"`
	Tx     []string `json:"tx"`
}

func (n *BitcoinNode) GetBlock(hash string) (*Block, error) {
	block := &Block{}
	if err := callFor(n.chain, block, "getblock", hash, 1); err != nil {
		return nil, err
	}
	return block, nil
}

func (n *BitcoinNode) GetRawMempool() ([]string, error) {
	var txids []string
	if err := callFor(n.chain, &txids, "getrawmempool"); err != nil {
		return nil, err
	}
	return txids, nil
}

type MempoolEntry struct {
	VSize        int64 `json:"vsize"`
	AncestorSize int64 `json:"ancestorsize"`
	Fees         struct {
		Base     float64 `json:"base"`
		Ancestor float64 `json:"ancestor"`
	} `json:"fees"`
}

// AncestorFeerate returns the ancestor fee rate in sat/kw.
func (e *MempoolEntry) AncestorFeerate() (uint64, error) {
	fees, err := btcutil.NewAmount(e.Fees.Ancestor)
	if err != nil {
		return 0, err
	}
	weight := e.AncestorSize * 4
	if weight <= 0 {
		return 0, fmt.Errorf("invalid ancestor size %d", e.AncestorSize)
	}
	return uint64(int64(fees) * 1000 / weight), nil
}

func (n *BitcoinNode) GetMempoolEntries() (map[string]*MempoolEntry, error) {
	entries := map[string]*MempoolEntry{}
	if err := callFor(n.chain, &entries, "getrawmempool", true); err != nil {
		return nil, err
	}
	return entries, nil
}

func (n *BitcoinNode) GetNewAddress() (string, error) {
	var addr string
	if err := callFor(n.chain, &addr, "getnewaddress"); err != nil {
		return "", err
	}
	if _, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams); err != nil {
		return "", fmt.Errorf("DecodeAddress(%s) %w", addr, err)
	}
	return addr, nil
}

// SendToAddress pays amountSat from the node's wallet and returns the txid.
func (n *BitcoinNode) SendToAddress(address string, amountSat uint64) (string, error) {
	var txid string
	amount := btcutil.Amount(amountSat).ToBTC()
	if err := callFor(n.chain, &txid, "sendtoaddress", address, amount); err != nil {
		return "", err
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return "", fmt.Errorf("invalid txid %s: %w", txid, err)
	}
	return txid, nil
}

type RawTransaction struct {
	TxId          string `json:"txid"`
	Hex           string `json:"hex"`
	BlockHash     string `json:"blockhash"`
	Confirmations int    `json:"confirmations"`
	Vin           []struct {
		TxId string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
	Vout []struct {
		Value        float64 `json:"value"`
		N            uint32  `json:"n"`
		ScriptPubKey struct {
			Address string `json:"address"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

func (n *BitcoinNode) GetRawTransaction(txid string) (*RawTransaction, error) {
	tx := &RawTransaction{}
	if err := callFor(n.chain, tx, "getrawtransaction", txid, true); err != nil {
		return nil, err
	}
	return tx, nil
}

type mineOptions struct {
	mempoolCount int
	mempoolTxids []string
	address      string
	minFeerate   uint64
	hasFeerate   bool
}

type MineOption func(*mineOptions)

// WaitForMempoolCount waits until the mempool holds at least count
// transactions before mining.
func WaitForMempoolCount(count int) MineOption {
	return func(o *mineOptions) {
		o.mempoolCount = count
	}
}

// WaitForMempoolTxids waits until all txids are in the mempool before mining.
func WaitForMempoolTxids(txids ...string) MineOption {
	return func(o *mineOptions) {
		o.mempoolTxids = append(o.mempoolTxids, txids...)
	}
}

// ToAddress sets the coinbase address of the mined blocks.
func ToAddress(address string) MineOption {
	return func(o *mineOptions) {
		o.address = address
	}
}

// MinFeerate makes mining all-or-nothing: the block is only filled if at
// least one mempool transaction pays an ancestor fee rate of satPerKw or
// more, otherwise an empty block is mined.
func MinFeerate(satPerKw uint64) MineOption {
	return func(o *mineOptions) {
		o.minFeerate = satPerKw
		o.hasFeerate = true
	}
}

// Mine mines num blocks and returns their hashes.
func (n *BitcoinNode) Mine(num int, opts ...MineOption) ([]string, error) {
	o := &mineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if o.hasFeerate && num != 1 {
		return nil, fmt.Errorf("mining with a minimum feerate requires exactly one block, got %d", num)
	}

	if o.mempoolCount > 0 || len(o.mempoolTxids) > 0 {
		if err := n.waitForMempool(o.mempoolCount, o.mempoolTxids); err != nil {
			return nil, err
		}
	}

	addr := o.address
	if addr == "" {
		var err error
		addr, err = n.GetNewAddress()
		if err != nil {
			return nil, err
		}
	}

	if o.hasFeerate {
		entries, err := n.GetMempoolEntries()
		if err != nil {
			return nil, err
		}
		ok, err := anyAboveFeerate(entries, o.minFeerate)
		if err != nil {
			return nil, err
		}
		if !ok {
			var res struct {
				Hash string `json:"hash"`
			}
			if err := callFor(n.chain, &res, "generateblock", addr, []string{}); err != nil {
				return nil, err
			}
			return []string{res.Hash}, nil
		}
	}

	return n.generate(num, addr)
}

func (n *BitcoinNode) generate(num int, addr string) ([]string, error) {
	if num <= 0 {
		return nil, nil
	}
	var hashes []string
	if err := callFor(n.chain, &hashes, "generatetoaddress", num, addr); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (n *BitcoinNode) waitForMempool(count int, txids []string) error {
	err := WaitForWithErr(func() (bool, error) {
		mempool, err := n.GetRawMempool()
		if err != nil {
			return false, err
		}
		if len(mempool) < count {
			return false, nil
		}
		present := make(map[string]struct{}, len(mempool))
		for _, txid := range mempool {
			present[txid] = struct{}{}
		}
		for _, txid := range txids {
			if _, ok := present[txid]; !ok {
				return false, nil
			}
		}
		return true, nil
	}, n.timeout)
	if err != nil {
		return fmt.Errorf("waiting for mempool (count=%d, txids=%v): %w", count, txids, err)
	}
	return nil
}

func anyAboveFeerate(entries map[string]*MempoolEntry, satPerKw uint64) (bool, error) {
	for txid, entry := range entries {
		rate, err := entry.AncestorFeerate()
		if err != nil {
			return false, fmt.Errorf("feerate of %s: %w", txid, err)
		}
		if rate >= satPerKw {
			return true, nil
		}
	}
	return false, nil
}

// planReorg returns the chain length after reorganizing at height with the
// given shift on a chain of length origLen.
func planReorg(height, shift, origLen int) (int, error) {
	if height < 1 || height > origLen {
		return 0, fmt.Errorf("reorg height %d outside of chain [1, %d]", height, origLen)
	}
	if shift < 0 {
		return 0, fmt.Errorf("negative reorg shift %d", shift)
	}
	if height+shift > origLen {
		return height + shift, nil
	}
	return origLen + 1, nil
}

// SimulateReorg invalidates the block at height and mines a longer chain in
// its place. With a shift the current mempool is kept out of the first
// shift blocks. It returns the hashes of all new blocks.
func (n *BitcoinNode) SimulateReorg(height, shift int) ([]string, error) {
	origLen, err := n.GetBlockHeight()
	if err != nil {
		return nil, err
	}
	finalLen, err := planReorg(height, shift, origLen)
	if err != nil {
		return nil, err
	}

	hash, err := n.GetBlockHash(height)
	if err != nil {
		return nil, err
	}
	if err := callFor(n.chain, nil, "invalidateblock", hash); err != nil {
		return nil, err
	}
	if err := n.waitForLog(fmt.Sprintf(`InvalidChainFound: invalid block=.*  height=%d`, height), n.timeout); err != nil {
		return nil, err
	}

	mempool, err := n.GetRawMempool()
	if err != nil {
		return nil, err
	}

	addr, err := n.GetNewAddress()
	if err != nil {
		return nil, err
	}

	var hashes []string
	if shift == 0 {
		hashes, err = n.generate(1+finalLen-height, addr)
		if err != nil {
			return nil, err
		}
	} else {
		if err := n.Prioritise(mempool, -reorgFeeDelta); err != nil {
			return nil, err
		}
		shifted, err := n.generate(shift, addr)
		if err != nil {
			return nil, err
		}
		if err := n.Prioritise(mempool, reorgFeeDelta); err != nil {
			return nil, err
		}
		rest, err := n.generate(1+finalLen-(height+shift), addr)
		if err != nil {
			return nil, err
		}
		hashes = append(shifted, rest...)
	}

	if err := n.waitForLog(fmt.Sprintf(`UpdateTip: new best=.* height=%d`, finalLen), n.timeout); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Prioritise shifts the fee bitcoind uses to rank the given mempool
// transactions by delta sat.
func (n *BitcoinNode) Prioritise(txids []string, delta int64) error {
	for _, txid := range txids {
		if err := callFor(n.chain, nil, "prioritisetransaction", txid, 0, delta); err != nil {
			return err
		}
	}
	return nil
}
