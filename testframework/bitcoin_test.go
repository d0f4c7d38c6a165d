package testframework

import (
	"testing"
	"time"

	"github.com/breez/swapd-itest/testframework/mocks"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ybbus/jsonrpc"
	"go.uber.org/mock/gomock"
)

func result(v any) *jsonrpc.RPCResponse {
	return &jsonrpc.RPCResponse{JSONRPC: "2.0", Result: v}
}

func regtestAddress(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newMockedBitcoinNode(t *testing.T) (*BitcoinNode, *mocks.MockChainRpc, *[]string) {
	t.Helper()
	ctrl := gomock.NewController(t)
	rpc := mocks.NewMockChainRpc(ctrl)

	var patterns []string
	n := &BitcoinNode{
		chain:   rpc,
		prefix:  "bitcoind-test",
		timeout: time.Second,
	}
	n.waitForLog = func(regex string, _ time.Duration) error {
		patterns = append(patterns, regex)
		return nil
	}
	return n, rpc, &patterns
}

func mempoolEntry(ancestorFeeBtc float64, ancestorSize int64) map[string]any {
	return map[string]any{
		"vsize":        ancestorSize,
		"ancestorsize": ancestorSize,
		"fees": map[string]any{
			"base":     ancestorFeeBtc,
			"ancestor": ancestorFeeBtc,
		},
	}
}

func TestMempoolEntry_AncestorFeerate(t *testing.T) {
	entry := &MempoolEntry{AncestorSize: 250}
	entry.Fees.Ancestor = 0.00001

	rate, err := entry.AncestorFeerate()
	require.NoError(t, err)
	// 1000 sat over 1000 weight units.
	assert.EqualValues(t, 1000, rate)

	_, err = (&MempoolEntry{}).AncestorFeerate()
	assert.Error(t, err)
}

func TestMine_MinFeerateMinesEmptyBlockBelowFloor(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	gomock.InOrder(
		rpc.EXPECT().Call("getrawmempool", true).Return(result(map[string]any{
			"aa": mempoolEntry(0.00000250, 250),
			"bb": mempoolEntry(0.00000500, 250),
		}), nil),
		rpc.EXPECT().Call("generateblock", addr, []string{}).
			Return(result(map[string]any{"hash": "empty-block"}), nil),
	)

	hashes, err := n.Mine(1, ToAddress(addr), MinFeerate(1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"empty-block"}, hashes)
}

func TestMine_MinFeerateMinesFullBlockWhenOneMeetsFloor(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	gomock.InOrder(
		rpc.EXPECT().Call("getrawmempool", true).Return(result(map[string]any{
			"low":   mempoolEntry(0.00000250, 250),
			"exact": mempoolEntry(0.00001000, 250),
		}), nil),
		rpc.EXPECT().Call("generatetoaddress", 1, addr).
			Return(result([]string{"full-block"}), nil),
	)

	hashes, err := n.Mine(1, ToAddress(addr), MinFeerate(1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"full-block"}, hashes)
}

func TestMine_MinFeerateRequiresSingleBlock(t *testing.T) {
	n, _, _ := newMockedBitcoinNode(t)
	_, err := n.Mine(2, ToAddress(regtestAddress(t)), MinFeerate(253))
	assert.Error(t, err)
}

func TestMine_WaitsForMempoolTxids(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	gomock.InOrder(
		rpc.EXPECT().Call("getrawmempool").Return(result([]string{"other"}), nil),
		rpc.EXPECT().Call("getrawmempool").Return(result([]string{"other", "funding"}), nil),
		rpc.EXPECT().Call("generatetoaddress", 1, addr).Return(result([]string{"h1"}), nil),
	)

	hashes, err := n.Mine(1, ToAddress(addr), WaitForMempoolTxids("funding"))
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hashes)
}

func TestMine_WaitForMempoolCountTimesOut(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	n.timeout = 150 * time.Millisecond

	rpc.EXPECT().Call("getrawmempool").Return(result([]string{}), nil).AnyTimes()

	_, err := n.Mine(1, ToAddress(regtestAddress(t)), WaitForMempoolCount(1))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMine_DefaultAddress(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	gomock.InOrder(
		rpc.EXPECT().Call("getnewaddress").Return(result(addr), nil),
		rpc.EXPECT().Call("generatetoaddress", 3, addr).Return(result([]string{"a", "b", "c"}), nil),
	)

	hashes, err := n.Mine(3)
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
}

func TestMine_PropagatesRpcError(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	rpc.EXPECT().Call("generatetoaddress", 1, addr).Return(&jsonrpc.RPCResponse{
		Error: &jsonrpc.RPCError{Code: -5, Message: "Invalid address"},
	}, nil)

	_, err := n.Mine(1, ToAddress(addr))
	require.Error(t, err)
	assert.Equal(t, "Invalid address", err.Error())
	assert.True(t, IsRpcError(err, "Invalid address"))
}

func TestPlanReorg(t *testing.T) {
	tests := []struct {
		name     string
		height   int
		shift    int
		origLen  int
		finalLen int
		wantErr  bool
	}{
		{name: "no shift extends by one", height: 105, shift: 0, origLen: 110, finalLen: 111},
		{name: "shift within chain", height: 105, shift: 3, origLen: 110, finalLen: 111},
		{name: "shift beyond tip", height: 105, shift: 10, origLen: 110, finalLen: 115},
		{name: "tip reorg", height: 110, shift: 0, origLen: 110, finalLen: 111},
		{name: "height above tip", height: 111, shift: 0, origLen: 110, wantErr: true},
		{name: "negative shift", height: 100, shift: -1, origLen: 110, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finalLen, err := planReorg(tt.height, tt.shift, tt.origLen)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.finalLen, finalLen)
		})
	}
}

func TestSimulateReorg_NoShift(t *testing.T) {
	n, rpc, patterns := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	newBlocks := []string{"n105", "n106", "n107", "n108", "n109", "n110", "n111"}
	gomock.InOrder(
		rpc.EXPECT().Call("getblockcount").Return(result(110), nil),
		rpc.EXPECT().Call("getblockhash", 105).Return(result("h105"), nil),
		rpc.EXPECT().Call("invalidateblock", "h105").Return(result(nil), nil),
		rpc.EXPECT().Call("getrawmempool").Return(result([]string{"tx1"}), nil),
		rpc.EXPECT().Call("getnewaddress").Return(result(addr), nil),
		// L+1-h+1 blocks: 110+1-105+1 = 7.
		rpc.EXPECT().Call("generatetoaddress", 7, addr).Return(result(newBlocks), nil),
	)

	hashes, err := n.SimulateReorg(105, 0)
	require.NoError(t, err)
	assert.Equal(t, newBlocks, hashes)
	assert.Equal(t, []string{
		`InvalidChainFound: invalid block=.*  height=105`,
		`UpdateTip: new best=.* height=111`,
	}, *patterns)
}

func TestSimulateReorg_ShiftDeprioritisesMempool(t *testing.T) {
	n, rpc, patterns := newMockedBitcoinNode(t)
	addr := regtestAddress(t)

	gomock.InOrder(
		rpc.EXPECT().Call("getblockcount").Return(result(110), nil),
		rpc.EXPECT().Call("getblockhash", 108).Return(result("h108"), nil),
		rpc.EXPECT().Call("invalidateblock", "h108").Return(result(nil), nil),
		rpc.EXPECT().Call("getrawmempool").Return(result([]string{"tx1", "tx2"}), nil),
		rpc.EXPECT().Call("getnewaddress").Return(result(addr), nil),
		rpc.EXPECT().Call("prioritisetransaction", "tx1", 0, int64(-reorgFeeDelta)).Return(result(true), nil),
		rpc.EXPECT().Call("prioritisetransaction", "tx2", 0, int64(-reorgFeeDelta)).Return(result(true), nil),
		rpc.EXPECT().Call("generatetoaddress", 5, addr).
			Return(result([]string{"s1", "s2", "s3", "s4", "s5"}), nil),
		rpc.EXPECT().Call("prioritisetransaction", "tx1", 0, int64(reorgFeeDelta)).Return(result(true), nil),
		rpc.EXPECT().Call("prioritisetransaction", "tx2", 0, int64(reorgFeeDelta)).Return(result(true), nil),
		// Final length 113, so one more block on top of 108+5.
		rpc.EXPECT().Call("generatetoaddress", 1, addr).Return(result([]string{"r1"}), nil),
	)

	hashes, err := n.SimulateReorg(108, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5", "r1"}, hashes)
	assert.Equal(t, `UpdateTip: new best=.* height=113`, (*patterns)[1])
}

func TestBitcoinNode_OpenWalletLoadsExisting(t *testing.T) {
	n, rpc, _ := newMockedBitcoinNode(t)
	n.WalletName = defaultWalletName

	gomock.InOrder(
		rpc.EXPECT().Call("createwallet", defaultWalletName).Return(&jsonrpc.RPCResponse{
			Error: &jsonrpc.RPCError{Code: -4, Message: "Wallet file verification failed. Failed to create database path. Database already exists."},
		}, nil),
		rpc.EXPECT().Call("loadwallet", defaultWalletName).Return(result(map[string]any{"name": defaultWalletName}), nil),
	)

	require.NoError(t, n.openWallet())
}
