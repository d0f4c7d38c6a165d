package test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/breez/swapd-itest/swaprpc"
	"github.com/breez/swapd-itest/test/scenario"
	"github.com/breez/swapd-itest/testframework"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// outputPollBudget bounds how long swapd may take to notice a confirmed
// output.
const outputPollBudget = 10 * time.Second

var regtestParams = &chaincfg.RegressionNetParams

// swapSession is a swap created by a user against a swapd.
type swapSession struct {
	Address     string
	Preimage    []byte
	PaymentHash string
	RefundKey   *btcec.PrivateKey
	ClaimPubkey []byte
	LockTime    uint32
	Parameters  *swaprpc.SwapParameters
}

func rpcCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), swaprpc.DefaultCallTimeout)
}

// createSwap asks swapd for a swap address locked to a fresh preimage and
// refund key.
func createSwap(t *testing.T, swapper *testframework.SwapDaemon) *swapSession {
	t.Helper()

	preimage := make([]byte, 32)
	_, err := rand.Read(preimage)
	require.NoError(t, err)
	refundKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	s := &swapSession{
		Preimage:    preimage,
		PaymentHash: paymentHash(preimage),
		RefundKey:   refundKey,
	}
	hash, err := hex.DecodeString(s.PaymentHash)
	require.NoError(t, err)

	ctx, cancel := rpcCtx()
	defer cancel()
	res, err := swapper.Public().CreateSwap(ctx, &swaprpc.CreateSwapRequest{
		Hash:         hash,
		RefundPubkey: refundKey.PubKey().SerializeCompressed(),
	})
	requireNoError(t, err, "CreateSwap()")

	_, err = btcutil.DecodeAddress(res.Address, regtestParams)
	requireNoError(t, err, "swap address %s is not a regtest address", res.Address)

	s.Address = res.Address
	s.ClaimPubkey = res.ClaimPubkey
	s.LockTime = res.LockTime
	s.Parameters = res.Parameters
	return s
}

// expectations returns the numbers a scenario asserts on, given the amounts
// sent to the swap.
func (s *swapSession) expectations(swapper *testframework.SwapDaemon, outputs ...btcutil.Amount) scenario.Expectations {
	e := scenario.Expectations{
		Outputs:         outputs,
		LockTime:        s.LockTime,
		MinRedeemBlocks: swapper.Config.MinRedeemBlocks,
	}
	if s.Parameters != nil {
		e.MaxSwapAmount = btcutil.Amount(s.Parameters.MaxSwapAmountSat)
	}
	return e
}

// fundSwap sends every amount to the swap address in its own transaction
// and mines one block confirming all of them. It returns the confirmation
// height.
func fundSwap(t *testing.T, bitcoin *testframework.BitcoinNode, address string, amounts ...btcutil.Amount) int {
	t.Helper()

	txids := make([]string, 0, len(amounts))
	for _, amt := range amounts {
		txid, err := bitcoin.SendToAddress(address, uint64(amt))
		requireNoError(t, err, "SendToAddress(%s, %v)", address, amt)
		txids = append(txids, txid)
	}
	_, err := bitcoin.Mine(1, testframework.WaitForMempoolTxids(txids...))
	requireNoError(t, err, "failed to confirm swap funding")

	height, err := bitcoin.GetBlockHeight()
	require.NoError(t, err)
	return height
}

func getSwap(swapper *testframework.SwapDaemon, address string) (*swaprpc.GetSwapReply, error) {
	ctx, cancel := rpcCtx()
	defer cancel()
	return swapper.Internal().GetSwap(ctx, &swaprpc.GetSwapRequest{Address: address})
}

// waitForSwapOutputs waits until swapd reports exactly n confirmed outputs
// for the swap.
func waitForSwapOutputs(t *testing.T, swapper *testframework.SwapDaemon, address string, n int, timeout time.Duration) *swaprpc.GetSwapReply {
	t.Helper()

	var (
		last    *swaprpc.GetSwapReply
		lastErr error
	)
	err := testframework.WaitFor(func() bool {
		last, lastErr = getSwap(swapper, address)
		return lastErr == nil && len(last.Outputs) == n
	}, timeout)
	if err != nil {
		got := -1
		if last != nil {
			got = len(last.Outputs)
		}
		t.Fatalf("swap %s: want %d outputs, got %d (last error: %v): %v", address, n, got, lastErr, err)
	}
	return last
}

func paySwap(swapper *testframework.SwapDaemon, bolt11 string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*swaprpc.DefaultCallTimeout)
	defer cancel()
	_, err := swapper.Public().PaySwap(ctx, &swaprpc.PaySwapRequest{PaymentRequest: bolt11})
	return err
}

// swapInvoice creates the invoice the user hands to swapd. It is locked to
// the swap preimage.
func swapInvoice(t *testing.T, user testframework.LightningNode, s *swapSession, amountMsat uint64, opts ...testframework.InvoiceOption) *testframework.Invoice {
	t.Helper()
	invoice, err := user.CreateInvoice(amountMsat, "swap", s.Preimage, opts...)
	requireNoError(t, err, "CreateInvoice()")
	require.Equal(t, s.PaymentHash, invoice.PaymentHash)
	return invoice
}

func waitForInvoicePaid(t *testing.T, user testframework.LightningNode, paymentHash string, timeout time.Duration) {
	t.Helper()
	err := testframework.WaitForWithErr(func() (bool, error) {
		invoices, err := user.ListInvoices(paymentHash)
		if err != nil {
			return false, err
		}
		return len(invoices) == 1 && invoices[0].Paid, nil
	}, timeout)
	requireNoError(t, err, "invoice %s not paid", paymentHash)
}

// waitForRedeem mines the redeem transaction once swapd published it and
// waits until the swapper's node sees the swept output.
func waitForRedeem(t *testing.T, bitcoin *testframework.BitcoinNode, swapper *testframework.SwapDaemon, wantUtxos int, timeout time.Duration) {
	t.Helper()
	_, err := bitcoin.Mine(1, testframework.WaitForMempoolCount(1))
	requireNoError(t, err, "redeem transaction was not published")

	err = testframework.WaitForWithErr(func() (bool, error) {
		utxos, err := swapper.Lightning.ListUtxos()
		if err != nil {
			return false, err
		}
		return len(utxos) == wantUtxos, nil
	}, timeout)
	requireNoError(t, err, "swapper did not receive the redeemed funds")
}

func countUtxos(t *testing.T, node testframework.LightningNode) int {
	t.Helper()
	utxos, err := node.ListUtxos()
	require.NoError(t, err)
	return len(utxos)
}
