package test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/breez/swapd-itest/test/scenario"
	"github.com/breez/swapd-itest/testframework"
	"github.com/stretchr/testify/require"
)

// holdSwapPayment funds a swap and lets swapd pay a hold invoice of user. It
// returns once the htlc is held by user, together with the channel to the
// background PaySwap call.
func holdSwapPayment(t *testing.T, h *Harness, user *testframework.LndNode, swapper *testframework.SwapDaemon) (*swapSession, scenario.Expectations, <-chan error) {
	t.Helper()
	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000)
	exp.OrigSwapperUtxos = countUtxos(t, swapper.Lightning)
	fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	hash, err := hex.DecodeString(s.PaymentHash)
	require.NoError(t, err)
	invoice, err := user.CreateHoldInvoice(exp.InvoiceAmountMsat(), hash)
	requireNoError(t, err, "CreateHoldInvoice()")

	paid := make(chan error, 1)
	go func() {
		paid <- paySwap(swapper, invoice.Bolt11)
	}()

	err = testframework.WaitForWithErr(func() (bool, error) {
		return user.IsInvoiceAccepted(s.PaymentHash)
	}, h.Env().Config.Timeout())
	requireNoError(t, err, "htlc for %s never reached the user", s.PaymentHash)
	return s, exp, paid
}

// settleAndRedeem releases the held htlc and waits for swapd to sweep the
// swap output.
func settleAndRedeem(t *testing.T, h *Harness, user *testframework.LndNode, swapper *testframework.SwapDaemon, s *swapSession, exp scenario.Expectations, paid <-chan error) {
	t.Helper()
	requireNoError(t, user.SettleInvoice(s.Preimage), "SettleInvoice()")
	waitForInvoicePaid(t, user, s.PaymentHash, h.Env().Config.Timeout())
	waitForRedeem(t, h.Bitcoin(), swapper, exp.SwapperUtxosAfterRedeem(), redeemTimeout)

	// The PaySwap call was cut off by the restart or returned after the
	// settle. Either way it has to be done by now.
	select {
	case <-paid:
	case <-time.After(h.Env().Config.Timeout()):
		t.Fatal("PaySwap call did not return")
	}
}

func TestInflight_SwapdRestart(t *testing.T) {
	h := NewHarness(t)
	h.ExpectSwapdExits(false)
	node, swapper := h.SetupUserAndSwapper(testframework.KindLnd, testframework.MayFail())
	user := node.(*testframework.LndNode)

	s, exp, paid := holdSwapPayment(t, h, user, swapper)

	requireNoError(t, swapper.Restart(time.Second, false), "Restart()")
	err := testframework.WaitFor(func() bool { return getInfoWorks(swapper) }, h.Env().Config.Timeout())
	requireNoError(t, err, "swapd api did not come back")

	settleAndRedeem(t, h, user, swapper, s, exp, paid)
}

func TestInflight_SwapperNodeRestart(t *testing.T) {
	h := NewHarness(t)
	node, swapper := h.SetupUserAndSwapper(testframework.KindLnd)
	user := node.(*testframework.LndNode)

	s, exp, paid := holdSwapPayment(t, h, user, swapper)

	timeout := h.Env().Config.Timeout()
	requireNoError(t, swapper.Lightning.Stop(timeout), "stopping swapper node")
	requireNoError(t, swapper.Lightning.Start(), "starting swapper node")
	requireNoError(t, user.Connect(swapper.Lightning, true), "reconnecting to swapper node")

	settleAndRedeem(t, h, user, swapper, s, exp, paid)
}
