package test

import (
	"testing"
	"time"

	"github.com/breez/swapd-itest/swaprpc"
	"github.com/breez/swapd-itest/testframework"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const redeemTimeout = 60 * time.Second

func TestSwap_ConfirmedOutputIsReported(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend testframework.LightningKind) {
		h := NewHarness(t)
		user := h.User(testframework.KindCln)
		swapper := h.Swapper(testframework.WithBackend(backend))

		// Opening the channel funds the swapper's wallet with 200k sat.
		_, err := swapper.Lightning.OpenChannel(user, 20_000, true, true)
		requireNoError(t, err, "OpenChannel()")

		s := createSwap(t, swapper)
		height := fundSwap(t, h.Bitcoin(), s.Address, 100_000)

		swap := waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)
		assert.Equal(t, s.PaymentHash, swap.PaymentHash)
		assert.EqualValues(t, 100_000, swap.Outputs[0].AmountSat)
		assert.EqualValues(t, height, swap.Outputs[0].BlockHeight)
	})
}

func TestSwap_PayoutAndRedeem(t *testing.T) {
	for _, userKind := range backends {
		userKind := userKind
		t.Run("user="+string(userKind), func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, backend testframework.LightningKind) {
				h := NewHarness(t)
				user, swapper := h.SetupUserAndSwapper(userKind, testframework.WithBackend(backend))

				s := createSwap(t, swapper)
				exp := s.expectations(swapper, 100_000)
				exp.OrigSwapperUtxos = countUtxos(t, swapper.Lightning)

				fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
				waitForSwapOutputs(t, swapper, s.Address, len(exp.Outputs), outputPollBudget)

				invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
				requireNoError(t, paySwap(swapper, invoice.Bolt11), "PaySwap()")
				waitForInvoicePaid(t, user, s.PaymentHash, h.Env().Config.Timeout())

				swap, err := getSwap(swapper, s.Address)
				require.NoError(t, err)
				require.NotEmpty(t, swap.PaymentAttempts)
				assert.True(t, swap.PaymentAttempts[len(swap.PaymentAttempts)-1].Success)

				waitForRedeem(t, h.Bitcoin(), swapper, exp.SwapperUtxosAfterRedeem(), redeemTimeout)
			})
		})
	}
}

func TestSwap_TwoUtxos(t *testing.T) {
	h := NewHarness(t)
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000, 100_000)
	exp.OrigSwapperUtxos = countUtxos(t, swapper.Lightning)

	fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 2, outputPollBudget)

	invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
	requireNoError(t, paySwap(swapper, invoice.Bolt11), "PaySwap()")
	waitForInvoicePaid(t, user, s.PaymentHash, h.Env().Config.Timeout())

	// Both outputs are swept by a single redeem transaction.
	waitForRedeem(t, h.Bitcoin(), swapper, exp.SwapperUtxosAfterRedeem(), redeemTimeout)
}

func TestSwap_PayAgainFails(t *testing.T) {
	h := NewHarness(t)
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000)
	fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
	requireNoError(t, paySwap(swapper, invoice.Bolt11), "PaySwap()")
	waitForInvoicePaid(t, user, s.PaymentHash, h.Env().Config.Timeout())

	err := paySwap(swapper, invoice.Bolt11)
	requireStatus(t, err, codes.FailedPrecondition, "swap already paid")
}

func TestSwap_PayAfterExpiryFails(t *testing.T) {
	h := NewHarness(t)
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000)
	confirmed := fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	current, err := h.Bitcoin().GetBlockHeight()
	require.NoError(t, err)
	if n := exp.BlocksUntilExpired(confirmed, current); n > 0 {
		_, err = h.Bitcoin().Mine(n)
		require.NoError(t, err)
	}
	expiry := exp.ExpiryHeight(confirmed)
	err = testframework.WaitFor(func() bool {
		ctx, cancel := rpcCtx()
		defer cancel()
		info, err := swapper.Internal().GetInfo(ctx, &swaprpc.GetInfoRequest{})
		return err == nil && int(info.BlockHeight) >= expiry
	}, h.Env().Config.Timeout())
	requireNoError(t, err, "swapd did not reach height %d", expiry)

	// A correctly sized invoice passes the amount check, so only the expiry
	// can reject it.
	require.Empty(t, exp.PayoutError(exp.InvoiceAmountMsat()))
	invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
	err = paySwap(swapper, invoice.Bolt11)
	requireStatus(t, err, codes.FailedPrecondition, "swap expired")

	invoices, err := user.ListInvoices(s.PaymentHash)
	require.NoError(t, err)
	for _, inv := range invoices {
		assert.False(t, inv.Paid)
	}
}

func TestSwap_WrongAmountFails(t *testing.T) {
	h := NewHarness(t)
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000)
	fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	wrongAmount := exp.InvoiceAmountMsat() + 1_000
	invoice := swapInvoice(t, user, s, wrongAmount)
	err := paySwap(swapper, invoice.Bolt11)
	requireStatus(t, err, codes.FailedPrecondition, exp.PayoutError(wrongAmount))
}

func TestSwap_FilteredAddress(t *testing.T) {
	h := NewHarness(t)
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	// The user funds the swap from a wallet address swapd is told to
	// ignore, so its outputs may not count towards the swap value.
	filtered, err := user.NewAddress()
	require.NoError(t, err)
	fundingTx, err := h.Bitcoin().SendToAddress(filtered, 200_000)
	require.NoError(t, err)
	_, err = h.Bitcoin().Mine(1, testframework.WaitForMempoolTxids(fundingTx))
	require.NoError(t, err)

	ctx, cancel := rpcCtx()
	_, err = swapper.Internal().AddAddressFilters(ctx, &swaprpc.AddAddressFiltersRequest{Addresses: []string{filtered}})
	cancel()
	requireNoError(t, err, "AddAddressFilters()")

	s := createSwap(t, swapper)
	exp := s.expectations(swapper, 100_000)
	_, err = user.SendOnchain(s.Address, 100_000, 1)
	requireNoError(t, err, "SendOnchain(%s)", s.Address)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
	if err := paySwap(swapper, invoice.Bolt11); err != nil {
		requireStatus(t, err, codes.FailedPrecondition, "confirmed utxo values don't match invoice value")
	}
}

func TestSwap_AmountAboveMaximum(t *testing.T) {
	h := NewHarness(t, WithSwapdDefaults(func(c *testframework.SwapdConfig) {
		c.MaxSwapAmountSat = 150_000
	}))
	user, swapper := h.SetupUserAndSwapper(testframework.KindCln)

	s := createSwap(t, swapper)
	require.NotNil(t, s.Parameters)
	assert.EqualValues(t, 150_000, s.Parameters.MaxSwapAmountSat)

	exp := s.expectations(swapper, btcutil.Amount(200_000))
	fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
	waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

	invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat())
	err := paySwap(swapper, invoice.Bolt11)
	requireStatus(t, err, codes.InvalidArgument, exp.PayoutError(exp.InvoiceAmountMsat()))
}

func TestSwap_MinimumFollowsFeeOracle(t *testing.T) {
	h := NewHarness(t)
	cheap := h.Swapper()

	expensive := make([]int, len(testframework.DefaultFees))
	for i, f := range testframework.DefaultFees {
		expensive[i] = f * 10
	}
	costly := h.Swapper(testframework.WithFees(expensive...))

	low := createSwap(t, cheap).Parameters
	high := createSwap(t, costly).Parameters
	require.NotNil(t, low)
	require.NotNil(t, high)
	assert.Greater(t, high.MinUtxoAmountSat, low.MinUtxoAmountSat)
}
