package test

import (
	"strconv"
	"testing"

	"github.com/breez/swapd-itest/testframework"
	"google.golang.org/grpc/codes"
)

const minViableCltv = 18

func TestCltv_InvoiceDeltaFollowsBlocksLeft(t *testing.T) {
	tests := []struct {
		name    string
		extra   uint32
		expired bool
	}{
		{name: "on limit", extra: 0},
		{name: "above limit", extra: 1, expired: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := NewHarness(t)
			user, swapper := h.SetupUserAndSwapper(testframework.KindCln,
				testframework.WithSwapdFlag("min-viable-cltv", strconv.Itoa(minViableCltv)))

			s := createSwap(t, swapper)
			exp := s.expectations(swapper, 100_000)
			exp.OrigSwapperUtxos = countUtxos(t, swapper.Lightning)
			fundSwap(t, h.Bitcoin(), s.Address, exp.Outputs...)
			waitForSwapOutputs(t, swapper, s.Address, 1, outputPollBudget)

			cltv := exp.CltvLimit(minViableCltv) + tc.extra
			invoice := swapInvoice(t, user, s, exp.InvoiceAmountMsat(), testframework.WithCltv(cltv))
			err := paySwap(swapper, invoice.Bolt11)
			if tc.expired {
				requireStatus(t, err, codes.FailedPrecondition, "swap expired")
				return
			}
			requireNoError(t, err, "PaySwap() with cltv %d", cltv)
			waitForInvoicePaid(t, user, s.PaymentHash, h.Env().Config.Timeout())
			waitForRedeem(t, h.Bitcoin(), swapper, exp.SwapperUtxosAfterRedeem(), redeemTimeout)
		})
	}
}
