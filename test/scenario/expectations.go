package scenario

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Expectations captures the numeric inputs required to derive swap assertions.
type Expectations struct {
	// Outputs are the amounts sent to the swap address.
	Outputs []btcutil.Amount

	LockTime        uint32
	MinRedeemBlocks uint32
	MaxSwapAmount   btcutil.Amount

	// OrigSwapperUtxos is the number of utxos the swapper's lightning node
	// held before the swap was redeemed.
	OrigSwapperUtxos int
}

// Total is the sum of all swap outputs.
func (e Expectations) Total() btcutil.Amount {
	var total btcutil.Amount
	for _, o := range e.Outputs {
		total += o
	}
	return total
}

// InvoiceAmountMsat is the invoice amount swapd accepts for the swap. It
// must match the confirmed outputs exactly.
func (e Expectations) InvoiceAmountMsat() uint64 {
	return safeInt64ToUint64(int64(e.Total())) * 1000
}

// ExpiryHeight returns a height at which swapd refuses to pay out a swap
// whose first output confirmed at confirmationHeight.
func (e Expectations) ExpiryHeight(confirmationHeight int) int {
	return confirmationHeight + int(e.LockTime) - int(e.MinRedeemBlocks)
}

// BlocksUntilExpired returns how many blocks must be mined on top of
// currentHeight to reach ExpiryHeight. Never negative.
func (e Expectations) BlocksUntilExpired(confirmationHeight, currentHeight int) int {
	n := e.ExpiryHeight(confirmationHeight) - currentHeight
	if n < 0 {
		return 0
	}
	return n
}

// CltvLimit is the largest min_final_cltv_expiry_delta swapd accepts on an
// invoice paid right after the swap confirmed.
func (e Expectations) CltvLimit(minViableCltv uint32) uint32 {
	return e.LockTime - 1 - e.MinRedeemBlocks - minViableCltv
}

// PayoutError is the error message swapd is expected to return when paying
// an invoice of amountMsat before expiry, or "" if the payment should go
// through.
func (e Expectations) PayoutError(amountMsat uint64) string {
	if e.MaxSwapAmount > 0 && e.Total() > e.MaxSwapAmount {
		return "amount exceeds max swap amount"
	}
	if len(e.Outputs) == 0 {
		return "no utxos found"
	}
	if amountMsat != e.InvoiceAmountMsat() {
		return "confirmed utxo values don't match invoice value"
	}
	return ""
}

// SwapperUtxosAfterRedeem is the swapper's utxo count once the redeem
// transaction confirmed. All swap outputs are swept into one.
func (e Expectations) SwapperUtxosAfterRedeem() int {
	return e.OrigSwapperUtxos + 1
}

func safeInt64ToUint64(value int64) uint64 {
	if value < 0 {
		panic(fmt.Sprintf("value %d is negative", value))
	}
	return uint64(value)
}
