package scenario

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestExpectationsInvoiceAmount(t *testing.T) {
	tests := []struct {
		name    string
		outputs []btcutil.Amount
		want    uint64
	}{
		{name: "no outputs", want: 0},
		{name: "one output", outputs: []btcutil.Amount{100_000}, want: 100_000_000},
		{name: "two outputs", outputs: []btcutil.Amount{100_000, 50_000}, want: 150_000_000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := Expectations{Outputs: tc.outputs}
			if got := e.InvoiceAmountMsat(); got != tc.want {
				t.Fatalf("InvoiceAmountMsat() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestExpectationsExpiry(t *testing.T) {
	e := Expectations{LockTime: 288, MinRedeemBlocks: 72}

	if got := e.ExpiryHeight(102); got != 318 {
		t.Fatalf("ExpiryHeight() = %d, want 318", got)
	}
	if got := e.BlocksUntilExpired(102, 102); got != 216 {
		t.Fatalf("BlocksUntilExpired() = %d, want 216", got)
	}
	if got := e.BlocksUntilExpired(102, 400); got != 0 {
		t.Fatalf("BlocksUntilExpired() past expiry = %d, want 0", got)
	}
}

func TestExpectationsCltvLimit(t *testing.T) {
	e := Expectations{LockTime: 288, MinRedeemBlocks: 72}
	if got := e.CltvLimit(18); got != 197 {
		t.Fatalf("CltvLimit() = %d, want 197", got)
	}
}

func TestExpectationsPayoutError(t *testing.T) {
	tests := []struct {
		name       string
		exp        Expectations
		amountMsat uint64
		want       string
	}{
		{
			name:       "matching amount",
			exp:        Expectations{Outputs: []btcutil.Amount{100_000}},
			amountMsat: 100_000_000,
			want:       "",
		},
		{
			name:       "mismatching amount",
			exp:        Expectations{Outputs: []btcutil.Amount{100_000, 100_000}},
			amountMsat: 100_000_000,
			want:       "confirmed utxo values don't match invoice value",
		},
		{
			name:       "no outputs",
			exp:        Expectations{},
			amountMsat: 100_000_000,
			want:       "no utxos found",
		},
		{
			name: "above max",
			exp: Expectations{
				Outputs:       []btcutil.Amount{5_000_000},
				MaxSwapAmount: 4_000_000,
			},
			amountMsat: 5_000_000_000,
			want:       "amount exceeds max swap amount",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.exp.PayoutError(tc.amountMsat); got != tc.want {
				t.Fatalf("PayoutError() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExpectationsSwapperUtxos(t *testing.T) {
	e := Expectations{
		Outputs:          []btcutil.Amount{100_000, 100_000},
		OrigSwapperUtxos: 3,
	}
	if got := e.SwapperUtxosAfterRedeem(); got != 4 {
		t.Fatalf("SwapperUtxosAfterRedeem() = %d, want 4", got)
	}
}

func TestSafeInt64ToUint64Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative value")
		}
	}()
	safeInt64ToUint64(-1)
}
