package swaprpc

// Messages of the public swap.Swapper service.

type SwapParameters struct {
	MaxSwapAmountSat uint64 `json:"maxSwapAmountSat,string"`
	MinSwapAmountSat uint64 `json:"minSwapAmountSat,string"`
	MinUtxoAmountSat uint64 `json:"minUtxoAmountSat,string"`
}

type CreateSwapRequest struct {
	Hash         []byte `json:"hash"`
	RefundPubkey []byte `json:"refundPubkey"`
}

type CreateSwapResponse struct {
	Address     string          `json:"address"`
	ClaimPubkey []byte          `json:"claimPubkey"`
	LockTime    uint32          `json:"lockTime"`
	Parameters  *SwapParameters `json:"parameters"`
}

type PaySwapRequest struct {
	PaymentRequest string `json:"paymentRequest"`
}

type PaySwapResponse struct{}

type RefundSwapRequest struct {
	Address     string `json:"address"`
	Transaction []byte `json:"transaction"`
	InputIndex  uint32 `json:"inputIndex"`
	PubNonce    []byte `json:"pubNonce"`
}

type RefundSwapResponse struct {
	PartialSignature []byte `json:"partialSignature"`
	PubNonce         []byte `json:"pubNonce"`
}

type SwapParametersRequest struct{}

type SwapParametersResponse struct {
	Parameters *SwapParameters `json:"parameters"`
}

// Messages of the internal swap_internal.SwapManager service.

type AddAddressFiltersRequest struct {
	Addresses []string `json:"addresses"`
}

type AddAddressFiltersReply struct{}

type GetInfoRequest struct{}

type GetInfoReply struct {
	BlockHeight uint64 `json:"blockHeight,string"`
	Network     string `json:"network"`
}

type GetSwapRequest struct {
	Address string `json:"address"`
}

type SwapOutput struct {
	Outpoint    string `json:"outpoint"`
	AmountSat   uint64 `json:"amountSat,string"`
	BlockHash   string `json:"blockHash"`
	BlockHeight uint64 `json:"blockHeight,string"`
}

type SwapLock struct {
	LockId string `json:"lockId"`
	Kind   string `json:"kind"`
}

type PaymentAttempt struct {
	Label        string `json:"label"`
	AmountMsat   uint64 `json:"amountMsat,string"`
	CreationTime uint64 `json:"creationTime,string"`
	Success      bool   `json:"success"`
	Error        string `json:"error"`
}

type GetSwapReply struct {
	Address         string            `json:"address"`
	CreationTime    uint64            `json:"creationTime,string"`
	PaymentHash     string            `json:"paymentHash"`
	Outputs         []*SwapOutput     `json:"outputs"`
	ActiveLocks     []*SwapLock       `json:"activeLocks"`
	PaymentAttempts []*PaymentAttempt `json:"paymentAttempts"`
}

type StopRequest struct{}

type StopReply struct{}
