package txfinalizer

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/tranvictor/txfinalizer/history"
)

// Constants for pipeline behaviour
const (
	// SimpleSendGas is the fixed gas limit of a plain value transfer
	SimpleSendGas = 21000

	// Gas limit estimation bounds as fractions of the latest block gas limit
	BlockGasLimitCapRatio    = 0.95
	BlockGasLimitBufferRatio = 0.9

	// DefaultGasMultiplier pads the simulated gas when no chain override exists
	DefaultGasMultiplier = 1.5

	// Swap balance reconciliation
	SwapBalanceMaxAttempts = 6
	SwapBalanceRetryDelay  = 5 * time.Second

	// OriginWallet marks transactions created by the wallet itself
	OriginWallet = "wallet"
)

// Status is the lifecycle status of a Record
type Status string

const (
	StatusUnapproved Status = "unapproved"
	StatusApproved   Status = "approved"
	StatusSigned     Status = "signed"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusDropped    Status = "dropped"
	StatusRejected   Status = "rejected"
)

// IsPending reports whether the record sits in the mempool from the wallet's view.
func (s Status) IsPending() bool {
	return s == StatusSubmitted
}

// TxType is the semantic category of a transaction
type TxType string

const (
	TxTypeDeployContract      TxType = "contractDeployment"
	TxTypeSimpleSend          TxType = "simpleSend"
	TxTypeContractInteraction TxType = "contractInteraction"
	TxTypeTokenApprove        TxType = "approve"
	TxTypeTokenSetApproval    TxType = "setApprovalForAll"
	TxTypeTokenTransfer       TxType = "transfer"
	TxTypeTokenTransferFrom   TxType = "transferFrom"
	TxTypeTokenSafeTransfer   TxType = "safeTransferFrom"
	TxTypeSwap                TxType = "swap"
	TxTypeSwapApproval        TxType = "swapApproval"
)

// IsSwap reports whether the type belongs to a swap flow.
func (t TxType) IsSwap() bool {
	return t == TxTypeSwap || t == TxTypeSwapApproval
}

// UserFeeLevel records why a fee was chosen. It is audit data only.
type UserFeeLevel string

const (
	UserFeeLevelCustom        UserFeeLevel = "custom"
	UserFeeLevelDappSuggested UserFeeLevel = "dappSuggested"
	UserFeeLevelMedium        UserFeeLevel = "medium"
)

// EstimateType discriminates GasFeeEstimates
type EstimateType string

const (
	EstimateTypeFeeMarket EstimateType = "fee-market"
	EstimateTypeLegacy    EstimateType = "legacy"
	EstimateTypeGasPrice  EstimateType = "eth_gasPrice"
	EstimateTypeNone      EstimateType = "none"
)

// TxParams are the mutable transaction fields. Amounts are hex encoded on the
// wire the same way JSON-RPC encodes them.
type TxParams struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Type                 *hexutil.Uint64 `json:"type,omitempty"`
}

func hexutilUint64(v uint64) *hexutil.Uint64 {
	h := hexutil.Uint64(v)
	return &h
}

// HasEIP1559Fees reports whether any fee-market field is set.
func (p *TxParams) HasEIP1559Fees() bool {
	return p.MaxFeePerGas != nil || p.MaxPriorityFeePerGas != nil
}

// SimulationFailure describes a failed gas estimation
type SimulationFailure struct {
	Reason   string          `json:"reason"`
	ErrorKey string          `json:"errorKey,omitempty"`
	Debug    SimulationDebug `json:"debug"`
}

// SimulationDebug carries the block context of a failed simulation
type SimulationDebug struct {
	BlockNumber   *hexutil.Big    `json:"blockNumber,omitempty"`
	BlockGasLimit *hexutil.Uint64 `json:"blockGasLimit,omitempty"`
}

// DefaultGasEstimates snapshots the values chosen by the pipeline
type DefaultGasEstimates struct {
	EstimateType         EstimateType    `json:"estimateType"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

// Record is the canonical, mutable representation of a transaction through
// its lifecycle.
type Record struct {
	ID      string   `json:"id"`
	ChainID uint64   `json:"chainId"`
	Origin  string   `json:"origin"`
	Status  Status   `json:"status"`
	Time    int64    `json:"time"`
	Params  TxParams `json:"txParams"`
	Type    TxType   `json:"type,omitempty"`

	// OriginalGasEstimate is the gas limit supplied by the caller, if any
	OriginalGasEstimate *hexutil.Uint64 `json:"originalGasEstimate,omitempty"`
	UserEditedGasLimit  bool            `json:"userEditedGasLimit,omitempty"`

	SimulationFails     *SimulationFailure   `json:"simulationFails,omitempty"`
	UserFeeLevel        UserFeeLevel         `json:"userFeeLevel,omitempty"`
	DefaultGasEstimates *DefaultGasEstimates `json:"defaultGasEstimates,omitempty"`
	CustomNonceValue    *hexutil.Uint64      `json:"customNonceValue,omitempty"`

	// Flags used by the nonce scan
	IsTransfer      bool `json:"isTransfer,omitempty"`
	IsUserOperation bool `json:"isUserOperation,omitempty"`

	// Swap fields, only meaningful for swap types
	SourceTokenSymbol        string          `json:"sourceTokenSymbol,omitempty"`
	DestinationTokenSymbol   string          `json:"destinationTokenSymbol,omitempty"`
	DestinationTokenAddress  *common.Address `json:"destinationTokenAddress,omitempty"`
	DestinationTokenDecimals uint8           `json:"destinationTokenDecimals,omitempty"`
	PreTxBalance             *hexutil.Big    `json:"preTxBalance,omitempty"`
	PostTxBalance            *hexutil.Big    `json:"postTxBalance,omitempty"`
	ApprovalTxID             string          `json:"approvalTxId,omitempty"`
	// SwapPublished is set once the swap event went out
	SwapPublished bool `json:"swapPublished,omitempty"`

	History []history.Entry `json:"history,omitempty"`
}

// NewRecord creates an unapproved record for params and stamps the baseline
// history entry.
func NewRecord(chainID uint64, origin string, params TxParams) (*Record, error) {
	if origin == "" {
		origin = OriginWallet
	}
	rec := &Record{
		ID:      uuid.NewString(),
		ChainID: chainID,
		Origin:  origin,
		Status:  StatusUnapproved,
		Time:    time.Now().UnixMilli(),
		Params:  params,
	}
	if err := rec.Snapshot(); err != nil {
		return nil, err
	}
	return rec, nil
}

// IsWalletOrigin reports whether the wallet itself created the transaction.
func (r *Record) IsWalletOrigin() bool {
	return r.Origin == "" || r.Origin == OriginWallet
}

// withoutHistory returns a copy of the record used for history snapshots and diffs.
func (r *Record) withoutHistory() Record {
	cp := *r
	cp.History = nil
	return cp
}

// Snapshot resets the history to a single baseline entry of the current state.
func (r *Record) Snapshot() error {
	base, err := history.Snapshot(r.withoutHistory())
	if err != nil {
		return err
	}
	r.History = []history.Entry{base}
	return nil
}

// RecordChange appends a history entry describing what changed since the last
// recorded state. It returns false when nothing changed.
func (r *Record) RecordChange(note string) (bool, error) {
	entries, appended, err := history.RecordChange(r.History, r.withoutHistory(), note, time.Now())
	if err != nil {
		return false, err
	}
	r.History = entries
	return appended, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() (*Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := &Record{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SavedFees is a user's saved EIP-1559 preference expressed in decimal gwei
type SavedFees struct {
	MaxBaseFee  string `json:"maxBaseFee"`
	PriorityFee string `json:"priorityFee"`
}

// FeeMarketTier is one level of a fee-market estimate, in decimal gwei
type FeeMarketTier struct {
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
}

// GasFeeEstimates is the discriminated result of a GasFeeEstimator.
// Tier and gas price values are decimal gwei strings.
type GasFeeEstimates struct {
	Type EstimateType `json:"gasEstimateType"`

	// EstimateTypeFeeMarket
	Low    *FeeMarketTier `json:"low,omitempty"`
	Medium *FeeMarketTier `json:"medium,omitempty"`
	High   *FeeMarketTier `json:"high,omitempty"`

	// EstimateTypeLegacy
	LegacyLow    string `json:"legacyLow,omitempty"`
	LegacyMedium string `json:"legacyMedium,omitempty"`
	LegacyHigh   string `json:"legacyHigh,omitempty"`

	// EstimateTypeGasPrice
	GasPrice string `json:"gasPrice,omitempty"`
}

// BlockInfo is the subset of a block header the pipeline uses
type BlockInfo struct {
	Number   *big.Int
	GasLimit uint64
	BaseFee  *big.Int
}
