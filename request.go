package txfinalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
)

// Request is a transaction request in the shape dapps send it over JSON-RPC:
// every amount is a hex string. Use Finalizer.R to build one fluently.
type Request struct {
	f *Finalizer

	ChainID uint64 `json:"chainId"`
	Origin  string `json:"origin,omitempty"`

	From                 string `json:"from" validate:"required,eth_addr"`
	To                   string `json:"to,omitempty" validate:"omitempty,eth_addr"`
	Data                 string `json:"data,omitempty" validate:"omitempty,hexadecimal"`
	Value                string `json:"value,omitempty" validate:"omitempty,hexadecimal"`
	Gas                  string `json:"gas,omitempty" validate:"omitempty,hexadecimal"`
	GasPrice             string `json:"gasPrice,omitempty" validate:"omitempty,hexadecimal"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty" validate:"omitempty,hexadecimal"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty" validate:"omitempty,hexadecimal"`
	Nonce                string `json:"nonce,omitempty" validate:"omitempty,hexadecimal"`
	Type                 string `json:"type,omitempty" validate:"omitempty,hexadecimal"`

	// CustomNonce is a nonce the user typed in, kept apart from the dapp's nonce
	CustomNonce string `json:"customNonce,omitempty" validate:"omitempty,hexadecimal"`

	// TxType lets the caller pre-assign a swap type. Other types are inferred.
	TxType TxType `json:"transactionType,omitempty" validate:"omitempty,oneof=swap swapApproval"`

	Swap *SwapDetails `json:"swap,omitempty"`
}

// SwapDetails carries the swap metadata of swap typed requests
type SwapDetails struct {
	SourceTokenSymbol        string `json:"sourceTokenSymbol"`
	DestinationTokenSymbol   string `json:"destinationTokenSymbol"`
	DestinationTokenAddress  string `json:"destinationTokenAddress,omitempty" validate:"omitempty,eth_addr"`
	DestinationTokenDecimals uint8  `json:"destinationTokenDecimals"`
	ApprovalTxID             string `json:"approvalTxId,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// R creates a new request bound to the finalizer (similar to go-resty's R() method).
func (f *Finalizer) R() *Request {
	return &Request{f: f, Origin: OriginWallet}
}

// SetChainID sets the chain id
func (r *Request) SetChainID(chainID uint64) *Request {
	r.ChainID = chainID
	return r
}

// SetOrigin sets the origin, OriginWallet or a dapp URL
func (r *Request) SetOrigin(origin string) *Request {
	r.Origin = origin
	return r
}

// SetFrom sets the from address
func (r *Request) SetFrom(from common.Address) *Request {
	r.From = from.Hex()
	return r
}

// SetTo sets the to address
func (r *Request) SetTo(to common.Address) *Request {
	r.To = to.Hex()
	return r
}

// SetValue sets the transaction value in wei
func (r *Request) SetValue(value *big.Int) *Request {
	if value != nil {
		r.Value = hexutil.EncodeBig(value)
	}
	return r
}

// SetData sets the call data
func (r *Request) SetData(data []byte) *Request {
	r.Data = hexutil.Encode(data)
	return r
}

// SetGasLimit sets an explicit gas limit
func (r *Request) SetGasLimit(gas uint64) *Request {
	r.Gas = hexutil.EncodeUint64(gas)
	return r
}

// SetGasPrice sets a legacy gas price in wei
func (r *Request) SetGasPrice(gasPrice *big.Int) *Request {
	if gasPrice != nil {
		r.GasPrice = hexutil.EncodeBig(gasPrice)
	}
	return r
}

// SetFeeMarket sets the EIP-1559 fee fields in wei, nil leaves a field unset
func (r *Request) SetFeeMarket(maxFee, maxPriorityFee *big.Int) *Request {
	if maxFee != nil {
		r.MaxFeePerGas = hexutil.EncodeBig(maxFee)
	}
	if maxPriorityFee != nil {
		r.MaxPriorityFeePerGas = hexutil.EncodeBig(maxPriorityFee)
	}
	return r
}

// SetCustomNonce sets a user chosen nonce
func (r *Request) SetCustomNonce(n uint64) *Request {
	r.CustomNonce = hexutil.EncodeUint64(n)
	return r
}

// SetSwap marks the request as a swap or swap approval
func (r *Request) SetSwap(txType TxType, details SwapDetails) *Request {
	r.TxType = txType
	r.Swap = &details
	return r
}

// Params validates the request and converts it into TxParams.
// Errors are *ValidationError.
func (r *Request) Params() (TxParams, error) {
	if r.ChainID == 0 {
		return TxParams{}, newValidationError(ReasonInvalidChainID, "chainId", "chain id must be positive")
	}
	req := *r
	if strings.EqualFold(req.Data, "0x") {
		// empty call data
		req.Data = ""
	}
	if err := requestValidator().Struct(&req); err != nil {
		return TxParams{}, validationFailure(err)
	}

	var (
		p   TxParams
		err error
	)
	p.From = common.HexToAddress(req.From)
	if req.To != "" {
		to := common.HexToAddress(req.To)
		p.To = &to
	}
	if req.Data != "" {
		if p.Data, err = parseHexBytes("data", req.Data); err != nil {
			return TxParams{}, err
		}
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  **hexutil.Big
	}{
		{"value", r.Value, &p.Value},
		{"gasPrice", r.GasPrice, &p.GasPrice},
		{"maxFeePerGas", r.MaxFeePerGas, &p.MaxFeePerGas},
		{"maxPriorityFeePerGas", r.MaxPriorityFeePerGas, &p.MaxPriorityFeePerGas},
	} {
		if field.raw == "" {
			continue
		}
		v, err := parseHexBig(field.name, field.raw)
		if err != nil {
			return TxParams{}, err
		}
		*field.dst = v
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  **hexutil.Uint64
	}{
		{"gas", r.Gas, &p.Gas},
		{"nonce", r.Nonce, &p.Nonce},
		{"type", r.Type, &p.Type},
	} {
		if field.raw == "" {
			continue
		}
		v, err := parseHexUint64(field.name, field.raw)
		if err != nil {
			return TxParams{}, err
		}
		*field.dst = v
	}

	if err := ValidateParams(r.ChainID, p); err != nil {
		return TxParams{}, err
	}
	return p, nil
}

// Record validates the request and builds an unapproved record from it.
func (r *Request) Record() (*Record, error) {
	params, err := r.Params()
	if err != nil {
		return nil, err
	}
	rec, err := NewRecord(r.ChainID, r.Origin, params)
	if err != nil {
		return nil, err
	}

	if r.CustomNonce != "" {
		if rec.CustomNonceValue, err = parseHexUint64("customNonce", r.CustomNonce); err != nil {
			return nil, err
		}
	}
	if r.TxType != "" {
		rec.Type = r.TxType
	}
	if r.Swap != nil {
		rec.SourceTokenSymbol = r.Swap.SourceTokenSymbol
		rec.DestinationTokenSymbol = r.Swap.DestinationTokenSymbol
		rec.DestinationTokenDecimals = r.Swap.DestinationTokenDecimals
		rec.ApprovalTxID = r.Swap.ApprovalTxID
		if r.Swap.DestinationTokenAddress != "" {
			addr := common.HexToAddress(r.Swap.DestinationTokenAddress)
			rec.DestinationTokenAddress = &addr
		}
	}
	if err := rec.Snapshot(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Execute builds the record and finalizes it.
func (r *Request) Execute(ctx context.Context) (*Record, error) {
	if r.f == nil {
		return nil, fmt.Errorf("request is not bound to a finalizer")
	}
	rec, err := r.Record()
	if err != nil {
		return nil, err
	}
	if err := r.f.Finalize(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// ValidateParams checks the invariants of resolved params: a positive chain
// id, fee modes that exclude each other and an envelope matching its fees.
func ValidateParams(chainID uint64, p TxParams) error {
	if chainID == 0 {
		return newValidationError(ReasonInvalidChainID, "chainId", "chain id must be positive")
	}
	if p.From == (common.Address{}) {
		return newValidationError(ReasonInvalidAddress, "from", "from address cannot be zero")
	}
	if p.GasPrice != nil && p.HasEIP1559Fees() {
		return newValidationError(ReasonMutuallyExclusiveFees, "gasPrice",
			"gasPrice cannot be combined with maxFeePerGas or maxPriorityFeePerGas")
	}
	if p.Type != nil {
		switch envelope := uint64(*p.Type); {
		case envelope > 2:
			return newValidationError(ReasonEnvelopeMismatch, "type", "unsupported envelope type %d", envelope)
		case envelope < 2 && p.HasEIP1559Fees():
			return newValidationError(ReasonEnvelopeMismatch, "type",
				"envelope type %d cannot carry maxFeePerGas or maxPriorityFeePerGas", envelope)
		case envelope == 2 && p.GasPrice != nil:
			return newValidationError(ReasonEnvelopeMismatch, "type", "envelope type 2 cannot carry gasPrice")
		}
	}
	return nil
}

func validationFailure(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return newValidationError(ReasonInvalidHex, "", "%v", err)
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return newValidationError(ReasonMissingField, field, "field is required")
	case "eth_addr":
		return newValidationError(ReasonInvalidAddress, field, "%q is not an address", fe.Value())
	case "oneof":
		return newValidationError(ReasonInvalidParams, field, "%q is not allowed", fe.Value())
	default:
		return newValidationError(ReasonInvalidHex, field, "%q is not hex", fe.Value())
	}
}

func withHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}

func parseHexBytes(field, raw string) (hexutil.Bytes, error) {
	b, err := hexutil.Decode(withHexPrefix(raw))
	if err != nil {
		return nil, newValidationError(ReasonInvalidHex, field, "%v", err)
	}
	return b, nil
}

// parseHexBig accepts leading zeros, which dapps commonly send.
func parseHexBig(field, raw string) (*hexutil.Big, error) {
	digits := strings.TrimPrefix(withHexPrefix(raw), "0x")
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, newValidationError(ReasonInvalidHex, field, "%q is not a hex quantity", raw)
	}
	return (*hexutil.Big)(v), nil
}

func parseHexUint64(field, raw string) (*hexutil.Uint64, error) {
	v, err := parseHexBig(field, raw)
	if err != nil {
		return nil, err
	}
	if !v.ToInt().IsUint64() {
		return nil, newValidationError(ReasonInvalidHex, field, "%q overflows uint64", raw)
	}
	return hexutilUint64(v.ToInt().Uint64()), nil
}
