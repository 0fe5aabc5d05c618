package txfinalizer

import (
	"context"
	"strings"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txfinalizer/internal/tokenabi"
)

// tokenMethodTypes maps lower-cased token method names to their types
var tokenMethodTypes = map[string]TxType{
	"approve":           TxTypeTokenApprove,
	"setapprovalforall": TxTypeTokenSetApproval,
	"transfer":          TxTypeTokenTransfer,
	"transferfrom":      TxTypeTokenTransferFrom,
	"safetransferfrom":  TxTypeTokenSafeTransfer,
}

// Classify infers the semantic type of a transaction. It never fails: probe
// and decode errors degrade to a less specific type. The returned code is the
// bytecode found at the recipient, nil when there is none or it wasn't probed.
func Classify(ctx context.Context, reader ChainReader, params TxParams) (TxType, []byte) {
	hasData := len(params.Data) > 0

	if hasData && params.To == nil {
		return TxTypeDeployContract, nil
	}

	var code []byte
	if params.To != nil && reader != nil {
		var err error
		code, err = reader.CodeAt(ctx, *params.To)
		if err != nil {
			logger.WithFields(logger.Fields{
				"to":    params.To.Hex(),
				"error": err,
			}).Debug("code probe failed, classifying as plain transfer")
			code = nil
		}
	}
	if len(code) == 0 {
		return TxTypeSimpleSend, nil
	}

	hasValue := params.Value != nil && params.Value.ToInt().Sign() != 0
	if !hasData || hasValue {
		return TxTypeContractInteraction, code
	}

	decoded, ok := tokenabi.Decode(params.Data)
	if !ok {
		return TxTypeContractInteraction, code
	}

	if t, ok := tokenMethodTypes[strings.ToLower(decoded.Name)]; ok {
		return t, code
	}
	return TxTypeContractInteraction, code
}
