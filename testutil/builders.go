package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txfinalizer/internal/tokenabi"
)

// ============================================================
// Calldata Builders
// ============================================================

// ERC20TransferData encodes transfer(to, amount)
func ERC20TransferData(to common.Address, amount *big.Int) []byte {
	return mustPack(tokenabi.ERC20, "transfer", to, amount)
}

// ERC20ApproveData encodes approve(spender, amount)
func ERC20ApproveData(spender common.Address, amount *big.Int) []byte {
	return mustPack(tokenabi.ERC20, "approve", spender, amount)
}

// ERC721SetApprovalForAllData encodes setApprovalForAll(operator, approved)
func ERC721SetApprovalForAllData(operator common.Address, approved bool) []byte {
	return mustPack(tokenabi.ERC721, "setApprovalForAll", operator, approved)
}

// UnknownCallData is calldata with a selector no token standard defines
func UnknownCallData() []byte {
	return common.FromHex("0xdeadbeef0000000000000000000000000000000000000000000000000000000000000001")
}

func mustPack(standard tokenabi.Standard, method string, args ...interface{}) []byte {
	data, err := tokenabi.Pack(standard, method, args...)
	if err != nil {
		panic(err)
	}
	return data
}
