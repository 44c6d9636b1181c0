package executor

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxUint256 is the contract sentinel for "use the on-hand balance" in the
// second leg's amountIn. The exact value is part of the contract ABI
// convention; any other large number selects a different code path.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	swapV2Selector      = crypto.Keccak256([]byte("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)"))[:4]
	swapV3Selector      = crypto.Keccak256([]byte("exactInputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))"))[:4]
	swapAlgebraSelector = crypto.Keccak256([]byte("exactInputSingle((address,address,address,uint256,uint256,uint256,uint160))"))[:4]
	executeSelector     = crypto.Keccak256([]byte("executeArbitrage(address,uint256,bytes)"))[:4]
)

var (
	typeUint256, _      = abi.NewType("uint256", "", nil)
	typeAddress, _      = abi.NewType("address", "", nil)
	typeAddressSlice, _ = abi.NewType("address[]", "", nil)
	typeBytesSlice, _   = abi.NewType("bytes[]", "", nil)
	typeBytes, _        = abi.NewType("bytes", "", nil)

	typeV3Params, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "fee", Type: "uint24"},
		{Name: "recipient", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "amountOutMinimum", Type: "uint256"},
		{Name: "sqrtPriceLimitX96", Type: "uint160"},
	})
	typeAlgebraParams, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "deadline", Type: "uint256"},
		{Name: "amountIn", Type: "uint256"},
		{Name: "amountOutMinimum", Type: "uint256"},
		{Name: "limitSqrtPrice", Type: "uint160"},
	})

	v2SwapArgs = abi.Arguments{
		{Type: typeUint256}, {Type: typeUint256}, {Type: typeAddressSlice},
		{Type: typeAddress}, {Type: typeUint256},
	}
	v3SwapArgs      = abi.Arguments{{Type: typeV3Params}}
	algebraSwapArgs = abi.Arguments{{Type: typeAlgebraParams}}

	executeParamsArgs = abi.Arguments{
		{Type: typeBytesSlice}, {Type: typeAddressSlice}, {Type: typeAddressSlice}, {Type: typeUint256},
	}
	executeCallArgs = abi.Arguments{
		{Type: typeAddress}, {Type: typeUint256}, {Type: typeBytes},
	}
)

// BuildV2Swap encodes swapExactTokensForTokens for one leg. Pass MaxUint256
// as amountIn on the second leg so the contract substitutes its balance.
func BuildV2Swap(amountIn, amountOutMin *big.Int, tokenIn, tokenOut, recipient common.Address, deadline *big.Int) ([]byte, error) {
	packed, err := v2SwapArgs.Pack(
		amountIn,
		amountOutMin,
		[]common.Address{tokenIn, tokenOut},
		recipient,
		deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("packing v2 swap: %w", err)
	}
	return append(append([]byte{}, swapV2Selector...), packed...), nil
}

// v3Params mirrors ISwapRouter.ExactInputSingleParams.
type v3Params struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// BuildV3Swap encodes exactInputSingle with a fee tier and no price limit.
func BuildV3Swap(amountIn, amountOutMin *big.Int, tokenIn, tokenOut, recipient common.Address, feeTier int64, deadline *big.Int) ([]byte, error) {
	packed, err := v3SwapArgs.Pack(v3Params{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               big.NewInt(feeTier),
		Recipient:         recipient,
		Deadline:          deadline,
		AmountIn:          amountIn,
		AmountOutMinimum:  amountOutMin,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("packing v3 swap: %w", err)
	}
	return append(append([]byte{}, swapV3Selector...), packed...), nil
}

// algebraParams mirrors the Algebra router's ExactInputSingleParams, which
// carries no fee tier.
type algebraParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	LimitSqrtPrice   *big.Int
}

// BuildAlgebraSwap encodes the Algebra-style exactInputSingle.
func BuildAlgebraSwap(amountIn, amountOutMin *big.Int, tokenIn, tokenOut, recipient common.Address, deadline *big.Int) ([]byte, error) {
	packed, err := algebraSwapArgs.Pack(algebraParams{
		TokenIn:          tokenIn,
		TokenOut:         tokenOut,
		Recipient:        recipient,
		Deadline:         deadline,
		AmountIn:         amountIn,
		AmountOutMinimum: amountOutMin,
		LimitSqrtPrice:   big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("packing algebra swap: %w", err)
	}
	return append(append([]byte{}, swapAlgebraSelector...), packed...), nil
}

// ExecuteParams is the payload handed to the executing contract alongside
// the flash-loaned asset and amount.
type ExecuteParams struct {
	SwapDataList   [][]byte
	Routers        []common.Address
	InputTokens    []common.Address
	MinFinalOutput *big.Int
}

// EncodeExecuteParams ABI-encodes the inner params blob.
func EncodeExecuteParams(p ExecuteParams) ([]byte, error) {
	packed, err := executeParamsArgs.Pack(p.SwapDataList, p.Routers, p.InputTokens, p.MinFinalOutput)
	if err != nil {
		return nil, fmt.Errorf("packing execute params: %w", err)
	}
	return packed, nil
}

// DecodeExecuteParams is the inverse of EncodeExecuteParams.
func DecodeExecuteParams(data []byte) (ExecuteParams, error) {
	vals, err := executeParamsArgs.Unpack(data)
	if err != nil {
		return ExecuteParams{}, fmt.Errorf("unpacking execute params: %w", err)
	}
	if len(vals) != 4 {
		return ExecuteParams{}, fmt.Errorf("unpacking execute params: got %d values", len(vals))
	}
	return ExecuteParams{
		SwapDataList:   vals[0].([][]byte),
		Routers:        vals[1].([]common.Address),
		InputTokens:    vals[2].([]common.Address),
		MinFinalOutput: vals[3].(*big.Int),
	}, nil
}

// BuildExecuteCall encodes the outer executeArbitrage(asset, amount, params).
func BuildExecuteCall(asset common.Address, amount *big.Int, params []byte) ([]byte, error) {
	packed, err := executeCallArgs.Pack(asset, amount, params)
	if err != nil {
		return nil, fmt.Errorf("packing execute call: %w", err)
	}
	return append(append([]byte{}, executeSelector...), packed...), nil
}
