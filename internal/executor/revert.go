package executor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Well-known revert selectors.
const (
	selectorError = "0x08c379a0" // Error(string)
	selectorPanic = "0x4e487b71" // Panic(uint256)
)

// customErrors maps the executing contract's error selectors to names.
var customErrors = map[string]string{
	"0x1425ea42": "FailedInnerCall()",
	"0x8cc95a87": "MinProfitNotMet(uint256,uint256)",
	"0xb119b3b4": "InvalidSwapPath()",
}

// panicCodes decodes the Solidity Panic(uint256) reason codes.
var panicCodes = map[uint64]string{
	0x01: "assertion failed",
	0x11: "arithmetic overflow or underflow",
	0x12: "division or modulo by zero",
	0x21: "invalid enum value",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to uninitialized function",
}

// DecodeRevert turns raw revert return data into a human-readable reason.
// Unknown selectors fall back to the hex blob so nothing is hidden.
func DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return "execution reverted (no data)"
	}
	if len(data) < 4 {
		return fmt.Sprintf("execution reverted: 0x%s", hex.EncodeToString(data))
	}

	selector := hexutil.Encode(data[:4])
	payload := data[4:]

	switch selector {
	case selectorError:
		if msg, ok := decodeRevertString(payload); ok {
			return fmt.Sprintf("Error(%q)", msg)
		}
	case selectorPanic:
		if len(payload) >= 32 {
			code := new(big.Int).SetBytes(payload[:32])
			if code.IsUint64() {
				if reason, ok := panicCodes[code.Uint64()]; ok {
					return fmt.Sprintf("Panic(0x%02x): %s", code.Uint64(), reason)
				}
				return fmt.Sprintf("Panic(0x%02x)", code.Uint64())
			}
		}
	default:
		if name, ok := customErrors[selector]; ok {
			return name
		}
	}
	return fmt.Sprintf("execution reverted: %s", hexutil.Encode(data))
}

// decodeRevertString unpacks the ABI-encoded string of Error(string).
func decodeRevertString(payload []byte) (string, bool) {
	if len(payload) < 64 {
		return "", false
	}
	offset := new(big.Int).SetBytes(payload[:32])
	if !offset.IsInt64() || offset.Int64()+32 > int64(len(payload)) {
		return "", false
	}
	o := offset.Int64()
	length := new(big.Int).SetBytes(payload[o : o+32])
	if !length.IsInt64() || o+32+length.Int64() > int64(len(payload)) {
		return "", false
	}
	return string(payload[o+32 : o+32+length.Int64()]), true
}

// RevertDataFromError pulls the return data out of a JSON-RPC revert error.
// Upstreams differ: some attach structured data, some embed the hex blob in
// the message.
func RevertDataFromError(err error) []byte {
	var de gethrpc.DataError
	if errors.As(err, &de) {
		switch v := de.ErrorData().(type) {
		case string:
			if b, decErr := hexutil.Decode(v); decErr == nil {
				return b
			}
		case []byte:
			return v
		}
	}
	return extractHexBlob(err.Error())
}

func extractHexBlob(msg string) []byte {
	i := strings.Index(msg, "0x")
	if i < 0 {
		return nil
	}
	end := i + 2
	for end < len(msg) && isHexDigit(msg[end]) {
		end++
	}
	b, err := hexutil.Decode(msg[i:end])
	if err != nil {
		return nil
	}
	return b
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
