package executor

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

// errorStringData ABI-encodes Error(string) revert data for a message.
func errorStringData(t *testing.T, msg string) []byte {
	t.Helper()
	padded := len(msg)
	if rem := padded % 32; rem != 0 {
		padded += 32 - rem
	}
	data := hexutil.MustDecode(selectorError)
	data = append(data, common.LeftPadBytes([]byte{0x20}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(len(msg))}, 32)...)
	data = append(data, common.RightPadBytes([]byte(msg), padded)...)
	return data
}

func TestDecodeRevertErrorString(t *testing.T) {
	got := DecodeRevert(errorStringData(t, "TRANSFER_FAILED"))
	require.Equal(t, `Error("TRANSFER_FAILED")`, got)
}

func TestDecodeRevertPanic(t *testing.T) {
	data := hexutil.MustDecode(selectorPanic)
	data = append(data, common.LeftPadBytes([]byte{0x11}, 32)...)
	require.Equal(t, "Panic(0x11): arithmetic overflow or underflow", DecodeRevert(data))
}

func TestDecodeRevertCustomError(t *testing.T) {
	data := hexutil.MustDecode("0x8cc95a87")
	data = append(data, common.LeftPadBytes([]byte{0x01}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{0x02}, 32)...)
	require.Equal(t, "MinProfitNotMet(uint256,uint256)", DecodeRevert(data))
}

func TestDecodeRevertUnknownSelector(t *testing.T) {
	data := hexutil.MustDecode("0xdeadbeef")
	require.Equal(t, "execution reverted: 0xdeadbeef", DecodeRevert(data))
}

func TestDecodeRevertEmpty(t *testing.T) {
	require.Equal(t, "execution reverted (no data)", DecodeRevert(nil))
}

func TestRevertDataFromErrorMessage(t *testing.T) {
	blob := errorStringData(t, "STF")
	err := errors.New("execution reverted: " + hexutil.Encode(blob))
	require.Equal(t, blob, RevertDataFromError(err))
}

func TestRevertDataFromPlainError(t *testing.T) {
	require.Nil(t, RevertDataFromError(errors.New("connection refused")))
}
