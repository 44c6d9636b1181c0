package market

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"arbscan/internal/persistence"
	"arbscan/internal/rpc"
)

var (
	usdce = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	weth  = common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619")

	quickswap = DexDescriptor{
		Name:             "quickswap",
		Kind:             KindV2,
		Router:           common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff"),
		Factory:          common.HexToAddress("0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32"),
		InitCodePairHash: common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
		HasInitCode:      true,
		FeePercent:       0.3,
	}
)

func TestDeriveCreate2PairQuickswap(t *testing.T) {
	// The USDC.e/WETH pool on QuickSwap, verifiable on-chain.
	want := common.HexToAddress("0x853Ee4b2A13f8a742d64C8F088bE7bA2131f670d")

	got := DeriveCreate2Pair(quickswap.Factory, quickswap.InitCodePairHash, usdce, weth)
	require.Equal(t, want, got)

	// Token order must not matter.
	got = DeriveCreate2Pair(quickswap.Factory, quickswap.InitCodePairHash, weth, usdce)
	require.Equal(t, want, got)
}

func TestSortTokens(t *testing.T) {
	a, b := SortTokens(weth, usdce)
	require.Equal(t, usdce, a)
	require.Equal(t, weth, b)
}

func TestDecodeReserves(t *testing.T) {
	pair := common.HexToAddress("0x01")
	word := func(v int64) []byte {
		return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
	}

	data := append(word(1000), word(2000)...)
	data = append(data, word(0)...) // blockTimestampLast
	r, err := DecodeReserves(pair, data)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), r.Reserve0)
	require.Equal(t, big.NewInt(2000), r.Reserve1)
	require.Equal(t, pair, r.Pair)

	_, err = DecodeReserves(pair, word(1000))
	require.Error(t, err)

	_, err = DecodeReserves(pair, append(word(0), word(2000)...))
	require.Error(t, err)
}

// jsonRPCServer answers single JSON-RPC requests through answer(method, params).
func jsonRPCServer(t *testing.T, answer func(method string, params []json.RawMessage) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  answer(req.Method, req.Params),
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func paramTo(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var call struct {
		To   string `json:"to"`
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &call))
	return strings.ToLower(call.To)
}

func TestResolverAcceptsDerivedPairWithBytecode(t *testing.T) {
	derived := DeriveCreate2Pair(quickswap.Factory, quickswap.InitCodePairHash, usdce, weth)

	srv := jsonRPCServer(t, func(method string, params []json.RawMessage) string {
		require.Equal(t, "eth_getCode", method)
		return "0x60806040" // any bytecode
	})
	defer srv.Close()

	client, err := rpc.NewClient([]string{srv.URL}, nil)
	require.NoError(t, err)
	defer client.Close()

	resolver := NewPairResolver(client, nil, map[string]DexDescriptor{"quickswap": quickswap})
	addr, err := resolver.Resolve(context.Background(), "quickswap", usdce, weth)
	require.NoError(t, err)
	require.Equal(t, derived, addr)

	// Second resolution is served from the cache: the server can go away.
	srv.Close()
	addr, err = resolver.Resolve(context.Background(), "quickswap", weth, usdce)
	require.NoError(t, err)
	require.Equal(t, derived, addr)
}

func TestResolverFactoryFallback(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000cd")
	factoryWord := hexutil.Encode(common.LeftPadBytes(quickswap.Factory.Bytes(), 32))
	poolWord := hexutil.Encode(common.LeftPadBytes(pool.Bytes(), 32))

	srv := jsonRPCServer(t, func(method string, params []json.RawMessage) string {
		switch method {
		case "eth_getCode":
			return "0x" // derived address has no bytecode
		case "eth_call":
			if paramTo(t, params[0]) == strings.ToLower(quickswap.Router.Hex()) {
				return factoryWord
			}
			return poolWord
		}
		t.Fatalf("unexpected method %s", method)
		return ""
	})
	defer srv.Close()

	client, err := rpc.NewClient([]string{srv.URL}, nil)
	require.NoError(t, err)
	defer client.Close()

	resolver := NewPairResolver(client, nil, map[string]DexDescriptor{"quickswap": quickswap})
	addr, err := resolver.Resolve(context.Background(), "quickswap", usdce, weth)
	require.NoError(t, err)
	require.Equal(t, pool, addr)
}

func TestResolverWarmStart(t *testing.T) {
	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "pairs.db"))
	require.NoError(t, err)

	pair := common.HexToAddress("0x00000000000000000000000000000000000000ab")
	t0, t1 := SortTokens(usdce, weth)
	require.NoError(t, store.UpsertPair(context.Background(), persistence.PairRecord{
		Dex:    "quickswap",
		Token0: strings.ToLower(t0.Hex()),
		Token1: strings.ToLower(t1.Hex()),
		Pair:   strings.ToLower(pair.Hex()),
	}))
	// A row for a venue outside the table must not be loaded.
	require.NoError(t, store.UpsertPair(context.Background(), persistence.PairRecord{
		Dex:    "retireddex",
		Token0: strings.ToLower(t0.Hex()),
		Token1: strings.ToLower(t1.Hex()),
		Pair:   strings.ToLower(pair.Hex()),
	}))

	srv := jsonRPCServer(t, func(method string, params []json.RawMessage) string {
		t.Fatalf("unexpected RPC call %s", method)
		return ""
	})
	defer srv.Close()

	client, err := rpc.NewClient([]string{srv.URL}, nil)
	require.NoError(t, err)
	defer client.Close()

	resolver := NewPairResolver(client, store, map[string]DexDescriptor{"quickswap": quickswap})
	n, err := resolver.Warm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// With the store gone, resolution must come out of the warmed memory
	// cache without touching the network.
	require.NoError(t, store.Close())
	addr, err := resolver.Resolve(context.Background(), "quickswap", weth, usdce)
	require.NoError(t, err)
	require.Equal(t, pair, addr)
}

func TestResolverNoPair(t *testing.T) {
	zeroWord := hexutil.Encode(make([]byte, 32))

	srv := jsonRPCServer(t, func(method string, params []json.RawMessage) string {
		if method == "eth_getCode" {
			return "0x"
		}
		return zeroWord
	})
	defer srv.Close()

	client, err := rpc.NewClient([]string{srv.URL}, nil)
	require.NoError(t, err)
	defer client.Close()

	resolver := NewPairResolver(client, nil, map[string]DexDescriptor{"quickswap": quickswap})
	_, err = resolver.Resolve(context.Background(), "quickswap", usdce, weth)
	require.ErrorIs(t, err, ErrNoPair)
}
