package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func writeCombos(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v2_combos.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestFileSourceParsesLines(t *testing.T) {
	body := `{"trade": "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b01"}, "sell": {"dex": "sushiswap", "pair": "0x0000000000000000000000000000000000000b02"}}

{"trade": "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "sushiswap", "pair": "0x0000000000000000000000000000000000000b02"}, "sell": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b01"}}
`
	src := NewFileSource(writeCombos(t, body), testDexes())

	cands, err := src.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "quickswap", cands[0].Buy.Dex)
	require.Equal(t, buyPool, cands[0].Buy.Pair)
	require.Equal(t, tradeTok, cands[0].Trade)
}

func TestFileSourceSkipsBadLines(t *testing.T) {
	body := `not json
{"trade": "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "nosuchdex", "pair": "0x0000000000000000000000000000000000000b01"}, "sell": {"dex": "sushiswap", "pair": "0x0000000000000000000000000000000000000b02"}}
{"trade": "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b01"}, "sell": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b02"}}
{"trade": "0xnothex", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b01"}, "sell": {"dex": "sushiswap", "pair": "0x0000000000000000000000000000000000000b02"}}
{"trade": "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", "base": "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", "buy": {"dex": "quickswap", "pair": "0x0000000000000000000000000000000000000b01"}, "sell": {"dex": "sushiswap", "pair": "0x0000000000000000000000000000000000000b02"}}
`
	src := NewFileSource(writeCombos(t, body), testDexes())

	cands, err := src.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.jsonl"), testDexes())
	_, err := src.Candidates(context.Background())
	require.Error(t, err)
}

func TestUniquePairsClaimsTokens(t *testing.T) {
	cands := []Candidate{testCandidate(), testCandidate()}

	addrs, tokens := UniquePairs(cands)
	require.Len(t, addrs, 2)
	require.Len(t, tokens, 2)

	t0, t1 := tokens[buyPool][0], tokens[buyPool][1]
	require.Equal(t, common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"), t0)
	require.Equal(t, common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"), t1)

	require.Len(t, UniqueTokens(cands), 2)
}
