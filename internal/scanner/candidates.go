package scanner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"arbscan/internal/market"
)

// CandidateLeg names one venue and its claimed pool address.
type CandidateLeg struct {
	Dex  string
	Pair common.Address
}

// Candidate is one (base, trade, buy venue, sell venue) triangle before any
// on-chain verification. Both legs trade the same token pair.
type Candidate struct {
	Trade common.Address
	Base  common.Address
	Buy   CandidateLeg
	Sell  CandidateLeg
}

// CandidateSource supplies the triangles for one scan cycle.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// FileSource reads candidates from a newline-delimited JSON file produced by
// an offline crawl. Lines naming unknown venues or malformed addresses are
// skipped with a log line, not treated as fatal.
type FileSource struct {
	path  string
	dexes map[string]market.DexDescriptor
}

// NewFileSource builds a source over the venue table.
func NewFileSource(path string, dexes map[string]market.DexDescriptor) *FileSource {
	return &FileSource{path: path, dexes: dexes}
}

type candidateLine struct {
	Trade string `json:"trade"`
	Base  string `json:"base"`
	Buy   struct {
		Dex  string `json:"dex"`
		Pair string `json:"pair"`
	} `json:"buy"`
	Sell struct {
		Dex  string `json:"dex"`
		Pair string `json:"pair"`
	} `json:"sell"`
}

// Candidates parses the whole file. The file is re-read every cycle so a
// crawl may update it while the scanner runs.
func (s *FileSource) Candidates(ctx context.Context) ([]Candidate, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening candidate file: %w", err)
	}
	defer f.Close()

	var out []Candidate
	skipped := 0
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scan.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}

		var cl candidateLine
		if err := json.Unmarshal([]byte(line), &cl); err != nil {
			log.Debug().Int("line", lineNo).Err(err).Msg("Skipping malformed candidate line")
			skipped++
			continue
		}
		cand, err := s.build(cl)
		if err != nil {
			log.Debug().Int("line", lineNo).Err(err).Msg("Skipping candidate")
			skipped++
			continue
		}
		out = append(out, cand)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("reading candidate file: %w", err)
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Int("loaded", len(out)).Msg("Candidate file had unusable lines")
	}
	return out, nil
}

func (s *FileSource) build(cl candidateLine) (Candidate, error) {
	trade, err := parseAddress(cl.Trade)
	if err != nil {
		return Candidate{}, fmt.Errorf("trade token: %w", err)
	}
	base, err := parseAddress(cl.Base)
	if err != nil {
		return Candidate{}, fmt.Errorf("base token: %w", err)
	}
	if trade == base {
		return Candidate{}, fmt.Errorf("trade and base are the same token")
	}

	buyPair, err := parseAddress(cl.Buy.Pair)
	if err != nil {
		return Candidate{}, fmt.Errorf("buy pair: %w", err)
	}
	sellPair, err := parseAddress(cl.Sell.Pair)
	if err != nil {
		return Candidate{}, fmt.Errorf("sell pair: %w", err)
	}

	if _, ok := s.dexes[cl.Buy.Dex]; !ok {
		return Candidate{}, fmt.Errorf("unknown buy dex %q", cl.Buy.Dex)
	}
	if _, ok := s.dexes[cl.Sell.Dex]; !ok {
		return Candidate{}, fmt.Errorf("unknown sell dex %q", cl.Sell.Dex)
	}
	if cl.Buy.Dex == cl.Sell.Dex {
		return Candidate{}, fmt.Errorf("buy and sell on the same dex %q", cl.Buy.Dex)
	}

	return Candidate{
		Trade: trade,
		Base:  base,
		Buy:   CandidateLeg{Dex: cl.Buy.Dex, Pair: buyPair},
		Sell:  CandidateLeg{Dex: cl.Sell.Dex, Pair: sellPair},
	}, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// UniquePairs collects the distinct pool addresses across candidates and
// claims each pool's token pair from the first candidate naming it. The
// claimed ordering follows the V2 sort convention.
func UniquePairs(candidates []Candidate) (addrs []common.Address, tokens map[common.Address][2]common.Address) {
	tokens = make(map[common.Address][2]common.Address)
	for _, c := range candidates {
		t0, t1 := market.SortTokens(c.Base, c.Trade)
		for _, pair := range []common.Address{c.Buy.Pair, c.Sell.Pair} {
			if _, ok := tokens[pair]; !ok {
				tokens[pair] = [2]common.Address{t0, t1}
				addrs = append(addrs, pair)
			}
		}
	}
	return addrs, tokens
}

// UniqueTokens collects the distinct token addresses across candidates.
func UniqueTokens(candidates []Candidate) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, c := range candidates {
		for _, tok := range []common.Address{c.Base, c.Trade} {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}
