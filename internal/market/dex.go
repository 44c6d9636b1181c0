package market

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"arbscan/internal/config"
)

// DexKind classifies a venue's swap interface.
type DexKind string

const (
	KindV2       DexKind = "V2"
	KindV3       DexKind = "V3"
	KindAlgebra  DexKind = "ALGEBRA"
	KindBalancer DexKind = "BALANCER"
	KindUnknown  DexKind = "UNKNOWN"
)

// DexDescriptor is the process-long, read-only description of one venue.
type DexDescriptor struct {
	Name             string
	Kind             DexKind
	Router           common.Address
	Factory          common.Address
	InitCodePairHash common.Hash
	HasInitCode      bool
	FeePercent       float64
}

// FeeFraction returns the swap fee as a fraction, e.g. 0.003 for 0.3%.
func (d DexDescriptor) FeeFraction() float64 {
	return d.FeePercent / 100
}

// DescriptorsFromConfig builds the venue table for the enabled dexes.
func DescriptorsFromConfig(cfg *config.Config) map[string]DexDescriptor {
	out := make(map[string]DexDescriptor, len(cfg.EnabledDexes))
	for _, name := range cfg.EnabledDexes {
		dc, ok := cfg.Dexes[name]
		if !ok {
			continue
		}
		d := DexDescriptor{
			Name:       name,
			Kind:       parseKind(dc.Kind),
			Router:     common.HexToAddress(dc.Router),
			Factory:    common.HexToAddress(dc.Factory),
			FeePercent: cfg.DexFeePercent(name),
		}
		if dc.InitCodePairHash != "" {
			d.InitCodePairHash = common.HexToHash(dc.InitCodePairHash)
			d.HasInitCode = true
		}
		out[name] = d
	}
	return out
}

func parseKind(s string) DexKind {
	switch strings.ToUpper(s) {
	case "V2":
		return KindV2
	case "V3":
		return KindV3
	case "ALGEBRA":
		return KindAlgebra
	case "BALANCER":
		return KindBalancer
	default:
		return KindUnknown
	}
}

// SortTokens orders two token addresses by the V2 pair convention.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if strings.ToLower(a.Hex()) < strings.ToLower(b.Hex()) {
		return a, b
	}
	return b, a
}
