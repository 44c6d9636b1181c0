package sizing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Grid is the precomputed sizing table. g[i][j] is the dimensionless
// fraction of the smaller pool's base reserve to borrow when the spread is
// sGrid[i] and the sell/buy base-reserve ratio is rGrid[j]. The grid is an
// opaque oracle produced offline; it is accepted verbatim and only
// validated for shape.
type Grid struct {
	SGrid []float64   `json:"s_grid"`
	RGrid []float64   `json:"r_grid"`
	G     [][]float64 `json:"g"`
}

// Load reads and validates a grid file.
func Load(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sizing grid: %w", err)
	}
	var g Grid
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing sizing grid: %w", err)
	}
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("invalid sizing grid %s: %w", path, err)
	}
	log.Info().
		Int("spread_points", len(g.SGrid)).
		Int("ratio_points", len(g.RGrid)).
		Str("path", path).
		Msg("Sizing grid loaded")
	return &g, nil
}

func (g *Grid) validate() error {
	if len(g.SGrid) == 0 || len(g.RGrid) == 0 {
		return fmt.Errorf("empty axis")
	}
	if !strictlyIncreasing(g.SGrid) {
		return fmt.Errorf("s_grid is not strictly increasing")
	}
	if !strictlyIncreasing(g.RGrid) {
		return fmt.Errorf("r_grid is not strictly increasing")
	}
	if len(g.G) != len(g.SGrid) {
		return fmt.Errorf("g has %d rows, want %d", len(g.G), len(g.SGrid))
	}
	for i, row := range g.G {
		if len(row) != len(g.RGrid) {
			return fmt.Errorf("g row %d has %d columns, want %d", i, len(row), len(g.RGrid))
		}
	}
	return nil
}

func strictlyIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}

// Fraction bilinearly interpolates g at (spread, ratio) with end-clamping
// on both axes.
func (g *Grid) Fraction(spread, ratio float64) float64 {
	i0, i1, ts := bracket(g.SGrid, spread)
	j0, j1, tr := bracket(g.RGrid, ratio)

	f00 := g.G[i0][j0]
	f01 := g.G[i0][j1]
	f10 := g.G[i1][j0]
	f11 := g.G[i1][j1]

	low := f00 + (f01-f00)*tr
	high := f10 + (f11-f10)*tr
	return low + (high-low)*ts
}

// Size returns the base-token loan size for the spread and the two base
// reserves: L·max(0, g) where L is the smaller reserve.
func (g *Grid) Size(spread, reserveBaseBuy, reserveBaseSell float64) float64 {
	if reserveBaseBuy <= 0 || reserveBaseSell <= 0 {
		return 0
	}
	l := min(reserveBaseBuy, reserveBaseSell)
	ratio := reserveBaseSell / reserveBaseBuy
	return l * max(0, g.Fraction(spread, ratio))
}

// bracket locates x on the axis, returning the surrounding indices and the
// interpolation weight. Out-of-range inputs clamp to the boundary.
func bracket(axis []float64, x float64) (int, int, float64) {
	n := len(axis)
	if x <= axis[0] {
		return 0, 0, 0
	}
	if x >= axis[n-1] {
		return n - 1, n - 1, 0
	}
	lo := 0
	for lo+1 < n && axis[lo+1] < x {
		lo++
	}
	hi := lo + 1
	t := (x - axis[lo]) / (axis[hi] - axis[lo])
	return lo, hi, t
}
