package sizing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGrid() *Grid {
	return &Grid{
		SGrid: []float64{0.001, 0.01},
		RGrid: []float64{0.5, 1.0, 2.0},
		G: [][]float64{
			{0.0, 0.0, 0.0},
			{0.1, 0.2, 0.1},
		},
	}
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lut_v2.json")
	body := `{"s_grid": [0.001, 0.01], "r_grid": [0.5, 1.0, 2.0], "g": [[0,0,0],[0.1,0.2,0.1]]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	g, err := Load(path)
	require.NoError(t, err)
	require.Len(t, g.SGrid, 2)
	require.Len(t, g.G, 2)
}

func TestLoadRejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"row count":      `{"s_grid": [0.001, 0.01], "r_grid": [1.0], "g": [[0.1]]}`,
		"column count":   `{"s_grid": [0.001], "r_grid": [0.5, 1.0], "g": [[0.1]]}`,
		"non-increasing": `{"s_grid": [0.01, 0.01], "r_grid": [1.0], "g": [[0.1],[0.1]]}`,
		"empty axis":     `{"s_grid": [], "r_grid": [1.0], "g": []}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "grid.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestFractionMidpoint(t *testing.T) {
	g := testGrid()
	// Midpoint in s between rows 0 and 1, exact ratio column 1.0.
	require.InDelta(t, 0.1, g.Fraction(0.0055, 1.0), 1e-12)
	// Exact grid points.
	require.InDelta(t, 0.2, g.Fraction(0.01, 1.0), 1e-12)
	require.InDelta(t, 0.0, g.Fraction(0.001, 0.5), 1e-12)
}

func TestFractionClamps(t *testing.T) {
	g := testGrid()
	// Below the first spread row: boundary row interpolation over r.
	require.InDelta(t, 0.0, g.Fraction(0.0001, 1.0), 1e-12)
	// Above the last spread row.
	require.InDelta(t, 0.2, g.Fraction(0.5, 1.0), 1e-12)
	// Ratio clamps on both ends.
	require.InDelta(t, 0.1, g.Fraction(0.01, 0.01), 1e-12)
	require.InDelta(t, 0.1, g.Fraction(0.01, 100), 1e-12)
}

func TestSizeUsesSmallerReserve(t *testing.T) {
	g := testGrid()
	// size(0.005, r=1.0) = L * 0.1 with L = min(b1, b2)
	size := g.Size(0.0055, 2_000, 2_000)
	require.InDelta(t, 200, size, 1e-9)

	// Zero or negative reserves produce no size.
	require.Zero(t, g.Size(0.01, 0, 1000))
	require.Zero(t, g.Size(0.01, 1000, -5))
}

func TestSizeNeverNegative(t *testing.T) {
	g := &Grid{
		SGrid: []float64{0.001, 0.01},
		RGrid: []float64{0.5, 1.0},
		G:     [][]float64{{-0.5, -0.5}, {-0.1, -0.1}},
	}
	require.Zero(t, g.Size(0.005, 1000, 1000))
}
