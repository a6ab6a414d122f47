package vision

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_IoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 30, 30}, 0},
		{"touching edge", Box{0, 0, 10, 10}, Box{10, 0, 20, 10}, 0},
		{"half overlap", Box{0, 0, 10, 10}, Box{5, 0, 15, 10}, 50.0 / 150.0},
		{"contained", Box{0, 0, 10, 10}, Box{0, 0, 5, 10}, 0.5},
		{"degenerate", Box{0, 0, 0, 0}, Box{0, 0, 0, 0}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.a.IoU(tc.b), 1e-9)
			assert.InDelta(t, tc.want, tc.b.IoU(tc.a), 1e-9)
		})
	}
}

func TestSuppress_Empty(t *testing.T) {
	assert.Empty(t, Suppress(nil, nil, 0.45))
}

func TestSuppress_KeepsHigherOfOverlappingPair(t *testing.T) {
	boxes := []Box{{0, 0, 10, 10}, {0, 0, 10, 8}}
	require.InDelta(t, 0.8, boxes[0].IoU(boxes[1]), 1e-9)

	keep := Suppress(boxes, []float64{0.7, 0.95}, 0.45)
	assert.Equal(t, []int{1}, keep)

	keep = Suppress(boxes, []float64{0.95, 0.7}, 0.45)
	assert.Equal(t, []int{0}, keep)
}

func TestSuppress_BelowThresholdKeepsBoth(t *testing.T) {
	boxes := []Box{{0, 0, 10, 10}, {5, 0, 15, 10}}
	keep := Suppress(boxes, []float64{0.9, 0.8}, 0.45)
	assert.ElementsMatch(t, []int{0, 1}, keep)
}

func TestSuppress_TieKeepsEarlierIndex(t *testing.T) {
	boxes := []Box{{0, 0, 10, 10}, {0, 0, 10, 10}}
	keep := Suppress(boxes, []float64{0.5, 0.5}, 0.45)
	assert.Equal(t, []int{0}, keep)
}

func TestSuppress_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const thresh = 0.45

	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(60)
		boxes := make([]Box, n)
		scores := make([]float64, n)
		best := 0
		for i := range boxes {
			x, y := rng.Float64()*200, rng.Float64()*200
			boxes[i] = Box{x, y, x + 5 + rng.Float64()*60, y + 5 + rng.Float64()*60}
			scores[i] = rng.Float64()
			if scores[i] > scores[best] {
				best = i
			}
		}

		keep := Suppress(boxes, scores, thresh)
		require.Contains(t, keep, best, "highest-confidence box must survive")

		for a := 0; a < len(keep); a++ {
			for b := a + 1; b < len(keep); b++ {
				require.LessOrEqual(t, boxes[keep[a]].IoU(boxes[keep[b]]), thresh)
			}
		}
	}
}

func TestSuppressCandidates(t *testing.T) {
	cands := []Candidate{
		{Box: Box{0, 0, 10, 10}, ClassID: 1, Confidence: 0.5},
		{Box: Box{1, 1, 10, 10}, ClassID: 1, Confidence: 0.9},
		{Box: Box{50, 50, 60, 60}, ClassID: 2, Confidence: 0.3},
	}

	out := SuppressCandidates(cands, 0.5)
	require.Len(t, out, 2)
	assert.Equal(t, 0.9, out[0].Confidence)
	assert.Equal(t, 2, out[1].ClassID)
}
