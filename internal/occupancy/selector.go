package occupancy

import "math"

// Selection is the outcome of one cycle's choice. When Found is false no
// region was clear enough and the remaining fields are zero.
type Selection struct {
	Found   bool    `json:"found"`
	Row     int     `json:"row"`
	Col     int     `json:"col"`
	Percent float64 `json:"percent"`
}

// None is the empty selection.
var None = Selection{}

// Select returns the region with the lowest blocked percentage, provided it
// is strictly below threshold. Among regions tied at the minimum, the one
// nearest the grid centre (N/2, N/2) in index space wins; if that is still a
// tie, the first in row-major order wins.
func Select(t *Table, threshold float64) Selection {
	if t == nil || len(t.Counts) == 0 || t.Capacity <= 0 {
		return None
	}

	type cell struct{ r, c int }
	var candidates []cell
	minPct := math.Inf(1)
	for r := 0; r < t.N; r++ {
		for c := 0; c < t.N; c++ {
			p := t.Percent(r, c)
			switch {
			case p < minPct:
				minPct = p
				candidates = append(candidates[:0], cell{r, c})
			case p == minPct:
				candidates = append(candidates, cell{r, c})
			}
		}
	}

	if !(minPct < threshold) {
		tracef("no region under %.1f%% (min %.1f%%)", threshold, minPct)
		return None
	}

	mid := float64(t.N / 2)
	best := candidates[0]
	bestDist := math.Hypot(float64(best.r)-mid, float64(best.c)-mid)
	for _, cand := range candidates[1:] {
		d := math.Hypot(float64(cand.r)-mid, float64(cand.c)-mid)
		if d < bestDist {
			best, bestDist = cand, d
		}
	}
	if len(candidates) > 1 {
		tracef("%d regions tied at %.2f%%, chose (%d,%d)", len(candidates), minPct, best.r, best.c)
	}
	return Selection{Found: true, Row: best.r, Col: best.c, Percent: minPct}
}
