package occupancy

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Table holds blocked-pixel counts for an N x N grid in row-major order.
type Table struct {
	N        int
	Counts   []int
	Capacity int
}

func newTable(n, capacity int) *Table {
	return &Table{N: n, Counts: make([]int, n*n), Capacity: capacity}
}

// Count returns the blocked-pixel count of region (r, c).
func (t *Table) Count(r, c int) int { return t.Counts[r*t.N+c] }

// Percent returns the blocked share of region (r, c), 0 to 100.
func (t *Table) Percent(r, c int) float64 {
	return percent(t.Counts[r*t.N+c], t.Capacity)
}

func percent(count, capacity int) float64 {
	return 100 * float64(count) / float64(capacity)
}

// Percentages returns every region's blocked share in row-major order.
func (t *Table) Percentages() []float64 {
	out := make([]float64, len(t.Counts))
	for i, c := range t.Counts {
		out[i] = percent(c, t.Capacity)
	}
	return out
}

// TableStats summarises a table for logging and the flight log.
type TableStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	// Clear counts regions with no blocked pixels at all.
	Clear int `json:"clear"`
}

// Stats computes the distribution of region percentages.
func (t *Table) Stats() TableStats {
	p := t.Percentages()
	if len(p) == 0 {
		return TableStats{}
	}
	mean, std := stat.MeanStdDev(p, nil)
	if len(p) < 2 {
		std = 0
	}
	s := TableStats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(p),
		Max:    floats.Max(p),
	}
	for _, c := range t.Counts {
		if c == 0 {
			s.Clear++
		}
	}
	return s
}
