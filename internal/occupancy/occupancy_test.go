package occupancy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/obstacle-avoidance/internal/config"
	"github.com/banshee-data/obstacle-avoidance/internal/depth"
)

const testDistance = 1.83

func TestCenters(t *testing.T) {
	tests := []struct {
		name       string
		dim, n, hw int
		want       []int
	}{
		{"tiling", 30, 3, 5, []int{5, 15, 25}},
		{"two", 100, 2, 10, []int{10, 90}},
		{"uneven four", 100, 4, 10, []int{10, 50, 70, 90}},
		{"uneven six", 100, 6, 10, []int{10, 30, 50, 70, 80, 90}},
		{"deployed columns", 1280, 17, 314, []int{314, 354, 395, 436, 477, 517, 558, 599, 640, 680, 721, 762, 803, 843, 884, 925, 966}},
		{"deployed rows", 720, 17, 126, []int{126, 155, 184, 213, 243, 272, 301, 330, 360, 389, 418, 447, 477, 506, 535, 564, 594}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Centers(tt.dim, tt.n, tt.hw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Centers(%d, %d, %d) mismatch (-want +got):\n%s", tt.dim, tt.n, tt.hw, diff)
			}
		})
	}
}

func TestNewLayoutProperties(t *testing.T) {
	for n := 2; n <= 33; n++ {
		p := LayoutParams{Width: 1280, Height: 720, N: n, HalfWidth: 314, HalfHeight: 126}
		l, err := NewLayout(p)
		require.NoError(t, err, "N=%d", n)

		assert.Equal(t, 314, l.Columns[0])
		assert.Equal(t, 1280-314, l.Columns[n-1])
		assert.Equal(t, 126, l.Rows[0])
		assert.Equal(t, 720-126, l.Rows[n-1])
		for i := 1; i < n; i++ {
			if l.Columns[i] <= l.Columns[i-1] || l.Rows[i] <= l.Rows[i-1] {
				t.Fatalf("N=%d: centres not increasing at %d", n, i)
			}
		}

		again, err := NewLayout(p)
		require.NoError(t, err)
		if diff := cmp.Diff(l, again); diff != "" {
			t.Errorf("N=%d: layout not deterministic:\n%s", n, diff)
		}
	}
}

func TestNewLayoutDegenerate(t *testing.T) {
	tests := []struct {
		name string
		p    LayoutParams
	}{
		{"single region", LayoutParams{Width: 30, Height: 30, N: 1, HalfWidth: 5, HalfHeight: 5}},
		{"zero half width", LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 0, HalfHeight: 5}},
		{"negative half height", LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 5, HalfHeight: -1}},
		{"region as wide as frame", LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 15, HalfHeight: 5}},
		{"region taller than frame", LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 5, HalfHeight: 20}},
		{"centres collapse", LayoutParams{Width: 10, Height: 30, N: 6, HalfWidth: 4, HalfHeight: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLayout(tt.p)
			if !errors.Is(err, ErrDegenerateLayout) {
				t.Errorf("NewLayout(%+v) error = %v, want ErrDegenerateLayout", tt.p, err)
			}
		})
	}
}

func TestParamsFromConfig(t *testing.T) {
	p := ParamsFromConfig(config.EmptyAvoidanceConfig())
	assert.Equal(t, LayoutParams{Width: 1280, Height: 720, N: 17, HalfWidth: 314, HalfHeight: 126}, p)
}

func TestLayoutCache(t *testing.T) {
	var c LayoutCache
	p := LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 5, HalfHeight: 5}

	a, err := c.Get(p)
	require.NoError(t, err)
	b, err := c.Get(p)
	require.NoError(t, err)
	assert.Same(t, a, b, "unchanged parameters should reuse the layout")

	p.N = 2
	d, err := c.Get(p)
	require.NoError(t, err)
	assert.NotSame(t, a, d)
	assert.Len(t, d.Columns, 2)

	c.Release()
	assert.False(t, c.Cached())

	_, err = c.Get(LayoutParams{Width: 30, Height: 30, N: 1, HalfWidth: 5, HalfHeight: 5})
	assert.ErrorIs(t, err, ErrDegenerateLayout)
	assert.False(t, c.Cached())
}

// bruteForce classifies every pixel against every region directly.
func bruteForce(l *Layout, f depth.Field, threshold float64) []int {
	n := l.N()
	counts := make([]int, n*n)
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if !f.At(x, y).Blocked(threshold) {
				continue
			}
			for r := 0; r < n; r++ {
				for c := 0; c < n; c++ {
					if l.Contains(r, c, x, y) {
						counts[r*n+c]++
					}
				}
			}
		}
	}
	return counts
}

// viewOnly hides depth.Frame's Row method so Scan takes the At path.
type viewOnly struct{ depth.Field }

func randomFrame(rng *rand.Rand, w, h int) *depth.Frame {
	f := depth.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch rng.Intn(8) {
			case 0:
				f.Set(x, y, depth.Invalid)
			case 1:
				f.Set(x, y, depth.TooClose)
			case 2:
				f.Set(x, y, depth.TooFar)
			default:
				f.Set(x, y, depth.Reading(rng.Float32()*4))
			}
		}
	}
	return f
}

func TestScanMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 60; i++ {
		w := 8 + rng.Intn(56)
		h := 8 + rng.Intn(56)
		n := 2 + rng.Intn(7)
		p := LayoutParams{
			Width: w, Height: h, N: n,
			HalfWidth:  1 + rng.Intn(w/2),
			HalfHeight: 1 + rng.Intn(h/2),
		}
		l, err := NewLayout(p)
		if err != nil {
			continue
		}
		f := randomFrame(rng, w, h)

		want := bruteForce(l, f, testDistance)
		for name, field := range map[string]depth.Field{"rows": f, "at": viewOnly{f}} {
			tab, err := Scan(l, field, testDistance)
			require.NoError(t, err)
			if diff := cmp.Diff(want, tab.Counts); diff != "" {
				t.Fatalf("case %d (%s) %+v: scan differs from brute force (-want +got):\n%s", i, name, p, diff)
			}
		}
	}
}

func FuzzScan(f *testing.F) {
	f.Add(int64(1), uint8(30), uint8(30), uint8(3), uint8(5), uint8(5))
	f.Add(int64(7), uint8(64), uint8(36), uint8(17), uint8(15), uint8(6))
	f.Add(int64(9), uint8(40), uint8(20), uint8(4), uint8(19), uint8(9))
	f.Fuzz(func(t *testing.T, seed int64, w, h, n, hw, hh uint8) {
		p := LayoutParams{Width: int(w), Height: int(h), N: int(n % 16), HalfWidth: int(hw), HalfHeight: int(hh)}
		l, err := NewLayout(p)
		if err != nil {
			t.Skip()
		}
		fr := randomFrame(rand.New(rand.NewSource(seed)), p.Width, p.Height)
		tab, err := Scan(l, fr, testDistance)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(bruteForce(l, fr, testDistance), tab.Counts); diff != "" {
			t.Fatalf("%+v: scan differs from brute force:\n%s", p, diff)
		}
	})
}

func TestScanRejectsSizeMismatch(t *testing.T) {
	l, err := NewLayout(LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 5, HalfHeight: 5})
	require.NoError(t, err)
	_, err = Scan(l, depth.NewFrame(31, 30), testDistance)
	assert.Error(t, err)
}

func TestScanOverlappingRegions(t *testing.T) {
	// 40 px wide, 3 columns of half width 10: centres 10, 20, 30 overlap by 10.
	l, err := NewLayout(LayoutParams{Width: 40, Height: 20, N: 3, HalfWidth: 10, HalfHeight: 5})
	require.NoError(t, err)
	require.Equal(t, []int{10, 20, 30}, l.Columns)

	f := depth.NewFrame(40, 20)
	f.Set(20, 10, depth.TooClose) // in columns 1 and 2 (20 is the trailing edge of column 0)
	tab, err := Scan(l, f, testDistance)
	require.NoError(t, err)

	// Row centres are 5, 10, 15 with half 5: y=10 falls in rows 1 and 2.
	want := []int{
		0, 0, 0,
		0, 1, 1,
		0, 1, 1,
	}
	assert.Equal(t, want, tab.Counts)
}

// scenarioLayout tiles a 30x30 frame with 3x3 non-overlapping 10x10 regions.
func scenarioLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(LayoutParams{Width: 30, Height: 30, N: 3, HalfWidth: 5, HalfHeight: 5})
	require.NoError(t, err)
	return l
}

func TestScenarioBottomRightBlocked(t *testing.T) {
	l := scenarioLayout(t)
	f := depth.NewFrame(30, 30)
	f.FillRect(20, 20, 30, 30, depth.Reading(0.5))

	tab, err := Scan(l, f, testDistance)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tab.Percent(2, 2))
	assert.Equal(t, 0.0, tab.Percent(0, 0))

	// Eight regions tie at 0%; the centre region is nearest the grid centre.
	got := Select(tab, 20)
	assert.Equal(t, Selection{Found: true, Row: 1, Col: 1, Percent: 0}, got)
}

func TestScenarioCentreAlsoBlocked(t *testing.T) {
	l := scenarioLayout(t)
	f := depth.NewFrame(30, 30)
	f.FillRect(20, 20, 30, 30, depth.Invalid)
	f.FillRect(10, 10, 20, 20, depth.TooClose)

	tab, err := Scan(l, f, testDistance)
	require.NoError(t, err)

	// (0,1), (1,0), (1,2) and (2,1) are all one step from the centre; the
	// first in row-major order wins.
	got := Select(tab, 20)
	assert.Equal(t, Selection{Found: true, Row: 0, Col: 1, Percent: 0}, got)
}

func TestScenarioAllAtThreshold(t *testing.T) {
	l := scenarioLayout(t)
	f := depth.NewFrame(30, 30)
	// Two rows out of every ten: exactly 20% of each region.
	for y := 0; y < 30; y += 10 {
		f.FillRect(0, y, 30, y+2, depth.Reading(1))
	}

	tab, err := Scan(l, f, testDistance)
	require.NoError(t, err)
	for _, p := range tab.Percentages() {
		require.Equal(t, 20.0, p)
	}

	assert.Equal(t, None, Select(tab, 20), "threshold is strict")
	assert.Equal(t, Selection{Found: true, Row: 1, Col: 1, Percent: 20}, Select(tab, 20.5))
}

func TestSelectThresholdLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		n := 2 + rng.Intn(6)
		tab := newTable(n, 100)
		for j := range tab.Counts {
			tab.Counts[j] = rng.Intn(101)
		}
		threshold := float64(rng.Intn(101))

		sel := Select(tab, threshold)
		minPct := 100.0
		for _, p := range tab.Percentages() {
			if p < minPct {
				minPct = p
			}
		}
		if minPct < threshold {
			require.True(t, sel.Found, "min %.0f under %.0f", minPct, threshold)
			assert.Equal(t, minPct, sel.Percent)
			assert.Equal(t, minPct, tab.Percent(sel.Row, sel.Col))
		} else {
			assert.False(t, sel.Found)
		}
	}
}

func TestSelectTieBreak(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		counts []int
		want   [2]int
	}{
		{
			"nearest centre wins",
			3,
			[]int{0, 9, 9, 9, 9, 9, 9, 0, 9},
			[2]int{2, 1},
		},
		{
			"corners tie, first row-major",
			3,
			[]int{0, 9, 0, 9, 9, 9, 0, 9, 0},
			[2]int{0, 0},
		},
		{
			"even grid centre is N/2",
			4,
			[]int{
				0, 5, 5, 5,
				5, 0, 5, 5,
				5, 5, 0, 5,
				5, 5, 5, 5,
			},
			[2]int{2, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab := &Table{N: tt.n, Counts: tt.counts, Capacity: 10}
			sel := Select(tab, 50)
			require.True(t, sel.Found)
			assert.Equal(t, tt.want, [2]int{sel.Row, sel.Col})
		})
	}
}

func TestSelectEmptyTable(t *testing.T) {
	assert.Equal(t, None, Select(nil, 15))
	assert.Equal(t, None, Select(&Table{}, 15))
}

func TestTableStats(t *testing.T) {
	tab := &Table{N: 2, Counts: []int{0, 10, 20, 50}, Capacity: 100}
	s := tab.Stats()
	assert.InDelta(t, 20.0, s.Mean, 1e-9)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 50.0, s.Max)
	assert.Equal(t, 1, s.Clear)
	assert.Greater(t, s.StdDev, 0.0)

	single := &Table{N: 1, Counts: []int{5}, Capacity: 10}
	assert.Equal(t, 0.0, single.Stats().StdDev)
}
