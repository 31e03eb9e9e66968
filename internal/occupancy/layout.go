package occupancy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/obstacle-avoidance/internal/config"
)

// ErrDegenerateLayout is returned when the grid parameters cannot produce N
// distinct, strictly increasing region centres on both axes.
var ErrDegenerateLayout = errors.New("degenerate region layout")

// LayoutParams fully determines a Layout.
type LayoutParams struct {
	Width, Height         int // frame size in pixels
	N                     int // regions per axis
	HalfWidth, HalfHeight int // half extents of every region
}

// ParamsFromConfig builds layout parameters from the loaded configuration.
func ParamsFromConfig(cfg *config.AvoidanceConfig) LayoutParams {
	return LayoutParams{
		Width:      cfg.GetFrameWidth(),
		Height:     cfg.GetFrameHeight(),
		N:          cfg.GetGridSize(),
		HalfWidth:  cfg.GetHalfWidth(),
		HalfHeight: cfg.GetHalfHeight(),
	}
}

// Layout holds the region centres for one frame geometry. Region (r, c) is
// centred at (Columns[c], Rows[r]) and spans [Columns[c]-HalfWidth,
// Columns[c]+HalfWidth) by [Rows[r]-HalfHeight, Rows[r]+HalfHeight).
type Layout struct {
	Columns    []int
	Rows       []int
	HalfWidth  int
	HalfHeight int
	Width      int
	Height     int
}

// N returns the number of regions per axis.
func (l *Layout) N() int { return len(l.Columns) }

// Capacity is the pixel count of one region.
func (l *Layout) Capacity() int { return (2 * l.HalfWidth) * (2 * l.HalfHeight) }

// Contains reports whether pixel (x, y) lies in region (r, c).
func (l *Layout) Contains(r, c, x, y int) bool {
	cx, cy := l.Columns[c], l.Rows[r]
	return cx-l.HalfWidth <= x && x < cx+l.HalfWidth &&
		cy-l.HalfHeight <= y && y < cy+l.HalfHeight
}

// Bounds returns the half-open pixel rectangle of region (r, c).
func (l *Layout) Bounds(r, c int) (x0, y0, x1, y1 int) {
	cx, cy := l.Columns[c], l.Rows[r]
	return cx - l.HalfWidth, cy - l.HalfHeight, cx + l.HalfWidth, cy + l.HalfHeight
}

// NewLayout computes region centres for both axes.
func NewLayout(p LayoutParams) (*Layout, error) {
	if p.N <= 1 {
		return nil, fmt.Errorf("%w: grid size %d, need at least 2", ErrDegenerateLayout, p.N)
	}
	if p.HalfWidth <= 0 || p.HalfHeight <= 0 {
		return nil, fmt.Errorf("%w: half extents %dx%d must be positive", ErrDegenerateLayout, p.HalfWidth, p.HalfHeight)
	}
	if 2*p.HalfWidth >= p.Width || 2*p.HalfHeight >= p.Height {
		return nil, fmt.Errorf("%w: %dx%d regions do not fit a %dx%d frame",
			ErrDegenerateLayout, 2*p.HalfWidth, 2*p.HalfHeight, p.Width, p.Height)
	}

	cols := Centers(p.Width, p.N, p.HalfWidth)
	rows := Centers(p.Height, p.N, p.HalfHeight)
	if err := checkIncreasing("column", cols); err != nil {
		return nil, err
	}
	if err := checkIncreasing("row", rows); err != nil {
		return nil, err
	}

	l := &Layout{
		Columns:    cols,
		Rows:       rows,
		HalfWidth:  p.HalfWidth,
		HalfHeight: p.HalfHeight,
		Width:      p.Width,
		Height:     p.Height,
	}
	diagf("layout %dx%d N=%d half=%dx%d columns=%v rows=%v",
		p.Width, p.Height, p.N, p.HalfWidth, p.HalfHeight, cols, rows)
	return l, nil
}

func checkIncreasing(axis string, centres []int) error {
	for i := 1; i < len(centres); i++ {
		if centres[i] <= centres[i-1] {
			return fmt.Errorf("%w: %s centres not strictly increasing at %d (%d after %d)",
				ErrDegenerateLayout, axis, i, centres[i], centres[i-1])
		}
	}
	return nil
}

// Centers places n centres along an axis of length dim. The first and last
// sit at half and dim-half; every interior slot is the integer average of the
// two slots bounding its span, filled by repeatedly splitting spans at their
// midpoint index. n must be at least 2.
func Centers(dim, n, half int) []int {
	centres := make([]int, n)
	centres[0] = half
	centres[n-1] = dim - half

	type span struct{ start, end int }
	stack := []span{{0, n - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s.end-s.start < 2 {
			continue
		}
		mid := (s.start + s.end) / 2
		centres[mid] = (centres[s.start] + centres[s.end]) / 2
		stack = append(stack, span{mid, s.end}, span{s.start, mid})
	}
	return centres
}

// LayoutCache holds the layout for the current parameters and recomputes it
// only when they change. Safe for concurrent use.
type LayoutCache struct {
	mu     sync.Mutex
	params LayoutParams
	layout *Layout
}

// Get returns the cached layout, rebuilding it if p differs from the
// parameters it was built with.
func (c *LayoutCache) Get(p LayoutParams) (*Layout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.layout != nil && c.params == p {
		return c.layout, nil
	}
	l, err := NewLayout(p)
	if err != nil {
		return nil, err
	}
	c.params = p
	c.layout = l
	return l, nil
}

// Release drops the cached layout.
func (c *LayoutCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layout = nil
	c.params = LayoutParams{}
}

// Cached reports whether a layout is currently held.
func (c *LayoutCache) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout != nil
}
