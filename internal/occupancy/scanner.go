package occupancy

import (
	"fmt"

	"github.com/banshee-data/obstacle-avoidance/internal/depth"
)

// window tracks which slots along one axis contain the current scan
// coordinate. Slots [first, next) are active. Both pointers only move forward
// while the coordinate increases, so a full pass over the axis costs O(dim+n).
type window struct {
	centres []int
	half    int
	first   int
	next    int
}

func (w *window) reset() {
	w.first, w.next = 0, 0
}

// advance moves the window to coordinate pos. Slots enter when their leading
// edge c-half reaches pos and leave once pos reaches their trailing edge
// c+half.
func (w *window) advance(pos int) {
	for w.next < len(w.centres) && w.centres[w.next]-w.half <= pos {
		w.next++
	}
	for w.first < w.next && w.centres[w.first]+w.half <= pos {
		w.first++
	}
}

func (w *window) empty() bool { return w.first == w.next }

// rowSource is implemented by fields that can expose a row without copying.
type rowSource interface {
	Row(y int) []float32
}

// Scan counts, for every region, the pixels whose reading is blocked at
// distanceThreshold metres (see depth.Reading.Blocked). The field must match
// the layout's frame size.
func Scan(l *Layout, f depth.Field, distanceThreshold float64) (*Table, error) {
	if f.Width() != l.Width || f.Height() != l.Height {
		return nil, fmt.Errorf("field is %dx%d, layout expects %dx%d", f.Width(), f.Height(), l.Width, l.Height)
	}

	n := l.N()
	t := newTable(n, l.Capacity())
	rows := window{centres: l.Rows, half: l.HalfHeight}
	cols := window{centres: l.Columns, half: l.HalfWidth}
	rs, direct := f.(rowSource)

	for y := 0; y < l.Height; y++ {
		rows.advance(y)
		if rows.empty() {
			continue
		}
		var line []float32
		if direct {
			line = rs.Row(y)
		}

		cols.reset()
		for x := 0; x < l.Width; x++ {
			cols.advance(x)
			if cols.empty() {
				continue
			}
			var v depth.Reading
			if direct {
				v = depth.Reading(line[x])
			} else {
				v = f.At(x, y)
			}
			if !v.Blocked(distanceThreshold) {
				continue
			}
			for r := rows.first; r < rows.next; r++ {
				base := r * n
				for c := cols.first; c < cols.next; c++ {
					t.Counts[base+c]++
				}
			}
		}
	}
	return t, nil
}
