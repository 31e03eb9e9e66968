// Package depth holds the per-frame distance field consumed by the avoidance
// core, plus the file and wire encodings used to move frames around.
//
// Readings are float32 metres. The stereo camera encodes the special cases in
// the value itself: NaN when the sensor could not resolve a pixel, -Inf when
// the surface is closer than the minimum range and +Inf beyond the maximum
// range. The same encoding is used everywhere in this package.
package depth

import (
	"fmt"
	"math"
)

// Kind classifies a single reading.
type Kind int

const (
	KindMeasured Kind = iota
	KindInvalid
	KindTooClose
	KindTooFar
)

func (k Kind) String() string {
	switch k {
	case KindMeasured:
		return "measured"
	case KindInvalid:
		return "invalid"
	case KindTooClose:
		return "too_close"
	case KindTooFar:
		return "too_far"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reading is one distance sample in metres.
type Reading float32

var (
	// Invalid marks a pixel the sensor could not resolve.
	Invalid = Reading(float32(math.NaN()))
	// TooClose marks a surface below the sensor's minimum range.
	TooClose = Reading(float32(math.Inf(-1)))
	// TooFar marks a pixel beyond the sensor's maximum range.
	TooFar = Reading(float32(math.Inf(1)))
)

// Kind reports which case the reading encodes. Negative finite values are
// not produced by a healthy sensor and classify as invalid.
func (r Reading) Kind() Kind {
	f := float64(r)
	switch {
	case math.IsNaN(f):
		return KindInvalid
	case math.IsInf(f, -1):
		return KindTooClose
	case math.IsInf(f, 1):
		return KindTooFar
	case f < 0:
		return KindInvalid
	default:
		return KindMeasured
	}
}

// Meters returns the measured distance. Only meaningful for KindMeasured.
func (r Reading) Meters() float64 { return float64(r) }

// Blocked reports whether a pixel with this reading obstructs travel given a
// distance threshold: too close, unresolved, or measured at or inside the
// threshold. Readings beyond the maximum range are open space.
func (r Reading) Blocked(threshold float64) bool {
	switch r.Kind() {
	case KindTooClose, KindInvalid:
		return true
	case KindTooFar:
		return false
	default:
		return float64(r) <= threshold
	}
}

// Field is a read-only view over one frame. It is only valid for the duration
// of the control cycle that received it.
type Field interface {
	Width() int
	Height() int
	At(x, y int) Reading
}

// Frame is a row-major Field backed by a float32 slice.
type Frame struct {
	Seq    uint32
	width  int
	height int
	data   []float32
}

// NewFrame allocates a width x height frame with every pixel set to TooFar.
func NewFrame(width, height int) *Frame {
	f := &Frame{width: width, height: height, data: make([]float32, width*height)}
	f.Fill(TooFar)
	return f
}

// NewFrameFromSlice wraps data without copying. len(data) must equal width*height.
func NewFrameFromSlice(width, height int, data []float32) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("frame data has %d samples, want %d", len(data), width*height)
	}
	return &Frame{width: width, height: height, data: data}, nil
}

func (f *Frame) Width() int  { return f.width }
func (f *Frame) Height() int { return f.height }

func (f *Frame) At(x, y int) Reading {
	return Reading(f.data[y*f.width+x])
}

// Set writes one pixel.
func (f *Frame) Set(x, y int, r Reading) {
	f.data[y*f.width+x] = float32(r)
}

// Fill sets every pixel to r.
func (f *Frame) Fill(r Reading) {
	for i := range f.data {
		f.data[i] = float32(r)
	}
}

// FillRect sets the pixels in [x0, x1) x [y0, y1), clipped to the frame.
func (f *Frame) FillRect(x0, y0, x1, y1 int, r Reading) {
	x0, x1 = clip(x0, f.width), clip(x1, f.width)
	y0, y1 = clip(y0, f.height), clip(y1, f.height)
	for y := y0; y < y1; y++ {
		row := f.data[y*f.width : (y+1)*f.width]
		for x := x0; x < x1; x++ {
			row[x] = float32(r)
		}
	}
}

// Row returns the samples of row y. The slice aliases the frame.
func (f *Frame) Row(y int) []float32 {
	return f.data[y*f.width : (y+1)*f.width]
}

func clip(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
