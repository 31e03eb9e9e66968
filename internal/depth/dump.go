package depth

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteText dumps a field as nested bracketed rows:
//
//	[ [ 1.5, 2.25, nan, ]
//	[ -inf, 3, inf, ]
//	 ]
//
// Special values are spelled the way C++ streams print them so dumps taken
// on the vehicle's companion computer and dumps taken here are interchangeable.
func WriteText(w io.Writer, f Field) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("[ ")
	for y := 0; y < f.Height(); y++ {
		bw.WriteString("[ ")
		for x := 0; x < f.Width(); x++ {
			bw.WriteString(formatReading(f.At(x, y)))
			bw.WriteString(", ")
		}
		bw.WriteString("]\n")
	}
	bw.WriteString(" ]")
	return bw.Flush()
}

func formatReading(r Reading) string {
	v := float64(r)
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 32)
}

// ReadText parses the WriteText format. Rows must all have the same length.
// Whitespace and line breaks are not significant.
func ReadText(r io.Reader) (*Frame, error) {
	br := bufio.NewReader(r)

	var (
		data   []float32
		width  = -1
		height int
		level  int
		tok    strings.Builder
		rowLen int
	)

	flush := func() error {
		if tok.Len() == 0 {
			return nil
		}
		s := tok.String()
		tok.Reset()
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return fmt.Errorf("row %d: bad sample %q: %w", height, s, err)
		}
		data = append(data, float32(v))
		rowLen++
		return nil
	}

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch c {
		case '[':
			level++
			if level > 2 {
				return nil, fmt.Errorf("row %d: unexpected nesting", height)
			}
			if level == 2 {
				rowLen = 0
			}
		case ']':
			if level == 2 {
				if err := flush(); err != nil {
					return nil, err
				}
				if width == -1 {
					width = rowLen
				} else if rowLen != width {
					return nil, fmt.Errorf("row %d has %d samples, want %d", height, rowLen, width)
				}
				height++
			}
			level--
			if level < 0 {
				return nil, fmt.Errorf("unbalanced brackets after row %d", height)
			}
		case ',', ' ', '\t', '\n', '\r':
			if level == 2 {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		default:
			if level != 2 {
				return nil, fmt.Errorf("unexpected %q outside a row", c)
			}
			tok.WriteByte(c)
		}
	}
	if level != 0 {
		return nil, fmt.Errorf("unterminated dump after row %d", height)
	}
	if height == 0 || width <= 0 {
		return nil, fmt.Errorf("dump contains no samples")
	}
	return NewFrameFromSlice(width, height, data)
}
