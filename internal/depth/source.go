package depth

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/timeutil"
)

// SyntheticSource generates frames with a wall of open space and a single
// obstacle sweeping left to right, for running the loop without a camera.
type SyntheticSource struct {
	Width, Height int

	// Background is the distance of open space; Obstacle is the distance of
	// the moving block. Both in metres.
	Background float32
	Obstacle   float32

	// ObstacleWidth and ObstacleHeight are the block's size in pixels.
	ObstacleWidth, ObstacleHeight int

	// Step is how far the block moves per frame, in pixels.
	Step int

	// FrameRate paces Next. Zero disables pacing.
	FrameRate float64

	// Frames stops the source after this many frames. Zero runs forever.
	Frames int

	Clock timeutil.Clock

	seq    uint32
	ticker timeutil.Ticker
}

// NewSyntheticSource returns a source with a 1 m obstacle a third of the frame
// wide drifting across a 10 m background.
func NewSyntheticSource(width, height int) *SyntheticSource {
	return &SyntheticSource{
		Width:          width,
		Height:         height,
		Background:     10,
		Obstacle:       1,
		ObstacleWidth:  width / 3,
		ObstacleHeight: height / 2,
		Step:           width / 40,
		Clock:          timeutil.RealClock{},
	}
}

// Next blocks until the next frame is due and returns it.
func (s *SyntheticSource) Next(ctx context.Context) (Field, error) {
	if s.Frames > 0 && int(s.seq) >= s.Frames {
		return nil, io.EOF
	}
	if s.FrameRate > 0 {
		if s.ticker == nil {
			s.ticker = s.Clock.NewTicker(time.Duration(float64(time.Second) / s.FrameRate))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C():
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := s.Render(s.seq)
	s.seq++
	return f, nil
}

// Render draws frame n without advancing the source.
func (s *SyntheticSource) Render(n uint32) *Frame {
	f := NewFrame(s.Width, s.Height)
	f.Fill(Reading(s.Background))

	span := s.Width + s.ObstacleWidth
	x0 := 0
	if span > 0 {
		x0 = (int(n)*s.Step)%span - s.ObstacleWidth
	}
	y0 := (s.Height - s.ObstacleHeight) / 2
	f.FillRect(x0, y0, x0+s.ObstacleWidth, y0+s.ObstacleHeight, Reading(s.Obstacle))

	// A sliver of the bottom rows is always unresolved, like the glare band a
	// downward-tilted stereo pair picks up from the ground.
	f.FillRect(0, s.Height-s.Height/40, s.Width, s.Height, Invalid)
	f.Seq = n
	return f
}

// Close stops the pacing ticker.
func (s *SyntheticSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

// TextSource replays text dumps (see WriteText) from a directory in name order.
type TextSource struct {
	paths []string
	next  int
}

// NewTextSource lists files matching pattern (for example "*.txt") under dir.
func NewTextSource(dir, pattern string) (*TextSource, error) {
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad dump pattern %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no dumps matching %q in %s", pattern, dir)
	}
	sort.Strings(paths)
	return &TextSource{paths: paths}, nil
}

// Next parses the next dump. It returns io.EOF after the last file.
func (s *TextSource) Next(ctx context.Context) (Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.next]
	s.next++

	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	defer fh.Close()

	f, err := ReadText(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dump %s: %w", filepath.Base(path), err)
	}
	f.Seq = uint32(s.next - 1)
	diagf("replayed dump %s (%dx%d)", filepath.Base(path), f.Width(), f.Height())
	return f, nil
}
