package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
)

// occupancyGrid adapts a snapshot to plotter.GridXYZ. Column c and row r are
// region indices; row 0 is drawn at the top like the camera image.
type occupancyGrid struct {
	s *Snapshot
}

func (g occupancyGrid) Dims() (c, r int)   { return g.s.N, g.s.N }
func (g occupancyGrid) Z(c, r int) float64 { return g.s.Percentages[(g.s.N-1-r)*g.s.N+c] }
func (g occupancyGrid) X(c int) float64    { return float64(c) }
func (g occupancyGrid) Y(r int) float64    { return float64(r) }

// Min and Max pin the colour scale so plots from different cycles compare.
func (g occupancyGrid) Min() float64 { return 0 }
func (g occupancyGrid) Max() float64 { return 100 }

// WriteHeatmapPNG renders the region percentages of s, with the selected
// region marked, to a PNG at path.
func WriteHeatmapPNG(s *Snapshot, path string) error {
	if s.N == 0 || len(s.Percentages) != s.N*s.N {
		return fmt.Errorf("snapshot %d has no occupancy table", s.Seq)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("cycle %d: %s", s.Seq, s.Command)
	p.X.Label.Text = "column"
	p.Y.Label.Text = "row (0 at top)"

	hm := plotter.NewHeatMap(occupancyGrid{s}, palette.Heat(20, 1))
	p.Add(hm)

	if s.Selection.Found {
		mark, err := plotter.NewScatter(plotter.XYs{{X: float64(s.Selection.Col), Y: float64(s.N - 1 - s.Selection.Row)}})
		if err != nil {
			return err
		}
		mark.GlyphStyle = draw.GlyphStyle{
			Color:  color.RGBA{R: 0, G: 200, B: 255, A: 255},
			Radius: vg.Points(6),
			Shape:  draw.RingGlyph{},
		}
		p.Add(mark)
	}

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save heatmap %s: %w", path, err)
	}
	return nil
}

// Plotter writes a heatmap PNG every Every cycles. Rendering happens on a
// background goroutine; if the previous plot is still being written the
// new one is skipped and counted.
type Plotter struct {
	dir   string
	every uint64

	queue   chan *Snapshot
	wg      sync.WaitGroup
	once    sync.Once
	written atomic.Uint64
	skipped atomic.Uint64
}

// NewPlotter creates dir if needed and starts the writer goroutine. every
// must be positive.
func NewPlotter(dir string, every int) (*Plotter, error) {
	if every <= 0 {
		return nil, fmt.Errorf("plot interval must be positive, got %d", every)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}
	p := &Plotter{dir: dir, every: uint64(every), queue: make(chan *Snapshot, 1)}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

func (p *Plotter) loop() {
	defer p.wg.Done()
	for s := range p.queue {
		path := filepath.Join(p.dir, fmt.Sprintf("occupancy-%06d.png", s.Seq))
		if err := WriteHeatmapPNG(s, path); err != nil {
			opsf("%v", err)
			continue
		}
		p.written.Add(1)
		diagf("wrote %s", path)
	}
}

// ObserveCycle implements pipeline.Observer.
func (p *Plotter) ObserveCycle(c *pipeline.Cycle) {
	if c.Seq%p.every != 0 {
		return
	}
	select {
	case p.queue <- SnapshotFromCycle(c):
	default:
		p.skipped.Add(1)
	}
}

// Close waits for pending plots to be written. Observing after Close panics.
func (p *Plotter) Close() error {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
	return nil
}

// Written returns how many plots have been saved.
func (p *Plotter) Written() uint64 { return p.written.Load() }

// Skipped returns how many plots were dropped because the writer was busy.
func (p *Plotter) Skipped() uint64 { return p.skipped.Load() }
