// Package monitor exposes the most recent control cycle over HTTP and writes
// occupancy heatmaps to disk. It only reads cycles; nothing here feeds back
// into command selection.
package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
	"github.com/banshee-data/obstacle-avoidance/internal/httputil"
	"github.com/banshee-data/obstacle-avoidance/internal/occupancy"
	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
)

// Snapshot is a self-contained copy of one cycle, safe to hand to HTTP
// handlers after the loop has moved on.
type Snapshot struct {
	Seq           uint64               `json:"seq"`
	FrameSeq      uint32               `json:"frame_seq"`
	Started       time.Time            `json:"started"`
	LatencyMS     float64              `json:"latency_ms"`
	N             int                  `json:"n"`
	Columns       []int                `json:"columns"`
	Rows          []int                `json:"rows"`
	HalfWidth     int                  `json:"half_width"`
	HalfHeight    int                  `json:"half_height"`
	Percentages   []float64            `json:"percentages"`
	Stats         occupancy.TableStats `json:"stats"`
	Selection     occupancy.Selection  `json:"selection"`
	Command       command.Command      `json:"command"`
	Dispatched    bool                 `json:"dispatched"`
	DispatchError string               `json:"dispatch_error,omitempty"`
}

// SnapshotFromCycle copies the parts of c that outlive the cycle.
func SnapshotFromCycle(c *pipeline.Cycle) *Snapshot {
	s := &Snapshot{
		Seq:        c.Seq,
		FrameSeq:   c.FrameSeq,
		Started:    c.Started,
		LatencyMS:  float64(c.Latency) / float64(time.Millisecond),
		Selection:  c.Selection,
		Command:    c.Command,
		Dispatched: c.Dispatched,
	}
	if c.DispatchErr != nil {
		s.DispatchError = c.DispatchErr.Error()
	}
	if c.Layout != nil {
		s.N = c.Layout.N()
		s.Columns = append([]int(nil), c.Layout.Columns...)
		s.Rows = append([]int(nil), c.Layout.Rows...)
		s.HalfWidth, s.HalfHeight = c.Layout.HalfWidth, c.Layout.HalfHeight
	}
	if c.Table != nil {
		s.N = c.Table.N
		s.Percentages = c.Table.Percentages()
		s.Stats = c.Table.Stats()
	}
	return s
}

// Monitor keeps the latest cycle snapshot.
type Monitor struct {
	mu     sync.RWMutex
	latest *Snapshot

	// DriverStats, if set, is included in /api/cycle responses.
	DriverStats func() pipeline.Stats
}

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{}
}

// ObserveCycle implements pipeline.Observer.
func (m *Monitor) ObserveCycle(c *pipeline.Cycle) {
	s := SnapshotFromCycle(c)
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
	tracef("snapshot %d", s.Seq)
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (m *Monitor) Latest() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

type cycleResponse struct {
	*Snapshot
	Driver *pipeline.Stats `json:"driver,omitempty"`
}

// AttachAdminRoutes mounts /api/cycle and the /debug/occupancy chart.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/cycle", m.handleCycle)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("occupancy", "Region occupancy heatmap of the latest cycle", m.handleOccupancyChart)
}

func (m *Monitor) handleCycle(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	s := m.Latest()
	if s == nil {
		httputil.Unavailable(w, "no cycle yet")
		return
	}
	resp := cycleResponse{Snapshot: s}
	if m.DriverStats != nil {
		st := m.DriverStats()
		resp.Driver = &st
	}
	httputil.WriteJSONOK(w, resp)
}

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

func (m *Monitor) handleOccupancyChart(w http.ResponseWriter, r *http.Request) {
	s := m.Latest()
	if s == nil {
		http.Error(w, "No cycle yet", http.StatusServiceUnavailable)
		return
	}

	var buf bytes.Buffer
	if err := renderHeatmap(&buf, s); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderHeatmap(buf *bytes.Buffer, s *Snapshot) error {
	labels := make([]string, s.N)
	for i := range labels {
		labels[i] = fmt.Sprint(i)
	}

	data := make([]opts.HeatMapData, 0, len(s.Percentages))
	for r := 0; r < s.N; r++ {
		for c := 0; c < s.N; c++ {
			// Row 0 is the top of the frame; echarts draws y upward.
			data = append(data, opts.HeatMapData{Value: [3]interface{}{c, s.N - 1 - r, s.Percentages[r*s.N+c]}})
		}
	}

	subtitle := fmt.Sprintf("cycle=%d no clear region -> %s", s.Seq, s.Command)
	if s.Selection.Found {
		subtitle = fmt.Sprintf("cycle=%d selected (%d,%d) at %.1f%% -> %s", s.Seq, s.Selection.Row, s.Selection.Col, s.Selection.Percent, s.Command)
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Region occupancy", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Region occupancy (%)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: labels, Name: "col"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: reversed(labels), Name: "row"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        100,
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.AddSeries("occupancy", data)
	return hm.Render(buf)
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
