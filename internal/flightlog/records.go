package flightlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
)

// CycleRecord is one row of the cycles table.
type CycleRecord struct {
	RunID         string        `json:"run_id"`
	Seq           uint64        `json:"seq"`
	FrameSeq      uint32        `json:"frame_seq"`
	StartedAt     time.Time     `json:"started_at"`
	Latency       time.Duration `json:"latency"`
	Selected      bool          `json:"selected"`
	Row           int           `json:"row"`
	Col           int           `json:"col"`
	Percent       float64       `json:"percent"`
	Direction     string        `json:"direction"`
	Lateral       float64       `json:"lateral"`
	Vertical      float64       `json:"vertical"`
	Yaw           string        `json:"yaw"`
	YawRate       float64       `json:"yaw_rate"`
	Dispatched    bool          `json:"dispatched"`
	DispatchError string        `json:"dispatch_error,omitempty"`
	MeanPercent   float64       `json:"mean_percent"`
	MaxPercent    float64       `json:"max_percent"`
	ClearRegions  int           `json:"clear_regions"`
}

func recordFromCycle(runID string, c *pipeline.Cycle) CycleRecord {
	rec := CycleRecord{
		RunID:      runID,
		Seq:        c.Seq,
		FrameSeq:   c.FrameSeq,
		StartedAt:  c.Started,
		Latency:    c.Latency,
		Selected:   c.Selection.Found,
		Row:        c.Selection.Row,
		Col:        c.Selection.Col,
		Percent:    c.Selection.Percent,
		Direction:  c.Command.Direction.String(),
		Lateral:    c.Command.Lateral,
		Vertical:   c.Command.Vertical,
		Yaw:        c.Command.Yaw.String(),
		YawRate:    c.Command.YawRate,
		Dispatched: c.Dispatched,
	}
	if c.DispatchErr != nil {
		rec.DispatchError = c.DispatchErr.Error()
	}
	if c.Table != nil {
		s := c.Table.Stats()
		rec.MeanPercent = s.Mean
		rec.MaxPercent = s.Max
		rec.ClearRegions = s.Clear
	}
	return rec
}

// RecentCycles returns up to limit of the latest cycles of a run, newest
// first.
func (l *Log) RecentCycles(runID string, limit int) ([]CycleRecord, error) {
	rows, err := l.Query(`
		SELECT run_id, seq, frame_seq, started_at, latency_us,
			selected, sel_row, sel_col, sel_percent,
			direction, lateral, vertical, yaw, yaw_rate,
			dispatched, dispatch_error,
			mean_percent, max_percent, clear_regions
		FROM cycles WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var (
			rec       CycleRecord
			started   int64
			latencyUS int64
			row, col  sql.NullInt64
			pct       sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.RunID, &rec.Seq, &rec.FrameSeq, &started, &latencyUS,
			&rec.Selected, &row, &col, &pct,
			&rec.Direction, &rec.Lateral, &rec.Vertical, &rec.Yaw, &rec.YawRate,
			&rec.Dispatched, &rec.DispatchError,
			&rec.MeanPercent, &rec.MaxPercent, &rec.ClearRegions,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		rec.StartedAt = time.Unix(0, started)
		rec.Latency = time.Duration(latencyUS) * time.Microsecond
		rec.Row, rec.Col, rec.Percent = int(row.Int64), int(col.Int64), pct.Float64
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates one run.
type Summary struct {
	RunID            string         `json:"run_id"`
	Version          string         `json:"version"`
	Source           string         `json:"source"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Cycles           int            `json:"cycles"`
	Searches         int            `json:"searches"`
	DispatchFailures int            `json:"dispatch_failures"`
	Directions       map[string]int `json:"directions"`
	MeanLatency      time.Duration  `json:"mean_latency"`
}

// RunSummary counts cycles per direction, searches and dispatch failures for
// a run.
func (l *Log) RunSummary(runID string) (*Summary, error) {
	s := &Summary{RunID: runID, Directions: map[string]int{}}

	var started int64
	var ended sql.NullInt64
	err := l.QueryRow(`SELECT version, source, started_at, ended_at FROM runs WHERE run_id = ?`, runID).
		Scan(&s.Version, &s.Source, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	s.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		s.EndedAt = &t
	}

	var meanLatency sql.NullFloat64
	err = l.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN selected = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dispatched = 0 THEN 1 ELSE 0 END), 0),
			AVG(latency_us)
		FROM cycles WHERE run_id = ?`, runID).
		Scan(&s.Cycles, &s.Searches, &s.DispatchFailures, &meanLatency)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise run: %w", err)
	}
	s.MeanLatency = time.Duration(meanLatency.Float64 * float64(time.Microsecond))

	rows, err := l.Query(`SELECT direction, COUNT(*) FROM cycles WHERE run_id = ? GROUP BY direction`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count directions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dir string
		var n int
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, err
		}
		s.Directions[dir] = n
	}
	return s, rows.Err()
}

// Run is one row of the runs table.
type Run struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
}

// Runs lists runs, newest first.
func (l *Log) Runs() ([]Run, error) {
	rows, err := l.Query(`SELECT run_id, started_at, version, source FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.RunID, &started, &r.Version, &r.Source); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		out = append(out, r)
	}
	return out, rows.Err()
}
