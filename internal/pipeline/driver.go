package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
	"github.com/banshee-data/obstacle-avoidance/internal/config"
	"github.com/banshee-data/obstacle-avoidance/internal/depth"
	"github.com/banshee-data/obstacle-avoidance/internal/occupancy"
	"github.com/banshee-data/obstacle-avoidance/internal/timeutil"
)

// FrameSource yields depth fields in arrival order. Next returns io.EOF when
// the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (depth.Field, error)
}

// Dispatcher delivers commands to the vehicle. If it also implements
// io.Closer, Run closes it on exit.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) error
}

// Observer receives every completed cycle. Observers run synchronously on the
// loop goroutine and must return quickly; they must not modify the cycle.
type Observer interface {
	ObserveCycle(c *Cycle)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(c *Cycle)

func (f ObserverFunc) ObserveCycle(c *Cycle) { f(c) }

// Cycle is the full record of one pass through the loop.
type Cycle struct {
	Seq       uint64
	FrameSeq  uint32 // sequence reported by the source, if any
	Started   time.Time
	Latency   time.Duration
	Layout    *occupancy.Layout
	Table     *occupancy.Table
	Selection occupancy.Selection
	Command   command.Command

	// Dispatched is false when the dispatch failed or was skipped because the
	// loop was shutting down.
	Dispatched  bool
	DispatchErr error
}

// Config holds everything the driver needs per cycle.
type Config struct {
	Layout            occupancy.LayoutParams
	DistanceThreshold float64 // metres
	PercentThreshold  float64 // percent, strict upper bound
	Mapper            command.Mapper

	// MaxCycleRate paces the loop to at most this many cycles per second.
	// Every frame is still processed. Zero disables pacing.
	MaxCycleRate float64

	// DispatchTimeout bounds each Dispatch call. Zero means no timeout.
	DispatchTimeout time.Duration

	Clock timeutil.Clock
}

// ConfigFromAvoidance builds a driver Config from the loaded configuration.
func ConfigFromAvoidance(cfg *config.AvoidanceConfig) Config {
	return Config{
		Layout:            occupancy.ParamsFromConfig(cfg),
		DistanceThreshold: cfg.GetDistanceThresholdMeters(),
		PercentThreshold:  cfg.GetPercentThreshold(),
		Mapper:            command.MapperFromConfig(cfg),
		MaxCycleRate:      cfg.GetMaxCycleRate(),
		DispatchTimeout:   cfg.GetDispatchTimeout(),
		Clock:             timeutil.RealClock{},
	}
}

// Stats counts driver activity. Safe to read while the loop runs.
type Stats struct {
	Cycles           uint64 `json:"cycles"`
	Dispatched       uint64 `json:"dispatched"`
	DispatchFailures uint64 `json:"dispatch_failures"`
	Searches         uint64 `json:"searches"`
}

// Driver runs cycles one at a time, strictly in frame arrival order.
type Driver struct {
	cfg       Config
	link      Dispatcher
	cache     occupancy.LayoutCache
	observers []Observer

	seq              atomic.Uint64
	dispatched       atomic.Uint64
	dispatchFailures atomic.Uint64
	searches         atomic.Uint64

	closeOnce sync.Once
}

// NewDriver creates a driver that sends commands to link.
func NewDriver(cfg Config, link Dispatcher, observers ...Observer) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Driver{cfg: cfg, link: link, observers: observers}
}

// AddObserver registers another observer. Call before Run.
func (d *Driver) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Stats returns the current counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Cycles:           d.seq.Load(),
		Dispatched:       d.dispatched.Load(),
		DispatchFailures: d.dispatchFailures.Load(),
		Searches:         d.searches.Load(),
	}
}

// Run processes frames from src until ctx is cancelled, the source is
// exhausted or an unrecoverable error occurs. Cancellation and io.EOF are a
// clean exit and return nil. On every exit the dispatcher is closed (if it is
// an io.Closer) and the cached layout is released.
func (d *Driver) Run(ctx context.Context, src FrameSource) (err error) {
	defer func() {
		if cerr := d.release(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	layout, err := d.cache.Get(d.cfg.Layout)
	if err != nil {
		return fmt.Errorf("failed to build region layout: %w", err)
	}
	opsf("control loop started: %dx%d frame, %dx%d regions", layout.Width, layout.Height, layout.N(), layout.N())

	var pace timeutil.Ticker
	if d.cfg.MaxCycleRate > 0 {
		pace = d.cfg.Clock.NewTicker(time.Duration(float64(time.Second) / d.cfg.MaxCycleRate))
		defer pace.Stop()
	}

	for first := true; ; first = false {
		if ctx.Err() != nil {
			break
		}
		if pace != nil && !first {
			select {
			case <-ctx.Done():
				continue
			case <-pace.C():
			}
		}

		field, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				diagf("source exhausted after %d cycles", d.seq.Load())
				break
			}
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("failed to acquire frame: %w", err)
		}

		if _, err := d.Step(ctx, layout, field); err != nil {
			return err
		}
	}

	st := d.Stats()
	opsf("control loop stopped: %d cycles, %d dispatched, %d dispatch failures, %d searches",
		st.Cycles, st.Dispatched, st.DispatchFailures, st.Searches)
	return nil
}

// Step runs one cycle on field. The returned cycle is non-nil whenever the
// field could be scored, even if dispatch failed; dispatch failures are
// recorded on the cycle and counted but are not returned as errors. The
// command is not dispatched if ctx is already done.
func (d *Driver) Step(ctx context.Context, layout *occupancy.Layout, field depth.Field) (*Cycle, error) {
	started := d.cfg.Clock.Now()

	table, err := occupancy.Scan(layout, field, d.cfg.DistanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to score frame: %w", err)
	}
	sel := occupancy.Select(table, d.cfg.PercentThreshold)
	cmd := d.cfg.Mapper.Map(sel, layout)

	c := &Cycle{
		Seq:       d.seq.Add(1),
		Started:   started,
		Layout:    layout,
		Table:     table,
		Selection: sel,
		Command:   cmd,
	}
	if f, ok := field.(*depth.Frame); ok {
		c.FrameSeq = f.Seq
	}
	if !sel.Found {
		d.searches.Add(1)
	}

	if err := ctx.Err(); err != nil {
		c.DispatchErr = err
		diagf("cycle %d: shutting down, %s not dispatched", c.Seq, cmd)
	} else {
		c.DispatchErr = d.dispatch(ctx, cmd)
		c.Dispatched = c.DispatchErr == nil
		if c.Dispatched {
			d.dispatched.Add(1)
		} else {
			d.dispatchFailures.Add(1)
			opsf("cycle %d: dispatch of %s failed: %v", c.Seq, cmd, c.DispatchErr)
		}
	}
	c.Latency = d.cfg.Clock.Since(started)

	if sel.Found {
		tracef("cycle %d: region (%d,%d) %.1f%% -> %s in %v", c.Seq, sel.Row, sel.Col, sel.Percent, cmd, c.Latency)
	} else {
		tracef("cycle %d: no clear region -> %s in %v", c.Seq, cmd, c.Latency)
	}

	for _, o := range d.observers {
		o.ObserveCycle(c)
	}
	return c, nil
}

func (d *Driver) dispatch(ctx context.Context, cmd command.Command) error {
	if d.link == nil {
		return errors.New("no dispatcher configured")
	}
	if d.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		defer cancel()
	}
	return d.link.Dispatch(ctx, cmd)
}

// release closes the dispatcher and drops the layout. It runs once.
func (d *Driver) release() error {
	var err error
	d.closeOnce.Do(func() {
		d.cache.Release()
		if c, ok := d.link.(io.Closer); ok {
			if err = c.Close(); err != nil {
				opsf("failed to close dispatcher: %v", err)
				err = fmt.Errorf("failed to close dispatcher: %w", err)
			}
		}
	})
	return err
}

// LayoutCached reports whether the driver still holds a layout. It is false
// after Run returns.
func (d *Driver) LayoutCached() bool { return d.cache.Cached() }
