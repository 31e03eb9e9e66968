package autopilot

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
)

// DisabledLink stands in for the autopilot on dry runs (--disable-autopilot).
// It records what would have been sent so the monitor and flight log still
// show the commands. Subscriber channels are tracked so they can be closed on
// Unsubscribe or Close.
type DisabledLink struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	stats       LinkStats
}

func NewDisabledLink() *DisabledLink {
	return &DisabledLink{subscribers: make(map[string]chan string)}
}

func (d *DisabledLink) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledLink) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLink) Initialize() error { return nil }

func (d *DisabledLink) Dispatch(ctx context.Context, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return ErrClosed
	}
	d.stats.Dispatched++
	d.stats.LastCommand = cmd
	return nil
}

func (d *DisabledLink) SendLine(string) error { return nil }

func (d *DisabledLink) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledLink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	d.stats.Closed = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledLink) Stats() LinkStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// AttachAdminRoutes mounts the same debug routes as Link; sent lines are
// discarded and the tail stays silent.
func (d *DisabledLink) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, d)
}
