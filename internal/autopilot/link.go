// Package autopilot carries velocity setpoints to the flight controller over a
// serial link and fans its telemetry lines out to subscribers.
//
// Every message is one JSON object terminated by a newline. The link sends
// "offboard" messages to hand control to and from the companion computer and
// a "setpoint" message per control cycle.
package autopilot

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/command"
)

var (
	ErrWriteFailed = errors.New("failed to write to autopilot port")
	ErrClosed      = errors.New("autopilot link closed")
)

// LinkInterface is implemented by Link and DisabledLink.
type LinkInterface interface {
	// Initialize hands velocity control to the companion computer.
	Initialize() error
	// Dispatch sends one setpoint. It fails with ErrClosed after Close and
	// with the context's error if ctx ends before the write completes.
	Dispatch(ctx context.Context, cmd command.Command) error
	// SendLine writes a raw line to the port, for admin use.
	SendLine(line string) error
	// Subscribe creates a channel that receives each telemetry line.
	Subscribe() (string, chan string)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// Monitor reads telemetry until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close commands a hold, releases offboard control and closes the port.
	// It is safe to call more than once.
	Close() error
	// Stats reports dispatch counters.
	Stats() LinkStats
	// AttachAdminRoutes mounts debug endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// LinkStats counts what the link has sent.
type LinkStats struct {
	Dispatched  uint64          `json:"dispatched"`
	Failed      uint64          `json:"failed"`
	LastCommand command.Command `json:"last_command"`
	Closed      bool            `json:"closed"`
}

// message is the wire form of everything the link writes.
type message struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq,omitempty"`
	Enable *bool  `json:"enable,omitempty"`
	*command.Command
}

// Link multiplexes a single autopilot port: one writer at a time, many
// telemetry subscribers.
type Link[T Porter] struct {
	port T

	subscribers  map[string]chan string
	subscriberMu sync.Mutex

	// writeSem admits one port writer at a time. A write that has reached the
	// port runs to completion even if the caller stops waiting for it.
	writeSem chan struct{}
	seq      uint64 // guarded by writeSem

	statsMu sync.Mutex
	stats   LinkStats

	closing   bool
	closingMu sync.Mutex
}

// NewLink wraps an open port.
func NewLink[T Porter](port T) *Link[T] {
	return &Link[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		writeSem:    make(chan struct{}, 1),
	}
}

// closeWait bounds how long Close waits for a stalled write before closing
// the port without the final hold.
var closeWait = 2 * time.Second

func (l *Link[T]) acquire(ctx context.Context) error {
	select {
	case l.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link[T]) release() { <-l.writeSem }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Link[T]) isClosing() bool {
	l.closingMu.Lock()
	defer l.closingMu.Unlock()
	return l.closing
}

func (l *Link[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.isClosing() {
		close(ch)
		return id, ch
	}
	l.subscribers[id] = ch
	return id, ch
}

func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Initialize enables offboard velocity control and sends a hold so the
// autopilot has a fresh setpoint before the first cycle.
func (l *Link[T]) Initialize() error {
	if l.isClosing() {
		return ErrClosed
	}
	if err := l.acquire(context.Background()); err != nil {
		return err
	}
	defer l.release()
	if err := l.writeMessage(offboardMessage(true)); err != nil {
		return fmt.Errorf("failed to enable offboard control: %w", err)
	}
	hold := command.HoldCommand
	if err := l.writeSetpoint(hold); err != nil {
		return fmt.Errorf("failed to send initial hold: %w", err)
	}
	opsf("offboard control enabled")
	return nil
}

func offboardMessage(enable bool) message {
	return message{Type: "offboard", Enable: &enable}
}

// Dispatch writes one setpoint. The context bounds both the wait for the port
// and the write itself: when ctx ends first Dispatch returns its error, and a
// write already on a stalled port finishes in the background while later
// writers queue behind it.
func (l *Link[T]) Dispatch(ctx context.Context, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosing() {
		return ErrClosed
	}

	if err := l.acquire(ctx); err != nil {
		return err
	}
	// Cancellation may have arrived while waiting for the port.
	if err := ctx.Err(); err != nil {
		l.release()
		return err
	}
	if l.isClosing() {
		l.release()
		return ErrClosed
	}

	done := make(chan error, 1)
	go func() {
		defer l.release()
		err := l.writeSetpoint(cmd)
		if err != nil {
			l.statsMu.Lock()
			l.stats.Failed++
			l.statsMu.Unlock()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		opsf("gave up waiting for setpoint %s: %v", cmd, ctx.Err())
		return ctx.Err()
	}
}

// writeSetpoint must be called holding the write slot.
func (l *Link[T]) writeSetpoint(cmd command.Command) error {
	l.seq++
	if err := l.writeMessage(message{Type: "setpoint", Seq: l.seq, Command: &cmd}); err != nil {
		return err
	}
	l.statsMu.Lock()
	l.stats.Dispatched++
	l.stats.LastCommand = cmd
	l.statsMu.Unlock()
	tracef("setpoint %d: %s", l.seq, cmd)
	return nil
}

// writeMessage must be called holding the write slot.
func (l *Link[T]) writeMessage(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return l.writeLine(append(b, '\n'))
}

func (l *Link[T]) writeLine(b []byte) error {
	n, err := l.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(b) {
		return ErrWriteFailed
	}
	return nil
}

// SendLine writes a raw line to the port.
func (l *Link[T]) SendLine(line string) error {
	if l.isClosing() {
		return ErrClosed
	}
	if err := l.acquire(context.Background()); err != nil {
		return err
	}
	defer l.release()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	return l.writeLine([]byte(line))
}

// Monitor reads telemetry lines from the port and sends them to subscribers.
// A slow subscriber misses lines rather than stalling the reader.
func (l *Link[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(l.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if l.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !l.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if l.isClosing() {
				return nil
			}
			if ClassifyTelemetry(line) == TelemetryError {
				opsf("autopilot reported: %s", line)
			}

			l.subscriberMu.Lock()
			for _, ch := range l.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			l.subscriberMu.Unlock()
		}
	}
}

// Close sends a final hold and releases offboard control, then closes
// subscribers and the port. Write failures during shutdown are logged and do
// not stop the port from being closed.
func (l *Link[T]) Close() error {
	l.closingMu.Lock()
	if l.closing {
		l.closingMu.Unlock()
		return nil
	}
	l.closing = true
	l.closingMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	err := l.acquire(ctx)
	cancel()
	if err != nil {
		opsf("port busy, closing without final hold: %v", err)
	} else {
		if err := l.writeSetpoint(command.HoldCommand); err != nil {
			opsf("final hold not sent: %v", err)
		}
		if err := l.writeMessage(offboardMessage(false)); err != nil {
			opsf("offboard release not sent: %v", err)
		}
		l.release()
	}
	l.statsMu.Lock()
	l.stats.Closed = true
	l.statsMu.Unlock()

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()

	diagf("link closed")
	return l.port.Close()
}

// Stats returns a copy of the dispatch counters.
func (l *Link[T]) Stats() LinkStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}
