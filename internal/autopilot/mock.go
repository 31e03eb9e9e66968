package autopilot

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("autopilot port closed")

// TestablePort implements Porter with scripted reads and captured writes.
// Reads block until telemetry is queued with AddReadData or the port is
// closed, like a quiet serial line.
type TestablePort struct {
	mu sync.Mutex

	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer

	// WriteError is returned by every Write while set.
	WriteError error

	// ShortWrites makes Write report one byte fewer than it was given.
	ShortWrites bool

	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	writeCalls int
	writeGate  chan struct{}
	readCond   *sync.Cond
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuffer.Len() > 0 {
		return p.readBuffer.Read(b)
	}
	return 0, io.EOF
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	gate := p.writeGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeCalls++
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	if p.ShortWrites && len(b) > 0 {
		p.writeBuffer.Write(b[:len(b)-1])
		return len(b) - 1, nil
	}
	return p.writeBuffer.Write(b)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// StallWrites makes every Write block, like a serial line with flow control
// asserted, until the returned function is called.
func (p *TestablePort) StallWrites() (resume func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.writeGate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.writeGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// SetWriteError changes WriteError under the port's lock.
func (p *TestablePort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteError = err
}

// AddReadData queues telemetry for the reader.
func (p *TestablePort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuffer.WriteString(data)
	p.readCond.Broadcast()
}

// WrittenLines returns every complete line written so far.
func (p *TestablePort) WrittenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimSuffix(p.writeBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
