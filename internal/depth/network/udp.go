// Package network receives depth frames as row-band datagrams, either live
// over UDP or replayed from a packet capture, and writes captures for replay.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/depth"
)

// DefaultPort is the UDP port the depth camera bridge sends to.
const DefaultPort = 5600

// readPoll bounds how long a read blocks before the context is checked.
const readPoll = 100 * time.Millisecond

// UDPSource assembles frames from datagrams arriving on a UDP socket.
type UDPSource struct {
	conn *net.UDPConn
	asm  depth.Assembler
	buf  []byte

	// Malformed counts datagrams that failed to decode; Mismatched counts
	// those declaring a frame size other than the expected one.
	Malformed  int
	Mismatched int
}

// ListenUDP binds address (for example ":5600") and returns a source reading
// from it. rcvBuf sets the socket receive buffer when positive.
func ListenUDP(address string, rcvBuf int) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if rcvBuf > 0 {
		if err := conn.SetReadBuffer(rcvBuf); err != nil {
			opsf("failed to set UDP receive buffer to %d: %v", rcvBuf, err)
		}
	}
	opsf("depth listener started on %s", conn.LocalAddr())
	return &UDPSource{conn: conn, buf: make([]byte, 65536)}, nil
}

// Expect restricts the source to width x height frames. Datagrams of any other
// geometry are counted in Mismatched and dropped.
func (s *UDPSource) Expect(width, height int) {
	s.asm.Width, s.asm.Height = width, height
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Next blocks until a complete frame has arrived or ctx is done.
func (s *UDPSource) Next(ctx context.Context) (depth.Field, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, from, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("UDP read failed: %w", err)
		}

		f, err := s.asm.Add(s.buf[:n])
		if err != nil {
			if errors.Is(err, depth.ErrGeometryMismatch) {
				s.Mismatched++
			} else {
				s.Malformed++
			}
			diagf("dropped datagram from %v: %v", from, err)
			continue
		}
		if f != nil {
			return f, nil
		}
	}
}

// Dropped returns how many frames were abandoned incomplete.
func (s *UDPSource) Dropped() int { return s.asm.Dropped }

// Close releases the socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
