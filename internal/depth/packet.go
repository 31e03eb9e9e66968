package depth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Depth frames travel over UDP split into row bands. Each datagram carries a
// fixed little-endian header followed by rowCount*width float32 samples:
//
//	0  magic "DPTH"
//	4  version (1)
//	5  reserved
//	6  frame sequence  uint32
//	10 frame width     uint16
//	12 frame height    uint16
//	14 first row       uint16
//	16 row count       uint16
//	18 samples
const (
	PacketHeaderSize = 18
	PacketVersion    = 1
	// MaxPacketPayload keeps datagrams under a typical 9000 byte jumbo MTU.
	MaxPacketPayload = 8192
	// MaxFramePixels bounds the frame a header may declare (4096x4096).
	MaxFramePixels = 4096 * 4096
)

var packetMagic = [4]byte{'D', 'P', 'T', 'H'}

var (
	ErrShortPacket      = errors.New("depth packet too short")
	ErrBadMagic         = errors.New("depth packet has bad magic")
	ErrFrameTooLarge    = errors.New("depth packet declares an oversized frame")
	ErrGeometryMismatch = errors.New("depth packet geometry does not match expected frame size")
)

// PacketHeader describes one row band.
type PacketHeader struct {
	Seq      uint32
	Width    int
	Height   int
	FirstRow int
	RowCount int
}

// EncodePackets splits a frame into datagrams of at most maxPayload bytes.
func EncodePackets(seq uint32, f Field, maxPayload int) ([][]byte, error) {
	w, h := f.Width(), f.Height()
	if w > math.MaxUint16 || h > math.MaxUint16 {
		return nil, fmt.Errorf("frame %dx%d too large for packet encoding", w, h)
	}
	rowBytes := w * 4
	rowsPerPacket := (maxPayload - PacketHeaderSize) / rowBytes
	if rowsPerPacket < 1 {
		return nil, fmt.Errorf("payload limit %d cannot carry one %d pixel row", maxPayload, w)
	}

	var out [][]byte
	for first := 0; first < h; first += rowsPerPacket {
		count := rowsPerPacket
		if first+count > h {
			count = h - first
		}
		buf := make([]byte, PacketHeaderSize+count*rowBytes)
		copy(buf[0:4], packetMagic[:])
		buf[4] = PacketVersion
		binary.LittleEndian.PutUint32(buf[6:10], seq)
		binary.LittleEndian.PutUint16(buf[10:12], uint16(w))
		binary.LittleEndian.PutUint16(buf[12:14], uint16(h))
		binary.LittleEndian.PutUint16(buf[14:16], uint16(first))
		binary.LittleEndian.PutUint16(buf[16:18], uint16(count))
		off := PacketHeaderSize
		for y := first; y < first+count; y++ {
			for x := 0; x < w; x++ {
				binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(float32(f.At(x, y))))
				off += 4
			}
		}
		out = append(out, buf)
	}
	return out, nil
}

// DecodePacketHeader validates and parses the header of one datagram.
func DecodePacketHeader(data []byte) (PacketHeader, error) {
	if len(data) < PacketHeaderSize {
		return PacketHeader{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if [4]byte(data[0:4]) != packetMagic {
		return PacketHeader{}, ErrBadMagic
	}
	if data[4] != PacketVersion {
		return PacketHeader{}, fmt.Errorf("unsupported depth packet version %d", data[4])
	}
	h := PacketHeader{
		Seq:      binary.LittleEndian.Uint32(data[6:10]),
		Width:    int(binary.LittleEndian.Uint16(data[10:12])),
		Height:   int(binary.LittleEndian.Uint16(data[12:14])),
		FirstRow: int(binary.LittleEndian.Uint16(data[14:16])),
		RowCount: int(binary.LittleEndian.Uint16(data[16:18])),
	}
	if h.Width == 0 || h.Height == 0 || h.RowCount == 0 {
		return PacketHeader{}, fmt.Errorf("depth packet has empty geometry %dx%d rows=%d", h.Width, h.Height, h.RowCount)
	}
	if h.Width*h.Height > MaxFramePixels {
		return PacketHeader{}, fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, h.Width, h.Height)
	}
	if h.FirstRow+h.RowCount > h.Height {
		return PacketHeader{}, fmt.Errorf("depth packet rows [%d,%d) exceed height %d", h.FirstRow, h.FirstRow+h.RowCount, h.Height)
	}
	if want := PacketHeaderSize + h.RowCount*h.Width*4; len(data) < want {
		return PacketHeader{}, fmt.Errorf("%w: have %d bytes, header needs %d", ErrShortPacket, len(data), want)
	}
	return h, nil
}

// Assembler rebuilds frames from row-band datagrams. Bands of one frame may
// arrive in any order; a band from a different sequence abandons the frame in
// progress. Not safe for concurrent use.
type Assembler struct {
	// Width and Height, when set, are the only frame size accepted. Bands
	// declaring another size are rejected with ErrGeometryMismatch and leave
	// the frame in progress untouched.
	Width, Height int

	frame    *Frame
	seq      uint32
	rows     []bool
	received int

	// Dropped counts frames abandoned before all rows arrived.
	Dropped int
}

// NewAssembler returns an assembler that only accepts width x height frames.
func NewAssembler(width, height int) *Assembler {
	return &Assembler{Width: width, Height: height}
}

// Add consumes one datagram and returns the frame once all of its rows are in.
func (a *Assembler) Add(data []byte) (*Frame, error) {
	h, err := DecodePacketHeader(data)
	if err != nil {
		return nil, err
	}
	if a.Width > 0 && a.Height > 0 && (h.Width != a.Width || h.Height != a.Height) {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrGeometryMismatch, h.Width, h.Height, a.Width, a.Height)
	}

	if a.frame == nil || h.Seq != a.seq || h.Width != a.frame.width || h.Height != a.frame.height {
		if a.frame != nil && a.received > 0 {
			a.Dropped++
			opsf("abandoned frame seq=%d with %d/%d rows", a.seq, a.received, a.frame.height)
		}
		a.frame = &Frame{Seq: h.Seq, width: h.Width, height: h.Height, data: make([]float32, h.Width*h.Height)}
		a.seq = h.Seq
		a.rows = make([]bool, h.Height)
		a.received = 0
	}

	off := PacketHeaderSize
	for y := h.FirstRow; y < h.FirstRow+h.RowCount; y++ {
		row := a.frame.Row(y)
		for x := range row {
			row[x] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
		if !a.rows[y] {
			a.rows[y] = true
			a.received++
		}
	}

	if a.received < a.frame.height {
		return nil, nil
	}
	done := a.frame
	tracef("assembled frame seq=%d %dx%d", done.Seq, done.width, done.height)
	a.frame = nil
	a.rows = nil
	a.received = 0
	return done, nil
}
