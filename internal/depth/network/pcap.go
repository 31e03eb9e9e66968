package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/obstacle-avoidance/internal/depth"
)

// PcapSource replays depth datagrams from a classic pcap capture. Only UDP
// packets to the configured port are considered.
type PcapSource struct {
	r      *pcapgo.Reader
	closer io.Closer
	port   layers.UDPPort
	asm    depth.Assembler

	// Packets counts UDP datagrams on the port; Malformed counts those that
	// failed to decode and Mismatched those of an unexpected frame size.
	Packets    int
	Malformed  int
	Mismatched int
}

// NewPcapSource reads a capture from r.
func NewPcapSource(r io.Reader, port int) (*PcapSource, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	return &PcapSource{r: pr, port: layers.UDPPort(port)}, nil
}

// Expect restricts replay to width x height frames. Datagrams of any other
// geometry are counted in Mismatched and skipped.
func (s *PcapSource) Expect(width, height int) {
	s.asm.Width, s.asm.Height = width, height
}

// OpenPcap opens a capture file. Close releases it.
func OpenPcap(path string, port int) (*PcapSource, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	s, err := NewPcapSource(fh, port)
	if err != nil {
		fh.Close()
		return nil, err
	}
	s.closer = fh
	opsf("replaying %s (udp port %d)", path, port)
	return s, nil
}

// Next returns the next complete frame, or io.EOF at the end of the capture.
func (s *PcapSource) Next(ctx context.Context) (depth.Field, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, _, err := s.r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			diagf("capture complete: %d packets, %d malformed, %d mismatched, %d frames dropped", s.Packets, s.Malformed, s.Mismatched, s.asm.Dropped)
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}

		packet := gopacket.NewPacket(data, s.r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || udp.DstPort != s.port || len(udp.Payload) == 0 {
			continue
		}
		s.Packets++

		f, err := s.asm.Add(udp.Payload)
		if err != nil {
			if errors.Is(err, depth.ErrGeometryMismatch) {
				s.Mismatched++
			} else {
				s.Malformed++
			}
			diagf("packet %d: %v", s.Packets, err)
			continue
		}
		if f != nil {
			return f, nil
		}
	}
}

// Close releases the underlying file, if OpenPcap opened it.
func (s *PcapSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// CaptureWriter writes depth frames as Ethernet/IPv4/UDP packets to a pcap
// stream, so they can be replayed by PcapSource or inspected in Wireshark.
type CaptureWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
	ipID    uint16

	// MaxPayload bounds each datagram; defaults to depth.MaxPacketPayload.
	MaxPayload int
}

// NewCaptureWriter writes the pcap file header and returns a writer sending
// from 192.168.10.2 to 192.168.10.1 on port.
func NewCaptureWriter(w io.Writer, port int) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &CaptureWriter{
		w:          pw,
		src:        net.IPv4(192, 168, 10, 2).To4(),
		dst:        net.IPv4(192, 168, 10, 1).To4(),
		srcPort:    layers.UDPPort(port + 1),
		dstPort:    layers.UDPPort(port),
		MaxPayload: depth.MaxPacketPayload,
	}, nil
}

// WriteFrame appends every datagram of f, stamped at ts.
func (c *CaptureWriter) WriteFrame(seq uint32, f depth.Field, ts time.Time) error {
	payloads, err := depth.EncodePackets(seq, f, c.MaxPayload)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := c.writeDatagram(p, ts); err != nil {
			return err
		}
	}
	tracef("captured frame %d in %d packets", seq, len(payloads))
	return nil
}

func (c *CaptureWriter) writeDatagram(payload []byte, ts time.Time) error {
	c.ipID++
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       c.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    c.src,
		DstIP:    c.dst,
	}
	udp := &layers.UDP{SrcPort: c.srcPort, DstPort: c.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialise packet: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return c.w.WritePacket(ci, data)
}
