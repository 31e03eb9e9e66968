// Command gen-depthcap writes a pcap capture of synthetic depth frames, for
// replaying the avoidance loop without a camera.
//
// Usage:
//
//	go run ./cmd/tools/gen-depthcap [flags]
//
// Flags:
//
//	-out     Output pcap path (default: depth.pcap)
//	-frames  Number of frames (default: 300)
//	-rate    Frame rate in Hz used for timestamps (default: 30)
//	-width   Frame width (default: 1280)
//	-height  Frame height (default: 720)
//	-port    Destination UDP port (default: 5600)
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/depth"
	"github.com/banshee-data/obstacle-avoidance/internal/depth/network"
)

func main() {
	out := flag.String("out", "depth.pcap", "Output pcap path")
	frames := flag.Int("frames", 300, "Number of frames")
	rate := flag.Float64("rate", 30, "Frame rate in Hz used for timestamps")
	width := flag.Int("width", 1280, "Frame width")
	height := flag.Int("height", 720, "Frame height")
	port := flag.Int("port", network.DefaultPort, "Destination UDP port")
	flag.Parse()

	if *frames <= 0 || *rate <= 0 {
		log.Fatal("frames and rate must be positive")
	}

	fh, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	w := bufio.NewWriter(fh)

	cw, err := network.NewCaptureWriter(w, *port)
	if err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}

	src := depth.NewSyntheticSource(*width, *height)
	start := time.Now().UTC()
	interval := time.Duration(float64(time.Second) / *rate)
	for i := 0; i < *frames; i++ {
		f := src.Render(uint32(i))
		if err := cw.WriteFrame(f.Seq, f, start.Add(time.Duration(i)*interval)); err != nil {
			log.Fatalf("Failed to write frame %d: %v", i, err)
		}
	}

	if err := w.Flush(); err != nil {
		log.Fatalf("Failed to flush %s: %v", *out, err)
	}
	if err := fh.Close(); err != nil {
		log.Fatalf("Failed to close %s: %v", *out, err)
	}
	log.Printf("Wrote %d frames (%dx%d) to %s", *frames, *width, *height, *out)
}
