// Command depth-dump converts depth frames from a pcap capture into text
// dumps, one file per frame, readable by the --dumps source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/obstacle-avoidance/internal/depth"
	"github.com/banshee-data/obstacle-avoidance/internal/depth/network"
)

func main() {
	in := flag.String("pcap", "", "Input pcap capture (required)")
	outDir := flag.String("out", "dumps", "Output directory")
	port := flag.Int("port", network.DefaultPort, "UDP port of depth datagrams")
	every := flag.Int("every", 1, "Dump every Nth frame")
	limit := flag.Int("limit", 0, "Stop after this many dumps (0 = all)")
	flag.Parse()

	if *in == "" {
		log.Fatal("-pcap is required")
	}
	if *every < 1 {
		log.Fatal("-every must be at least 1")
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", *outDir, err)
	}

	src, err := network.OpenPcap(*in, *port)
	if err != nil {
		log.Fatal(err)
	}
	defer src.Close()

	ctx := context.Background()
	n, written := 0, 0
	for *limit == 0 || written < *limit {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read frame: %v", err)
		}
		n++
		if (n-1)%*every != 0 {
			continue
		}
		seq := uint32(n - 1)
		if fr, ok := f.(*depth.Frame); ok {
			seq = fr.Seq
		}
		path := filepath.Join(*outDir, fmt.Sprintf("frame-%08d.txt", seq))
		if err := writeDump(path, f); err != nil {
			log.Fatal(err)
		}
		written++
	}
	log.Printf("Read %d frames, wrote %d dumps to %s (%d malformed packets)", n, written, *outDir, src.Malformed)
}

func writeDump(path string, f depth.Field) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := depth.WriteText(fh, f); err != nil {
		fh.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fh.Close()
}
