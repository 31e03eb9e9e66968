// Command cycle-tail connects to the avoidance visualiser stream and prints
// one line per cycle, or the raw JSON with -json.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/obstacle-avoidance/internal/units"
	"github.com/banshee-data/obstacle-avoidance/internal/visualiser"
)

func main() {
	addr := flag.String("addr", visualiser.DefaultConfig().ListenAddr, "Visualiser gRPC address")
	raw := flag.Bool("json", false, "Print each cycle as JSON")
	speedUnits := flag.String("units", units.MPS, "Speed units for the summary ("+units.ValidSpeedUnitsString()+")")
	flag.Parse()

	if !units.IsValidSpeed(*speedUnits) {
		log.Fatalf("invalid -units %q, want one of %s", *speedUnits, units.ValidSpeedUnitsString())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()

	stream, err := visualiser.StreamCycles(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to open stream: %v", err)
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Fatalf("Stream failed: %v", err)
		}
		if *raw {
			b, err := protojson.Marshal(msg)
			if err != nil {
				log.Fatalf("Failed to encode cycle: %v", err)
			}
			fmt.Println(string(b))
			continue
		}
		fmt.Println(summarise(msg, *speedUnits))
	}
}

func summarise(msg *structpb.Struct, speedUnits string) string {
	f := msg.GetFields()
	cmd := f["command"].GetStructValue().GetFields()
	sel := f["selection"].GetStructValue().GetFields()
	where := "none"
	if sel["found"].GetBoolValue() {
		where = fmt.Sprintf("(%d,%d) %.1f%%", int(sel["row"].GetNumberValue()), int(sel["col"].GetNumberValue()), sel["percent"].GetNumberValue())
	}
	return fmt.Sprintf("cycle=%d region=%s dir=%s lat=%s vert=%s latency=%.2fms",
		int(f["seq"].GetNumberValue()), where, cmd["direction"].GetStringValue(),
		units.FormatSpeed(cmd["lateral"].GetNumberValue(), speedUnits),
		units.FormatSpeed(cmd["vertical"].GetNumberValue(), speedUnits),
		f["latency_ms"].GetNumberValue())
}
