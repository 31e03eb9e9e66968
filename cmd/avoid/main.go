// Command avoid runs the reactive obstacle-avoidance loop: it scores depth
// frames, picks the clearest region and streams velocity setpoints to the
// autopilot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/obstacle-avoidance/internal/autopilot"
	"github.com/banshee-data/obstacle-avoidance/internal/config"
	"github.com/banshee-data/obstacle-avoidance/internal/depth"
	"github.com/banshee-data/obstacle-avoidance/internal/depth/network"
	"github.com/banshee-data/obstacle-avoidance/internal/flightlog"
	"github.com/banshee-data/obstacle-avoidance/internal/monitor"
	"github.com/banshee-data/obstacle-avoidance/internal/occupancy"
	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
	"github.com/banshee-data/obstacle-avoidance/internal/units"
	"github.com/banshee-data/obstacle-avoidance/internal/version"
	"github.com/banshee-data/obstacle-avoidance/internal/visualiser"
)

var (
	configPath = flag.String("config", "", "Path to avoidance config JSON (defaults built in when empty)")

	synthetic       = flag.Bool("synthetic", false, "Use generated frames with a moving obstacle")
	syntheticFrames = flag.Int("synthetic-frames", 0, "Stop the synthetic source after this many frames (0 = forever)")
	syntheticFPS    = flag.Float64("synthetic-fps", 30, "Synthetic frame rate in Hz (0 = as fast as possible)")
	pcapFile        = flag.String("pcap", "", "Replay depth datagrams from a pcap capture")
	udpListen       = flag.String("udp", "", "Receive depth datagrams on this UDP address (e.g. :5600)")
	udpRcvBuf       = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	dumpsDir        = flag.String("dumps", "", "Replay a directory of text depth dumps (*.txt)")
	depthPort       = flag.Int("depth-port", network.DefaultPort, "UDP port of depth datagrams inside a pcap capture")

	serialDevice     = flag.String("serial", "", "Autopilot serial device (overrides config)")
	disableAutopilot = flag.Bool("disable-autopilot", false, "Log commands instead of sending them to the autopilot")

	flightLogPath = flag.String("flightlog", "flightlog.db", "SQLite flight log path (empty to disable)")
	listen        = flag.String("listen", "localhost:8090", "Debug HTTP listen address (empty to disable)")
	grpcListen    = flag.String("grpc-listen", "", "Visualiser gRPC listen address (empty to disable)")
	plotDir       = flag.String("plot-dir", "", "Write occupancy heatmap PNGs here every plot_every_n_cycles cycles")

	logDiag      = flag.Bool("log-diag", false, "Enable diagnostic logging")
	logTrace     = flag.Bool("log-trace", false, "Enable per-cycle trace logging")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

func setLogWriters(ops, diag, trace io.Writer) {
	depth.SetLogWriters(ops, diag, trace)
	network.SetLogWriters(ops, diag, trace)
	occupancy.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	autopilot.SetLogWriters(ops, diag, trace)
	flightlog.SetLogWriters(ops, diag, trace)
	monitor.SetLogWriters(ops, diag, trace)
	visualiser.SetLogWriters(ops, diag, trace)
}

// sourceKind returns which frame source the flags select. Synthetic frames
// are the default when no source is named.
func sourceKind() (string, error) {
	var kinds []string
	if *synthetic {
		kinds = append(kinds, "synthetic")
	}
	if *pcapFile != "" {
		kinds = append(kinds, "pcap")
	}
	if *udpListen != "" {
		kinds = append(kinds, "udp")
	}
	if *dumpsDir != "" {
		kinds = append(kinds, "dumps")
	}
	switch len(kinds) {
	case 0:
		return "synthetic", nil
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("choose one frame source, got %v", kinds)
	}
}

// openSource opens the selected source. The returned closer may be nil.
func openSource(kind string, cfg *config.AvoidanceConfig) (pipeline.FrameSource, io.Closer, error) {
	switch kind {
	case "synthetic":
		s := depth.NewSyntheticSource(cfg.GetFrameWidth(), cfg.GetFrameHeight())
		s.Frames = *syntheticFrames
		s.FrameRate = *syntheticFPS
		return s, s, nil
	case "pcap":
		s, err := network.OpenPcap(*pcapFile, *depthPort)
		if err != nil {
			return nil, nil, err
		}
		s.Expect(cfg.GetFrameWidth(), cfg.GetFrameHeight())
		return s, s, nil
	case "udp":
		s, err := network.ListenUDP(*udpListen, *udpRcvBuf)
		if err != nil {
			return nil, nil, err
		}
		s.Expect(cfg.GetFrameWidth(), cfg.GetFrameHeight())
		return s, s, nil
	case "dumps":
		s, err := depth.NewTextSource(*dumpsDir, "*.txt")
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown frame source %q", kind)
}

func loadConfig() (*config.AvoidanceConfig, error) {
	if *configPath == "" {
		return config.DefaultAvoidanceConfig(), nil
	}
	return config.LoadAvoidanceConfig(*configPath)
}

func openLink(cfg *config.AvoidanceConfig) (autopilot.LinkInterface, error) {
	if *disableAutopilot {
		log.Printf("autopilot disabled, commands will not leave this process")
		return autopilot.NewDisabledLink(), nil
	}
	device := cfg.GetSerialDevice()
	if *serialDevice != "" {
		device = *serialDevice
	}
	link, err := autopilot.OpenSerialLink(device, autopilot.PortOptions{BaudRate: cfg.GetBaudRate()})
	if err != nil {
		return nil, err
	}
	if err := link.Initialize(); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to initialise autopilot: %w", err)
	}
	log.Printf("initialised autopilot on %s", device)
	return link, nil
}

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println(version.String())
		return
	}

	var diag, trace io.Writer
	if *logDiag {
		diag = os.Stderr
	}
	if *logTrace {
		trace = os.Stderr
	}
	setLogWriters(os.Stderr, diag, trace)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// Reject a degenerate grid before the link enters offboard mode.
	if err := checkLayout(cfg); err != nil {
		log.Fatalf("invalid region grid: %v", err)
	}
	kind, err := sourceKind()
	if err != nil {
		log.Fatal(err)
	}
	if err := run(cfg, kind); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// checkLayout builds the region layout once so a degenerate grid is rejected
// at startup.
func checkLayout(cfg *config.AvoidanceConfig) error {
	l, err := occupancy.NewLayout(occupancy.ParamsFromConfig(cfg))
	if err != nil {
		return err
	}
	log.Printf("region grid %dx%d, centres x=%v y=%v", l.N(), l.N(), l.Columns, l.Rows)
	return nil
}

// run opens the source, link and observers, drives the loop until the source
// ends or a signal arrives, then shuts everything down. Whatever was opened is
// closed before it returns a setup or loop error.
func run(cfg *config.AvoidanceConfig, kind string) error {
	src, srcCloser, err := openSource(kind, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", kind, err)
	}
	if srcCloser != nil {
		defer srcCloser.Close()
	}

	link, err := openLink(cfg)
	if err != nil {
		return fmt.Errorf("failed to open autopilot link: %w", err)
	}
	defer link.Close()

	var observers []pipeline.Observer

	var flog *flightlog.Log
	if *flightLogPath != "" {
		flog, err = flightlog.Open(*flightLogPath)
		if err != nil {
			return fmt.Errorf("failed to open flight log: %w", err)
		}
		defer flog.Close()
		runID, err := flog.StartRun(kind, cfg)
		if err != nil {
			return fmt.Errorf("failed to start flight log run: %w", err)
		}
		defer func() {
			if err := flog.EndRun(); err != nil {
				log.Printf("failed to end flight log run: %v", err)
			}
		}()
		log.Printf("flight log run %s in %s", runID, *flightLogPath)
		observers = append(observers, flog)
	}

	mon := monitor.New()
	observers = append(observers, mon)

	if *plotDir != "" {
		if every := cfg.GetPlotEveryNCycles(); every > 0 {
			plotter, err := monitor.NewPlotter(*plotDir, every)
			if err != nil {
				return fmt.Errorf("failed to start plotter: %w", err)
			}
			defer plotter.Close()
			observers = append(observers, plotter)
		} else {
			log.Printf("plot dir set but plot_every_n_cycles is 0, not plotting")
		}
	}

	if *grpcListen != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcListen
		pub := visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("failed to start visualiser: %w", err)
		}
		defer pub.Stop()
		observers = append(observers, pub)
	}

	driver := pipeline.NewDriver(pipeline.ConfigFromAvoidance(cfg), link, observers...)
	mon.DriverStats = driver.Stats

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the autopilot port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor autopilot port: %v", err)
		}
		log.Print("autopilot monitor routine terminated")
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, *listen, link, flog, mon)
		}()
	}

	log.Printf("avoid %s: source=%s grid=%d threshold=%s (%s)/%.0f%% speed=%s",
		version.String(), kind, cfg.GetGridSize(),
		units.FormatDistance(cfg.GetDistanceThresholdMeters(), units.Metres),
		units.FormatDistance(cfg.GetDistanceThresholdMeters(), units.Feet),
		cfg.GetPercentThreshold(), units.FormatSpeed(cfg.GetSpeedMPS(), units.MPS))
	runErr := driver.Run(ctx, src)
	if runErr != nil {
		runErr = fmt.Errorf("control loop failed: %w", runErr)
	}
	st := driver.Stats()
	log.Printf("%d cycles, %d dispatched, %d searches", st.Cycles, st.Dispatched, st.Searches)

	// The loop can end on its own (EOF); release the other routines too.
	stop()
	wg.Wait()
	return runErr
}

func serveDebug(ctx context.Context, addr string, link autopilot.LinkInterface, flog *flightlog.Log, mon *monitor.Monitor) {
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)
	if flog != nil {
		if err := flog.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach flight log routes: %v", err)
		}
	}
	mon.AttachAdminRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()
	log.Printf("debug server on http://%s/debug/", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
