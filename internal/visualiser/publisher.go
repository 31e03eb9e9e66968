// Package visualiser streams control cycles to remote viewers over gRPC.
//
// The service has a single server-streaming method,
// avoidance.v1.Visualiser/StreamCycles, taking google.protobuf.Empty and
// sending one google.protobuf.Struct per cycle. The struct carries the same
// fields as the /api/cycle JSON, so viewers need no generated stubs.
package visualiser

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/obstacle-avoidance/internal/monitor"
	"github.com/banshee-data/obstacle-avoidance/internal/pipeline"
)

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061").
	ListenAddr string

	// MaxClients caps concurrent streams. Zero means unlimited.
	MaxClients int

	// ClientBuffer is how many cycles may queue for a slow client before
	// cycles are dropped for it.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		ClientBuffer: 16,
	}
}

// Publisher serves the Visualiser service and fans cycles out to every
// connected stream. It implements pipeline.Observer.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[uint64]chan *structpb.Struct
	nextID    uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	running   atomic.Bool
	wg        sync.WaitGroup
}

// NewPublisher creates a Publisher with the Visualiser service registered.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	p := &Publisher{
		config:  cfg,
		clients: make(map[uint64]chan *structpb.Struct),
	}
	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, p)
	return p
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background. It fails if already running.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		opsf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.clientsMu.Lock()
	for id, ch := range p.clients {
		close(ch)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	p.server.GracefulStop()
	p.wg.Wait()
	opsf("gRPC server stopped: %d cycles published, %d dropped", p.published.Load(), p.dropped.Load())
}

// ObserveCycle implements pipeline.Observer. It never blocks: a client whose
// buffer is full misses the cycle.
func (p *Publisher) ObserveCycle(c *pipeline.Cycle) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	if len(p.clients) == 0 {
		return
	}

	msg, err := CycleStruct(monitor.SnapshotFromCycle(c))
	if err != nil {
		opsf("failed to encode cycle %d: %v", c.Seq, err)
		return
	}
	p.published.Add(1)
	for id, ch := range p.clients {
		select {
		case ch <- msg:
		default:
			n := p.dropped.Add(1)
			diagf("client %d slow, dropped cycle %d (total dropped: %d)", id, c.Seq, n)
		}
	}
}

// CycleStruct converts a snapshot to the message sent on the stream.
func CycleStruct(s *monitor.Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// addClient registers a stream, or returns false when at capacity or stopped.
func (p *Publisher) addClient() (uint64, <-chan *structpb.Struct, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return 0, nil, false
	}
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return 0, nil, false
	}
	p.nextID++
	ch := make(chan *structpb.Struct, p.config.ClientBuffer)
	p.clients[p.nextID] = ch
	opsf("client %d connected (total: %d)", p.nextID, len(p.clients))
	return p.nextID, ch, true
}

func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if ch, ok := p.clients[id]; ok {
		close(ch)
		delete(p.clients, id)
		opsf("client %d disconnected (remaining: %d)", id, len(p.clients))
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.clientsMu.RLock()
	clients := len(p.clients)
	p.clientsMu.RUnlock()
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   clients,
		Running:   p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int    `json:"clients"`
	Running   bool   `json:"running"`
}
