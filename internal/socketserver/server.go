// Package socketserver implements the Unix domain socket accept loop and
// newline-delimited JSON request dispatch.
//
// The accept loop uses a net.Listener plus an atomic "closed" flag checked
// both before and after Accept, and one handler goroutine per connection.
// Concurrency is bounded by a buffered semaphore channel rather than an
// unbounded goroutine-per-connection fan-out. The listener removes any
// stale socket file before binding and tightens permissions afterward.
package socketserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sys/unix"

	"github.com/orneryd/specmemd/internal/cache"
	"github.com/orneryd/specmemd/internal/cpumonitor"
	"github.com/orneryd/specmemd/internal/dims"
	"github.com/orneryd/specmemd/internal/lifecycle"
	"github.com/orneryd/specmemd/internal/oracle"
	"github.com/orneryd/specmemd/internal/overflow"
	"github.com/orneryd/specmemd/internal/scheduler"
	"github.com/orneryd/specmemd/internal/wire"
)

// Config configures the Unix socket accept loop.
type Config struct {
	SocketPath string
	MaxWorkers int
	// Backlog is advisory: the Go runtime listens with the kernel's
	// somaxconn, which exceeds the documented minimum on every supported
	// platform.
	Backlog       int
	ConnTimeout   time.Duration
	DrainInterval time.Duration
	// QueueCPU gates overflow draining: claimed rows move back into the
	// memory queue only while CPU utilization is below this percentage.
	QueueCPU float64
}

// encoderHandle is the subset of *encoder.Encoder this package needs beyond
// lifecycle.EncoderHandle's Healthy/Close. internal/encoder.Encoder
// satisfies this; the lifecycle manager only promises the narrower
// interface, so dispatch asserts it back out on demand.
type encoderHandle interface {
	lifecycle.EncoderHandle
	Encode(string) ([]float32, error)
	EncodeBatch([]string) ([][]float32, error)
	NativeDims() int
}

// Deps wires the components a Server dispatches requests through. FIFO,
// Overflow, and DB are each independently optional.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Cache     *cache.Cache
	Dims      *dims.CompressionStore
	CPU       *cpumonitor.Monitor
	Oracle    *oracle.Oracle
	Throttler *scheduler.Throttler // set when FIFO mode is off
	FIFO      *scheduler.FIFOQueue // set when FIFO mode is on
	Overflow  *overflow.Queue      // nil disables overflow spill
	DB        *badger.DB           // shared store backing process_* reembeds; nil disables them
	Logger    *log.Logger          // tagged operational log; nil silences the server
}

type counters struct {
	embeds       atomic.Uint64
	batchEmbeds  atomic.Uint64
	nativeHits   atomic.Uint64
	compressions atomic.Uint64
	expansions   atomic.Uint64
	errors       atomic.Uint64

	latencyTotalNs atomic.Int64
	latencyCount   atomic.Uint64
}

func (c *counters) recordLatency(d time.Duration) {
	c.latencyTotalNs.Add(int64(d))
	c.latencyCount.Add(1)
}

func (c *counters) avgLatencyMs() float64 {
	n := c.latencyCount.Load()
	if n == 0 {
		return 0
	}
	return float64(c.latencyTotalNs.Load()) / float64(n) / 1e6
}

// fifoJob is the payload enqueued into the FIFO queue for an embed or
// batch_embed request; the worker loop fills done once processing finishes.
type fifoJob struct {
	req  *wire.Request
	kind wire.Kind
	done chan fifoResult
}

// MarshalJSON persists only the wire request, so a job spilled to the
// durable overflow queue survives as something a later drain pass can
// parse back into work.
func (j *fifoJob) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.req)
}

type fifoResult struct {
	resp interface{}
	err  error
}

// finish delivers a result without ever blocking the worker: the client
// side reads done at most once, and a retried job may reach a terminal
// outcome more than once.
func (j *fifoJob) finish(resp interface{}, err error) {
	select {
	case j.done <- fifoResult{resp: resp, err: err}:
	default:
	}
}

// Server accepts connections on a Unix domain socket and dispatches each
// newline-delimited JSON request to the wired components.
type Server struct {
	cfg  Config
	deps Deps

	listener net.Listener
	sem      chan struct{}

	overrideMu  sync.Mutex
	overrideSet bool
	overrideDim int

	counters counters

	closed  atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New constructs a Server. Call ListenAndServe to start accepting.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = 32
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 120 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		sem:    make(chan struct{}, cfg.MaxWorkers),
		stopCh: make(chan struct{}),
	}
}

// ListenAndServe removes any stale socket file, binds a Unix socket at 0660
// permissions, and accepts connections until Close is called.
func (s *Server) ListenAndServe() error {
	if dir := filepath.Dir(s.cfg.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("socketserver: create socket dir: %w", err)
		}
	}
	os.Remove(s.cfg.SocketPath)

	// Owner+group only, enforced both ways: a restrictive umask closes the
	// window between bind and chmod.
	oldMask := unix.Umask(0117)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("socketserver: listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln
	os.Chmod(s.cfg.SocketPath, 0660)
	s.logf("listening on %s", s.cfg.SocketPath)

	if s.deps.FIFO != nil {
		for i := 0; i < s.cfg.MaxWorkers; i++ {
			s.wg.Add(1)
			go s.runFIFOWorker()
		}
		s.wg.Add(1)
		go s.runDrainLoop()
	}

	return s.serve()
}

func (s *Server) serve() error {
	for {
		if s.closed.Load() {
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			continue
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer func() { <-s.sem }()
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting new connections, lets in-flight handlers finish,
// and removes the socket file.
func (s *Server) Close() error {
	s.closed.Store(true)
	close(s.stopCh)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	s.logf("closed")
	return err
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf(format, args...)
	}
}

// handleConnection reads a single request line, dispatches it, and writes
// back exactly one terminal response (plus an optional "processing"
// heartbeat). Broken-pipe and connection-reset errors on write are not
// logged; the connection is always closed.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	defer func() {
		recover() // a panicking handler must never take the accept loop down
	}()

	if s.cfg.ConnTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.ConnTimeout))
	}

	reader := bufio.NewReaderSize(conn, 8192)
	writer := bufio.NewWriterSize(conn, 8192)

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		if err != io.EOF {
			_ = err // broken pipe / reset: silent
		}
		return
	}

	req, err := wire.ParseRequest(line)
	if err != nil {
		s.writeResponse(writer, wire.ErrorResponse{Error: err.Error()})
		return
	}

	kind, err := req.Resolve()
	if err != nil {
		s.writeResponse(writer, wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID})
		return
	}

	if s.deps.Lifecycle != nil {
		s.deps.Lifecycle.RecordActivity()
	}

	if req.RequestID != "" && (kind == wire.KindEmbed || kind == wire.KindBatchEmbed ||
		kind == wire.KindProcessCodebase || kind == wire.KindProcessMemories || kind == wire.KindProcessCodeDefs) {
		s.writeResponse(writer, wire.ProcessingResponse{Status: "processing", RequestID: req.RequestID})
	}

	resp := s.dispatch(req, kind)
	s.writeResponse(writer, resp)
}

func (s *Server) writeResponse(w *bufio.Writer, v interface{}) {
	b, err := wire.Encode(v)
	if err != nil {
		return
	}
	if _, err := w.Write(b); err != nil {
		return // broken pipe / reset: silent
	}
	w.Flush()
}

// runFIFOWorker continuously dequeues fifoJob items and processes them,
// acking or nacking per outcome. It is the consumer side of the FIFO+ACK
// discipline; the producer side is dispatch's KindEmbed/KindBatchEmbed path
// when FIFO mode is enabled.
func (s *Server) runFIFOWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		item, ok := s.deps.FIFO.Dequeue()
		if !ok {
			select {
			case <-s.stopCh:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		job, ok := item.Payload.(*fifoJob)
		if !ok {
			s.logf("nacking %s: malformed payload", item.ID)
			s.deps.FIFO.Nack(item.ID, "malformed payload")
			continue
		}

		resp, err := s.processEmbedKind(job.req, job.kind)
		if err != nil {
			// Only the DLQ transition is terminal for the waiting client;
			// a retryable nack keeps the connection parked on done.
			if dlqed := s.deps.FIFO.Nack(item.ID, err.Error()); dlqed {
				job.finish(nil, err)
			}
		} else {
			s.deps.FIFO.Ack(item.ID)
			job.finish(resp, nil)
		}
	}
}

func (s *Server) runDrainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.deps.FIFO.Drain()
			s.drainOverflow()
		}
	}
}

// drainOverflow claims a batch of durable overflow rows and re-injects
// them into the in-memory queue for normal processing, but only while
// the CPU has headroom below the queue threshold. Rows are acked once
// safely back in memory; from there the memory queue's own retry/DLQ
// discipline applies.
func (s *Server) drainOverflow() {
	if s.deps.Overflow == nil {
		return
	}
	if s.deps.CPU != nil && s.cfg.QueueCPU > 0 && s.deps.CPU.Instant() >= s.cfg.QueueCPU {
		return
	}

	rows, err := s.deps.Overflow.Dequeue(s.cfg.MaxWorkers)
	if err != nil {
		return
	}
	for _, row := range rows {
		var req wire.Request
		if err := json.Unmarshal(row.Payload, &req); err != nil {
			s.logf("overflow row %s unparseable, moving to DLQ: %v", row.ID, err)
			s.deps.Overflow.DLQ(row.ID)
			continue
		}
		kind, err := req.Resolve()
		if err != nil || (kind != wire.KindEmbed && kind != wire.KindBatchEmbed) {
			s.logf("overflow row %s is not embeddable work, moving to DLQ", row.ID)
			s.deps.Overflow.DLQ(row.ID)
			continue
		}
		if req.Priority == "" {
			req.Priority = string(row.Priority)
		}

		job := &fifoJob{req: &req, kind: kind, done: make(chan fifoResult, 1)}
		// cpuPct 0 and a nil sink force memory admission; spilling a row we
		// just claimed back to overflow would loop forever.
		if _, err := s.deps.FIFO.Enqueue(row.Priority, job, 0, nil); err != nil {
			s.deps.Overflow.Nack(row.ID, err.Error(), s.cfg.DrainInterval)
			continue
		}
		s.deps.Overflow.Ack(row.ID)
	}
}
