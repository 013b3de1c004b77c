// Package collector implements the mixnet's terminal node: it accepts the
// last envelope in a chain, decrypts the terminal payload, and delivers the
// plaintext to an unbounded FIFO sink for a downstream consumer.
package collector

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/syiftach/transitmix/pkg/envelope"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/transport"
)

// Config configures a Collector instance.
type Config struct {
	PrivateKey *rsa.PrivateKey
	DebugMode  bool
}

// Sink is an unbounded, order-preserving FIFO queue of delivered plaintext
// records. Push never blocks; Pop blocks until a record is available or
// the sink closes.
type Sink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

// NewSink constructs an open, empty Sink.
func NewSink() *Sink {
	s := &Sink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push enqueues a delivered record. It is a no-op once the sink is closed.
func (s *Sink) Push(record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, record)
	s.cond.Signal()
}

// Pop blocks until a record is available or the sink closes, in which case
// it returns (nil, false) once the queue has fully drained.
func (s *Sink) Pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	record := s.queue[0]
	s.queue = s.queue[1:]
	return record, true
}

// Depth returns the number of records currently queued.
func (s *Sink) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// IsOpen reports whether the sink still accepts pushes.
func (s *Sink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close is idempotent; it transitions IsOpen to false and wakes any
// consumer blocked in Pop so it can drain and exit.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Collector owns an accept loop and the sink it feeds.
type Collector struct {
	cfg  Config
	ln   *transport.Listener
	sink *Sink

	delivered int64
	dropped   int64
	state     atomic.Int32
}

// New constructs a Collector bound to address:port, with a fresh open Sink.
func New(address string, port int, cfg Config) (*Collector, error) {
	if cfg.PrivateKey == nil && !cfg.DebugMode {
		return nil, errors.New("collector: PrivateKey required outside debug mode")
	}
	ln, err := transport.Listen(address, port)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	c := &Collector{cfg: cfg, ln: ln, sink: NewSink()}
	return c, nil
}

// Sink returns the collector's delivery queue.
func (c *Collector) Sink() *Sink { return c.sink }

// Addr returns the collector's bound listening address.
func (c *Collector) Addr() string { return c.ln.Addr().String() }

// Stats is a snapshot of a collector's counters, used by pkg/adminapi.
type Stats struct {
	SinkDepth int
	Delivered int64
	Dropped   int64
}

// Stats returns a snapshot of the collector's current counters.
func (c *Collector) Stats() Stats {
	return Stats{
		SinkDepth: c.sink.Depth(),
		Delivered: atomic.LoadInt64(&c.delivered),
		Dropped:   atomic.LoadInt64(&c.dropped),
	}
}

// Close shuts the listening socket down exactly once and closes the sink,
// transitioning any blocked consumer to drain-and-exit.
func (c *Collector) Close() error {
	err := c.ln.Close()
	c.sink.Close()
	return err
}

// Run drives the accept loop until ctx is cancelled or the listener's
// accept call times out. Each connection is handled inline: the collector
// has no pooling step, so there is no shared-writer concern to protect
// with a channel handoff the way pkg/relay needs.
func (c *Collector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("[collector] 👋 shutdown requested")
			return
		default:
		}

		buf := make([]byte, envelope.MsgMaxSize)
		n, err := c.ln.Accept(buf)
		if errors.Is(err, transport.ErrAcceptTimeout) {
			log.Printf("[collector] accept idle timeout, closing")
			return
		}
		if err != nil {
			log.Printf("[collector] ⚠️ accept error: %v", err)
			continue
		}

		record, err := c.decrypt(buf[:n])
		if err != nil {
			log.Printf("[collector] ⚠️ drop: %v", err)
			atomic.AddInt64(&c.dropped, 1)
			continue
		}
		atomic.AddInt64(&c.delivered, 1)
		c.sink.Push(record)
	}
}

// decrypt treats the first mixcrypto.AsymCiphertextLen bytes of wire as the
// RSA-OAEP ciphertext of the terminal core (or, in debug mode, as the core
// itself), then parses pseudonym/POST/END to recover the payload.
func (c *Collector) decrypt(wire []byte) ([]byte, error) {
	if len(wire) < mixcrypto.AsymCiphertextLen {
		return nil, fmt.Errorf("%w: wire frame shorter than core", envelope.ErrMalformedEnvelope)
	}
	core := wire[:mixcrypto.AsymCiphertextLen]

	var plaintext []byte
	if c.cfg.DebugMode {
		plaintext = core
	} else {
		var err error
		plaintext, err = mixcrypto.AsymDecrypt(c.cfg.PrivateKey, core)
		if err != nil {
			return nil, err
		}
	}

	unwrapped, err := envelope.Unwrap(plaintext)
	if err != nil {
		return nil, err
	}
	return envelope.ParseTerminalFrame(unwrapped)
}
