// Package relay implements a single mix relay: an accept loop that peels
// one onion layer off each incoming envelope, pools the result, and emits
// shuffled fixed-size batches once the pool fills.
package relay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/syiftach/transitmix/pkg/envelope"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/relaystore"
	"github.com/syiftach/transitmix/pkg/transport"
)

// PoolSize is the default batch-release threshold.
const PoolSize = 64

// State names the relay's position in its accept/peel/pool/release cycle.
type State int

const (
	Listening State = iota
	Accepting
	Peeling
	Pooling
	Releasing
	Closed
)

func (s State) String() string {
	switch s {
	case Listening:
		return "Listening"
	case Accepting:
		return "Accepting"
	case Peeling:
		return "Peeling"
	case Pooling:
		return "Pooling"
	case Releasing:
		return "Releasing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Packet is a peeled message waiting in the pool for its next hop.
type Packet struct {
	Payload []byte
	Dest    string
	Port    int

	// storeID identifies this packet's row in cfg.Store, if persistence is
	// configured. Zero means either no store or the row was never assigned
	// (should not happen when a store is configured).
	storeID int64
}

// Stats is a snapshot of a relay's counters, used by pkg/adminapi.
type Stats struct {
	PoolDepth       int
	PacketsPeeled   int64
	BatchesReleased int64
	PacketsDropped  int64
	State           State
}

// Config configures a Relay instance.
type Config struct {
	PrivateKey *rsa.PrivateKey
	DebugMode  bool
	PoolSize   int // 0 means PoolSize

	// Store, if set, persists pooled packets across a restart within its
	// own TTL and logs drop reasons for operational diagnosis. New reloads
	// unexpired persisted packets into the pool; a packet's row is cleared
	// as it leaves the pool in a batch, so a dropped packet is never sent
	// again.
	Store *relaystore.PoolStore

	// forceFlush, when non-nil, is signaled to force a batch release
	// regardless of pool depth. Test-only; production callers leave it nil.
	forceFlush <-chan struct{}
}

// Relay owns one accept loop and the pool it feeds.
type Relay struct {
	cfg      Config
	poolSize int
	ln       *transport.Listener

	pool []Packet

	peeled   int64
	released int64
	dropped  int64
	state    atomic.Int32

	mu sync.Mutex // guards pool; only the pool-owning goroutine and the test-only forced flush write, Stats reads under lock
}

// New constructs a Relay bound to address:port. It does not start accepting
// connections until Run is called.
func New(address string, port int, cfg Config) (*Relay, error) {
	if cfg.PrivateKey == nil && !cfg.DebugMode {
		return nil, errors.New("relay: PrivateKey required outside debug mode")
	}
	ln, err := transport.Listen(address, port)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = PoolSize
	}
	r := &Relay{cfg: cfg, poolSize: size, ln: ln}
	r.state.Store(int32(Listening))

	if cfg.Store != nil {
		persisted, err := cfg.Store.LoadPool()
		if err != nil {
			return nil, fmt.Errorf("relay: load persisted pool: %w", err)
		}
		for _, p := range persisted {
			r.pool = append(r.pool, Packet{Payload: p.Payload, Dest: p.DestHost, Port: p.DestPort, storeID: p.ID})
		}
		if len(persisted) > 0 {
			log.Printf("[relay] recovered %d packets from pool store", len(persisted))
		}
	}
	return r, nil
}

// logDrop records a drop reason in cfg.Store, if configured, in addition to
// the r.dropped counter callers already bump.
func (r *Relay) logDrop(reason string) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.LogDrop(reason); err != nil {
		log.Printf("[relay] ⚠️ failed to log drop to store: %v", err)
	}
}

// withForceFlush wires r to a test-only forced-flush channel and returns r
// itself. Unexported: production code has no way to set one.
func withForceFlush(r *Relay, ch <-chan struct{}) *Relay {
	r.cfg.forceFlush = ch
	return r
}

// Addr returns the relay's bound listening address.
func (r *Relay) Addr() string {
	return r.ln.Addr().String()
}

// Stats returns a snapshot of the relay's current counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	depth := len(r.pool)
	r.mu.Unlock()
	return Stats{
		PoolDepth:       depth,
		PacketsPeeled:   atomic.LoadInt64(&r.peeled),
		BatchesReleased: atomic.LoadInt64(&r.released),
		PacketsDropped:  atomic.LoadInt64(&r.dropped),
		State:           State(r.state.Load()),
	}
}

// Close shuts the relay's listening socket down. Packets still sitting in
// the in-memory pool are dropped from this run; if Config.Store is set
// they remain recoverable there until a future restart reloads them.
func (r *Relay) Close() error {
	r.state.Store(int32(Closed))
	return r.ln.Close()
}

// Run drives the relay's accept loop until ctx is cancelled or the
// listener's accept call times out. It owns the pool: each accepted frame
// is peeled on this goroutine and handed over peeled, which this goroutine
// drains into r.pool straight away; apart from the test-only forced flush,
// no other goroutine mutates r.pool.
func (r *Relay) Run(ctx context.Context) {
	peeled := make(chan Packet, r.poolSize)
	var wg sync.WaitGroup

	if r.cfg.forceFlush != nil {
		go r.watchForceFlush(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[relay] 👋 shutdown requested, draining")
			r.drainPending(&wg, peeled)
			return
		default:
		}

		r.state.Store(int32(Accepting))
		buf := make([]byte, envelope.MsgMaxSize)
		n, err := r.ln.Accept(buf)
		if errors.Is(err, transport.ErrAcceptTimeout) {
			log.Printf("[relay] accept idle timeout, closing")
			r.drainPending(&wg, peeled)
			return
		}
		if err != nil {
			log.Printf("[relay] ⚠️ accept error: %v", err)
			continue
		}

		wire := buf[:n]
		wg.Add(1)
		r.peelAndForward(wire, peeled, &wg)

		r.drainAvailable(peeled)
	}
}

// watchForceFlush releases whatever sits in the pool whenever the test-only
// forceFlush channel fires, bypassing the POOL_SIZE precondition. It runs
// concurrently with the accept loop; release's own mutex keeps this safe
// despite the otherwise single-writer pool discipline.
func (r *Relay) watchForceFlush(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.cfg.forceFlush:
			if !ok {
				return
			}
			r.release(true)
		}
	}
}

// peelAndForward decrypts one wire frame and hands the resulting Packet to
// the pool-owning goroutine over peeled. Run calls it inline for each
// accepted frame, so peeled always has room for the one Packet it sends.
func (r *Relay) peelAndForward(wire []byte, peeled chan<- Packet, wg *sync.WaitGroup) {
	defer wg.Done()

	layer, err := mixcrypto.DecryptLayer(r.cfg.PrivateKey, wire, r.cfg.DebugMode)
	if err != nil {
		log.Printf("[relay] ⚠️ drop: %v", err)
		atomic.AddInt64(&r.dropped, 1)
		r.logDrop("CryptoFailure")
		return
	}
	frame, err := envelope.Unwrap(layer)
	if err != nil {
		log.Printf("[relay] ⚠️ drop: %v", err)
		atomic.AddInt64(&r.dropped, 1)
		r.logDrop("MalformedEnvelope")
		return
	}
	payload, dest, port, err := envelope.ParseRelayFrame(frame)
	if err != nil {
		log.Printf("[relay] ⚠️ drop: %v", err)
		atomic.AddInt64(&r.dropped, 1)
		r.logDrop("MalformedEnvelope")
		return
	}

	atomic.AddInt64(&r.peeled, 1)
	peeled <- Packet{Payload: payload, Dest: dest, Port: port}
}

// drainAvailable pulls every Packet currently waiting on peeled into the
// pool without blocking, then releases a batch if the threshold is met.
func (r *Relay) drainAvailable(peeled <-chan Packet) {
	for {
		select {
		case p := <-peeled:
			r.state.Store(int32(Pooling))
			if r.cfg.Store != nil {
				id, err := r.cfg.Store.PersistPacket(p.Payload, p.Dest, p.Port)
				if err != nil {
					log.Printf("[relay] ⚠️ failed to persist pooled packet: %v", err)
				} else {
					p.storeID = id
				}
			}
			r.mu.Lock()
			r.pool = append(r.pool, p)
			full := len(r.pool) >= r.poolSize
			r.mu.Unlock()
			if full {
				r.release(false)
			}
		default:
			return
		}
	}
}

// drainPending waits for any peel still in flight to finish, folds its
// results into the pool, and does not force a release: a starved pool is
// dropped on close, per starvation semantics.
func (r *Relay) drainPending(wg *sync.WaitGroup, peeled chan Packet) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	<-done
	r.drainAvailable(peeled)
	r.mu.Lock()
	dropped := len(r.pool)
	r.pool = nil
	r.mu.Unlock()
	if dropped > 0 {
		log.Printf("[relay] ⚠️ dropping %d pooled packets on close", dropped)
	}
}

// release takes the oldest poolSize packets (or, if force is set, whatever
// is currently pooled regardless of threshold), shuffles them with
// Fisher-Yates using a cryptographically seeded source, and sends each to
// its next hop. A send failure is logged and does not block the rest of
// the batch.
func (r *Relay) release(force bool) {
	r.state.Store(int32(Releasing))

	r.mu.Lock()
	n := r.poolSize
	if force {
		n = len(r.pool)
	}
	if n == 0 || len(r.pool) < n {
		r.mu.Unlock()
		return
	}
	batch := make([]Packet, n)
	copy(batch, r.pool[:n])
	r.pool = r.pool[n:]
	r.mu.Unlock()

	shuffle(batch)

	for _, p := range batch {
		if r.cfg.Store != nil && p.storeID != 0 {
			if err := r.cfg.Store.ClearPacket(p.storeID); err != nil {
				log.Printf("[relay] ⚠️ failed to clear persisted packet: %v", err)
			}
		}
		wire, err := envelope.Wrap(p.Payload)
		if err != nil {
			log.Printf("[relay] ⚠️ drop on release: %v", err)
			atomic.AddInt64(&r.dropped, 1)
			r.logDrop("EnvelopeTooLarge")
			continue
		}
		if err := transport.Send(context.Background(), p.Dest, p.Port, wire); err != nil {
			log.Printf("[relay] ⚠️ send failed to %s:%d: %v", p.Dest, p.Port, err)
			atomic.AddInt64(&r.dropped, 1)
			r.logDrop("SendFailed")
			continue
		}
	}

	atomic.AddInt64(&r.released, 1)
	log.Printf("[relay] 📬 released batch of %d", len(batch))
	r.state.Store(int32(Listening))
}

// shuffle applies Fisher-Yates in place using crypto/rand.
func shuffle(batch []Packet) {
	for i := len(batch) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		batch[i], batch[j] = batch[j], batch[i]
	}
}
