package collector

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/syiftach/transitmix/pkg/client"
	"github.com/syiftach/transitmix/pkg/envelope"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/ride"
	"github.com/syiftach/transitmix/pkg/transport"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestNoChainDebugDelivery covers a client sending directly to the
// collector with an empty relay list in debug mode (scenario S6).
func TestNoChainDebugDelivery(t *testing.T) {
	c, err := New("127.0.0.1", 0, Config{DebugMode: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	host, port := splitAddr(t, c.Addr())
	cfg := client.Config{DebugMode: true, CollectorHost: host, CollectorPort: port}
	wire, err := client.SendDirect(cfg, []byte("hello"))
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if err := transport.Send(context.Background(), host, port, wire); err != nil {
		t.Fatalf("Send: %v", err)
	}

	record, ok := c.Sink().Pop()
	if !ok {
		t.Fatal("Pop: sink closed with no record")
	}
	if string(record) != "hello" {
		t.Errorf("got %q, want %q", record, "hello")
	}
}

// TestDirectEncryptedDelivery covers a client sending straight to the
// collector with real RSA-OAEP encryption (no debug-mode identity) and a
// ride record payload, verifying mixcrypto.AsymDecrypt is correctly chained
// inside the collector's decrypt step and the delivered record parses back
// with ride.Parse.
func TestDirectEncryptedDelivery(t *testing.T) {
	collectorPriv, err := mixcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	c, err := New("127.0.0.1", 0, Config{PrivateKey: collectorPriv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	host, port := splitAddr(t, c.Addr())
	cfg := client.Config{CollectorHost: host, CollectorPort: port, CollectorKey: &collectorPriv.PublicKey}
	r := ride.Record{LineNumber: 42, Operator: "EGGED", TravelCode: 7, BoardingTime: "08:05", StationSrc: "A", StationDst: "B"}
	wire, err := client.SendDirect(cfg, r.Format())
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if err := transport.Send(context.Background(), host, port, wire); err != nil {
		t.Fatalf("Send: %v", err)
	}

	record, ok := c.Sink().Pop()
	if !ok {
		t.Fatal("Pop: sink closed with no record")
	}
	got, err := ride.Parse(record)
	if err != nil {
		t.Fatalf("ride.Parse: %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}
}

func TestDecryptMalformedWireDropsWithoutCrashing(t *testing.T) {
	c, err := New("127.0.0.1", 0, Config{DebugMode: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	host, port := splitAddr(t, c.Addr())
	garbage := make([]byte, envelope.MsgMaxSize)
	if err := transport.Send(context.Background(), host, port, garbage); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool { return c.Stats().Dropped >= 1 }, 2*time.Second)

	// the collector must still be alive and able to process a valid record
	cfg := client.Config{DebugMode: true, CollectorHost: host, CollectorPort: port}
	wire, err := client.SendDirect(cfg, []byte("still-alive"))
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if err := transport.Send(context.Background(), host, port, wire); err != nil {
		t.Fatalf("Send: %v", err)
	}
	record, ok := c.Sink().Pop()
	if !ok || string(record) != "still-alive" {
		t.Fatalf("got (%q, %v), want (\"still-alive\", true)", record, ok)
	}
}

func TestSinkCloseDrainsThenReturnsFalse(t *testing.T) {
	s := NewSink()
	s.Push([]byte("a"))
	s.Close()

	record, ok := s.Pop()
	if !ok || string(record) != "a" {
		t.Fatalf("first Pop = (%q, %v), want (\"a\", true)", record, ok)
	}
	if _, ok := s.Pop(); ok {
		t.Fatal("Pop after drain returned ok=true, want false")
	}
	if s.IsOpen() {
		t.Error("IsOpen() = true after Close")
	}
}

func TestSinkClosedPushIsNoop(t *testing.T) {
	s := NewSink()
	s.Close()
	s.Push([]byte("dropped"))
	if s.Depth() != 0 {
		t.Errorf("Depth() = %d after push on closed sink, want 0", s.Depth())
	}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("net.SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("strconv.Atoi: %v", err)
	}
	return host, port
}
