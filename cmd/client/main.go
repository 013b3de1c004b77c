package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/syiftach/transitmix/pkg/chain"
	"github.com/syiftach/transitmix/pkg/client"
	"github.com/syiftach/transitmix/pkg/directory"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/ride"
	"github.com/syiftach/transitmix/pkg/transport"
)

var (
	collectorHost  = flag.String("collector-host", "127.0.0.1", "Collector address")
	collectorPort  = flag.Int("collector-port", 9999, "Collector port")
	collectorKey   = flag.String("collector-key", "", "Path to the collector's PEM public key (required outside debug mode)")
	chainFile      = flag.String("chain", "", "Path to a JSON chain descriptor file: [{\"address\":..,\"port\":..,\"public_key_pem\":\"base64(PEM)\"}]")
	directoryPeer  = flag.String("directory", "", "Directory peer base URL to bootstrap the chain from, e.g. http://127.0.0.1:9100")
	debugMode      = flag.Bool("debug", false, "Disable encryption (identity passthrough)")
	payload        = flag.String("payload", "", "Raw payload to send; mutually exclusive with -record")
	record         = flag.String("record", "", "A ride record as lineNumber;operator;travelCode;boardingTime;stationSrc;stationDst")
	messageCount   = flag.Int("count", 1, "Number of messages to send; payload/record is reused unmodified for each")
)

// descriptorFile is the on-disk JSON shape for a static chain file.
// PublicKeyPEM is []byte, not string, so encoding/json base64-decodes it the
// same way it decodes directory.Descriptor.PublicKeyPEM off a directory peer —
// a static chain file and a directory bootstrap agree on wire encoding.
type descriptorFile struct {
	Address      string `json:"address"`
	Port         int    `json:"port"`
	PublicKeyPEM []byte `json:"public_key_pem"`
}

func main() {
	flag.Parse()

	body, err := buildPayload()
	if err != nil {
		log.Fatalf("[client] %v", err)
	}

	var collectorPub *rsa.PublicKey
	if *collectorKey != "" {
		pemData, err := mixcrypto.LoadKeyFromFile(*collectorKey)
		if err != nil {
			log.Fatalf("[client] failed to load collector key: %v", err)
		}
		collectorPub, err = mixcrypto.ImportPublicKeyPEM(pemData)
		if err != nil {
			log.Fatalf("[client] failed to parse collector key: %v", err)
		}
	} else if !*debugMode {
		log.Fatal("[client] -collector-key is required outside debug mode")
	}

	cfg := client.Config{
		DebugMode:     *debugMode,
		CollectorHost: *collectorHost,
		CollectorPort: *collectorPort,
		CollectorKey:  collectorPub,
	}

	c, err := buildChain()
	if err != nil {
		log.Fatalf("[client] failed to build chain: %v", err)
	}

	for i := 0; i < *messageCount; i++ {
		wire, sendHost, sendPort, err := buildWire(cfg, c, body)
		if err != nil {
			log.Fatalf("[client] failed to build onion: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = transport.Send(ctx, sendHost, sendPort, wire)
		cancel()
		if err != nil {
			log.Printf("[client] ⚠️  message %d/%d failed: %v", i+1, *messageCount, err)
			continue
		}
		log.Printf("[client] ✓ message %d/%d sent", i+1, *messageCount)
	}
}

func buildPayload() ([]byte, error) {
	switch {
	case *payload != "" && *record != "":
		return nil, fmt.Errorf("only one of -payload or -record may be set")
	case *record != "":
		return buildRecordPayload(*record)
	case *payload != "":
		return []byte(*payload), nil
	default:
		return nil, fmt.Errorf("one of -payload or -record is required")
	}
}

func buildRecordPayload(raw string) ([]byte, error) {
	fields := strings.Split(raw, ";")
	if len(fields) != 6 {
		return nil, fmt.Errorf("-record must have 6 semicolon-delimited fields, got %d", len(fields))
	}
	line, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid line number: %w", err)
	}
	code, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid travel code: %w", err)
	}
	r := ride.Record{
		LineNumber:   line,
		Operator:     fields[1],
		TravelCode:   code,
		BoardingTime: fields[3],
		StationSrc:   fields[4],
		StationDst:   fields[5],
	}
	return r.Format(), nil
}

// buildChain resolves the relay chain from either a static JSON file or a
// directory bootstrap peer. Neither flag set means a direct, no-chain send.
func buildChain() (*chain.Chain, error) {
	switch {
	case *chainFile != "" && *directoryPeer != "":
		return nil, fmt.Errorf("only one of -chain or -directory may be set")
	case *chainFile != "":
		return loadChainFile(*chainFile)
	case *directoryPeer != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		descs, err := directory.Bootstrap(ctx, *directoryPeer)
		if err != nil {
			return nil, err
		}
		if len(descs) == 0 {
			return nil, nil
		}
		return chain.Setup(descs)
	default:
		return nil, nil
	}
}

func loadChainFile(path string) (*chain.Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []descriptorFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	descs := make([]chain.Descriptor, 0, len(entries))
	for _, e := range entries {
		pub, err := mixcrypto.ImportPublicKeyPEM(e.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("chain file: relay %s:%d: %w", e.Address, e.Port, err)
		}
		descs = append(descs, chain.Descriptor{Address: e.Address, Port: e.Port, PublicKey: pub})
	}
	return chain.Setup(descs)
}

// buildWire returns the wire-ready onion (or direct envelope) and the
// address it must be sent to: the head relay if a chain is present,
// otherwise the collector itself.
func buildWire(cfg client.Config, c *chain.Chain, payload []byte) (wire []byte, host string, port int, err error) {
	if c == nil {
		wire, err = client.SendDirect(cfg, payload)
		return wire, cfg.CollectorHost, cfg.CollectorPort, err
	}
	wire, err = client.BuildOnion(cfg, c, payload)
	if err != nil {
		return nil, "", 0, err
	}
	head := c.Head()
	return wire, head.Address, head.Port, nil
}
