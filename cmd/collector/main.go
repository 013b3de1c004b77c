package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/syiftach/transitmix/pkg/adminapi"
	"github.com/syiftach/transitmix/pkg/collector"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/relaystore"
	"github.com/syiftach/transitmix/pkg/ride"
)

const defaultKeyPath = "./keys/collector.pem"

var (
	address     = flag.String("address", "0.0.0.0", "Address to listen on")
	port        = flag.Int("port", 9999, "Port to listen on")
	adminAddr   = flag.String("admin", "127.0.0.1:9998", "Admin HTTP surface address")
	keyPath     = flag.String("key", defaultKeyPath, "Path to private key file")
	generateKey = flag.Bool("genkey", false, "Force generation of a new private key")
	debugMode   = flag.Bool("debug", false, "Disable decryption (identity passthrough)")
	dbPath      = flag.String("db", "./data/collector-records.db", "Path to the durable delivered-record database")
)

func main() {
	flag.Parse()

	privateKey, err := loadOrGenerateKey(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("[collector] failed to load/generate key: %v", err)
	}
	fp, err := mixcrypto.Fingerprint(&privateKey.PublicKey)
	if err != nil {
		log.Fatalf("[collector] failed to fingerprint key: %v", err)
	}
	log.Printf("[collector] 🔑 key loaded, fingerprint=%s", fp)

	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("[collector] failed to create data directory: %v", err)
	}
	recordStore, err := relaystore.NewRecordStore(*dbPath)
	if err != nil {
		log.Fatalf("[collector] failed to open record store: %v", err)
	}
	defer recordStore.Close()
	log.Printf("[collector] 📬 record store opened at %s", *dbPath)

	col, err := collector.New(*address, *port, collector.Config{
		PrivateKey: privateKey,
		DebugMode:  *debugMode,
	})
	if err != nil {
		log.Fatalf("[collector] failed to bind: %v", err)
	}
	log.Printf("[collector] 🚀 listening on %s", col.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go col.Run(ctx)
	go persistDelivered(col, recordStore)

	admin := adminapi.New(adminapi.Config{
		Role:      "collector",
		PublicKey: &privateKey.PublicKey,
		Stats:     func() any { return col.Stats() },
		Ready:     func() bool { return true },
	})
	go func() {
		if err := admin.ListenAndServe(ctx, *adminAddr); err != nil {
			log.Printf("[collector] admin surface error: %v", err)
		}
	}()

	waitForShutdown(cancel, col)
}

// persistDelivered drains the collector's in-memory sink into the durable
// record store, logging each ride record it parses. It stops once the
// sink closes and has fully drained.
func persistDelivered(col *collector.Collector, store *relaystore.RecordStore) {
	sink := col.Sink()
	for {
		record, ok := sink.Pop()
		if !ok {
			return
		}
		if err := store.Append(record); err != nil {
			log.Printf("[collector] ⚠️  failed to persist record: %v", err)
			continue
		}
		if parsed, err := ride.Parse(record); err == nil {
			log.Printf("[collector] delivered line=%d operator=%s", parsed.LineNumber, parsed.Operator)
		}
	}
}

func loadOrGenerateKey(path string, generate bool) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil && !generate {
		log.Println("[collector] loading existing private key")
		pemData, err := mixcrypto.LoadKeyFromFile(path)
		if err != nil {
			return nil, err
		}
		return mixcrypto.ImportPrivateKeyPEM(pemData)
	}

	log.Println("[collector] generating new RSA-2048 key pair")
	priv, err := mixcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pemData, err := mixcrypto.ExportPrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll("./keys", 0700); err != nil {
		return nil, err
	}
	if err := mixcrypto.SaveKeyToFile(path, pemData); err != nil {
		return nil, err
	}
	log.Printf("[collector] ✓ new key saved to %s", path)
	return priv, nil
}

func waitForShutdown(cancel context.CancelFunc, col *collector.Collector) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[collector] shutting down gracefully")
	cancel()
	if err := col.Close(); err != nil {
		log.Printf("[collector] error closing listener: %v", err)
	}
	log.Println("[collector] 👋 stopped")
}
