package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syiftach/transitmix/pkg/adminapi"
	"github.com/syiftach/transitmix/pkg/directory"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
	"github.com/syiftach/transitmix/pkg/relay"
	"github.com/syiftach/transitmix/pkg/relaystore"
)

const defaultKeyPath = "./keys/relay.pem"

var (
	address       = flag.String("address", "0.0.0.0", "Address to listen on")
	port          = flag.Int("port", 9000, "Port to listen on")
	adminAddr     = flag.String("admin", "127.0.0.1:9001", "Admin HTTP surface address")
	keyPath       = flag.String("key", defaultKeyPath, "Path to private key file")
	generateKey   = flag.Bool("genkey", false, "Force generation of a new private key")
	poolSize      = flag.Int("pool-size", relay.PoolSize, "Packets pooled before a batch release")
	debugMode     = flag.Bool("debug", false, "Disable encryption (identity passthrough)")
	dbPath        = flag.String("db", "./data/relay-pool.db", "Path to the relay's at-rest pool database")
	directoryAddr = flag.String("directory", "", "Directory peer to publish this relay's descriptor to (host:port)")
)

func main() {
	flag.Parse()

	privateKey, err := loadOrGenerateKey(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("[relay] failed to load/generate key: %v", err)
	}
	fp, err := mixcrypto.Fingerprint(&privateKey.PublicKey)
	if err != nil {
		log.Fatalf("[relay] failed to fingerprint key: %v", err)
	}
	log.Printf("[relay] 🔑 key loaded, fingerprint=%s", fp)

	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("[relay] failed to create data directory: %v", err)
	}
	poolStore, err := relaystore.NewPoolStore(*dbPath, 0)
	if err != nil {
		log.Fatalf("[relay] failed to open pool store: %v", err)
	}
	defer poolStore.Close()
	log.Printf("[relay] 📬 pool store opened at %s", *dbPath)

	r, err := relay.New(*address, *port, relay.Config{
		PrivateKey: privateKey,
		DebugMode:  *debugMode,
		PoolSize:   *poolSize,
		Store:      poolStore,
	})
	if err != nil {
		log.Fatalf("[relay] failed to bind: %v", err)
	}
	log.Printf("[relay] 🚀 listening on %s", r.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)

	admin := adminapi.New(adminapi.Config{
		Role:      "relay",
		PublicKey: &privateKey.PublicKey,
		Stats:     func() any { return r.Stats() },
		Ready:     func() bool { return true },
	})
	go func() {
		if err := admin.ListenAndServe(ctx, *adminAddr); err != nil {
			log.Printf("[relay] admin surface error: %v", err)
		}
	}()

	if *directoryAddr != "" {
		if err := publishDescriptor(*directoryAddr, *address, *port, privateKey); err != nil {
			log.Printf("[relay] ⚠️  failed to publish descriptor: %v", err)
		} else {
			log.Printf("[relay] ✓ descriptor published to %s", *directoryAddr)
		}
	}

	waitForShutdown(cancel, r)
}

func loadOrGenerateKey(path string, generate bool) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil && !generate {
		log.Println("[relay] loading existing private key")
		pemData, err := mixcrypto.LoadKeyFromFile(path)
		if err != nil {
			return nil, err
		}
		return mixcrypto.ImportPrivateKeyPEM(pemData)
	}

	log.Println("[relay] generating new RSA-2048 key pair")
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
	log.Printf("[relay] ✓ new key saved to %s", path)
	return priv, nil
}

func publishDescriptor(peerAddr, address string, port int, priv *rsa.PrivateKey) error {
	pubPEM, err := mixcrypto.ExportPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return err
	}
	_, signPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	entry, err := directory.Sign(directory.Descriptor{
		Address:      address,
		Port:         port,
		PublicKeyPEM: pubPEM,
	}, signPriv, time.Hour)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return directory.PublishTo(ctx, "http://"+peerAddr, entry)
}

func waitForShutdown(cancel context.CancelFunc, r *relay.Relay) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[relay] shutting down gracefully")
	cancel()
	if err := r.Close(); err != nil {
		log.Printf("[relay] error closing listener: %v", err)
	}
	log.Println("[relay] 👋 stopped")
}
