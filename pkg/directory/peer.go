package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syiftach/transitmix/pkg/chain"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
)

// Peer is a directory node: it serves its local Storage over HTTP and can
// publish its own descriptor to itself or accept descriptors relayed by
// other peers. The mixnet's anonymity guarantee does not depend on this
// surface's integrity, only on a client picking some valid, unexpired
// chain — a poisoned entry is a denial-of-service risk, not a
// deanonymization one.
type Peer struct {
	storage *Storage
	srv     *http.Server
}

// NewPeer constructs a Peer with empty storage.
func NewPeer() *Peer {
	return &Peer{storage: NewStorage()}
}

// Publish verifies and stores e locally, making it visible to GET /entries.
func (p *Peer) Publish(e *Entry) error {
	return p.storage.Put(e)
}

// Entries returns every verified, unexpired entry currently held.
func (p *Peer) Entries() []*Entry {
	return p.storage.All()
}

// Descriptors parses every stored entry's PEM-encoded public key and
// returns the resulting chain.Descriptor list, in no particular order —
// callers that need a specific forwarding order must sort or select
// explicitly.
func (p *Peer) Descriptors() ([]chain.Descriptor, error) {
	entries := p.storage.All()
	out := make([]chain.Descriptor, 0, len(entries))
	for _, e := range entries {
		pub, err := mixcrypto.ImportPublicKeyPEM(e.Descriptor.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("directory: decode descriptor for %s: %w", e.Key, err)
		}
		out = append(out, chain.Descriptor{
			Address:   e.Descriptor.Address,
			Port:      e.Descriptor.Port,
			PublicKey: pub,
		})
	}
	return out, nil
}

// ListenAndServe runs the peer's gin-based HTTP surface at address until
// ctx is cancelled.
func (p *Peer) ListenAndServe(ctx context.Context, address string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/entries", p.handleList)
	router.POST("/entries", p.handlePublish)

	p.srv = &http.Server{Addr: address, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- p.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (p *Peer) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, p.Entries())
}

func (p *Peer) handlePublish(c *gin.Context) {
	var e Entry
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := p.Publish(&e); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// PublishTo POSTs a signed entry to a directory peer's /entries endpoint,
// the counterpart a relay uses on startup to advertise itself, mirroring
// the GET side a client uses in Bootstrap.
func PublishTo(ctx context.Context, peerURL string, e *Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("directory: encode entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/entries", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("directory: publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory: publish peer returned %d", resp.StatusCode)
	}
	return nil
}

// Bootstrap fetches every entry from peerURL (a base URL like
// "http://127.0.0.1:9100"), verifies each signature and TTL, and returns
// the chain.Descriptor list a client can build its chain_head from.
func Bootstrap(ctx context.Context, peerURL string) ([]chain.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/entries", nil)
	if err != nil {
		return nil, fmt.Errorf("directory: bootstrap request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: bootstrap fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: bootstrap peer returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("directory: read bootstrap body: %w", err)
	}
	var entries []*Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("directory: decode bootstrap body: %w", err)
	}

	out := make([]chain.Descriptor, 0, len(entries))
	for _, e := range entries {
		if err := e.Verify(); err != nil {
			continue // a poisoned or expired entry is skipped, not fatal
		}
		pub, err := mixcrypto.ImportPublicKeyPEM(e.Descriptor.PublicKeyPEM)
		if err != nil {
			continue
		}
		out = append(out, chain.Descriptor{
			Address:   e.Descriptor.Address,
			Port:      e.Descriptor.Port,
			PublicKey: pub,
		})
	}
	return out, nil
}
