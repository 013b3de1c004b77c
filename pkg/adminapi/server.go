// Package adminapi is the operational HTTP surface a relay or the collector
// exposes alongside its mixnet TCP listener: liveness, live counters, and
// its public key. It never touches a mixnet wire frame.
package adminapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syiftach/transitmix/pkg/mixcrypto"
)

// StatsFunc returns the current snapshot for /stats. Callers pass a closure
// over relay.Relay.Stats or collector.Collector.Stats; adminapi stays
// agnostic to which kind of process it is attached to.
type StatsFunc func() any

// Config wires an admin server to the component it reports on.
type Config struct {
	Role      string // "relay" or "collector", used only in log lines
	PublicKey *rsa.PublicKey
	Stats     StatsFunc
	Ready     func() bool // liveness predicate for /health; nil means always ready
}

// Server is the admin HTTP server itself.
type Server struct {
	cfg    Config
	router *gin.Engine
	srv    *http.Server
}

// New builds a Server. It does not start listening until ListenAndServe.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{cfg: cfg, router: router}
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/pubkey", s.handlePubkey)
	return s
}

// ListenAndServe runs the admin server until ctx is cancelled, then shuts
// it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	s.srv = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[adminapi] 🚀 %s admin surface listening on %s", s.cfg.Role, address)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("adminapi: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf("[adminapi] 👋 shutting down %s admin surface", s.cfg.Role)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("adminapi: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.cfg.Stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Stats())
}

func (s *Server) handlePubkey(c *gin.Context) {
	if s.cfg.PublicKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no public key configured"})
		return
	}
	pem, err := mixcrypto.ExportPublicKeyPEM(s.cfg.PublicKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	fp, err := mixcrypto.Fingerprint(s.cfg.PublicKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"public_key_pem": string(pem),
		"fingerprint":    fp,
	})
}
