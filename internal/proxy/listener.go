package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ListenerConfig configures the h2c listener the pipeline is served
// behind.
type ListenerConfig struct {
	Addr            string // default "0.0.0.0:50052"
	ShutdownTimeout time.Duration
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.Addr == "" {
		c.Addr = "0.0.0.0:50052"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Listener wraps the pipeline in a plaintext HTTP/2 (h2c, prior-knowledge)
// server, the same construction the teacher's gateway service uses for
// its ConnectRPC handler.
type Listener struct {
	cfg    ListenerConfig
	server *http.Server
}

// NewListener builds a Listener serving p.
func NewListener(p *Pipeline, cfg ListenerConfig) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg: cfg,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: h2c.NewHandler(p, &http2.Server{}),
		},
	}
}

// ListenAndServe runs until the server is shut down or a listener error
// occurs.
func (l *Listener) ListenAndServe() error {
	if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("h2c listener failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests up to the configured grace period.
func (l *Listener) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
	defer cancel()
	return l.server.Shutdown(shutdownCtx)
}
