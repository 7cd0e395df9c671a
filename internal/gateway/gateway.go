// ABOUTME: Manages the store, session registry, and HTTP server lifecycle
// ABOUTME: Wires the WebSocket endpoint, health checks, and the session API together

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/chatterhq/chatter-gateway/internal/auth"
	"github.com/chatterhq/chatter-gateway/internal/backend"
	"github.com/chatterhq/chatter-gateway/internal/backend/claudecli"
	"github.com/chatterhq/chatter-gateway/internal/backend/scripted"
	"github.com/chatterhq/chatter-gateway/internal/config"
	"github.com/chatterhq/chatter-gateway/internal/session"
	"github.com/chatterhq/chatter-gateway/internal/store"
	"github.com/chatterhq/chatter-gateway/internal/ws"
)

// Gateway owns every long-lived component and their shutdown order.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	store    store.Store
	registry *session.Registry
	wsCoord  *ws.Coordinator

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New assembles a gateway from configuration. Nothing is listening yet;
// call Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := session.NewRegistry(st, adapter, logger)

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if authn == nil {
		logger.Warn("authentication disabled; do not expose this gateway publicly")
	}

	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    st,
		registry: registry,
	}

	gw.wsCoord = ws.NewCoordinator(registry, ws.Options{
		OriginPatterns:     cfg.Server.AllowedOrigins,
		MaxConnections:     cfg.Server.MaxConnections,
		Auth:               authn,
		DefaultProjectRoot: cfg.Backend.ProjectRoot,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.wsCoord)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func buildAdapter(cfg *config.Config, logger *slog.Logger) (backend.Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend.Kind {
	case "claudecli":
		opts := []claudecli.Option{claudecli.WithLogger(logger)}
		if cfg.Backend.Binary != "" {
			opts = append(opts, claudecli.WithBinary(cfg.Backend.Binary))
		}
		return claudecli.New(opts...), nil
	case "scripted":
		return scripted.New(scripted.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func buildAuthenticator(cfg *config.Config) (ws.Authenticator, error) {
	switch {
	case cfg.Auth.JWTSecret != "":
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), nil
	case cfg.Auth.TokenHash != "":
		return auth.NewStaticVerifier(cfg.Auth.TokenHash), nil
	default:
		return nil, nil
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	g.logger.Info("gateway listening", "addr", ln.Addr().String())

	evictDone := g.startEvictionLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	shutdownErr := g.gracefulShutdown()
	<-evictDone

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// startEvictionLoop periodically evicts idle sessions from memory and prunes
// long-archived rows from the store.
func (g *Gateway) startEvictionLoop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := g.config.Sessions.EvictInterval
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.registry.EvictIdle(ctx, g.config.Sessions.IdleTimeout); n > 0 {
					g.logger.Info("evicted idle sessions", "count", n)
				}
				if g.config.Sessions.PruneAfter > 0 {
					cutoff := time.Now().Add(-g.config.Sessions.PruneAfter)
					if _, err := g.store.DeleteInactiveBefore(ctx, cutoff); err != nil {
						g.logger.Warn("pruning archived sessions failed", "error", err)
					}
				}
			}
		}
	}()
	return done
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}
	return ln, nil
}

// setupTailscaleListener joins the tailnet and listens there instead of on a
// local port, so the gateway is reachable only from the user's devices.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		AuthKey:   authKey,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
	}

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("joining tailnet: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("joined tailnet",
			"hostname", tsCfg.Hostname,
			"ip", status.TailscaleIPs[0].String(),
		)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chatter-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// gracefulShutdown uses a fresh context since the run context is already
// cancelled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, quiesces all sessions, and closes the
// store, in that order: no new connections, then no dangling waiters, then
// no open database.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.registry.Shutdown(ctx)

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports 200 once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListSessions(r.Context(), false); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.wsCoord.ActiveConnections())
}
