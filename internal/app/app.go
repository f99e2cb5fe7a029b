// Package app wires the relay together: configuration, the OAuth
// proxy, the streaming relay, rate limiting, and the HTTP server
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgerelay/internal/oauth"
	"forgerelay/internal/relay"
	"forgerelay/pkg/logging"
)

// shutdownTimeout bounds graceful drain of in-flight requests. Open SSE
// streams are not waited on; they are severed by the server closing.
const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the relay process.
type App struct {
	cfg *Config

	flows    *oauth.FlowStore
	sessions *oauth.SessionStore
	limiter  *relay.RateLimiter

	handler http.Handler
}

// New constructs the full component graph from the configuration. The
// provider's discovery document is fetched lazily on first use, so New
// does not require the provider to be reachable.
func New(cfg *Config) (*App, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	provider := oauth.NewProvider(context.Background(), cfg.Issuer, cfg.ClientID, cfg.ClientSecret, cfg.CallbackURL())

	flows := oauth.NewFlowStore()
	sessions := oauth.NewSessionStore()
	proxy := oauth.NewProxy(provider, flows, sessions)
	authn := oauth.NewAuthenticator(provider, sessions)

	correlator := relay.NewCorrelator(cfg.MaxPending, relay.ForwardTimeout)
	nodeReg := relay.NewNodeRegistry(correlator)
	sessionReg := relay.NewSessionRegistry(cfg.MaxStreams)
	server := relay.NewServer(sessionReg, nodeReg, correlator)

	limiter := relay.NewRateLimiter(relay.RateLimit, relay.RateWindow)

	// The rate window meters the public surfaces: the authorization
	// endpoints and client stream/message admission. Node result posts
	// are not metered; an active session legitimately produces many.
	mux := http.NewServeMux()
	mux.Handle("GET /authorize", limiter.Middleware(http.HandlerFunc(proxy.HandleAuthorize)))
	mux.Handle("GET /callback", limiter.Middleware(http.HandlerFunc(proxy.HandleCallback)))
	mux.Handle("POST /token", limiter.Middleware(http.HandlerFunc(proxy.HandleToken)))
	mux.Handle("GET /poll-token", limiter.Middleware(http.HandlerFunc(proxy.HandlePollToken)))

	mux.Handle("GET /mcp", limiter.Middleware(authn.Wrap(http.HandlerFunc(server.HandleClientStream))))
	mux.Handle("POST /mcp", limiter.Middleware(authn.Wrap(http.HandlerFunc(server.HandleClientMessage))))
	mux.Handle("GET /node", authn.Wrap(http.HandlerFunc(server.HandleNodeStream)))
	mux.Handle("POST /node", authn.Wrap(http.HandlerFunc(server.HandleNodeResult)))

	mux.HandleFunc("GET /health", server.HandleHealth)

	return &App{
		cfg:      cfg,
		flows:    flows,
		sessions: sessions,
		limiter:  limiter,
		handler:  mux,
	}, nil
}

// Handler returns the fully assembled HTTP handler, rate limiting
// included. Exposed for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves until the context is canceled or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.handler,
		// No WriteTimeout: SSE streams stay open for hours.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("App", "Listening on %s (public URL %s)", a.cfg.ListenAddr, a.cfg.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.stopBackground()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logging.Info("App", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		// Open streams never drain; sever them.
		err = srv.Close()
	}

	a.stopBackground()
	return err
}

// stopBackground stops the janitor and sweep loops.
func (a *App) stopBackground() {
	a.flows.Stop()
	a.sessions.Stop()
	a.limiter.Stop()
}
