// Package daemon wires the web application together and runs it until it is
// asked to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/auth"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/httpserver"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/lifecycle"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/policy"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/session"
)

// pruneInterval is how often expired session files are removed.
const pruneInterval = 10 * time.Minute

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	idp        *idp.Client
	sessions   *session.Manager
	fileStore  *session.FileStore // nil with the redis store
	redis      *redis.Client      // nil with the file store
	httpServer *httpserver.Server

	stopPrune chan struct{}
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := idp.New(ctx, &cfg.IdP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity provider client: %w", err)
	}

	slog.Info("identity provider client initialized",
		"base_url", cfg.IdP.BaseURL,
		"issuer", cfg.IdP.Issuer,
		"application_id", client.ApplicationID(),
	)

	d := &Daemon{
		cfg:       cfg,
		idp:       client,
		stopPrune: make(chan struct{}),
	}

	store, err := d.openStore(ctx)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(cfg.Session.ExpirySeconds) * time.Second
	d.sessions = session.NewManager(store, ttl, cfg.Session.SecretKey, session.CookieOptions{
		Name:     cfg.Session.CookieName,
		Secure:   cfg.Session.HTTPSOnly,
		SameSite: session.ParseSameSite(cfg.Session.SameSite),
	})

	slog.Info("session manager initialized",
		"store", cfg.Session.Store,
		"ttl", ttl,
	)

	mode, err := auth.ParseRepresentation(cfg.Auth.Mode)
	if err != nil {
		d.closeStore()
		return nil, err
	}
	pol := policy.New(client.ApplicationID(), cfg.Auth.DeactivatedRole)

	resolver := auth.NewResolver(client, pol, mode)
	flows := lifecycle.New(client, d.sessions, pol, mode, cfg.IdP.RedirectURI)

	d.httpServer, err = httpserver.NewServer(cfg, version, d.sessions, resolver, flows)
	if err != nil {
		d.closeStore()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
		"mode", mode.Name(),
		"login", cfg.Auth.Login,
	)

	return d, nil
}

func (d *Daemon) openStore(ctx context.Context) (session.Store, error) {
	switch d.cfg.Session.Store {
	case config.StoreRedis:
		client, err := session.NewRedisClient(ctx, session.RedisOptions{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password,
			DB:       d.cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		d.redis = client
		return session.NewRedisStore(client, d.cfg.Redis.KeyPrefix), nil
	default:
		store, err := session.NewFileStore(d.cfg.Session.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open session directory: %w", err)
		}
		d.fileStore = store
		return store, nil
	}
}

func (d *Daemon) closeStore() {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	}
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	slog.Info("starting FusionAuth web application")

	if d.fileStore != nil {
		go d.pruneLoop()
	}

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Wait for shutdown signal or startup error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			d.stop(context.Background())
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.stop(shutdownCtx)

	slog.Info("shutdown complete")
	return nil
}

func (d *Daemon) stop(ctx context.Context) {
	close(d.stopPrune)

	if err := d.httpServer.Shutdown(ctx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}
	d.closeStore()
}

// pruneLoop removes expired session files until the daemon stops.
func (d *Daemon) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopPrune:
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

func (d *Daemon) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneInterval/2)
	defer cancel()

	removed, err := d.fileStore.Prune(ctx)
	if err != nil {
		slog.Warn("session prune failed", "error", err, "removed", removed)
		return
	}
	if removed > 0 {
		slog.Info("expired sessions pruned", "removed", removed)
	}
}
