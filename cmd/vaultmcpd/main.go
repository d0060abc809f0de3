// Command vaultmcpd serves one vault over the streaming HTTP protocol.
// Configuration comes from the environment; see Config for the knobs.
package main

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

	"github.com/joeshaw/envdecode"

	"github.com/vaultmcp/vault-server-go/auth"
	"github.com/vaultmcp/vault-server-go/internal/logctx"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/sessions"
	"github.com/vaultmcp/vault-server-go/sessions/redisreg"
	"github.com/vaultmcp/vault-server-go/streaminghttp"
	"github.com/vaultmcp/vault-server-go/vault"
	"github.com/vaultmcp/vault-server-go/vaulttools"
	"github.com/vaultmcp/vault-server-go/workerpool"
)

// Config is the daemon's environment surface.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8787"`
	VaultDir   string `env:"VAULT_DIR,required"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	SessionBackend string        `env:"SESSION_BACKEND,default=memory"`
	MaxSessions    int           `env:"MAX_SESSIONS,default=128"`
	IdleTimeout    time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
	SweepInterval  time.Duration `env:"SESSION_SWEEP_INTERVAL,default=30s"`

	MaxWorkers  int           `env:"MAX_WORKERS,default=16"`
	QueueDepth  int           `env:"WORKER_QUEUE_DEPTH,default=8"`
	ItemTimeout time.Duration `env:"WORKER_ITEM_TIMEOUT,default=30s"`

	WatchVault bool `env:"WATCH_VAULT,default=true"`

	Auth auth.Config
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := vault.New(cfg.VaultDir, vault.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if cfg.WatchVault {
		go func() {
			if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("vault.watch.stop", slog.String("err", err.Error()))
			}
		}()
	}

	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo("vaultmcpd", "1.0.0"),
		mcpservice.WithInstructions("Work with the vault through the vault_* tools; documents are also exposed as vault:// resources."),
		mcpservice.WithToolsContainer(vaulttools.NewContainer(store)),
		mcpservice.WithResourcesCapability(vault.NewResources(store)),
	)

	limits := sessions.Config{MaxSessions: cfg.MaxSessions, IdleTimeout: cfg.IdleTimeout}
	routerOpts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithSessionLimits(limits),
		streaminghttp.WithSweepInterval(cfg.SweepInterval),
		streaminghttp.WithWorkerConfig(workerpool.Config{
			MaxWorkers:  cfg.MaxWorkers,
			QueueDepth:  cfg.QueueDepth,
			ItemTimeout: cfg.ItemTimeout,
		}),
	}

	switch cfg.SessionBackend {
	case "memory":
	case "redis":
		reg, err := redisreg.NewFromEnv(limits)
		if err != nil {
			return fmt.Errorf("connect session backend: %w", err)
		}
		routerOpts = append(routerOpts, streaminghttp.WithSessionRegistry(reg))
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}

	router, err := streaminghttp.New(ctx, srv, routerOpts...)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	var handler http.Handler = router
	if cfg.Auth.Enabled() {
		verifier, err := auth.NewVerifier(ctx, cfg.Auth, log)
		if err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
		handler = auth.Middleware(verifier, log)(handler)
		log.Info("auth.enabled")
	} else {
		log.Warn("auth.disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr), slog.String("vault", store.Root()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	_ = router.Shutdown(shutdownCtx)
	log.Info("shutdown.done")
	return nil
}
