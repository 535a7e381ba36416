package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prismachat/internal/auth"
	"prismachat/internal/chat"
	"prismachat/internal/store"
)

const shutdownTimeout = 10 * time.Second

const usage = `usage:
  prismachat [serve]          run the chat server
  prismachat passwd <user>    set a user's password from stdin`

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		return serve(ctx, cfg, st, logger)
	case "passwd":
		if len(args) != 2 {
			return errors.New(usage)
		}
		return setPassword(ctx, st, args[1], os.Stdin, os.Stdout)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func openStore(ctx context.Context, cfg Config, logger *zap.Logger) (*store.DB, error) {
	if cfg.StoreDriver == driverPostgres {
		return store.OpenPostgres(ctx, cfg.PostgresDSN(), logger)
	}
	return store.OpenSQLite(ctx, cfg.SQLitePath, logger)
}

// newHandler wires the hub, auth and routes over st. The returned hub must
// be shut down by the caller.
func newHandler(cfg Config, st store.Store, logger *zap.Logger) (http.Handler, *chat.Hub) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := chat.NewHub(st, logger.Named("hub"),
		chat.WithRetentionCap(cfg.RetentionCap),
		chat.WithMetrics(chat.NewMetrics(reg)),
	)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	r := mux.NewRouter()
	newServer(cfg, st, hub, issuer, reg, logger.Named("http")).registerRoutes(r)
	return r, hub
}

func serve(ctx context.Context, cfg Config, st store.Store, logger *zap.Logger) error {
	if err := st.Seed(ctx); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if cfg.JWTSecretGenerated {
		logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}

	handler, hub := newHandler(cfg, st, logger)
	httpServer := &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.String("addr", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.Int("retention_cap", cfg.RetentionCap))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("hub shutdown", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
