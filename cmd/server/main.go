package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saksicipatron/patron-server/internal/config"
	"github.com/saksicipatron/patron-server/internal/httpapi"
	"github.com/saksicipatron/patron-server/internal/lobby"
	"github.com/saksicipatron/patron-server/internal/logging"
	"github.com/saksicipatron/patron-server/internal/realtime"
	"github.com/saksicipatron/patron-server/internal/scores"
	"github.com/saksicipatron/patron-server/internal/session"
	"github.com/saksicipatron/patron-server/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, repo, closers, err := openBackend(ctx, cfg, log)
	defer func() { err = multierr.Append(err, closeAll(closers)) }()
	if err != nil {
		return err
	}

	lobbies := lobby.NewService(store, log.Named("lobby"))
	sessions := session.NewManager(ctx, store, lobbies, log.Named("session"), session.WithCountdown(cfg.Countdown))
	closers = append([]io.Closer{sessions}, closers...)

	if n, err := sessions.Resume(ctx); err != nil {
		log.Warn("resuming games failed", zap.Error(err))
	} else if n > 0 {
		log.Info("resumed games", zap.Int("count", n))
	}

	handler := httpapi.SetupRoutes(
		httpapi.NewHandler(lobbies, sessions, scores.NewService(repo, log.Named("scores")), log),
		ws.NewHandler(lobbies, sessions, log.Named("ws"), cfg.AllowedOrigins, cfg.SliceWritesPerS),
		log,
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return lobbies.RunSweeper(gctx, cfg.SweepInterval, cfg.LobbyTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackend returns the document store and score repository for the
// configured backend, plus what must be closed on exit, in closing order.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (realtime.Store, scores.Repository, []io.Closer, error) {
	if cfg.StoreBackend == config.BackendMemory {
		store := realtime.NewMemoryStore(ctx)
		return store, scores.NewMemoryRepository(), []io.Closer{store}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	closers := []io.Closer{closerFunc(pool.Close)}
	if err := pool.Ping(ctx); err != nil {
		return nil, nil, closers, fmt.Errorf("ping postgres: %w", err)
	}

	store := realtime.NewPostgresStore(ctx, pool, log.Named("store"))
	closers = append([]io.Closer{store}, closers...)
	if err := store.Migrate(ctx); err != nil {
		return nil, nil, closers, err
	}

	repo, err := scores.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, closers, err
	}
	closers = append([]io.Closer{repo}, closers...)
	return store, repo, closers, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
