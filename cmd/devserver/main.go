package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediagen/internal/config"
	"mediagen/internal/devserver"
	"mediagen/internal/logging"
	"mediagen/internal/mediastore"
	"mediagen/internal/ratelimit"
	"mediagen/internal/store"
	"mediagen/internal/telemetry"
)

// claimPurger is implemented by stores whose idempotency claims do not expire on their own.
type claimPurger interface {
	PurgeExpiredClaims(ctx context.Context) (int64, error)
}

func main() {
	cfg := config.Load()
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		slog.Error("init logging", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", slog.String("backend", cfg.StoreBackend), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	media, err := mediastore.New(ctx, cfg)
	if err != nil {
		logger.Error("init media store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The limiter always lives in Redis, even when jobs are kept in Postgres.
	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		rs, ok := st.(*store.RedisStore)
		if !ok {
			rs = store.NewRedis(cfg)
			defer rs.Close()
		}
		limiter = ratelimit.New(rs.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	if p, ok := st.(claimPurger); ok {
		go purgeClaims(ctx, p, logger)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	server := devserver.New(cfg, st, media, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("dev server listening",
		slog.String("addr", httpServer.Addr),
		slog.String("store", cfg.StoreBackend),
	)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func purgeClaims(ctx context.Context, p claimPurger, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpiredClaims(ctx)
			if err != nil {
				logger.Warn("purge idempotency claims", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Debug("purged idempotency claims", slog.Int64("count", n))
			}
		}
	}
}
