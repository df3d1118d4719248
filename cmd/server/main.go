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

	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/handle"
	"github.com/dmorgan81/imagebot/internal/inject"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/dmorgan81/imagebot/internal/metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/samber/do"
)

func main() {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, log.ParseLevel(cfg.LogLevel))
	ctx, stop := signal.NotifyContext(log.NewContext(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the server keeps running after a response, so archiving can finish in the background
	cfg.DetachArchive = true
	injector := inject.Setup(ctx, cfg)
	h := do.MustInvoke[*handle.HTTPHandler](injector)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(logger, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	for _, s := range []*http.Server{srv, metricsSrv} {
		go func() {
			logger.Info("starting http server", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listen on %s: %w", s.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("http server failed", log.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range []*http.Server{srv, metricsSrv} {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "addr", s.Addr, log.Err(err))
		}
	}
	if err := injector.Shutdown(); err != nil {
		logger.Error("injector shutdown", log.Err(err))
	}
	logger.Info("server stopped")
}

// newRouter sends every path to the dispatcher behind gorilla's recovery and access logging.
func newRouter(logger *slog.Logger, h *handle.HTTPHandler) http.Handler {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(log.NewContext(req.Context(), logger)))
		})
	})
	h.Register(r)

	var root http.Handler = r
	root = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(root)
	return handlers.CombinedLoggingHandler(os.Stdout, root)
}
