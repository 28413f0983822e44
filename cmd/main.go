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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pagesmith/internal/api"
	"pagesmith/internal/config"
	fileutil "pagesmith/internal/file"
	"pagesmith/internal/generator"
	"pagesmith/internal/task"
	"pagesmith/internal/thumbnail"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	taskManager := buildTaskManager(baseCtx, cfg)
	taskManager.SetBaseContext(baseCtx)

	router := setupRouter()
	wireAPI(router, taskManager, buildOutliner(baseCtx, cfg), cfg)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Int("slots", cfg.MaxConcurrentTasks).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, taskManager, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

// buildTaskManager starts without a generator when the provider is not
// configured; generate requests then fail with 503 until it is.
func buildTaskManager(ctx context.Context, cfg config.Config) *task.Manager {
	opts := task.Options{
		DataDir:            cfg.DataDir,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		StreamTimeout:      cfg.StreamTimeout,
		Thumbnailer:        thumbnail.Service{MaxKB: cfg.ThumbnailMaxKB},
	}
	gen, err := generator.New(ctx, cfg.ImageProvider)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.ImageProvider.Type).Msg("image provider unavailable, page generation disabled")
	} else {
		opts.Generator = gen
	}
	return task.NewManagerWithOptions(opts)
}

// buildOutliner returns nil when the text provider is not configured; outline
// requests then fail with 503.
func buildOutliner(ctx context.Context, cfg config.Config) api.Outliner { //nolint:ireturn
	outliner, err := generator.NewOutliner(ctx, cfg.TextProvider)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.TextProvider.Type).Msg("text provider unavailable, outline generation disabled")
		return nil
	}
	return outliner
}

func wireAPI(router *gin.Engine, tm *task.Manager, outliner api.Outliner, cfg config.Config) {
	apiHandler := api.NewAPI(tm, api.Options{
		ReferenceMaxKB: cfg.ReferenceMaxKB,
		Outliner:       outliner,
		Settings:       cfg,
	})
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := tm.WaitAll(ctx)
	if !done {
		log.Warn().Msg("task runs did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
