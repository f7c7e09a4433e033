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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/chat/store"
	"github.com/kandev/eventpipe/internal/common/config"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/db"
	"github.com/kandev/eventpipe/internal/events"
	"github.com/kandev/eventpipe/internal/gateway"
	"github.com/kandev/eventpipe/internal/pipeline"
	"github.com/kandev/eventpipe/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve live and persisted sessions over HTTP and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanups []func() error
	runCleanups := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				log.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
	defer runCleanups()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	}
	cleanups = append(cleanups, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tracing.Shutdown(shutdownCtx)
	})

	conn, closeDB, err := db.Provide(cfg.Database, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeDB)

	var (
		chatStore chat.Store
		reader    gateway.SessionReader
	)
	if conn != nil {
		sqlStore, err := store.New(conn)
		if err != nil {
			return err
		}
		chatStore, reader = sqlStore, sqlStore
	} else {
		log.Info("No database configured, sessions are kept in memory")
	}

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeBus)

	manager, err := pipeline.NewManager(pipeline.ManagerOptions{
		Config: cfg,
		Store:  chatStore,
		Bus:    provided.Bus,
		Logger: log,
	})
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() error {
		manager.DisposeAll()
		return nil
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.RegisterRoutes(router, manager, reader, provided.Bus, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down eventpipe...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("eventpipe stopped")
	return nil
}
