// Command missiond runs the mission orchestrator: the public HTTP API, the
// startup recovery sweep, and (when DEBUG_PORT is set) a loopback-only
// operator debug router.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/app"
	"github.com/kandev/missionctl/internal/config"
	"github.com/kandev/missionctl/internal/execsvc"
	"github.com/kandev/missionctl/internal/httpapi"
	"github.com/kandev/missionctl/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, "", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("missiond: starting", zap.String("env", cfg.Env), zap.String("storeDriver", cfg.StoreDriver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("missiond: wiring failed", zap.Error(err))
		os.Exit(1)
	}

	if err := a.Recover(ctx); err != nil {
		log.Error("missiond: startup recovery failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("missiond: startup recovery complete")

	deps := a.Deps()
	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: httpapi.NewRouter(deps),
	}
	go func() {
		log.Info("missiond: http server listening", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("missiond: http server failed", zap.Error(err))
		}
	}()

	var debugServer *http.Server
	if cfg.DebugPort != 0 {
		debugAddr := fmt.Sprintf("127.0.0.1:%d", cfg.DebugPort)
		debugServer = &http.Server{
			Addr:    debugAddr,
			Handler: httpapi.NewDebugRouter(deps, execsvc.DefaultTimeout),
		}
		go func() {
			log.Info("missiond: debug router listening", zap.String("addr", debugAddr))
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("missiond: debug server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("missiond: shutdown signal received")

	go func() {
		<-quit
		log.Error("missiond: second signal received, aborting")
		os.Exit(1)
	}()

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("missiond: http server shutdown error", zap.Error(err))
	}
	if debugServer != nil {
		if err := debugServer.Shutdown(shutdownCtx); err != nil {
			log.Error("missiond: debug server shutdown error", zap.Error(err))
		}
	}

	a.Shutdown(shutdownCtx)
	log.Info("missiond: stopped")
}
