package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaybase/relay/internal/config"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/services"
)

func main() {
	runFanout := flag.Bool("fanout", false, "Run the fanout role")
	runReplication := flag.Bool("replication", false, "Run the replication role")
	runAPI := flag.Bool("api", false, "Run the API server")
	runAll := flag.Bool("all", false, "Run all roles")
	flag.Parse()

	// Default to running everything if no specific flags are provided.
	if *runAll || (!*runFanout && !*runReplication && !*runAPI) {
		*runFanout = true
		*runReplication = true
		*runAPI = true
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Error shutting down logging: %v", err)
		}
	}()

	slog.Info("Starting relay",
		"node", cfg.NodeID(),
		"fanout", *runFanout,
		"replication", *runReplication,
		"api", *runAPI,
	)

	mgr := services.NewManager(cfg, services.Options{
		RunFanout:      *runFanout,
		RunReplication: *runReplication,
		RunAPI:         *runAPI,
	})

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()

	if err := mgr.Init(initCtx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// Context for background tasks.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	mgr.Start(bgCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Cancel background tasks first so the API server starts draining.
	bgCancel()

	mgr.Shutdown(shutdownCtx)

	slog.Info("All services stopped")
}
