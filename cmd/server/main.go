package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"switchboard/internal/config"
	"switchboard/internal/events"
	"switchboard/internal/pane"
	"switchboard/internal/permission"
	"switchboard/internal/realtime"
	"switchboard/internal/registry"
	"switchboard/internal/router"
	"switchboard/internal/store"
	"switchboard/internal/tracker"
	"switchboard/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	bus := events.NewBus()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	reg, err := registry.New(db, bus)
	if err != nil {
		log.Fatalf("init session registry: %v", err)
	}

	panes := pane.NewTmuxController(cfg.TmuxBinary)
	inputRouter := router.New(reg, panes, bus)

	perms, err := permission.NewService(cfg.PermissionConfigPath, inputRouter, bus)
	if err != nil {
		log.Fatalf("init permission service: %v", err)
	}

	cfgWatch, err := watcher.New(cfg.PermissionConfigPath, perms)
	if err != nil {
		log.Printf("permission config watcher disabled: %v", err)
	}

	runner := tracker.NewCLIRunner(cfg.BeadsBinary)
	gateway := tracker.New(runner, bus, tracker.ExecOpts{
		Dir:     cfg.ProjectDir,
		DataDir: cfg.BeadsDir,
	}, cfg.GatewayTimeout)

	rtServer := realtime.New(reg, inputRouter, perms, gateway, bus, cfg.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		if cfgWatch != nil {
			cfgWatch.Shutdown()
		}
		rtServer.Close()
		httpServer.Close()
	}()

	log.Printf("switchboard listening on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
