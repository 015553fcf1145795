// wafleetd runs the multi-tenant messaging fleet: it loads the tenant
// roster, prunes stored session artifacts, starts every tenant session and
// serves the /bots management API until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wafleet/wafleet/pkg/api"
	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/cron"
	"github.com/wafleet/wafleet/pkg/dispatch"
	"github.com/wafleet/wafleet/pkg/logger"
	"github.com/wafleet/wafleet/pkg/manager"
	"github.com/wafleet/wafleet/pkg/provider"
	"github.com/wafleet/wafleet/pkg/store"
)

// Exit codes give a meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wafleetd terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components and blocks until shutdown. Errors bubble
// up here instead of os.Exit-ing mid-stack so the defers (store and history
// close) always execute.
func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogPretty)

	tenants, err := config.LoadTenants(cfg.TenantsFile)
	if err != nil {
		return exitConfig, err
	}
	logger.InfoCF("main", "Tenant roster loaded", map[string]interface{}{
		"tenants": len(tenants),
		"file":    cfg.TenantsFile,
	})

	prov, err := provider.Registered()
	if err != nil {
		return exitConfig, err
	}

	sessions, err := store.Open(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return exitRuntime, err
	}
	defer sessions.Close()

	// Prune before any connection opens: connections append to namespaces
	// and must never race the startup sweep.
	pruner := store.NewPruner(sessions)
	namespaces := make([]string, 0, len(tenants))
	for _, t := range tenants {
		namespaces = append(namespaces, t.SessionPath)
	}
	pruner.PruneAll(namespaces)

	history, err := dispatch.OpenHistory(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return exitRuntime, err
	}
	defer history.Close()

	events := bus.New()
	defer events.Close()

	dispatcher := dispatch.New(cfg.WebhookBase, time.Duration(cfg.WebhookTimeout)*time.Second, history, events)
	fleet := manager.New(prov, sessions, dispatcher, events, tenants)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet.StartAll(ctx)

	var cronSvc *cron.Service
	if cfg.PruneSchedule != "" {
		cronSvc = cron.New()
		if err := cronSvc.Add("prune-sessions", cfg.PruneSchedule, func(ctx context.Context) {
			pruner.PruneAll(namespaces)
		}); err != nil {
			return exitConfig, err
		}
		go cronSvc.Start(ctx)
	}

	server := api.NewServer(cfg, fleet, history, cronSvc, events)
	if err := server.Start(ctx); err != nil {
		return exitRuntime, err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	logger.InfoCF("main", "Shutting down", map[string]interface{}{
		"signal": got.String(),
	})

	cancel()
	if err := server.Stop(); err != nil {
		logger.ErrorCF("main", "Server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	fleet.Shutdown()

	return exitOK, nil
}
