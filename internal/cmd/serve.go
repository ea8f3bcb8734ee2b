package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/api"
	"github.com/quotaswitch/quotaswitch/internal/config"
)

// DoServe runs the daemon: the HTTP API, the periodic quota sweep, the
// automatic rotation check, and config hot reload. It blocks until
// interrupted.
func DoServe(cfg *config.Config, configPath string) {
	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager.Start(ctx)
	defer manager.Stop()

	// Background failures stay background: they are logged with the
	// owning account id and never abort the daemon.
	go func() {
		for event := range manager.Events() {
			log.Warnf("background failure account=%s err=%v", event.AccountID, event.Err)
		}
	}()

	if configPath != "" {
		go func() {
			errWatch := config.Watch(ctx, configPath, func(updated *config.Config) {
				manager.UpdateSettings(settingsFromConfig(updated))
			})
			if errWatch != nil && ctx.Err() == nil {
				log.Warnf("config watcher stopped: %v", errWatch)
			}
		}()
	}

	server := api.NewServer(manager, cfg.API.ListenAddr)
	if err = server.Run(ctx); err != nil {
		log.Errorf("daemon API failed: %v", err)
	}
}
