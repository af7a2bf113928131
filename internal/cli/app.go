package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/andywolf/cyclewarden/internal/config"
	"github.com/andywolf/cyclewarden/internal/notify"
	"github.com/andywolf/cyclewarden/internal/security"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/supervisor"
)

// app bundles what every command needs.
type app struct {
	cfg        *config.Config
	layout     state.Layout
	sup        *supervisor.Supervisor
	dispatcher *notify.Dispatcher
	logger     *log.Logger
}

// newApp loads configuration and wires a Supervisor. Human-readable log
// lines go to logOut with the given prefix.
func newApp(ctx context.Context, logOut io.Writer, prefix string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	logger := log.New(logOut, prefix, log.LstdFlags)
	sanitizer := security.NewLogSanitizer()
	dispatcher := notify.BuildDispatcher(ctx, cfg.Notify.Channels, notify.BuildDeps{
		Logf:      logger.Printf,
		Sanitizer: sanitizer,
	})

	layout := state.NewLayout(cfg.StateDir, cwd)
	sup := supervisor.New(supervisor.Options{
		Config:     cfg,
		Layout:     layout,
		Executable: exe,
		Dir:        cwd,
		ExtraArgs:  spawnArgs(cfgFile, cwd),
		Notifier:   dispatcher,
		Sanitizer:  sanitizer,
		Logger:     logger,
	})
	return &app{cfg: cfg, layout: layout, sup: sup, dispatcher: dispatcher, logger: logger}, nil
}

// close waits for queued notifications and releases channel resources.
func (a *app) close() {
	if !a.dispatcher.Wait(a.cfg.Notify.Timeout) {
		a.logger.Printf("Warning: notifications still in flight after %s", a.cfg.Notify.Timeout)
	}
	if err := a.dispatcher.Close(); err != nil {
		a.logger.Printf("Warning: %v", err)
	}
}

// spawnArgs are passed to detached children so they read the same config.
func spawnArgs(configFile, cwd string) []string {
	if configFile == "" {
		return nil
	}
	if !filepath.IsAbs(configFile) {
		configFile = filepath.Join(cwd, configFile)
	}
	return []string{"--config", configFile}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
