// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/sensorpush-logger/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and publishes each
// successfully loaded Config on a channel. A file that fails to load or
// validate is logged and the previous configuration stays in effect.
type Watcher struct {
	path       string
	configChan chan<- *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		configChan: configChan,
		reloadChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// Start begins watching for SIGHUP.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	signal.Stop(w.reloadChan)
	if w.cancelFunc != nil {
		w.cancelFunc()
		<-w.done
	}
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("SIGHUP received, reloading configuration")
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload configuration, keeping current settings")
		return
	}
	select {
	case w.configChan <- cfg:
		logger.Info().Msg("Configuration reloaded successfully")
	case <-ctx.Done():
	}
}
