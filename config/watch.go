package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cybroslabs/dlmsgate/engine"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/session"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 250 * time.Millisecond

// Target takes the device and engine settings of a reloaded file.
type Target interface {
	SetDeviceConfig(dev session.Config)
	SetConfig(cfg engine.Config)
}

// Watcher reloads the configuration file when it changes. A reload that does
// not load or validate is logged and the previous settings stay.
type Watcher struct {
	path     string
	envfiles []string
	registry *mapping.Registry
	target   Target
	logger   *zap.SugaredLogger
	debounce time.Duration
}

func NewWatcher(path string, registry *mapping.Registry, target Target, envfiles ...string) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{
		path:     filepath.Clean(path),
		envfiles: envfiles,
		registry: registry,
		target:   target,
		debounce: DefaultDebounce,
	}
}

func (w *Watcher) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
}

func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Reload loads, validates and applies the file once.
func (w *Watcher) Reload() error {
	f, err := Load(w.path, w.envfiles...)
	if err != nil {
		return err
	}
	if err := Validate(f); err != nil {
		return err
	}
	dev, err := f.SessionConfig()
	if err != nil {
		return err
	}
	if w.target != nil {
		w.target.SetDeviceConfig(dev)
		w.target.SetConfig(f.EngineConfig())
	}
	s := w.registry.Load(f.Profiles)
	if w.logger != nil {
		w.logger.Infow("configuration reloaded", "path", w.path, "profiles", s.Len(), "version", s.Version)
	}
	return nil
}

// Run watches the directory of the file, editors often replace files instead
// of writing them. It returns when ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warnw("configuration watch error", "path", w.path, "error", err)
			}
		case <-timer.C:
			if err := w.Reload(); err != nil && w.logger != nil {
				w.logger.Warnw("configuration reload rejected, keeping the previous one", "path", w.path, "error", err)
			}
		}
	}
}
