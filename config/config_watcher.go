package config

import (
	"path/filepath"
	"sync"

	"WProject/global"
	"WProject/logger"
	"WProject/tools/safe"

	"github.com/fsnotify/fsnotify"
)

var (
	currentConfig = global.Default()
	configMu      sync.RWMutex
)

// Get returns the last loaded config.
func Get() global.AppConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return currentConfig
}

func update(cfg global.AppConfig) {
	configMu.Lock()
	currentConfig = cfg
	configMu.Unlock()
}

// StartFileWatcher loads the yaml file at path and reloads it on change,
// invoking onChange (may be nil) with each new config. Returns a stop func.
// A missing or broken file is logged and leaves the previous config active.
func StartFileWatcher(path string, onChange func(global.AppConfig)) (func(), error) {
	if cfg, err := global.Load(path); err != nil {
		logger.Warnf("[config] initial load %s: %v", path, err)
	} else {
		update(cfg)
		if onChange != nil {
			onChange(cfg)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	stop := make(chan struct{})
	safe.Go(func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := global.Load(path)
				if err != nil {
					logger.Warnf("[config] reload %s: %v", path, err)
					continue
				}
				logger.Infof("[config] reloaded %s", path)
				update(cfg)
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("[config] watcher error: %v", err)
			}
		}
	})

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}
