package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"castor/internal/utils"
)

// Watch reloads the configuration whenever the file is rewritten and hands
// the result to onChange. Invalid files are logged and skipped so a botched
// edit never takes the daemon down. The returned function stops the watcher.
func Watch(path string, logger *utils.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files on save,
	// which would otherwise drop the watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Error("Ignoring invalid config update:", err)
					continue
				}
				logger.Info("Configuration file changed, applying runtime settings")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Config watcher error:", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
