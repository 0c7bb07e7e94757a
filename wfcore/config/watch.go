package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/flowcore/workflowengine/wfcore"
)

// Watch reloads cfgPath whenever it changes on disk and invokes onReload
// with the freshly parsed Config. It blocks until ctx is cancelled. A
// malformed file on reload is logged and ignored, leaving the previous
// Config in effect, rather than crashing a running engine over a typo.
func Watch(ctx context.Context, cfgPath string, logger wfcore.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(cfgPath); err != nil {
		return err
	}

	logger = wfcore.EnsureLogger(logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(cfgPath)
			if err != nil {
				logger.Warn("config reload failed, keeping previous configuration", map[string]interface{}{
					"path":  cfgPath,
					"error": err.Error(),
				})
				continue
			}
			logger.Info("configuration reloaded", map[string]interface{}{"path": cfgPath})
			onReload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
