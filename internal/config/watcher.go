package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands each
// successfully validated result to onChange. Invalid edits are logged and skipped.
// Watch returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log.Info().Str("path", path).Msg("Started watching config file for changes")

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target && filepath.Base(event.Name) != ".env" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				// Debounce - wait a bit for write to complete
				time.Sleep(reloadDebounce)

				cfg, err := Load(path)
				if err != nil {
					log.Error().Err(err).Str("path", path).Msg("Config reload failed, keeping previous config")
					continue
				}
				log.Info().Str("event", event.Op.String()).Msg("Reloaded config")
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Config watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
