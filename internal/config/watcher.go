package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchSecretFile loads the TURN shared secret from path and invokes apply
// on every change, so coturn secret rotation propagates without a restart.
// Falls back to polling when fsnotify cannot watch the file.
func WatchSecretFile(ctx context.Context, path string, apply func(secret string), log zerolog.Logger) error {
	load := func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("reading secret file failed")
			return false
		}
		apply(strings.TrimSpace(string(raw)))
		return true
	}
	if !load() {
		return os.ErrNotExist
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(path)
	}
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, polling secret file")
		go pollSecretFile(ctx, load)
		return nil
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often replace rather than write; give the
					// new file a moment to land.
					time.Sleep(100 * time.Millisecond)
					if load() {
						log.Info().Str("path", path).Msg("secret reloaded")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("secret watcher error")
			}
		}
	}()
	return nil
}

func pollSecretFile(ctx context.Context, load func() bool) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}
