package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/audit"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/secrets"
)

// Store holds the current configuration snapshot. Readers call Snapshot and
// keep using the returned pointer for the duration of their request; a hot
// reload swaps the pointer atomically and never mutates a published Config.
type Store struct {
	current  atomic.Pointer[Config]
	path     string
	resolver secrets.Provider
	emitter  *audit.Emitter

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewStore creates a store around an already-loaded configuration.
func NewStore(cfg *Config, path string, resolver secrets.Provider, sink audit.Sink) *Store {
	s := &Store{
		path:     path,
		resolver: resolver,
		emitter:  audit.NewEmitter("config", sink),
	}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned value is
// immutable; in-flight requests keep the snapshot they started with.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Subscribe registers a callback invoked with each successfully swapped
// configuration. Callbacks run on the watcher goroutine and must be quick.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reload loads the file again and swaps the snapshot if the whole document
// validates. A failed reload leaves the current snapshot untouched.
func (s *Store) Reload(ctx context.Context) error {
	cfg, err := Load(ctx, s.path, s.resolver)
	if err != nil {
		s.emitter.Emit(ctx, "", audit.ActionConfigReloaded, false, map[string]any{
			audit.MetaErrorDetail: err.Error(),
		})
		return err
	}
	s.current.Store(cfg)
	s.emitter.Emit(ctx, "", audit.ActionConfigReloaded, true, nil)

	s.mu.Lock()
	subs := make([]func(*Config), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Watch starts a file watcher that reloads on changes until ctx is done.
// Editors and orchestrators replace config files via rename, so Create and
// Rename events on the path trigger a reload as well as Write.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(ctx); err != nil {
					logger.Errorw("configuration reload rejected; keeping previous snapshot",
						"path", s.path, "error", err)
					continue
				}
				logger.Infow("configuration reloaded", "path", s.path)
				// Re-arm the watch after rename-style replacement.
				_ = watcher.Add(s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("configuration watcher error", "error", err)
			}
		}
	}()
	return nil
}
