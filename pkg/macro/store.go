package macro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// scriptExt is the file extension macros carry on disk.
const scriptExt = ".star"

// Store keeps the macros directory mirrored in memory. Macros are named
// .star files; a filesystem watcher keeps the name->source map fresh so
// submitting a just-saved macro needs no restart.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	sources map[string]string
}

// NewStore creates a store over dir and loads its current contents.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		dir:     dir,
		logger:  logger.With().Str("component", "macro-store").Str("dir", dir).Logger(),
		sources: make(map[string]string),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the source of a named macro.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	return src, ok
}

// List returns the known macro names, unordered.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	return names
}

// Watch mirrors directory changes into the store until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create macro watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch macro dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Macro watcher error")
		}
	}
}

func (s *Store) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, scriptExt) {
		return
	}
	name := strings.TrimSuffix(filepath.Base(event.Name), scriptExt)

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		s.mu.Lock()
		delete(s.sources, name)
		s.mu.Unlock()
		s.logger.Debug().Str("macro", name).Msg("Macro removed")

	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			s.logger.Warn().Err(err).Str("macro", name).Msg("Failed to read macro")
			return
		}
		s.mu.Lock()
		s.sources[name] = string(data)
		s.mu.Unlock()
		s.logger.Debug().Str("macro", name).Msg("Macro loaded")
	}
}

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read macro dir %s: %w", s.dir, err)
	}

	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), scriptExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read macro %s: %w", entry.Name(), err)
		}
		sources[strings.TrimSuffix(entry.Name(), scriptExt)] = string(data)
	}

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()
	return nil
}
