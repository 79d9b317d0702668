// Package prompts loads system prompts and intent prompt templates from disk,
// renders their {placeholder} variables, and hot-reloads them on change.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no prompt file exists for a name.
var ErrNotFound = errors.New("prompts: prompt not found")

// Loader reads `{name}.txt` system prompts from a directory and caches them.
type Loader struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l *zap.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:    dir,
		logger: zap.NewNop(),
		cache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the directory the loader reads from.
func (l *Loader) Dir() string { return l.dir }

// Get returns the content of `{name}.txt`.
func (l *Loader) Get(name string) (string, error) {
	l.mu.RLock()
	text, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return text, nil
	}

	path := filepath.Join(l.dir, name+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q not found in %q", ErrNotFound, name+".txt", l.dir)
		}
		return "", fmt.Errorf("prompts: read %s: %w", path, err)
	}

	text = string(data)
	l.mu.Lock()
	l.cache[name] = text
	l.mu.Unlock()
	l.logger.Info("prompt loaded", zap.String("prompt_name", name), zap.String("path", path))
	return text, nil
}

// Invalidate drops a cached prompt so the next Get rereads it.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

// Watch invalidates cached prompts whenever their files change. It returns
// once the watcher is installed; the watch loop stops when ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	return watchDir(ctx, l.dir, l.logger, func(file string) {
		ext := filepath.Ext(file)
		l.Invalidate(strings.TrimSuffix(filepath.Base(file), ext))
	})
}

func watchDir(ctx context.Context, dir string, logger *zap.Logger, onChange func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompts: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("prompts: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				onChange(evt.Name)
				logger.Debug("prompt file changed", zap.String("file", evt.Name), zap.String("op", evt.Op.String()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("prompt watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
