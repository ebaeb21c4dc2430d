package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PromptFile is a system prompt read from disk. Text always returns the
// last successfully read content, or the fallback if the file never read.
type PromptFile struct {
	path     string
	fallback string

	mu   sync.RWMutex
	text string
}

// NewPromptFile reads path. The returned PromptFile is usable even when the
// first read fails; the error is returned for logging.
func NewPromptFile(path, fallback string) (*PromptFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	p := &PromptFile{path: abs, fallback: fallback, text: fallback}
	return p, p.Reload()
}

// Path returns the absolute path of the prompt file.
func (p *PromptFile) Path() string { return p.path }

// Text returns the current prompt.
func (p *PromptFile) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Reload rereads the file. On failure the previous text is kept. An empty
// file selects the fallback.
func (p *PromptFile) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		text = p.fallback
	}
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	return nil
}

// PromptWatcher reloads prompt files when they change on disk. It watches
// the parent directories so editors that replace files by rename are seen.
type PromptWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string][]*PromptFile
	debounce time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// WatchPrompts starts watching files until ctx ends or Close is called.
func WatchPrompts(ctx context.Context, files []*PromptFile, logger *slog.Logger) (*PromptWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &PromptWatcher{
		watcher:  watcher,
		files:    make(map[string][]*PromptFile),
		debounce: 250 * time.Millisecond,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
	dirs := map[string]bool{}
	for _, f := range files {
		w.files[f.Path()] = append(w.files[f.Path()], f)
		dir := filepath.Dir(f.Path())
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Close stops watching.
func (w *PromptWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *PromptWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, watched := w.files[path]; watched {
				w.schedule(path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("prompt watch error", "error", err)
		}
	}
}

func (w *PromptWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		for _, f := range w.files[path] {
			if err := f.Reload(); err != nil {
				w.logger.Warn("system prompt reload failed", "path", path, "error", err)
				continue
			}
			w.logger.Info("system prompt reloaded", "path", path)
		}
	})
}
