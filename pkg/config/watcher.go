package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes and delivers each
// valid revision to subscribers. Invalid revisions are logged and skipped.
type Watcher struct {
	path     string
	debounce time.Duration
	load     func(string) (*Config, error)
	logger   *slog.Logger
	onReload func(success bool)

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// OnReload is called after every reload attempt.
	OnReload func(success bool)
}

// NewWatcher starts watching path. initial is the configuration already
// loaded from it.
func NewWatcher(path string, initial *Config, opts WatcherOptions) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		debounce: debounce,
		load:     Load,
		logger:   logger.With("component", "config_watcher", "path", absPath),
		onReload: opts.OnReload,
		current:  initial,
		watcher:  fw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives every later valid revision. A
// slow subscriber only misses intermediate revisions.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					w.reload()
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load(w.path)
	if w.onReload != nil {
		w.onReload(err == nil)
	}
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]chan *Config, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		// Replace an undelivered revision with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
	w.logger.Info("configuration reloaded")
}
