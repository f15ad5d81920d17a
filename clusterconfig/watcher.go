package clusterconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the old and new Config after a
// successful reload.
type ChangeCallback func(oldConfig, newConfig *Config)

// Watcher reloads a cluster configuration file whenever it changes on
// disk, debouncing rapid successive writes. Grounded on
// najoast-sngo/config's Watcher; unlike mesh's own components, this
// package assumes it's running in one process per node, which is true
// regardless of whether that node's Bootstrap uses Run or RunForked.
type Watcher struct {
	filename string
	loader   *Loader

	mu     sync.RWMutex
	config *Config

	callbacksMu sync.RWMutex
	callbacks   []ChangeCallback

	fsWatcher *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    func(format string, args ...interface{})
}

// NewWatcher loads filename once via loader and prepares to watch it for
// further changes.
func NewWatcher(filename string, loader *Loader) (*Watcher, error) {
	cfg, err := loader.Load(filename)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("clusterconfig: creating file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		filename:  filename,
		loader:    loader,
		config:    cfg,
		fsWatcher: fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
		logger:    func(string, ...interface{}) {},
	}, nil
}

// SetLogger routes the watcher's own diagnostics through fn instead of
// discarding them.
func (w *Watcher) SetLogger(fn func(format string, args ...interface{})) {
	w.logger = fn
}

// Start begins watching the configuration file for changes.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.filename); err != nil {
		return fmt.Errorf("clusterconfig: watching %s: %w", w.filename, err)
	}
	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop cancels the watch and releases the underlying inotify/kqueue
// handle.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback fired after every successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	const debounce = 300 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger("clusterconfig: watch error: %s", err)
		}
	}
}

func (w *Watcher) reload() {
	newCfg, err := w.loader.Load(w.filename)
	if err != nil {
		w.logger("clusterconfig: reload of %s failed: %s", w.filename, err)
		return
	}

	w.mu.Lock()
	oldCfg := w.config
	w.config = newCfg
	w.mu.Unlock()

	w.callbacksMu.RLock()
	callbacks := append([]ChangeCallback{}, w.callbacks...)
	w.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}
