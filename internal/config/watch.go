package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	current  *GlobalConfig
	onChange func(cfg *GlobalConfig, ev fsnotify.Event)
	onError  func(err error)
}

// NewWatcher loads path and starts watching it. onChange runs on the
// viper watch goroutine after every successful reload; a reload that
// fails validation keeps the previous configuration and calls onError.
func NewWatcher(path string, onChange func(*GlobalConfig, fsnotify.Event), onError func(error)) (*Watcher, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, current: cfg, onChange: onChange, onError: onError}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	return w, nil
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *GlobalConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	cfg, err := decode(w.v)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(cfg, ev)
	}
}
