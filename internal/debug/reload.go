package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Validator checks reloaded source before it is accepted; typically an
// engine's Load.
type Validator func(code string) error

// ReloadEvent reports one watched-file change. Err is set when the new
// content was rejected; Code carries the accepted source otherwise.
type ReloadEvent struct {
	Path string
	Code string
	Err  error
}

// Reloader watches script files and re-validates them on change. Bad
// versions surface as diagnostics without replacing the last good one.
type Reloader struct {
	watcher  *fsnotify.Watcher
	validate Validator
	maxBytes int64
	log      *zap.Logger

	events chan ReloadEvent

	mu      sync.Mutex
	watched map[string]bool

	reloads sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// NewReloader starts a reloader. maxBytes caps accepted file sizes;
// <= 0 means no cap.
func NewReloader(validate Validator, maxBytes int64, log *zap.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("debug: start watcher: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reloader{
		watcher:  watcher,
		validate: validate,
		maxBytes: maxBytes,
		log:      log,
		events:   make(chan ReloadEvent, 16),
		watched:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	go func() {
		r.loop()
		// Debounce timers scheduled by the loop may still fire; wait them
		// out before closing the channel.
		r.reloads.Wait()
		close(r.events)
	}()
	return r, nil
}

// Events delivers reload outcomes, both accepted and rejected.
func (r *Reloader) Events() <-chan ReloadEvent { return r.events }

// Watch adds a file to the watch set.
func (r *Reloader) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	// watch the directory: editors replace files on save, which drops
	// per-file watches
	if err := r.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("debug: watch %s: %w", abs, err)
	}
	r.mu.Lock()
	r.watched[abs] = true
	r.mu.Unlock()
	return nil
}

// Unwatch removes a file from the watch set.
func (r *Reloader) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.watched, abs)
	r.mu.Unlock()
}

func (r *Reloader) loop() {
	// coalesce bursts: editors fire several events per save
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			r.mu.Lock()
			tracked := r.watched[abs]
			r.mu.Unlock()
			if !tracked {
				continue
			}
			pendingMu.Lock()
			if t, ok := pending[abs]; ok {
				if t.Stop() {
					r.reloads.Done()
				}
			}
			r.reloads.Add(1)
			pending[abs] = time.AfterFunc(50*time.Millisecond, func() {
				defer r.reloads.Done()
				pendingMu.Lock()
				delete(pending, abs)
				pendingMu.Unlock()
				r.reload(abs)
			})
			pendingMu.Unlock()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("watcher error", zap.Error(err))
		case <-r.done:
			return
		}
	}
}

func (r *Reloader) reload(path string) {
	emit := func(ev ReloadEvent) {
		select {
		case r.events <- ev:
		case <-r.done:
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		emit(ReloadEvent{Path: path, Err: fmt.Errorf("stat: %w", err)})
		return
	}
	if r.maxBytes > 0 && info.Size() > r.maxBytes {
		emit(ReloadEvent{Path: path, Err: fmt.Errorf("file is %d bytes, reload cap is %d", info.Size(), r.maxBytes)})
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		emit(ReloadEvent{Path: path, Err: fmt.Errorf("read: %w", err)})
		return
	}
	code := string(data)
	if r.validate != nil {
		if err := r.validate(code); err != nil {
			r.log.Info("reload rejected", zap.String("path", path), zap.Error(err))
			emit(ReloadEvent{Path: path, Err: err})
			return
		}
	}
	r.log.Info("reload accepted", zap.String("path", path), zap.Int("bytes", len(data)))
	emit(ReloadEvent{Path: path, Code: code})
}

// Close stops watching. The events channel closes after the loop exits.
func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.watcher.Close()
	})
	return err
}
