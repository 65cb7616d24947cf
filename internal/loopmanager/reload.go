package loopmanager

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskdaemon/taskdaemon/internal/looptype"
)

// reloadDebounce coalesces bursts of filesystem events (e.g. an editor's
// save-via-rename) into a single reload, mirroring the debounce pattern
// the pack's own fsnotify-backed hot-reloaders use.
const reloadDebounce = 250 * time.Millisecond

// LoopTypes is an atomically-swappable looptype registry. It satisfies
// loopengine.LoopTypeProvider, so an Engine can keep calling Get while
// SIGHUP-triggered reloads swap the registry underneath it without any
// lock in the hot path.
type LoopTypes struct {
	ptr atomic.Pointer[looptype.Registry]
}

// NewLoopTypes discovers the initial registry and wraps it.
func NewLoopTypes(userDir, projectDir string) (*LoopTypes, error) {
	r, err := looptype.Discover(userDir, projectDir)
	if err != nil {
		return nil, err
	}
	lt := &LoopTypes{}
	lt.ptr.Store(r)
	return lt, nil
}

func (lt *LoopTypes) Get(name string) (looptype.Definition, bool) {
	return lt.ptr.Load().Get(name)
}

// Reload re-runs Discover and swaps the active registry.
func (lt *LoopTypes) Reload(userDir, projectDir string) error {
	r, err := looptype.Discover(userDir, projectDir)
	if err != nil {
		return err
	}
	lt.ptr.Store(r)
	return nil
}

// WatchDirs watches userDir/projectDir for changes and reloads on any
// create/write/remove/rename event, debounced, until ctx is done. Either
// directory may be empty, in which case it is skipped (mirroring
// Discover's own treatment of unset directories).
func (lt *LoopTypes) WatchDirs(ctx context.Context, userDir, projectDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, projectDir} {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Printf("[loopmanager] watching loop-type dir %s: %v", dir, err)
		}
	}

	go lt.watchLoop(ctx, watcher, userDir, projectDir)
	return nil
}

func (lt *LoopTypes) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, userDir, projectDir string) {
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if err := lt.Reload(userDir, projectDir); err != nil {
				log.Printf("[loopmanager] reloading loop types: %v", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[loopmanager] loop-type watch error: %v", err)
		}
	}
}
