package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TipFunc resolves the current tip commit sha of the tracked upstream
// branch. Callers supply the actual git plumbing (e.g. `git ls-remote`);
// the watcher only knows how to poll it and diff against the last
// observed value.
type TipFunc func(ctx context.Context) (sha string, err error)

// MainBranchWatcher polls TipFunc on a cron schedule and broadcasts a
// main_branch_updated Alert whenever the tip sha changes.
type MainBranchWatcher struct {
	coord   *Coordinator
	tip     TipFunc
	cron    *cron.Cron
	mu      sync.Mutex
	lastSHA string
}

// NewMainBranchWatcher builds a watcher that broadcasts through coord.
// schedule is a standard 5-field cron expression (e.g. "*/5 * * * *" to
// poll every five minutes).
func NewMainBranchWatcher(coord *Coordinator, tip TipFunc, schedule string) (*MainBranchWatcher, error) {
	w := &MainBranchWatcher{coord: coord, tip: tip, cron: cron.New()}
	if _, err := w.cron.AddFunc(schedule, w.poll); err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins polling in the background. Stop halts it.
func (w *MainBranchWatcher) Start() { w.cron.Start() }

// Stop halts polling and waits for any in-flight poll to finish.
func (w *MainBranchWatcher) Stop() { <-w.cron.Stop().Done() }

func (w *MainBranchWatcher) poll() {
	ctx := context.Background()
	sha, err := w.tip(ctx)
	if err != nil {
		log.Printf("[coordinator] main branch watcher poll failed: %v", err)
		return
	}

	w.mu.Lock()
	changed := w.lastSHA != "" && w.lastSHA != sha
	first := w.lastSHA == ""
	w.lastSHA = sha
	w.mu.Unlock()

	if first || !changed {
		return
	}

	payload, _ := json.Marshal(MainBranchUpdate{CommitSHA: sha, Timestamp: time.Now()})
	if _, err := w.coord.Alert(ctx, mainBranchAlertSender, "main_branch_updated", json.RawMessage(payload)); err != nil {
		log.Printf("[coordinator] main branch watcher alert failed: %v", err)
	}
}
