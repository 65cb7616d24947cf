package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMainBranchWatcherAlertsOnChange(t *testing.T) {
	c := openTestCoordinator(t)
	inbox, _ := c.Register("watcher-subscriber")

	var sha atomic.Value
	sha.Store("sha-1")
	w, err := NewMainBranchWatcher(c, func(ctx context.Context) (string, error) {
		return sha.Load().(string), nil
	}, "@every 1s")
	if err != nil {
		t.Fatalf("NewMainBranchWatcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	// cron runs @every schedules on whole-second boundaries, so the first
	// poll has run by now; it just seeds lastSHA, so no alert is expected yet.
	time.Sleep(1500 * time.Millisecond)
	select {
	case <-inbox:
		t.Fatal("did not expect an alert on the first poll")
	default:
	}

	sha.Store("sha-2")

	select {
	case msg := <-inbox:
		if msg.DataType != "main_branch_updated" {
			t.Fatalf("unexpected data type: %s", msg.DataType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a main_branch_updated alert after the sha changed")
	}
}
