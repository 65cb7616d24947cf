package loopengine

import (
	"fmt"
	"strings"
)

// progressEntryCap bounds a single iteration's excerpt in the rolling
// progress field; progressWindow bounds how many iterations are kept,
// and progressByteCap bounds the total serialized size, all per
// spec.md §4.7 step 7.
const (
	progressEntryCap  = 500
	progressWindow    = 5
	progressByteCap   = 2500
	progressSeparator = "\n---\n"
)

// appendProgress folds a new iteration's excerpt into the rolling
// progress text, keeping at most the last progressWindow entries and
// progressByteCap total bytes.
func appendProgress(existing string, iteration int, excerpt string) string {
	excerpt = strings.TrimSpace(excerpt)
	if len(excerpt) > progressEntryCap {
		excerpt = excerpt[:progressEntryCap] + "…"
	}
	entry := fmt.Sprintf("[iter %d] %s", iteration, excerpt)

	var entries []string
	if existing != "" {
		entries = strings.Split(existing, progressSeparator)
	}
	entries = append(entries, entry)
	if len(entries) > progressWindow {
		entries = entries[len(entries)-progressWindow:]
	}

	joined := strings.Join(entries, progressSeparator)
	for len(joined) > progressByteCap && len(entries) > 1 {
		entries = entries[1:]
		joined = strings.Join(entries, progressSeparator)
	}
	return joined
}
