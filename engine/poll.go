package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PollGroups returns the polled entries keyed by interval
func (e *Engine) PollGroups() map[time.Duration][]*Entry {
	groups := make(map[time.Duration][]*Entry)
	for _, entry := range e.entries {
		interval := entry.Field.PollInterval
		if interval <= 0 || !entry.Field.Readable() {
			continue
		}
		groups[interval] = append(groups[interval], entry)
	}
	return groups
}

// Poll re-reads every field that declares a poll interval until ctx is done.
// Each distinct interval runs on its own ticker. Read failures are logged and
// the field is tried again on the next tick.
func (e *Engine) Poll(ctx context.Context) {
	groups := e.PollGroups()
	if len(groups) == 0 {
		<-ctx.Done()
		return
	}

	intervals := make([]time.Duration, 0, len(groups))
	for interval := range groups {
		intervals = append(intervals, interval)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	var wg sync.WaitGroup
	for _, interval := range intervals {
		wg.Add(1)
		go func(interval time.Duration, entries []*Entry) {
			defer wg.Done()
			e.pollLoop(ctx, interval, entries)
		}(interval, groups[interval])
	}

	slog.Info("Register polling started", "groups", len(intervals))
	wg.Wait()
	slog.Info("Register polling stopped")
}

func (e *Engine) pollLoop(ctx context.Context, interval time.Duration, entries []*Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.PollOnce(ctx, entries)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PollOnce(ctx, entries)
		}
	}
}

// PollOnce reads entries once, caching and publishing each value
func (e *Engine) PollOnce(ctx context.Context, entries []*Entry) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		v, err := e.read(entry)
		if err != nil {
			slog.Warn("Poll read failed", "path", entry.Path, "error", err)
			continue
		}
		e.publish(v)
	}
}
