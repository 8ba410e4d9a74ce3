package api

import (
	"context"
	"sync"
	"time"
)

// TimeWindowTracker counts hits per key inside a sliding time window
// and reports when a key reaches the configured threshold.
type TimeWindowTracker[T any] struct {
	entries     map[string]*TimeWindowEntry[T]
	mutex       sync.Mutex
	window      time.Duration
	maxHits     int
	onThreshold func(key string, entry TimeWindowEntry[T])
	now         func() time.Time
}

// TimeWindowEntry is the tracked state of one key
type TimeWindowEntry[T any] struct {
	Key       string
	Data      T
	HitCount  int
	FirstSeen time.Time
	LastSeen  time.Time
}

// TimeWindowConfig configures the time window tracker
type TimeWindowConfig struct {
	TimeWindow time.Duration
	MaxHits    int
}

// NewTimeWindowTracker creates a new time window tracker.
// onThreshold runs synchronously on the goroutine calling Track.
func NewTimeWindowTracker[T any](cfg TimeWindowConfig, onThreshold func(key string, entry TimeWindowEntry[T])) *TimeWindowTracker[T] {
	if cfg.MaxHits <= 0 {
		cfg.MaxHits = 1
	}
	return &TimeWindowTracker[T]{
		entries:     make(map[string]*TimeWindowEntry[T]),
		window:      cfg.TimeWindow,
		maxHits:     cfg.MaxHits,
		onThreshold: onThreshold,
		now:         time.Now,
	}
}

// Run evicts expired entries until ctx is done
func (t *TimeWindowTracker[T]) Run(ctx context.Context) {
	interval := t.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evict()
		}
	}
}

// Track records a hit for key and reports whether it reached the threshold.
// The hit count resets once the threshold fires or the window expires.
func (t *TimeWindowTracker[T]) Track(key string, data T) bool {
	now := t.now()

	t.mutex.Lock()
	entry, exists := t.entries[key]
	if !exists || now.Sub(entry.LastSeen) > t.window {
		entry = &TimeWindowEntry[T]{Key: key, FirstSeen: now}
		t.entries[key] = entry
	}
	entry.Data = data
	entry.LastSeen = now
	entry.HitCount++

	reached := entry.HitCount >= t.maxHits
	snapshot := *entry
	if reached {
		delete(t.entries, key)
	}
	t.mutex.Unlock()

	if reached && t.onThreshold != nil {
		t.onThreshold(key, snapshot)
	}
	return reached
}

// Get returns the live entry for key
func (t *TimeWindowTracker[T]) Get(key string) (TimeWindowEntry[T], bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entry, exists := t.entries[key]
	if !exists || t.now().Sub(entry.LastSeen) > t.window {
		return TimeWindowEntry[T]{}, false
	}
	return *entry, true
}

// Reset forgets key
func (t *TimeWindowTracker[T]) Reset(key string) {
	t.mutex.Lock()
	delete(t.entries, key)
	t.mutex.Unlock()
}

func (t *TimeWindowTracker[T]) evict() {
	cutoff := t.now().Add(-t.window)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	for key, entry := range t.entries {
		if entry.LastSeen.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
