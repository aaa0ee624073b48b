package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindow counts actions per key in aligned windows. It guards inbound
// socket commands, where the key is the connection id.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	size    time.Duration
	now     func() time.Time

	cleanupTick *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

type FixedWindowOption func(*FixedWindow)

func WithWindowClock(now func() time.Time) FixedWindowOption {
	return func(fw *FixedWindow) { fw.now = now }
}

func NewFixedWindow(limit int, size time.Duration, opts ...FixedWindowOption) *FixedWindow {
	if size <= 0 {
		size = time.Second
	}
	fw := &FixedWindow{
		windows:     make(map[string]*window),
		limit:       limit,
		size:        size,
		now:         time.Now,
		cleanupTick: time.NewTicker(max(size, time.Minute)),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	go fw.startCleanup()
	return fw
}

// Allow records one action for key. When the window is full it reports how
// long until the next one opens.
func (fw *FixedWindow) Allow(key string) (bool, time.Duration) {
	if fw.limit <= 0 {
		return true, 0
	}

	now := fw.now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	w, ok := fw.windows[key]
	if !ok || !now.Before(w.resetAt) {
		fw.windows[key] = &window{
			count:   1,
			resetAt: now.Truncate(fw.size).Add(fw.size),
		}
		return true, 0
	}

	if w.count >= fw.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// Forget drops the state of a key, e.g. once its connection closes.
func (fw *FixedWindow) Forget(key string) {
	fw.mu.Lock()
	delete(fw.windows, key)
	fw.mu.Unlock()
}

func (fw *FixedWindow) startCleanup() {
	for {
		select {
		case <-fw.cleanupTick.C:
			fw.cleanup()
		case <-fw.done:
			return
		}
	}
}

func (fw *FixedWindow) cleanup() {
	now := fw.now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	for key, w := range fw.windows {
		if !now.Before(w.resetAt) {
			delete(fw.windows, key)
		}
	}
}

func (fw *FixedWindow) Close() {
	fw.closeOnce.Do(func() {
		close(fw.done)
		fw.cleanupTick.Stop()
	})
}
