package memory

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Second

// Window is an in-process dedup window. Entries carry their own expiry and a
// janitor goroutine drops the dead ones; lookups never trust an expired entry
// even if the janitor has not run yet.
type Window struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New starts a window whose janitor runs every sweep (1s when sweep <= 0).
func New(sweep time.Duration) *Window {
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	w := &Window{
		entries: make(map[string]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.janitor(sweep)
	return w
}

func (w *Window) janitor(every time.Duration) {
	defer close(w.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.sweep()
		}
	}
}

func (w *Window) sweep() {
	now := w.now()
	w.mu.Lock()
	for k, exp := range w.entries {
		if !now.Before(exp) {
			delete(w.entries, k)
		}
	}
	w.mu.Unlock()
}

func (w *Window) Seen(_ context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.entries[key]
	return ok && w.now().Before(exp), nil
}

func (w *Window) Register(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if exp, ok := w.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	w.entries[key] = now.Add(ttl)
	return true, nil
}

func (w *Window) Release(_ context.Context, key string) error {
	w.mu.Lock()
	delete(w.entries, key)
	w.mu.Unlock()
	return nil
}

// Len counts live and not-yet-swept entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close stops the janitor and waits for it. Safe to call more than once.
func (w *Window) Close() error {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
	})
	return nil
}
