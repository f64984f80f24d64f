// Package memory holds a process-local counter adapter for development and
// tests. It is not suitable as the shared store behind multiple replicas:
// each process would count independently.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrInvalidWindow = errors.New("memory counter: window must be greater than zero")

type counterEntry struct {
	count   int64
	expires time.Time
}

type Adapter struct {
	mu      sync.Mutex
	entries map[string]counterEntry

	now func() time.Time
}

func NewAdapter() *Adapter {
	return &Adapter{
		entries: map[string]counterEntry{},
		now:     time.Now,
	}
}

func (a *Adapter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if key == "" {
		return 0, 0, errors.New("memory counter: key is required")
	}
	if window <= 0 {
		return 0, 0, ErrInvalidWindow
	}

	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[key]
	if !ok || !now.Before(entry.expires) {
		entry = counterEntry{expires: now.Add(window)}
	}
	entry.count++
	a.entries[key] = entry

	return entry.count, entry.expires.Sub(now), nil
}

func (a *Adapter) Get(ctx context.Context, key string) (int64, error) {
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[key]
	if !ok {
		return 0, nil
	}
	if !now.Before(entry.expires) {
		delete(a.entries, key)
		return 0, nil
	}

	return entry.count, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	delete(a.entries, key)
	a.mu.Unlock()
	return nil
}
