package httpclient

import (
	"context"
	"sync"
)

// KeyedLimiter bounds in-flight requests per key. The prober keys it by
// registrable domain so one huge host block in the input cannot occupy
// every worker while its server drips bytes.
//
// Semaphores are created lazily per key and never reclaimed; the key space
// is the input's domain set, which is small relative to its URL set.
type KeyedLimiter struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// NewKeyedLimiter returns a limiter allowing limit concurrent holders per
// key. A limit below 1 is raised to 1.
func NewKeyedLimiter(limit int) *KeyedLimiter {
	if limit < 1 {
		limit = 1
	}
	return &KeyedLimiter{
		sems:  make(map[string]chan struct{}),
		limit: limit,
	}
}

// Acquire blocks until a slot for key is free or ctx is done. On success it
// returns a release func and true; on cancellation it returns nil and false
// and the caller holds nothing.
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) (func(), bool) {
	sem := l.semFor(key)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (l *KeyedLimiter) semFor(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, l.limit)
		l.sems[key] = s
	}
	return s
}
