package httpclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLimiter_capsPerKey(t *testing.T) {
	const limit = 2
	l := NewKeyedLimiter(limit)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := l.Acquire(context.Background(), "cdn.example")
			if !ok {
				t.Error("Acquire failed without cancellation")
				return
			}
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()
	if peak > limit {
		t.Errorf("peak in-flight %d exceeds limit %d", peak, limit)
	}
}

func TestKeyedLimiter_keysAreIndependent(t *testing.T) {
	l := NewKeyedLimiter(1)
	relA, ok := l.Acquire(context.Background(), "a.example")
	if !ok {
		t.Fatal("first acquire on a.example failed")
	}
	defer relA()

	// A held slot on one key must not block another key.
	done := make(chan struct{})
	go func() {
		relB, ok := l.Acquire(context.Background(), "b.example")
		if ok {
			relB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire on b.example blocked behind a.example")
	}
}

func TestKeyedLimiter_cancelledAcquire(t *testing.T) {
	l := NewKeyedLimiter(1)
	release, ok := l.Acquire(context.Background(), "busy.example")
	if !ok {
		t.Fatal("first acquire failed")
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if rel, ok := l.Acquire(ctx, "busy.example"); ok {
		rel()
		t.Fatal("acquire succeeded on a full key with an expiring context")
	}
}
