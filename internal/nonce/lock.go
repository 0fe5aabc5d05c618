package nonce

import (
	"context"
	"sync"
)

// queueLock is a mutex that hands ownership to waiters strictly in arrival
// order. A waiter whose context ends leaves the queue without taking the lock.
type queueLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *queueLock) lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// ownership was handed to us while we were giving up, pass it on
		l.unlock()
		return ctx.Err()
	}
}

func (l *queueLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	// held stays true, ownership moves to next
	close(next)
}

// queued returns the number of goroutines waiting for the lock
func (l *queueLock) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
