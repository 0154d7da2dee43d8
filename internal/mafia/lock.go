package mafia

import (
	"context"
	"fmt"
	"sync"
)

// KeyedLock serializes calls per key. Waiters are served in arrival order and
// a key's entry is dropped once nobody holds or waits for it.
type KeyedLock struct {
	mu   sync.Mutex
	keys map[string]*lockQueue
}

type lockQueue struct {
	held    bool
	waiters []chan struct{}
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{keys: make(map[string]*lockQueue)}
}

// Do runs fn while holding key. A panic or error in fn is returned to this
// caller only; the queue keeps moving.
func (l *KeyedLock) Do(ctx context.Context, key string, fn func() error) (err error) {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s: panic: %v", key, r)
		}
	}()
	return fn()
}

func (l *KeyedLock) acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	l.mu.Lock()
	q, ok := l.keys[key]
	if !ok {
		q = &lockQueue{}
		l.keys[key] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			l.mu.Unlock()
			return ErrAborted
		}
	}
	l.mu.Unlock()

	// The lock was handed over while we were giving up.
	l.release(key)
	return ErrAborted
}

func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	q.held = false
	delete(l.keys, key)
}

// Len reports how many keys are currently held or awaited.
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
