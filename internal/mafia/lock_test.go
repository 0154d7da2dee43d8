package mafia

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waiters(l *KeyedLock, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.keys[key]; ok {
		return len(q.waiters)
	}
	return 0
}

func TestKeyedLock_Scenarios(t *testing.T) {
	type scenario struct {
		name string
		run  func(t *testing.T)
	}

	cases := []scenario{
		{
			name: "waiters run in arrival order",
			run: func(t *testing.T) {
				l := NewKeyedLock()
				ctx := context.Background()
				hold := make(chan struct{})
				go func() {
					_ = l.Do(ctx, "s1", func() error {
						<-hold
						return nil
					})
				}()
				require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)

				var mu sync.Mutex
				var order []int
				var wg sync.WaitGroup
				for i := 0; i < 5; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_ = l.Do(ctx, "s1", func() error {
							mu.Lock()
							order = append(order, i)
							mu.Unlock()
							return nil
						})
					}(i)
					require.Eventually(t, func() bool { return waiters(l, "s1") == i+1 }, time.Second, time.Millisecond)
				}

				close(hold)
				wg.Wait()
				assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
				assert.Equal(t, 0, l.Len(), "entry is dropped once idle")
			},
		},
		{
			name: "a failing or panicking caller does not affect the next one",
			run: func(t *testing.T) {
				l := NewKeyedLock()
				ctx := context.Background()
				boom := errors.New("boom")

				require.ErrorIs(t, l.Do(ctx, "s1", func() error { return boom }), boom)
				err := l.Do(ctx, "s1", func() error { panic("bad state") })
				require.Error(t, err)
				assert.Contains(t, err.Error(), "bad state")

				ran := false
				require.NoError(t, l.Do(ctx, "s1", func() error {
					ran = true
					return nil
				}))
				assert.True(t, ran)
				assert.Equal(t, 0, l.Len())
			},
		},
		{
			name: "different keys do not block each other",
			run: func(t *testing.T) {
				l := NewKeyedLock()
				ctx := context.Background()
				hold := make(chan struct{})
				defer close(hold)
				go func() {
					_ = l.Do(ctx, "s1", func() error {
						<-hold
						return nil
					})
				}()
				require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)

				done := make(chan error, 1)
				go func() { done <- l.Do(ctx, "s2", func() error { return nil }) }()
				select {
				case err := <-done:
					require.NoError(t, err)
				case <-time.After(time.Second):
					t.Fatal("s2 blocked behind s1")
				}
			},
		},
		{
			name: "cancelled waiter gives up with ErrAborted and leaves the queue",
			run: func(t *testing.T) {
				l := NewKeyedLock()
				hold := make(chan struct{})
				go func() {
					_ = l.Do(context.Background(), "s1", func() error {
						<-hold
						return nil
					})
				}()
				require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)

				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan error, 1)
				go func() { done <- l.Do(ctx, "s1", func() error { return nil }) }()
				require.Eventually(t, func() bool { return waiters(l, "s1") == 1 }, time.Second, time.Millisecond)

				cancel()
				require.ErrorIs(t, <-done, ErrAborted)
				assert.Equal(t, 0, waiters(l, "s1"))

				close(hold)
				require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, time.Millisecond)
			},
		},
		{
			name: "concurrent increments are serialized",
			run: func(t *testing.T) {
				l := NewKeyedLock()
				ctx := context.Background()
				counter := 0
				var wg sync.WaitGroup
				for i := 0; i < 200; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_ = l.Do(ctx, "s1", func() error {
							counter++
							return nil
						})
					}()
				}
				wg.Wait()
				assert.Equal(t, 200, counter)
				assert.Equal(t, 0, l.Len())
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}
