// Package coalesce deduplicates concurrent origin work per cache key. The
// first caller for a key becomes the leader and runs the fetch; everyone else
// becomes a follower and shares the leader's outcome. Background
// revalidations are deduplicated separately, one per key at a time.
package coalesce

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Result is the leader's published outcome, opaque to this package.
type Result struct {
	Value any
	Err   error
}

type slot struct {
	mu     sync.Mutex
	refs   int
	done   chan struct{}
	result Result
	cancel context.CancelFunc
}

// Coalescer owns the per-key slot table. The zero value is not usable; use
// New.
type Coalescer struct {
	mu    sync.Mutex
	slots map[string]*slot

	background singleflight.Group
}

func New() *Coalescer {
	return &Coalescer{slots: make(map[string]*slot)}
}

// Do runs fn at most once across all concurrent callers of key. The return
// reports the shared result and whether this caller was the leader.
//
// fn receives a context detached from any single caller: it is cancelled only
// when every waiter has gone away, so a leader whose client disconnects keeps
// working as long as a follower remains. Callers whose own ctx ends get that
// ctx's error while the in-flight work continues for the survivors.
func (c *Coalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) Result) (Result, bool, error) {
	c.mu.Lock()
	s, inflight := c.slots[key]
	if !inflight {
		fnCtx, cancel := context.WithCancel(context.Background())
		s = &slot{refs: 1, done: make(chan struct{}), cancel: cancel}
		c.slots[key] = s
		c.mu.Unlock()

		go func() {
			result := fn(fnCtx)
			s.mu.Lock()
			s.result = result
			s.mu.Unlock()
			close(s.done)

			c.mu.Lock()
			delete(c.slots, key)
			c.mu.Unlock()
			cancel()
		}()

		result, err := c.wait(ctx, s)
		return result, true, err
	}

	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	c.mu.Unlock()

	result, err := c.wait(ctx, s)
	return result, false, err
}

func (c *Coalescer) wait(ctx context.Context, s *slot) (Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		s.mu.Lock()
		s.refs--
		abandoned := s.refs == 0
		s.mu.Unlock()
		if abandoned {
			// nobody is waiting anymore; abort the fetch
			s.cancel()
		}
		return Result{}, ctx.Err()
	}
}

// Background runs fn for key unless a background run for that key is already
// in flight, in which case the call is a no-op. fn runs detached from the
// caller.
func (c *Coalescer) Background(key string, fn func()) {
	c.background.DoChan(key, func() (any, error) {
		fn()
		return nil, nil
	})
}
