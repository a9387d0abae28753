// Package singleflight provides a generic, minimal duplicate-call
// suppression mechanism, in the spirit of (and API-compatible in shape
// with) golang.org/x/sync/singleflight, generified over key and value
// types so it can back [github.com/quay/latexd/internal/cache.Live].
package singleflight

import "sync"

// Result is the outcome of a call, delivered on the channel returned by
// DoChan.
type Result[V any] struct {
	Val V
	Err error
}

// Group suppresses duplicate concurrent calls sharing the same key.
//
// The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// DoChan executes and returns the results of fn, making sure only one
// execution is in flight for a given key at a time. The returned channel
// receives exactly one Result.
func (g *Group[K, V]) DoChan(key K, fn func() (*V, error)) <-chan Result[V] {
	ch := make(chan Result[V], 1)

	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		go func() {
			c.wg.Wait()
			ch <- Result[V]{Val: c.val, Err: c.err}
		}()
		return ch
	}
	c := new(call[V])
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		var v *V
		v, c.err = fn()
		if v != nil {
			c.val = *v
		}
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		c.wg.Done()
		ch <- Result[V]{Val: c.val, Err: c.err}
	}()

	return ch
}

// Forget removes a key from the group, so the next call for that key will
// execute fn rather than share an in-flight call's result.
//
// Call sites that abandon a DoChan wait (e.g. on context cancellation) call
// this so a later retry isn't stuck waiting on a call it gave up on.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.m, key)
}
