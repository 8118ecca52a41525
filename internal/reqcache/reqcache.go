// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reqcache implements a cache scoped to a single request.
//
// It collapses duplicate concurrent computations of the same key within one
// unit of work: the first caller starts the computation, concurrent callers
// for the same key await and share the same result. The cache is installed
// into the context by the RPC prelude and discarded together with it, so
// nothing leaks across requests.
package reqcache

import (
	"context"
	"sync"
)

var cacheKey = "reqcache"

type entry struct {
	done chan struct{} // closed once the computation finished
	val  any
	err  error
}

// Cache holds in-flight and resolved computations of one unit of work.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Use installs a new empty Cache into the context.
func Use(ctx context.Context) context.Context {
	return context.WithValue(ctx, &cacheKey, &Cache{entries: map[string]*entry{}})
}

// cacheOf returns the Cache in the context or nil if there isn't one.
func cacheOf(ctx context.Context) *Cache {
	c, _ := ctx.Value(&cacheKey).(*Cache)
	return c
}

// GetOrCreate returns the cached result of the computation under the given
// key, running fn if this is the first call for the key in this unit of work.
//
// Concurrent callers for the same key block until the first caller's fn
// returns and then share its result. A resolved entry is never recomputed
// within the same unit of work, even if fn returned an error. If the context
// carries no cache (e.g. in auxiliary tooling), fn is called directly.
func GetOrCreate(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	c := cacheOf(ctx)
	if c == nil {
		return fn()
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{done: make(chan struct{})}
		c.entries[key] = e
	}
	c.mu.Unlock()

	if ok {
		select {
		case <-e.done:
			return e.val, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.val, e.err = fn()
	close(e.done)
	return e.val, e.err
}
