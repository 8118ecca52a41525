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

package reqcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	ftt.Run("memoizes per key", t, func(t *ftt.Test) {
		ctx := Use(context.Background())

		calls := 0
		fn := func() (any, error) {
			calls++
			return "value", nil
		}

		v, err := GetOrCreate(ctx, "key", fn)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, v, should.Equal("value"))

		v, err = GetOrCreate(ctx, "key", fn)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, v, should.Equal("value"))
		assert.Loosely(t, calls, should.Equal(1))

		_, _ = GetOrCreate(ctx, "another", fn)
		assert.Loosely(t, calls, should.Equal(2))
	})

	ftt.Run("memoizes errors", t, func(t *ftt.Test) {
		ctx := Use(context.Background())

		calls := 0
		fn := func() (any, error) {
			calls++
			return nil, errors.New("boom")
		}

		_, err := GetOrCreate(ctx, "key", fn)
		assert.Loosely(t, err, should.ErrLike("boom"))
		_, err = GetOrCreate(ctx, "key", fn)
		assert.Loosely(t, err, should.ErrLike("boom"))
		assert.Loosely(t, calls, should.Equal(1))
	})

	ftt.Run("concurrent callers share one computation", t, func(t *ftt.Test) {
		ctx := Use(context.Background())

		var calls int64
		started := make(chan struct{})
		release := make(chan struct{})
		fn := func() (any, error) {
			atomic.AddInt64(&calls, 1)
			close(started)
			<-release
			return "shared", nil
		}

		var wg sync.WaitGroup
		results := make([]any, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = GetOrCreate(ctx, "key", fn)
			}(i)
		}

		<-started
		close(release)
		wg.Wait()

		assert.Loosely(t, atomic.LoadInt64(&calls), should.Equal(1))
		for _, r := range results {
			assert.Loosely(t, r, should.Equal("shared"))
		}
	})

	ftt.Run("separate units of work do not share", t, func(t *ftt.Test) {
		calls := 0
		fn := func() (any, error) {
			calls++
			return "v", nil
		}

		_, _ = GetOrCreate(Use(context.Background()), "key", fn)
		_, _ = GetOrCreate(Use(context.Background()), "key", fn)
		assert.Loosely(t, calls, should.Equal(2))
	})

	ftt.Run("no cache in context", t, func(t *ftt.Test) {
		v, err := GetOrCreate(context.Background(), "key", func() (any, error) {
			return "direct", nil
		})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, v, should.Equal("direct"))
	})
}
