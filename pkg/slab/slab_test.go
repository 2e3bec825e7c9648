// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slab_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	"github.com/containers/vmcore/pkg/pages"
	"github.com/containers/vmcore/pkg/slab"
)

func heapSource(t *testing.T, pageSize int) pages.Source {
	src, err := pages.NewHeapSource(pageSize)
	require.NoError(t, err)
	return src
}

func addr(obj []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(obj)))
}

func TestThirtyThreeObjectsNeedTwoSlabs(t *testing.T) {
	c, err := slab.NewCache("scenario", 64, 0,
		slab.WithStrategy(slab.StrategyHashed),
		slab.WithPageSource(heapSource(t, 2048)),
		slab.WithMinimumSlabItems(32),
	)
	require.NoError(t, err)
	require.Equal(t, 32, c.Stats().ObjectsPerSlab)

	for i := 0; i < 33; i++ {
		_, err := c.AllocateObject(0)
		require.NoError(t, err)
		require.NoError(t, c.Validate())
	}

	stats := c.Stats()
	require.Equal(t, 2, stats.Slabs)
	require.Equal(t, 1, stats.FullSlabs)
	require.Equal(t, 1, stats.PartialSlabs)
	require.Equal(t, 31, stats.FreeObjects)
	require.Equal(t, 33, stats.ObjectsInUse)
}

func TestMergedLayout(t *testing.T) {
	c, err := slab.NewCache("merged", 64, 0, slab.WithPageSource(heapSource(t, 4096)))
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, "merged", stats.Strategy)
	require.Equal(t, 72, stats.SlotSize)
	require.Equal(t, 1, stats.SlabPages)
	require.Equal(t, (4096-8)/72, stats.ObjectsPerSlab)

	// the first object of each new slab is shifted by the next color
	var firsts []uintptr
	for i := 0; i < 3*stats.ObjectsPerSlab; i++ {
		obj, err := c.AllocateObject(0)
		require.NoError(t, err)
		require.Len(t, obj, 64)
		require.Zero(t, addr(obj)%8, "object alignment")
		if i%stats.ObjectsPerSlab == 0 {
			firsts = append(firsts, addr(obj))
		}
	}
	require.Equal(t, []uintptr{0, 8, 16}, []uintptr{firsts[0] % 4096, firsts[1] % 4096, firsts[2] % 4096})
	require.NoError(t, c.Validate())
}

func TestAppendDoesNotReachNeighbours(t *testing.T) {
	for _, strategy := range []slab.Strategy{slab.StrategyMerged, slab.StrategyHashed} {
		t.Run(strategy.String(), func(t *testing.T) {
			c, err := slab.NewCache("append", 64, 0,
				slab.WithStrategy(strategy),
				slab.WithPageSource(heapSource(t, 4096)),
			)
			require.NoError(t, err)

			a, err := c.AllocateObject(0)
			require.NoError(t, err)
			b, err := c.AllocateObject(0)
			require.NoError(t, err)
			require.Equal(t, 64, cap(a))
			require.Equal(t, 64, cap(b))

			for i := range b {
				b[i] = 0xb5
			}
			grown := append(a, make([]byte, 128)...)
			for i := range grown {
				grown[i] = 0xa5
			}
			require.NotEqual(t, addr(a), addr(grown), "append must not grow in place")
			for _, v := range b {
				require.Equal(t, byte(0xb5), v)
			}

			require.ErrorIs(t, c.ReturnObject(grown), slab.ErrInvalidObject)
			require.NoError(t, c.ReturnObject(a))
			require.NoError(t, c.ReturnObject(b))
			require.NoError(t, c.Validate())

			seen := map[uintptr]bool{}
			perSlab := c.Stats().ObjectsPerSlab
			for i := 0; i < 2*perSlab; i++ {
				obj, err := c.AllocateObject(0)
				require.NoError(t, err)
				require.False(t, seen[addr(obj)], "object handed out twice")
				seen[addr(obj)] = true
			}
			require.NoError(t, c.Validate())
		})
	}
}

func TestMultiPageMergedSlabs(t *testing.T) {
	c, err := slab.NewCache("big", 1000, 64,
		slab.WithPageSource(heapSource(t, 4096)),
		slab.WithMinimumSlabItems(10),
	)
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, 4, stats.SlabPages)
	require.GreaterOrEqual(t, stats.ObjectsPerSlab, 10)

	var objs [][]byte
	for i := 0; i < 25; i++ {
		obj, err := c.AllocateObject(0)
		require.NoError(t, err)
		require.Zero(t, addr(obj)%64)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		require.NoError(t, c.ReturnObject(obj))
	}
	require.NoError(t, c.Validate())
	require.Equal(t, 0, c.Stats().ObjectsInUse)
}

func TestObjectUniqueness(t *testing.T) {
	for _, strategy := range []slab.Strategy{slab.StrategyMerged, slab.StrategyHashed} {
		t.Run(strategy.String(), func(t *testing.T) {
			c, err := slab.NewCache("unique", 40, 8,
				slab.WithStrategy(strategy),
				slab.WithPageSource(heapSource(t, 1024)),
				slab.WithMinimumSlabItems(8),
			)
			require.NoError(t, err)

			var (
				rnd  = rand.New(rand.NewSource(1))
				live = map[uintptr][]byte{}
				tag  = byte(0)
			)

			for i := 0; i < 5000; i++ {
				if len(live) > 0 && rnd.Intn(2) == 0 {
					for a, obj := range live {
						for _, b := range obj {
							require.Equal(t, obj[0], b, "object %#x was clobbered", a)
						}
						require.NoError(t, c.ReturnObject(obj))
						delete(live, a)
						break
					}
				} else {
					obj, err := c.AllocateObject(0)
					require.NoError(t, err)
					a := addr(obj)
					for o := range live {
						require.False(t, a < o+40 && o < a+40, "objects %#x and %#x alias", a, o)
					}
					tag++
					for j := range obj {
						obj[j] = tag
					}
					live[a] = obj
				}
				if i%100 == 0 {
					require.NoError(t, c.Validate())
				}
			}

			require.NoError(t, c.Validate())
			require.Equal(t, len(live), c.Stats().ObjectsInUse)
		})
	}
}

func TestInvalidReturns(t *testing.T) {
	for _, strategy := range []slab.Strategy{slab.StrategyMerged, slab.StrategyHashed} {
		t.Run(strategy.String(), func(t *testing.T) {
			c, err := slab.NewCache("invalid", 32, 0, slab.WithStrategy(strategy))
			require.NoError(t, err)

			obj, err := c.AllocateObject(0)
			require.NoError(t, err)

			require.ErrorIs(t, c.ReturnObject(nil), slab.ErrInvalidObject)
			require.ErrorIs(t, c.ReturnObject(make([]byte, 32)), kerrors.ErrInvalidArgument)
			require.ErrorIs(t, c.ReturnObject(obj[1:]), slab.ErrInvalidObject)

			require.NoError(t, c.ReturnObject(obj))
			require.ErrorIs(t, c.ReturnObject(obj), slab.ErrDoubleFree)
			require.NoError(t, c.Validate())
		})
	}
}

func TestHooks(t *testing.T) {
	var constructed, destructed int

	hooks := slab.HookFuncs{
		ConstructFn: func(obj []byte) error {
			constructed++
			copy(obj, "ready")
			return nil
		},
		DestructFn: func(obj []byte) {
			require.Equal(t, "ready", string(obj[:5]))
			destructed++
		},
	}

	c, err := slab.NewCache("hooked", 16, 0,
		slab.WithHooks(hooks),
		slab.WithStrategy(slab.StrategyHashed),
		slab.WithPageSource(heapSource(t, 512)),
		slab.WithMinimumSlabItems(32),
		slab.WithMaxEmptySlabs(0),
	)
	require.NoError(t, err)

	obj, err := c.AllocateObject(0)
	require.NoError(t, err)
	require.Equal(t, 32, constructed, "constructed per object at slab creation")
	require.Equal(t, "ready", string(obj[:5]))

	obj2, err := c.AllocateObject(0)
	require.NoError(t, err)
	require.Equal(t, 32, constructed, "not reconstructed per allocation")

	require.NoError(t, c.ReturnObject(obj))
	require.Equal(t, 0, destructed)
	require.NoError(t, c.ReturnObject(obj2))
	require.Equal(t, 32, destructed, "destructed at slab teardown")
	require.Equal(t, 0, c.Stats().Slabs)
}

func TestConstructorFailureRollsBack(t *testing.T) {
	calls := 0
	destructed := 0
	c, err := slab.NewCache("failing", 64, 0,
		slab.WithHooks(slab.HookFuncs{
			ConstructFn: func([]byte) error {
				if calls++; calls == 10 {
					return errors.New("no luck")
				}
				return nil
			},
			DestructFn: func([]byte) { destructed++ },
		}),
	)
	require.NoError(t, err)

	_, err = c.AllocateObject(0)
	require.Error(t, err)
	require.Equal(t, 9, destructed)
	require.Equal(t, 0, c.Stats().Slabs)

	_, err = c.AllocateObject(0)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
}

func TestEmptySlabRetention(t *testing.T) {
	c, err := slab.NewCache("retain", 128, 0,
		slab.WithStrategy(slab.StrategyHashed),
		slab.WithPageSource(heapSource(t, 1024)),
		slab.WithMinimumSlabItems(8),
	)
	require.NoError(t, err)

	var objs [][]byte
	for i := 0; i < 3*8; i++ {
		obj, err := c.AllocateObject(0)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.Equal(t, 3, c.Stats().Slabs)

	for _, obj := range objs {
		require.NoError(t, c.ReturnObject(obj))
		require.NoError(t, c.Validate())
	}

	stats := c.Stats()
	require.Equal(t, 1, stats.Slabs, "one empty slab retained")
	require.Equal(t, 1, stats.EmptySlabs)
	require.Equal(t, 1, stats.PartialSlabs)

	// the retained slab is reused without growing
	obj, err := c.AllocateObject(slab.DontGrow)
	require.NoError(t, err)
	require.NoError(t, c.ReturnObject(obj))

	require.Equal(t, 1, c.Reclaim())
	require.Equal(t, 0, c.Stats().Slabs)
	require.NoError(t, c.Validate())

	_, err = c.AllocateObject(slab.DontGrow)
	require.ErrorIs(t, err, kerrors.ErrNoMemory)
}

func TestDestroy(t *testing.T) {
	c, err := slab.NewCache("destroy", 24, 0)
	require.NoError(t, err)

	obj, err := c.AllocateObject(0)
	require.NoError(t, err)
	require.ErrorIs(t, c.Destroy(), slab.ErrBusy)
	require.ErrorIs(t, c.Destroy(), kerrors.ErrBusy)

	require.NoError(t, c.ReturnObject(obj))
	require.NoError(t, c.Destroy())
	require.Equal(t, 0, c.Stats().Slabs)

	_, err = c.AllocateObject(0)
	require.ErrorIs(t, err, slab.ErrDestroyed)
}

func TestInvalidCaches(t *testing.T) {
	_, err := slab.NewCache("zero", 0, 0)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	_, err = slab.NewCache("misaligned", 16, 12)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	_, err = slab.NewCache("huge-alignment", 16, 8192)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	_, err = slab.NewCache("no-items", 16, 0, slab.WithMinimumSlabItems(0))
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)

	s, err := slab.ParseStrategy("HASHED")
	require.NoError(t, err)
	require.Equal(t, slab.StrategyHashed, s)
	_, err = slab.ParseStrategy("scattered")
	require.Error(t, err)
}

func TestConcurrentAllocation(t *testing.T) {
	c, err := slab.NewCache("concurrent", 48, 16, slab.WithMinimumSlabItems(16))
	require.NoError(t, err)

	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			var objs [][]byte
			for i := 0; i < 500; i++ {
				obj, err := c.AllocateObject(0)
				if err != nil {
					return err
				}
				obj[0] = byte(w)
				objs = append(objs, obj)
				if i%3 == 2 {
					for _, o := range objs {
						if o[0] != byte(w) {
							return errors.New("object shared between workers")
						}
						if err := c.ReturnObject(o); err != nil {
							return err
						}
					}
					objs = objs[:0]
				}
			}
			for _, o := range objs {
				if err := c.ReturnObject(o); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, c.Validate())
	require.Equal(t, 0, c.Stats().ObjectsInUse)
}

func TestRegistryMetrics(t *testing.T) {
	r := slab.NewRegistry()
	c, err := slab.NewCache("metered", 64, 0, slab.WithStrategy(slab.StrategyHashed),
		slab.WithPageSource(heapSource(t, 2048)))
	require.NoError(t, err)
	r.Add(c)

	for i := 0; i < 33; i++ {
		_, err := c.AllocateObject(0)
		require.NoError(t, err)
	}

	expected := `
# HELP objects_free Number of free objects in a slab cache.
# TYPE objects_free gauge
objects_free{cache="metered"} 31
# HELP slabs Number of slabs in a slab cache.
# TYPE slabs gauge
slabs{cache="metered",strategy="hashed"} 2
`
	require.NoError(t, testutil.CollectAndCompare(r, strings.NewReader(expected), "slabs", "objects_free"))

	r.Remove(c)
	require.Empty(t, r.Caches())
}

// blockingSource holds page allocations until release is closed once
// blocking is switched on.
type blockingSource struct {
	pages.Source
	blocking atomic.Bool
	entered  chan struct{}
	release  chan struct{}
}

func (s *blockingSource) AllocatePages(count int, flags pages.Flags) (pages.Run, error) {
	if s.blocking.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Source.AllocatePages(count, flags)
}

func TestGrowingDoesNotBlockCache(t *testing.T) {
	src := &blockingSource{
		Source:  heapSource(t, 4096),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := slab.NewCache("grow", 512, 0,
		slab.WithStrategy(slab.StrategyHashed),
		slab.WithPageSource(src),
		slab.WithMinimumSlabItems(8),
	)
	require.NoError(t, err)

	var objs [][]byte
	for i := 0; i < 8; i++ {
		obj, err := c.AllocateObject(0)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.Equal(t, 1, c.Stats().Slabs)

	src.blocking.Store(true)
	grown := make(chan error, 1)
	go func() {
		obj, err := c.AllocateObject(0)
		if err == nil {
			err = c.ReturnObject(obj)
		}
		grown <- err
	}()
	<-src.entered

	// the grower is parked in the page source
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if stats := c.Stats(); stats.ObjectsInUse != 8 {
			return fmt.Errorf("%d objects in use, expected 8", stats.ObjectsInUse)
		}
		return c.ReturnObject(objs[0])
	})
	require.NoError(t, g.Wait())

	obj, err := c.AllocateObject(slab.DontGrow)
	require.NoError(t, err)
	require.Equal(t, addr(objs[0]), addr(obj))
	_, err = c.AllocateObject(slab.DontGrow)
	require.ErrorIs(t, err, kerrors.ErrNoMemory)

	close(src.release)
	require.NoError(t, <-grown)
	require.Equal(t, 2, c.Stats().Slabs)

	objs[0] = obj
	for _, obj := range objs {
		require.NoError(t, c.ReturnObject(obj))
	}
	require.NoError(t, c.Validate())
	require.Equal(t, 0, c.Stats().ObjectsInUse)
}
