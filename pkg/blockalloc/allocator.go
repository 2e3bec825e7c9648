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

package blockalloc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Allocator hands out fixed-size blocks from a free list. The number of
// queued blocks is tracked by a counting semaphore, so GetBuffer can wait
// for a block to become available.
type Allocator struct {
	registry *Registry
	size     int
	batch    int
	refs     int // protected by registry lock

	lock  sync.Mutex
	free  [][]byte
	sem   *semaphore.Weighted
	avail atomic.Int64
}

func newAllocator(r *Registry, size int) *Allocator {
	a := &Allocator{
		registry: r,
		size:     size,
		batch:    r.batchSize,
		sem:      semaphore.NewWeighted(math.MaxInt64),
	}

	// Start with a zero count. Releasing then signals a free block.
	a.sem.TryAcquire(math.MaxInt64)

	return a
}

// Size returns the block size of the allocator.
func (a *Allocator) Size() int {
	return a.size
}

// Available returns the number of queued free blocks.
func (a *Allocator) Available() int {
	return int(a.avail.Load())
}

// RequestBuffers adds one batch of blocks to the free list. Either the
// whole batch is added, or none of it.
func (a *Allocator) RequestBuffers() error {
	chain := make([][]byte, 0, a.batch)
	for i := 0; i < a.batch; i++ {
		buf, err := a.registry.newBuffer(a.size)
		if err != nil {
			return fmt.Errorf("%w: failed to allocate block %d/%d of %d bytes: %v",
				ErrNoMemory, i+1, a.batch, a.size, err)
		}
		if len(buf) != a.size {
			return fmt.Errorf("%w: block %d/%d: got %d bytes instead of %d",
				ErrNoMemory, i+1, a.batch, len(buf), a.size)
		}
		chain = append(chain, buf)
	}

	a.lock.Lock()
	a.free = append(a.free, chain...)
	a.lock.Unlock()

	a.avail.Add(int64(len(chain)))
	a.sem.Release(int64(len(chain)))

	return nil
}

// GetBuffer takes a block from the free list, waiting for one to become
// available if necessary. The wait is bounded by the context.
func (a *Allocator) GetBuffer(ctx context.Context) ([]byte, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("blockalloc: waiting for %d-byte block: %w", a.size, err)
	}
	return a.pop(), nil
}

// TryGetBuffer takes a block from the free list without waiting.
func (a *Allocator) TryGetBuffer() ([]byte, error) {
	if !a.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w (%d bytes)", ErrNoBuffers, a.size)
	}
	return a.pop(), nil
}

// PutBuffer returns a block to the free list.
func (a *Allocator) PutBuffer(buf []byte) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	}
	if len(buf) != a.size {
		return fmt.Errorf("%w: %d-byte buffer for %d-byte allocator",
			ErrInvalidBuffer, len(buf), a.size)
	}

	a.lock.Lock()
	a.free = append(a.free, buf[:a.size:a.size])
	a.lock.Unlock()

	a.avail.Add(1)
	a.sem.Release(1)

	return nil
}

// ReleaseBuffers frees up to one batch of queued blocks without waiting,
// returning the number of blocks freed. A partial batch is freed if fewer
// blocks are queued.
func (a *Allocator) ReleaseBuffers() int {
	n := 0
	for n < a.batch && a.sem.TryAcquire(1) {
		n++
	}
	if n == 0 {
		return 0
	}

	a.avail.Add(-int64(n))

	a.lock.Lock()
	defer a.lock.Unlock()

	top := len(a.free) - n
	clear(a.free[top:])
	a.free = a.free[:top]

	return n
}

func (a *Allocator) pop() []byte {
	a.avail.Add(-1)

	a.lock.Lock()
	defer a.lock.Unlock()

	top := len(a.free) - 1
	if top < 0 {
		log.Panic("%d-byte allocator: semaphore granted a block from an empty free list", a.size)
	}

	buf := a.free[top]
	a.free[top] = nil
	a.free = a.free[:top]

	return buf
}

func (a *Allocator) destroy() int {
	n := 0
	for a.sem.TryAcquire(1) {
		n++
	}
	a.avail.Add(-int64(n))

	a.lock.Lock()
	defer a.lock.Unlock()

	clear(a.free)
	a.free = nil

	return n
}
