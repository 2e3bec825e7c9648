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
	"fmt"
	"sync"

	logger "github.com/containers/vmcore/pkg/log"
)

const (
	// DefaultBatchSize is the number of blocks added by RequestBuffers.
	DefaultBatchSize = 4
)

var (
	log = logger.Get("blocks")

	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Registry tracks one shared, reference-counted Allocator per block size.
type Registry struct {
	sync.Mutex
	allocators []*Allocator
	batchSize  int
	newBuffer  func(size int) ([]byte, error)
}

// Option is an option for a Registry.
type Option func(*Registry) error

// WithBatchSize sets the number of blocks RequestBuffers allocates at once.
func WithBatchSize(n int) Option {
	return func(r *Registry) error {
		if n < 1 {
			return fmt.Errorf("%w: batch size %d", ErrInvalidSize, n)
		}
		r.batchSize = n
		return nil
	}
}

// WithBufferAllocator sets the function used to allocate individual blocks.
func WithBufferAllocator(fn func(size int) ([]byte, error)) Option {
	return func(r *Registry) error {
		r.newBuffer = fn
		return nil
	}
}

// NewRegistry creates a new allocator registry.
func NewRegistry(options ...Option) (*Registry, error) {
	r := &Registry{
		batchSize: DefaultBatchSize,
		newBuffer: heapBuffer,
	}

	for _, o := range options {
		if err := o(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Default returns the process-wide default registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, _ = NewRegistry()
	})
	return defaultRegistry
}

// GetAllocator returns the allocator for the given size from the default registry.
func GetAllocator(size int) (*Allocator, error) {
	return Default().GetAllocator(size)
}

// PutAllocator releases an allocator obtained from the default registry.
func PutAllocator(a *Allocator) error {
	return Default().PutAllocator(a)
}

// GetAllocator looks up or creates the allocator for the given block size
// and takes a reference to it.
func (r *Registry) GetAllocator(size int) (*Allocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w (%d)", ErrInvalidSize, size)
	}

	r.Lock()
	defer r.Unlock()

	for _, a := range r.allocators {
		if a.size == size {
			a.refs++
			return a, nil
		}
	}

	a := newAllocator(r, size)
	a.refs = 1
	r.allocators = append(r.allocators, a)

	log.Debug("created %d-byte block allocator", size)

	return a, nil
}

// PutAllocator drops a reference to the given allocator. The last
// reference destroys it, freeing any queued blocks.
func (r *Registry) PutAllocator(a *Allocator) error {
	if a == nil {
		return fmt.Errorf("%w: nil allocator", ErrUnknownAllocator)
	}

	r.Lock()
	defer r.Unlock()

	idx := -1
	for i, o := range r.allocators {
		if o == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w (%d bytes)", ErrUnknownAllocator, a.size)
	}

	if a.refs--; a.refs > 0 {
		return nil
	}

	r.allocators = append(r.allocators[:idx], r.allocators[idx+1:]...)
	freed := a.destroy()

	log.Debug("destroyed %d-byte block allocator, freed %d blocks", a.size, freed)

	return nil
}

// Trim releases one batch of blocks from every allocator which has more
// than two batches queued.
func (r *Registry) Trim() int {
	r.Lock()
	allocators := append([]*Allocator(nil), r.allocators...)
	r.Unlock()

	freed := 0
	for _, a := range allocators {
		if a.Available() > 2*a.batch {
			freed += a.ReleaseBuffers()
		}
	}

	if freed > 0 {
		log.Debug("trimmed %d blocks", freed)
	}

	return freed
}

// Stats describes the state of one allocator.
type Stats struct {
	Size int
	Refs int
	Free int
}

// Stats returns the state of all allocators in the registry.
func (r *Registry) Stats() []Stats {
	r.Lock()
	defer r.Unlock()

	stats := make([]Stats, 0, len(r.allocators))
	for _, a := range r.allocators {
		stats = append(stats, Stats{
			Size: a.size,
			Refs: a.refs,
			Free: a.Available(),
		})
	}

	return stats
}

func heapBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}
