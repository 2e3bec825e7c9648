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

package kernel

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/vmcore/pkg/slab"
)

// HeapSizes are the object sizes of the kernel heap caches.
var HeapSizes = []int{16, 32, 64, 128, 256, 512, 1024, 2048}

// Heap is a general purpose kernel allocator built from slab caches of
// power-of-two object sizes.
type Heap struct {
	slabs  *slab.Registry
	caches []*slab.Cache
}

func newHeap(slabs *slab.Registry, options ...slab.Option) (*Heap, error) {
	h := &Heap{
		slabs: slabs,
	}

	for _, size := range HeapSizes {
		c, err := slab.NewCache(fmt.Sprintf("heap-%d", size), size, slab.DefaultAlignment, options...)
		if err != nil {
			if destroyErr := h.destroy(); destroyErr != nil {
				log.Error("failed to clean up kernel heap: %v", destroyErr)
			}
			return nil, err
		}
		h.caches = append(h.caches, c)
		slabs.Add(c)
	}

	return h, nil
}

// Malloc allocates memory of at least size bytes. The returned slice has
// the object size of the cache it was allocated from.
func (h *Heap) Malloc(size int) ([]byte, error) {
	c, err := h.cacheFor(size)
	if err != nil {
		return nil, err
	}
	return c.AllocateObject(0)
}

// Free returns memory allocated by Malloc. The memory may have been
// resliced as long as it starts where Malloc returned.
func (h *Heap) Free(obj []byte) error {
	c, err := h.cacheOf(obj)
	if err != nil {
		return err
	}
	return c.ReturnObject(obj)
}

// Caches returns the caches of the heap.
func (h *Heap) Caches() []*slab.Cache {
	return append([]*slab.Cache(nil), h.caches...)
}

func (h *Heap) cacheFor(size int) (*slab.Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation of %d bytes", slab.ErrInvalidArgument, size)
	}
	idx := sort.Search(len(h.caches), func(i int) bool {
		return h.caches[i].ObjectSize() >= size
	})
	if idx == len(h.caches) {
		return nil, fmt.Errorf("%w: allocation of %d bytes exceeds largest heap object",
			slab.ErrInvalidArgument, size)
	}
	return h.caches[idx], nil
}

func (h *Heap) cacheOf(obj []byte) (*slab.Cache, error) {
	if cap(obj) == 0 {
		return nil, fmt.Errorf("%w: empty object", slab.ErrInvalidObject)
	}
	for _, c := range h.caches {
		if c.Owns(obj) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x not allocated from the heap", slab.ErrInvalidObject,
		uintptr(unsafe.Pointer(unsafe.SliceData(obj))))
}

func (h *Heap) destroy() error {
	var result *multierror.Error
	for _, c := range h.caches {
		if err := c.Destroy(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		h.slabs.Remove(c)
	}
	h.caches = nil
	return result.ErrorOrNil()
}

type deferredObject struct {
	obj   []byte
	cache *slab.Cache
}

type deferredQueue struct {
	sync.Mutex
	objects []deferredObject
}

// DeferredFree queues an object to be returned to its cache by the kernel
// daemon. A nil cache returns the object to the kernel heap. DeferredFree
// never blocks on the cache.
func (k *Kernel) DeferredFree(obj []byte, cache *slab.Cache) error {
	if len(obj) == 0 {
		return fmt.Errorf("%w: empty object", slab.ErrInvalidArgument)
	}

	k.deferred.Lock()
	k.deferred.objects = append(k.deferred.objects, deferredObject{obj: obj, cache: cache})
	k.deferred.Unlock()

	return nil
}

// PendingFrees returns the number of queued deferred frees.
func (k *Kernel) PendingFrees() int {
	k.deferred.Lock()
	defer k.deferred.Unlock()
	return len(k.deferred.objects)
}

func (k *Kernel) drainDeferredQueue() (int, error) {
	k.deferred.Lock()
	objects := k.deferred.objects
	k.deferred.objects = nil
	k.deferred.Unlock()

	var result *multierror.Error
	for _, d := range objects {
		var err error
		if d.cache == nil {
			err = k.heap.Free(d.obj)
		} else {
			err = d.cache.ReturnObject(d.obj)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(objects) > 0 {
		log.Debug("freed %d deferred objects", len(objects))
	}

	return len(objects), result.ErrorOrNil()
}
