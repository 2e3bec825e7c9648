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

package vm

import (
	"fmt"

	"github.com/containers/vmcore/pkg/radix"
)

// AspaceID identifies an address space.
type AspaceID uint64

// RegionID identifies a region.
type RegionID uint64

const (
	// InvalidAspace is never a valid address space id.
	InvalidAspace AspaceID = 0
	// InvalidRegion is never a valid region id.
	InvalidRegion RegionID = 0
)

func (id AspaceID) String() string {
	return fmt.Sprintf("aspace#%d.%d", id&0xffffffff, id>>32)
}

func (id RegionID) String() string {
	return fmt.Sprintf("region#%d.%d", id&0xffffffff, id>>32)
}

type handle interface {
	~uint64
}

// table is a generation-checked slot map. Slots are handed out by a radix
// bitmap and every reuse of a slot bumps its generation, so an id outlives
// its object only as a lookup failure. Callers serialize access.
type table[K handle, T any] struct {
	slots   *radix.Bitmap
	entries []tableEntry[T]
	count   int
}

type tableEntry[T any] struct {
	gen uint32
	obj *T
}

func newTable[K handle, T any](size int) (*table[K, T], error) {
	slots, err := radix.Create(size)
	if err != nil {
		return nil, err
	}
	return &table[K, T]{
		slots:   slots,
		entries: make([]tableEntry[T], size),
	}, nil
}

func (t *table[K, T]) insert(obj *T) (K, error) {
	slot := t.slots.Alloc(1)
	if slot == radix.SlotNone {
		return 0, fmt.Errorf("%w: all %d ids in use", ErrNoMemory, len(t.entries))
	}

	e := &t.entries[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.obj = obj
	t.count++

	return K(uint64(e.gen)<<32 | uint64(slot)), nil
}

func (t *table[K, T]) lookup(id K) *T {
	slot, gen := int(uint64(id)&0xffffffff), uint32(uint64(id)>>32)
	if slot >= len(t.entries) || gen == 0 {
		return nil
	}
	if e := &t.entries[slot]; e.gen == gen {
		return e.obj
	}
	return nil
}

func (t *table[K, T]) remove(id K) bool {
	if t.lookup(id) == nil {
		return false
	}

	slot := int(uint64(id) & 0xffffffff)
	t.entries[slot].obj = nil
	t.slots.Dealloc(radix.Slot(slot), 1)
	t.count--

	return true
}

func (t *table[K, T]) len() int {
	return t.count
}

func (t *table[K, T]) each(fn func(K, *T) bool) {
	for slot := range t.entries {
		e := &t.entries[slot]
		if e.obj == nil {
			continue
		}
		if !fn(K(uint64(e.gen)<<32|uint64(slot)), e.obj) {
			return
		}
	}
}

func (t *table[K, T]) destroy() {
	t.slots.Destroy()
	t.entries = nil
	t.count = 0
}
