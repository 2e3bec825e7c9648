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

package slab

import (
	"encoding/binary"
	"fmt"

	"github.com/containers/vmcore/pkg/pages"
)

// strategy is a slab layout strategy. All methods except layout and init
// are called with the cache locked.
type strategy interface {
	// layout computes the slot size and slab geometry of the cache.
	layout(c *Cache) error
	// init builds the free list of a new slab.
	init(c *Cache, s *slab)
	// attach makes the objects of a slab findable.
	attach(c *Cache, s *slab)
	// detach undoes attach.
	detach(c *Cache, s *slab)
	// lookup finds the slab and slot of an object.
	lookup(c *Cache, obj []byte) (*slab, int, error)
	// pop takes a slot off the free list of a slab.
	pop(c *Cache, s *slab) int
	// push puts a slot on the free list of a slab.
	push(c *Cache, s *slab, i int)
	// freeCount counts the slots on the free list of a slab.
	freeCount(c *Cache, s *slab) int
}

const (
	linkSize    = 8
	trailerSize = 8
	slabMagic   = 0x51ab51ab
)

// mergedStrategy stores free list links in the last linkSize bytes of
// each slot and the slab table index in the last trailerSize bytes of
// the slab. Slabs are power-of-two page runs aligned to their own size,
// so the slab of an object is found by masking the object address.
type mergedStrategy struct {
	table    []*slab
	freeIdx  []int
	bases    map[uintptr]*slab
	slabSize int
}

func (m *mergedStrategy) layout(c *Cache) error {
	var (
		pageSize = c.source.PageSize()
		slot     = roundUp(c.objectSize+linkSize, c.alignment)
		npages   = 1
	)

	for (npages*pageSize-trailerSize)/slot < c.minItems {
		if npages *= 2; npages > maxSlabPages {
			return fmt.Errorf("%w: cannot fit %d %d-byte objects in a slab",
				ErrInvalidArgument, c.minItems, slot)
		}
	}

	usable := npages*pageSize - trailerSize
	c.slotSize = slot
	c.slabPages = npages
	c.pageFlags = pages.Aligned
	c.capacity = usable / slot
	slack := usable - c.capacity*slot
	c.maxColor = slack - slack%c.alignment
	m.slabSize = npages * pageSize

	return nil
}

func (m *mergedStrategy) init(c *Cache, s *slab) {
	for i := 0; i < s.count-1; i++ {
		m.setLink(c, s, i, i+1)
	}
	m.setLink(c, s, s.count-1, -1)
	s.head = 0
}

func (m *mergedStrategy) attach(c *Cache, s *slab) {
	if n := len(m.freeIdx); n > 0 {
		s.index = m.freeIdx[n-1]
		m.freeIdx = m.freeIdx[:n-1]
		m.table[s.index] = s
	} else {
		s.index = len(m.table)
		m.table = append(m.table, s)
	}
	if m.bases == nil {
		m.bases = make(map[uintptr]*slab)
	}
	m.bases[s.base] = s

	trailer := s.run.Mem[len(s.run.Mem)-trailerSize:]
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(s.index))
	binary.LittleEndian.PutUint32(trailer[4:8], slabMagic)
}

func (m *mergedStrategy) detach(c *Cache, s *slab) {
	clear(s.run.Mem[len(s.run.Mem)-trailerSize:])
	delete(m.bases, s.base)
	m.table[s.index] = nil
	m.freeIdx = append(m.freeIdx, s.index)
	s.index = -1
}

func (m *mergedStrategy) lookup(c *Cache, obj []byte) (*slab, int, error) {
	addr, ok := addrOf(obj)
	if !ok {
		return nil, -1, ErrInvalidObject
	}

	var (
		size = uintptr(m.slabSize)
		base = addr &^ (size - 1)
	)

	// The trailer is only read through memory the cache owns.
	s, ok := m.bases[base]
	if !ok {
		return nil, -1, fmt.Errorf("%w: %#x", ErrInvalidObject, addr)
	}
	trailer := s.run.Mem[len(s.run.Mem)-trailerSize:]
	if binary.LittleEndian.Uint32(trailer[4:8]) != slabMagic {
		return nil, -1, fmt.Errorf("%w: %#x (no slab trailer)", ErrInvalidObject, addr)
	}
	if idx := int(binary.LittleEndian.Uint32(trailer[0:4])); idx != s.index || m.table[idx] != s {
		return nil, -1, fmt.Errorf("%w: %#x (stale slab trailer)", ErrInvalidObject, addr)
	}

	i, err := c.slotOf(s, addr)
	if err != nil {
		return nil, -1, err
	}

	return s, i, nil
}

func (m *mergedStrategy) pop(c *Cache, s *slab) int {
	i := s.head
	if i < 0 {
		log.Panic("cache %s: slab %#x on partial list has empty free list", c.name, s.base)
	}
	s.head = m.link(c, s, i)
	return i
}

func (m *mergedStrategy) push(c *Cache, s *slab, i int) {
	m.setLink(c, s, i, s.head)
	s.head = i
}

func (m *mergedStrategy) freeCount(c *Cache, s *slab) int {
	n := 0
	for i := s.head; i >= 0 && n <= s.count; i = m.link(c, s, i) {
		n++
	}
	return n
}

// link returns the next free slot after slot i, or -1.
func (m *mergedStrategy) link(c *Cache, s *slab, i int) int {
	off := c.offset(s, i) + c.slotSize - linkSize
	return int(binary.LittleEndian.Uint64(s.run.Mem[off:off+linkSize])) - 1
}

func (m *mergedStrategy) setLink(c *Cache, s *slab, i, next int) {
	off := c.offset(s, i) + c.slotSize - linkSize
	binary.LittleEndian.PutUint64(s.run.Mem[off:off+linkSize], uint64(next+1))
}

// hashedStrategy keeps the free list of a slab in a separate stack and
// finds the slab of an object through a table keyed by object address.
// Object slots carry no metadata.
type hashedStrategy struct {
	objects map[uintptr]*slab
}

func (h *hashedStrategy) layout(c *Cache) error {
	var (
		pageSize = c.source.PageSize()
		slot     = roundUp(c.objectSize, c.alignment)
		npages   = (c.minItems*slot + pageSize - 1) / pageSize
	)

	if npages > maxSlabPages {
		return fmt.Errorf("%w: cannot fit %d %d-byte objects in a slab",
			ErrInvalidArgument, c.minItems, slot)
	}

	size := npages * pageSize
	c.slotSize = slot
	c.slabPages = npages
	c.pageFlags = 0
	c.capacity = size / slot
	slack := size - c.capacity*slot
	c.maxColor = slack - slack%c.alignment

	return nil
}

func (h *hashedStrategy) init(c *Cache, s *slab) {
	s.stack = make([]int32, s.count)
	for i := range s.stack {
		s.stack[i] = int32(s.count - 1 - i)
	}
}

func (h *hashedStrategy) attach(c *Cache, s *slab) {
	for i := 0; i < s.count; i++ {
		h.objects[s.base+uintptr(c.offset(s, i))] = s
	}
}

func (h *hashedStrategy) detach(c *Cache, s *slab) {
	for i := 0; i < s.count; i++ {
		delete(h.objects, s.base+uintptr(c.offset(s, i)))
	}
}

func (h *hashedStrategy) lookup(c *Cache, obj []byte) (*slab, int, error) {
	addr, ok := addrOf(obj)
	if !ok {
		return nil, -1, ErrInvalidObject
	}

	s, ok := h.objects[addr]
	if !ok {
		return nil, -1, fmt.Errorf("%w: %#x", ErrInvalidObject, addr)
	}

	i, err := c.slotOf(s, addr)
	if err != nil {
		return nil, -1, err
	}

	return s, i, nil
}

func (h *hashedStrategy) pop(c *Cache, s *slab) int {
	n := len(s.stack)
	if n == 0 {
		log.Panic("cache %s: slab %#x on partial list has empty free list", c.name, s.base)
	}
	i := int(s.stack[n-1])
	s.stack = s.stack[:n-1]
	return i
}

func (h *hashedStrategy) push(c *Cache, s *slab, i int) {
	s.stack = append(s.stack, int32(i))
}

func (h *hashedStrategy) freeCount(c *Cache, s *slab) int {
	return len(s.stack)
}
