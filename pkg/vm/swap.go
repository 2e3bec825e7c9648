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

	"github.com/containers/vmcore/pkg/instrumentation/tracing"
	"github.com/containers/vmcore/pkg/radix"
)

// SwapSlot is a page sized slot in swap space. Slots are numbered
// contiguously across all swap areas.
type SwapSlot int

const (
	// SwapSlotNone is an invalid swap slot.
	SwapSlotNone SwapSlot = -1

	// maxSwapRun is the longest run of slots allocated at once.
	maxSwapRun = 32
)

type swapArea struct {
	name   string
	first  SwapSlot
	pages  int
	bitmap *radix.Bitmap
	data   []byte
}

func (a *swapArea) contains(slot SwapSlot) bool {
	return slot >= a.first && slot < a.first+SwapSlot(a.pages)
}

// SwapStats describes swap space usage.
type SwapStats struct {
	Areas int
	Total int
	Free  int
}

// AddSwapSpace adds a swap area of the given number of pages and raises
// the commit limit accordingly.
func (v *VM) AddSwapSpace(name string, pageCount int) error {
	if pageCount <= 0 {
		return fmt.Errorf("%w: swap area %q with %d pages", ErrInvalidArgument, name, pageCount)
	}

	bitmap, err := radix.Create(pageCount)
	if err != nil {
		return err
	}

	v.swapLock.Lock()
	area := &swapArea{
		name:   name,
		first:  v.swapNext,
		pages:  pageCount,
		bitmap: bitmap,
		data:   make([]byte, pageCount*v.pageSize),
	}
	v.swap = append(v.swap, area)
	v.swapNext += SwapSlot(pageCount)
	v.swapLock.Unlock()

	v.IncreaseMaxCommit(int64(pageCount) * int64(v.pageSize))

	log.Info("added swap area %q with %d pages (slots %d-%d)", name, pageCount,
		area.first, area.first+SwapSlot(pageCount)-1)

	return nil
}

// SwapStats returns swap space usage.
func (v *VM) SwapStats() SwapStats {
	v.swapLock.Lock()
	defer v.swapLock.Unlock()

	st := SwapStats{Areas: len(v.swap)}
	for _, a := range v.swap {
		st.Total += a.pages
		st.Free += a.bitmap.FreeSlots()
	}

	return st
}

// allocSwapSlots allocates a run of count slots. Areas are tried in turn
// starting with the current one. Once an area is more than 90% used
// allocation moves on to the next one.
func (v *VM) allocSwapSlots(count int) (SwapSlot, error) {
	v.swapLock.Lock()
	defer v.swapLock.Unlock()

	if len(v.swap) == 0 {
		return SwapSlotNone, fmt.Errorf("%w: no swap space", ErrNoMemory)
	}
	if count < 1 || count > maxSwapRun {
		return SwapSlotNone, fmt.Errorf("%w: invalid swap run of %d slots", ErrInvalidArgument, count)
	}

	for i := 0; i < len(v.swap); i++ {
		a := v.swap[v.swapAlloc]
		slot := a.bitmap.Alloc(count)
		if slot != radix.SlotNone {
			if a.bitmap.FreeSlots() < a.pages/10 {
				v.swapAlloc = (v.swapAlloc + 1) % len(v.swap)
			}
			return a.first + SwapSlot(slot), nil
		}
		v.swapAlloc = (v.swapAlloc + 1) % len(v.swap)
	}

	return SwapSlotNone, fmt.Errorf("%w: swap space exhausted", ErrNoMemory)
}

func (v *VM) freeSwapSlots(slot SwapSlot, count int) {
	if slot == SwapSlotNone {
		return
	}

	v.swapLock.Lock()
	defer v.swapLock.Unlock()

	a := v.swapArea(slot)
	a.bitmap.Dealloc(radix.Slot(slot-a.first), count)
}

// swapArea returns the area of a slot. The caller holds the swap lock.
func (v *VM) swapArea(slot SwapSlot) *swapArea {
	for _, a := range v.swap {
		if a.contains(slot) {
			return a
		}
	}
	log.Panic("no swap area for slot %d", slot)
	return nil
}

func (v *VM) slotData(slot SwapSlot) []byte {
	a := v.swapArea(slot)
	start := int(slot-a.first) * v.pageSize
	return a.data[start : start+v.pageSize]
}

func (v *VM) swapIn(slot SwapSlot, buf []byte) error {
	v.swapLock.Lock()
	defer v.swapLock.Unlock()

	copy(buf, v.slotData(slot))
	return nil
}

func (v *VM) swapOut(slot SwapSlot, data []byte) {
	v.swapLock.Lock()
	defer v.swapLock.Unlock()

	copy(v.slotData(slot), data)
}

// PageOut writes the anonymous page at addr to swap space and frees its
// frame. The page is read back by the next fault on it. Wired, pinned and
// shared pages can't be paged out.
func (v *VM) PageOut(aid AspaceID, addr Addr) (err error) {
	span := startSpan("PageOut", tracing.Attribute("aspace", aid), tracing.Attribute("addr", uint64(addr)))
	defer func() { span.End(err) }()

	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	as.Lock()
	defer as.Unlock()

	va := v.pageBase(addr)
	r := as.regionAt(va)
	switch {
	case r == nil:
		return fmt.Errorf("%w: %#x not covered by any region of %s", ErrBadAddress, addr, as.name)
	case r.wiring != WiringLazy:
		return fmt.Errorf("%w: region %q is wired", ErrBusy, r.name)
	case r.store.kind != StoreAnonymous:
		return fmt.Errorf("%w: %s pages can't be paged out", ErrInvalidArgument, r.store.kind)
	}

	s := r.store
	idx := r.pageIndex(va, v.pageSize)

	s.Lock()
	defer s.Unlock()

	pfn, ok := s.lookup(idx)
	if !ok {
		return fmt.Errorf("%w: %#x is not resident", ErrInvalidArgument, addr)
	}

	refs := 1
	e, mapped := as.tmap.query(va)
	if mapped && e.pfn == pfn {
		refs++
	}
	if v.frames.RefCount(pfn) != refs || v.pinned(pfn) {
		return fmt.Errorf("%w: page at %#x is shared or pinned", ErrBusy, addr)
	}

	slot, err := v.allocSwapSlots(1)
	if err != nil {
		return err
	}
	v.swapOut(slot, v.frames.Frame(pfn))
	span.Event("swapped", tracing.Attribute("slot", int(slot)), tracing.Attribute("pfn", uint64(pfn)))

	if mapped {
		as.tmap.unmap(va, va+Addr(v.pageSize))
	}
	delete(s.pages, idx)
	v.frames.Unref(pfn)
	s.ops.(*anonStore).swapOut(idx, slot)

	v.pageOuts.Add(1)
	log.Debug("paged out %#x of %s to swap slot %d", va, as.name, slot)

	return nil
}
