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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/vmcore/pkg/pages"
)

// StoreKind is the kind of backing store behind a region.
type StoreKind int

const (
	// StoreAnonymous stores are zero-filled on demand and can be swapped.
	StoreAnonymous StoreKind = iota
	// StoreVnode stores read their pages from a file.
	StoreVnode
	// StoreDevice stores map fixed physical frames.
	StoreDevice
	// StoreNull stores reserve address space without any pages.
	StoreNull
)

func (k StoreKind) String() string {
	switch k {
	case StoreAnonymous:
		return "anonymous"
	case StoreVnode:
		return "vnode"
	case StoreDevice:
		return "device"
	case StoreNull:
		return "null"
	}
	return fmt.Sprintf("<store kind %d>", int(k))
}

// storeOps implement the kind specific parts of a store. They are called
// with the store lock held.
type storeOps interface {
	// commit adjusts the memory committed to the store to size bytes.
	commit(s *store, size int64) error
	// hasPage tells if the backing has data for the page at idx.
	hasPage(s *store, idx int64) bool
	// read fills buf with the data of the page at idx.
	read(s *store, idx int64, buf []byte) error
	// fault resolves a fault without caching a page in the store.
	fault(s *store, idx int64) (pfn pages.PFN, handled bool, err error)
	// release frees kind specific resources of the store.
	release(s *store)
}

// store is a reference counted source of pages for one or more regions.
// A private mapping stacks a temporary anonymous store on top of its
// source, so that written pages are copied into the top store.
type store struct {
	sync.Mutex
	vm        *VM
	kind      StoreKind
	ops       storeOps
	refs      atomic.Int32
	pages     map[int64]pages.PFN
	source    *store
	temporary bool
	committed int64
	size      int64
	regions   idset.IDSet
}

func (v *VM) newStore(kind StoreKind, ops storeOps) *store {
	s := &store{
		vm:      v,
		kind:    kind,
		ops:     ops,
		pages:   make(map[int64]pages.PFN),
		regions: idset.NewIDSet(),
	}
	s.refs.Store(1)
	v.stores.Add(1)

	return s
}

func (v *VM) newAnonymousStore() *store {
	s := v.newStore(StoreAnonymous, &anonStore{swapped: map[int64]SwapSlot{}})
	s.temporary = true
	return s
}

func (v *VM) newVnodeStore(file io.ReaderAt, offset int64) *store {
	return v.newStore(StoreVnode, &vnodeStore{file: file, offset: offset})
}

func (v *VM) newDeviceStore(base pages.PFN, count int) *store {
	return v.newStore(StoreDevice, &deviceStore{base: base, count: count})
}

func (v *VM) newNullStore() *store {
	return v.newStore(StoreNull, nullStore{})
}

func (s *store) acquire() {
	if s.refs.Add(1) <= 1 {
		log.Panic("acquired a reference to a released %s store", s.kind)
	}
}

// release drops a reference to the store. The last reference frees the
// pages of the store and drops its reference to its source.
func (s *store) release() {
	refs := s.refs.Add(-1)
	switch {
	case refs > 0:
		return
	case refs < 0:
		log.Panic("%s store released too many times", s.kind)
	}

	s.Lock()
	for idx, pfn := range s.pages {
		s.vm.frames.Unref(pfn)
		delete(s.pages, idx)
	}
	s.ops.release(s)
	if err := s.ops.commit(s, 0); err != nil {
		log.Error("failed to uncommit %s store: %v", s.kind, err)
	}
	src := s.source
	s.source = nil
	s.Unlock()

	s.vm.stores.Add(-1)

	if src != nil {
		src.release()
	}
}

// commit makes sure that memory is committed up to size bytes.
func (s *store) commit(size int64) error {
	s.Lock()
	defer s.Unlock()

	if size <= s.committed {
		return nil
	}
	if err := s.ops.commit(s, size); err != nil {
		return err
	}
	if size > s.size {
		s.size = size
	}

	return nil
}

// shrink drops the pages and commitment of the store beyond size bytes.
func (s *store) shrink(size int64, pageSize int) {
	s.Lock()
	defer s.Unlock()

	if err := s.ops.commit(s, size); err != nil {
		log.Error("failed to uncommit %s store: %v", s.kind, err)
	}
	s.truncate((size + int64(pageSize) - 1) / int64(pageSize))
	s.size = size
}

// lookup returns the page at idx cached in the store.
func (s *store) lookup(idx int64) (pages.PFN, bool) {
	pfn, ok := s.pages[idx]
	return pfn, ok
}

// insert caches a page in the store, taking over the reference of the caller.
func (s *store) insert(idx int64, pfn pages.PFN) {
	if _, ok := s.pages[idx]; ok {
		log.Panic("%s store already has a page at index %d", s.kind, idx)
	}
	s.pages[idx] = pfn
}

// truncate drops the cached pages at or beyond idx.
func (s *store) truncate(idx int64) {
	for i, pfn := range s.pages {
		if i >= idx {
			s.vm.frames.Unref(pfn)
			delete(s.pages, i)
		}
	}
}

func (s *store) resident() int {
	s.Lock()
	defer s.Unlock()
	return len(s.pages)
}

func (s *store) attach(rid RegionID) {
	s.Lock()
	defer s.Unlock()
	s.regions.Add(idset.ID(rid))
}

func (s *store) detach(rid RegionID) {
	s.Lock()
	defer s.Unlock()
	s.regions.Del(idset.ID(rid))
}

func (s *store) hasRegion(rid RegionID) bool {
	s.Lock()
	defer s.Unlock()
	return s.regions.Has(idset.ID(rid))
}

func (s *store) regionIDs() []RegionID {
	s.Lock()
	defer s.Unlock()

	ids := []RegionID{}
	for _, id := range s.regions.SortedMembers() {
		ids = append(ids, RegionID(id))
	}

	return ids
}

// anonStore is zero-filled memory charged against the commit limit.
type anonStore struct {
	swapped map[int64]SwapSlot
}

func (a *anonStore) commit(s *store, size int64) error {
	switch {
	case size > s.committed:
		if err := s.vm.commit(size - s.committed); err != nil {
			return err
		}
	case size < s.committed:
		s.vm.uncommit(s.committed - size)
		for idx, slot := range a.swapped {
			if idx*int64(s.vm.pageSize) >= size {
				s.vm.freeSwapSlots(slot, 1)
				delete(a.swapped, idx)
			}
		}
	}
	s.committed = size
	return nil
}

func (a *anonStore) hasPage(_ *store, idx int64) bool {
	_, ok := a.swapped[idx]
	return ok
}

func (a *anonStore) read(s *store, idx int64, buf []byte) error {
	slot, ok := a.swapped[idx]
	if !ok {
		return fmt.Errorf("%w: page %d not swapped out", ErrInvalidArgument, idx)
	}
	if err := s.vm.swapIn(slot, buf); err != nil {
		return err
	}
	s.vm.freeSwapSlots(slot, 1)
	delete(a.swapped, idx)
	return nil
}

func (a *anonStore) fault(*store, int64) (pages.PFN, bool, error) {
	return 0, false, nil
}

func (a *anonStore) release(s *store) {
	for idx, slot := range a.swapped {
		s.vm.freeSwapSlots(slot, 1)
		delete(a.swapped, idx)
	}
}

// swapOut records that the page at idx lives in a swap slot.
func (a *anonStore) swapOut(idx int64, slot SwapSlot) {
	a.swapped[idx] = slot
}

// vnodeStore reads pages from a file. Pages beyond the end of the file
// read as zeros.
type vnodeStore struct {
	file   io.ReaderAt
	offset int64
}

func (f *vnodeStore) commit(s *store, size int64) error {
	s.committed = size
	return nil
}

func (f *vnodeStore) hasPage(s *store, idx int64) bool {
	return idx*int64(s.vm.pageSize) < s.size
}

func (f *vnodeStore) read(s *store, idx int64, buf []byte) error {
	n, err := f.file.ReadAt(buf, f.offset+idx*int64(s.vm.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("vm: failed to read file page %d: %w", idx, err)
	}
	clear(buf[n:])
	return nil
}

func (f *vnodeStore) fault(*store, int64) (pages.PFN, bool, error) {
	return 0, false, nil
}

func (f *vnodeStore) release(*store) {}

// deviceStore maps a fixed range of frames.
type deviceStore struct {
	base  pages.PFN
	count int
}

func (d *deviceStore) commit(s *store, size int64) error {
	s.committed = size
	return nil
}

func (d *deviceStore) hasPage(*store, int64) bool {
	return false
}

func (d *deviceStore) read(*store, int64, []byte) error {
	return fmt.Errorf("%w: device stores have no readable pages", ErrInvalidArgument)
}

func (d *deviceStore) fault(_ *store, idx int64) (pages.PFN, bool, error) {
	if idx < 0 || idx >= int64(d.count) {
		return 0, true, fmt.Errorf("%w: page %d beyond device memory", ErrBadAddress, idx)
	}
	return d.base + pages.PFN(idx), true, nil
}

func (d *deviceStore) release(*store) {}

// nullStore reserves address space. Any access to it faults.
type nullStore struct{}

func (nullStore) commit(s *store, size int64) error {
	s.committed = size
	return nil
}

func (nullStore) hasPage(*store, int64) bool {
	return false
}

func (nullStore) read(*store, int64, []byte) error {
	return fmt.Errorf("%w: null store", ErrBadAddress)
}

func (nullStore) fault(*store, int64) (pages.PFN, bool, error) {
	return 0, true, fmt.Errorf("%w: access to reserved range", ErrBadAddress)
}

func (nullStore) release(*store) {}
