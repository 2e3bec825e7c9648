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
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/containers/vmcore/pkg/instrumentation/tracing"
	"github.com/containers/vmcore/pkg/pages"
)

// Region is a named range of an address space backed by a store.
type Region struct {
	id      RegionID
	name    string
	aspace  *AddressSpace
	base    Addr
	size    Addr
	wiring  Wiring
	lock    Lock
	mapping Mapping
	store   *store
	offset  int64 // offset of base in store
}

// RegionInfo describes a region.
type RegionInfo struct {
	ID       RegionID
	Aspace   AspaceID
	Name     string
	Base     Addr
	Size     Addr
	Lock     Lock
	Wiring   Wiring
	Mapping  Mapping
	Store    StoreKind
	Resident int
}

// End returns the first address past the region.
func (i RegionInfo) End() Addr {
	return i.Base + i.Size
}

func (r *Region) end() Addr {
	return r.base + r.size
}

func (r *Region) info() RegionInfo {
	kind := r.store.kind
	if r.mapping == PrivateMap && r.store.source != nil {
		kind = r.store.source.kind
	}
	return RegionInfo{
		ID:       r.id,
		Aspace:   r.aspace.id,
		Name:     r.name,
		Base:     r.base,
		Size:     r.size,
		Lock:     r.lock,
		Wiring:   r.wiring,
		Mapping:  r.mapping,
		Store:    kind,
		Resident: r.store.resident(),
	}
}

// pageIndex returns the index of the store page backing va.
func (r *Region) pageIndex(va Addr, pageSize int) int64 {
	return (int64(va-r.base) + r.offset) / int64(pageSize)
}

type regionRequest struct {
	name     string
	addr     Addr
	addrType AddressType
	size     Addr
	offset   int64
	wiring   Wiring
	lock     Lock
	mapping  Mapping
}

func startSpan(name string, attrs ...tracing.KeyValue) *tracing.Span {
	_, span := tracing.StartSpan(context.Background(), "vm."+name, attrs...)
	return span
}

// CreateAnonymousRegion creates a region of zero-filled memory.
func (v *VM) CreateAnonymousRegion(aid AspaceID, name string, addr Addr, addrType AddressType,
	size Addr, wiring Wiring, lock Lock) (rid RegionID, base Addr, err error) {
	span := startSpan("CreateAnonymousRegion",
		tracing.Attribute("aspace", aid), tracing.Attribute("name", name),
		tracing.Attribute("size", int64(size)), tracing.Attribute("wiring", wiring))
	defer func() { span.End(err) }()

	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, 0, err
	}
	defer as.Put()

	s := v.newAnonymousStore()
	r, err := v.mapBackingStore(as, s, regionRequest{
		name:     name,
		addr:     addr,
		addrType: addrType,
		size:     size,
		wiring:   wiring,
		lock:     lock,
		mapping:  SharedMap,
	})
	s.release()
	if err != nil {
		return InvalidRegion, 0, err
	}

	switch wiring {
	case WiringWired:
		err = v.populate(as, r)
	case WiringWiredContig:
		err = v.populateContig(as, r)
	}
	if err != nil {
		v.rollback(as, r)
		return InvalidRegion, 0, fmt.Errorf("failed to wire region %q: %w", name, err)
	}

	return r.id, r.base, nil
}

// MapPhysicalMemory creates a region mapping the physical range starting
// at paddr. The pages are mapped immediately and never freed by the VM.
func (v *VM) MapPhysicalMemory(aid AspaceID, name string, addr Addr, addrType AddressType,
	size Addr, lock Lock, paddr pages.PhysAddr) (rid RegionID, base Addr, err error) {
	span := startSpan("MapPhysicalMemory",
		tracing.Attribute("aspace", aid), tracing.Attribute("name", name),
		tracing.Attribute("size", int64(size)), tracing.Attribute("paddr", uint64(paddr)))
	defer func() { span.End(err) }()

	if paddr%pages.PhysAddr(v.pageSize) != 0 {
		return InvalidRegion, 0, fmt.Errorf("%w: physical address %#x not page aligned", ErrInvalidArgument, paddr)
	}
	if size == 0 {
		return InvalidRegion, 0, fmt.Errorf("%w: empty region %q", ErrInvalidArgument, name)
	}

	size = v.pageAlign(size)
	first, err := v.frames.PFN(paddr)
	if err != nil {
		return InvalidRegion, 0, err
	}
	if _, err = v.frames.PFN(paddr + pages.PhysAddr(size) - 1); err != nil {
		return InvalidRegion, 0, err
	}

	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, 0, err
	}
	defer as.Put()

	s := v.newDeviceStore(first, int(size)/v.pageSize)
	r, err := v.mapBackingStore(as, s, regionRequest{
		name:     name,
		addr:     addr,
		addrType: addrType,
		size:     size,
		wiring:   WiringWired,
		lock:     lock,
		mapping:  SharedMap,
	})
	s.release()
	if err != nil {
		return InvalidRegion, 0, err
	}

	if err = v.populate(as, r); err != nil {
		v.rollback(as, r)
		return InvalidRegion, 0, fmt.Errorf("failed to map physical memory for %q: %w", name, err)
	}

	return r.id, r.base, nil
}

// MapFile creates a region backed by the contents of file starting at
// offset. Private mappings copy pages on write, shared mappings write to
// the cached file pages. Cached pages are never written back.
func (v *VM) MapFile(aid AspaceID, name string, addr Addr, addrType AddressType, size Addr,
	lock Lock, mapping Mapping, file io.ReaderAt, offset int64) (rid RegionID, base Addr, err error) {
	span := startSpan("MapFile",
		tracing.Attribute("aspace", aid), tracing.Attribute("name", name),
		tracing.Attribute("size", int64(size)), tracing.Attribute("mapping", mapping))
	defer func() { span.End(err) }()

	switch {
	case file == nil:
		return InvalidRegion, 0, fmt.Errorf("%w: no file to map for %q", ErrInvalidArgument, name)
	case offset < 0 || offset%int64(v.pageSize) != 0:
		return InvalidRegion, 0, fmt.Errorf("%w: file offset %d not page aligned", ErrInvalidArgument, offset)
	}

	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, 0, err
	}
	defer as.Put()

	s := v.newVnodeStore(file, offset)
	r, err := v.mapBackingStore(as, s, regionRequest{
		name:     name,
		addr:     addr,
		addrType: addrType,
		size:     size,
		wiring:   WiringLazy,
		lock:     lock,
		mapping:  mapping,
	})
	s.release()
	if err != nil {
		return InvalidRegion, 0, err
	}

	return r.id, r.base, nil
}

// CreateNullRegion reserves a range of the address space. Accessing it
// faults with ErrBadAddress.
func (v *VM) CreateNullRegion(aid AspaceID, name string, addr Addr, addrType AddressType,
	size Addr) (rid RegionID, base Addr, err error) {
	span := startSpan("CreateNullRegion",
		tracing.Attribute("aspace", aid), tracing.Attribute("name", name),
		tracing.Attribute("size", int64(size)))
	defer func() { span.End(err) }()

	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, 0, err
	}
	defer as.Put()

	s := v.newNullStore()
	r, err := v.mapBackingStore(as, s, regionRequest{
		name:     name,
		addr:     addr,
		addrType: addrType,
		size:     size,
		wiring:   WiringLazy,
		mapping:  SharedMap,
	})
	s.release()
	if err != nil {
		return InvalidRegion, 0, err
	}

	return r.id, r.base, nil
}

// CloneRegion creates a region in aid backed by the store of the source
// region. Shared clones see the same pages, private clones copy pages
// into a store of their own on write.
func (v *VM) CloneRegion(aid AspaceID, name string, addr Addr, addrType AddressType,
	source RegionID, mapping Mapping, lock Lock) (rid RegionID, base Addr, err error) {
	span := startSpan("CloneRegion",
		tracing.Attribute("aspace", aid), tracing.Attribute("name", name),
		tracing.Attribute("source", source), tracing.Attribute("mapping", mapping))
	defer func() { span.End(err) }()

	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, 0, err
	}
	defer as.Put()

	src, srcAs := v.lookupRegion(source)
	if src == nil {
		return InvalidRegion, 0, fmt.Errorf("%w: %s", ErrInvalidRegion, source)
	}

	srcAs.RLock()
	if v.regionByID(source) != src {
		srcAs.RUnlock()
		return InvalidRegion, 0, fmt.Errorf("%w: %s", ErrInvalidRegion, source)
	}
	s := src.store
	s.acquire()
	req := regionRequest{
		name:     name,
		addr:     addr,
		addrType: addrType,
		size:     src.size,
		offset:   src.offset,
		wiring:   src.wiring,
		lock:     lock,
		mapping:  mapping,
	}
	srcAs.RUnlock()
	defer s.release()

	if mapping == PrivateMap && (s.kind == StoreDevice || s.kind == StoreNull) {
		return InvalidRegion, 0, fmt.Errorf("%w: %s stores can't be mapped privately",
			ErrInvalidArgument, s.kind)
	}

	r, err := v.mapBackingStore(as, s, req)
	if err != nil {
		return InvalidRegion, 0, err
	}

	if req.wiring != WiringLazy {
		if err = v.populate(as, r); err != nil {
			v.rollback(as, r)
			return InvalidRegion, 0, fmt.Errorf("failed to wire clone %q: %w", name, err)
		}
	}

	return r.id, r.base, nil
}

// DeleteRegion deletes a region of an address space, unmapping its pages
// and dropping its reference to its store.
func (v *VM) DeleteRegion(aid AspaceID, rid RegionID) (err error) {
	span := startSpan("DeleteRegion", tracing.Attribute("aspace", aid), tracing.Attribute("region", rid))
	defer func() { span.End(err) }()

	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	as.Lock()
	defer as.Unlock()

	r := v.regionByID(rid)
	if r == nil || r.aspace != as {
		return fmt.Errorf("%w: %s in %s", ErrInvalidRegion, rid, as.name)
	}

	v.removeRegion(as, r)

	return nil
}

// SetRegionProtection changes the protection of a region. Pages already
// mapped lose any access the new protection drops, and writes to pages
// shared copy-on-write still copy them first.
func (v *VM) SetRegionProtection(aid AspaceID, rid RegionID, lock Lock) (err error) {
	span := startSpan("SetRegionProtection", tracing.Attribute("aspace", aid),
		tracing.Attribute("region", rid), tracing.Attribute("lock", lock))
	defer func() { span.End(err) }()

	if lock&^(LockRW|LockKernel) != 0 {
		return fmt.Errorf("%w: invalid protection %#x", ErrInvalidArgument, uint(lock))
	}

	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	as.Lock()
	defer as.Unlock()

	r := v.regionByID(rid)
	if r == nil || r.aspace != as {
		return fmt.Errorf("%w: %s in %s", ErrInvalidRegion, rid, as.name)
	}
	if r.store.kind == StoreNull {
		return fmt.Errorf("%w: can't change protection of null region %q", ErrInvalidArgument, r.name)
	}

	r.lock = lock
	n := as.tmap.protect(r.base, r.end(), lock)

	log.Debug("region %q (%s) of %s: protection %s, %d mapped pages updated", r.name, r.id,
		as.name, lock, n)

	return nil
}

// RegionInfo returns information about a region.
func (v *VM) RegionInfo(rid RegionID) (RegionInfo, error) {
	r, as := v.lookupRegion(rid)
	if r == nil {
		return RegionInfo{}, fmt.Errorf("%w: %s", ErrInvalidRegion, rid)
	}

	as.RLock()
	defer as.RUnlock()

	if v.regionByID(rid) != r {
		return RegionInfo{}, fmt.Errorf("%w: %s", ErrInvalidRegion, rid)
	}

	return r.info(), nil
}

// FindRegionByName returns the first region of an address space with the
// given name.
func (v *VM) FindRegionByName(aid AspaceID, name string) (RegionID, error) {
	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	for _, r := range as.regions {
		if r.name == name {
			return r.id, nil
		}
	}

	return InvalidRegion, fmt.Errorf("%w: no region %q in %s", ErrInvalidRegion, name, as.name)
}

// FindRegionByAddress returns the region of an address space containing addr.
func (v *VM) FindRegionByAddress(aid AspaceID, addr Addr) (RegionID, error) {
	as, err := v.getAspace(aid)
	if err != nil {
		return InvalidRegion, err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	if r := as.regionAt(addr); r != nil {
		return r.id, nil
	}

	return InvalidRegion, fmt.Errorf("%w: no region at %#x in %s", ErrInvalidRegion, addr, as.name)
}

// Regions returns information about the regions of an address space in
// address order.
func (v *VM) Regions(aid AspaceID) ([]RegionInfo, error) {
	as, err := v.getAspace(aid)
	if err != nil {
		return nil, err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	infos := make([]RegionInfo, 0, len(as.regions))
	for _, r := range as.regions {
		infos = append(infos, r.info())
	}

	return infos, nil
}

// ResizeRegion changes the size of a region and of every other region
// sharing its store. The regions grow or shrink in place. Growing fails if
// any of them would overlap the region following it.
func (v *VM) ResizeRegion(aid AspaceID, rid RegionID, newSize Addr) (err error) {
	span := startSpan("ResizeRegion", tracing.Attribute("aspace", aid),
		tracing.Attribute("region", rid), tracing.Attribute("size", int64(newSize)))
	defer func() { span.End(err) }()

	if newSize == 0 {
		return fmt.Errorf("%w: can't resize region to zero", ErrInvalidArgument)
	}
	newSize = v.pageAlign(newSize)

	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	for {
		as.RLock()
		r := v.regionByID(rid)
		if r == nil || r.aspace != as {
			as.RUnlock()
			return fmt.Errorf("%w: %s in %s", ErrInvalidRegion, rid, as.name)
		}
		s := r.store
		as.RUnlock()

		ids := s.regionIDs()
		locked := v.lockStoreAspaces(ids)

		if v.regionByID(rid) == r && v.allRegions(ids) && sameRegions(ids, s.regionIDs()) {
			err = v.resizeStoreRegions(s, ids, newSize)
			unlockAspaces(locked)
			return err
		}

		unlockAspaces(locked)
	}
}

func (v *VM) resizeStoreRegions(s *store, ids []RegionID, newSize Addr) error {
	regions := make([]*Region, 0, len(ids))
	for _, id := range ids {
		r := v.regionByID(id)
		as := r.aspace

		if r.base+newSize < r.base || r.base+newSize > as.end() {
			return fmt.Errorf("%w: region %s can't grow beyond %s", ErrNoRegionSlot, r.id, as.name)
		}
		idx := as.regionIndex(r)
		if idx < 0 {
			log.Panic("region %s missing from %s", r.id, as.name)
		}
		if idx+1 < len(as.regions) && as.regions[idx+1].base < r.base+newSize {
			return fmt.Errorf("%w: resized region %s would overlap %s",
				ErrNoRegionSlot, r.id, as.regions[idx+1].id)
		}
		regions = append(regions, r)
	}

	if len(regions) == 0 {
		return nil
	}

	offset := regions[0].offset
	oldSize := regions[0].size

	if newSize > oldSize {
		if err := s.commit(offset + int64(newSize)); err != nil {
			return err
		}
	}

	for _, r := range regions {
		if newSize < r.size {
			r.aspace.tmap.unmap(r.base+newSize, r.end())
		}
		r.size = newSize
		r.aspace.changes++
		v.check(r.aspace)
	}

	if newSize < oldSize {
		s.shrink(offset+int64(newSize), v.pageSize)
	}

	log.Debug("resized %d regions of %s store from %#x to %#x bytes", len(regions), s.kind, oldSize, newSize)

	return nil
}

// lockStoreAspaces write-locks the address spaces of the given regions in
// id order.
func (v *VM) lockStoreAspaces(ids []RegionID) []*AddressSpace {
	seen := map[*AddressSpace]struct{}{}
	aspaces := []*AddressSpace{}
	for _, id := range ids {
		r, as := v.lookupRegion(id)
		if r == nil {
			continue
		}
		if _, ok := seen[as]; !ok {
			seen[as] = struct{}{}
			aspaces = append(aspaces, as)
		}
	}

	sort.Slice(aspaces, func(i, j int) bool {
		return aspaces[i].id < aspaces[j].id
	})
	for _, as := range aspaces {
		as.Lock()
	}

	return aspaces
}

func unlockAspaces(aspaces []*AddressSpace) {
	for i := len(aspaces) - 1; i >= 0; i-- {
		aspaces[i].Unlock()
	}
}

func (v *VM) allRegions(ids []RegionID) bool {
	for _, id := range ids {
		if v.regionByID(id) == nil {
			return false
		}
	}
	return true
}

func sameRegions(a, b []RegionID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mapBackingStore creates a region for the store in the address space.
// The caller holds a reference to the store. For private mappings a
// temporary anonymous store is stacked on top of it.
func (v *VM) mapBackingStore(as *AddressSpace, s *store, req regionRequest) (*Region, error) {
	if req.size == 0 {
		return nil, fmt.Errorf("%w: empty region %q", ErrInvalidArgument, req.name)
	}
	if req.addrType == ExactAddress && !v.aligned(req.addr) {
		return nil, fmt.Errorf("%w: region address %#x not page aligned", ErrInvalidArgument, req.addr)
	}
	if req.mapping != SharedMap && req.mapping != PrivateMap {
		return nil, fmt.Errorf("%w: invalid mapping %s", ErrInvalidArgument, req.mapping)
	}
	req.size = v.pageAlign(req.size)

	if req.mapping == PrivateMap {
		top := v.newAnonymousStore()
		s.acquire()
		top.source = s
		s = top
		defer top.release()
	}

	if err := s.commit(req.offset + int64(req.size)); err != nil {
		return nil, fmt.Errorf("failed to commit memory for region %q: %w", req.name, err)
	}

	as.Lock()
	defer as.Unlock()

	if !as.active() {
		return nil, fmt.Errorf("%w: address space %s", ErrDeleting, as.name)
	}

	base, idx, err := as.findSlot(req.addr, req.size, req.addrType)
	if err != nil {
		return nil, err
	}

	r := &Region{
		name:    req.name,
		aspace:  as,
		base:    base,
		size:    req.size,
		wiring:  req.wiring,
		lock:    req.lock,
		mapping: req.mapping,
		store:   s,
		offset:  req.offset,
	}

	v.mu.Lock()
	r.id, err = v.regions.insert(r)
	v.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create region %q: %w", req.name, err)
	}

	s.acquire()
	s.attach(r.id)

	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r
	as.changes++

	v.check(as)

	log.Debug("created %s region %q (%s) in %s: %#x-%#x, %s, %s, %s", s.kind, r.name, r.id,
		as.name, r.base, r.end(), r.wiring, r.lock, r.mapping)

	return r, nil
}

// removeRegion removes a region from its address space, which the caller
// holds write-locked.
func (v *VM) removeRegion(as *AddressSpace, r *Region) {
	idx := as.regionIndex(r)
	if idx < 0 {
		log.Panic("region %s not found in region list of %s", r.id, as.name)
	}

	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)
	as.changes++
	as.tmap.unmap(r.base, r.end())

	v.mu.Lock()
	v.regions.remove(r.id)
	v.mu.Unlock()

	r.store.detach(r.id)
	r.store.release()

	v.check(as)

	log.Debug("deleted region %q (%s) of %s", r.name, r.id, as.name)
}

// rollback undoes the creation of a region unless it is already gone.
func (v *VM) rollback(as *AddressSpace, r *Region) {
	as.Lock()
	defer as.Unlock()

	if v.regionByID(r.id) == r {
		v.removeRegion(as, r)
	}
}

func (v *VM) regionByID(rid RegionID) *Region {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.regions.lookup(rid)
}

func (v *VM) lookupRegion(rid RegionID) (*Region, *AddressSpace) {
	r := v.regionByID(rid)
	if r == nil {
		return nil, nil
	}
	return r, r.aspace
}

// populate faults in every page of a region.
func (v *VM) populate(as *AddressSpace, r *Region) error {
	as.RLock()
	defer as.RUnlock()

	if v.regionByID(r.id) != r {
		return fmt.Errorf("%w: %s deleted while wiring", ErrInvalidRegion, r.id)
	}

	for va := r.base; va < r.end(); va += Addr(v.pageSize) {
		if err := v.fault(as, va, false, false); err != nil {
			return err
		}
	}

	return nil
}

// populateContig backs a region with a physically contiguous frame run.
func (v *VM) populateContig(as *AddressSpace, r *Region) error {
	as.RLock()
	defer as.RUnlock()

	if v.regionByID(r.id) != r {
		return fmt.Errorf("%w: %s deleted while wiring", ErrInvalidRegion, r.id)
	}

	count := int(r.size) / v.pageSize
	first, err := v.frames.AllocateFrames(count)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	s := r.store
	s.Lock()
	for i := 0; i < count; i++ {
		s.insert(r.pageIndex(r.base, v.pageSize)+int64(i), first+pages.PFN(i))
	}
	s.Unlock()

	for i := 0; i < count; i++ {
		as.tmap.mapPage(r.base+Addr(i*v.pageSize), first+pages.PFN(i), r.lock, true)
	}

	return nil
}
