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

	"github.com/containers/vmcore/pkg/pages"
)

// Fault resolves a fault at addr in an address space, mapping the page
// with the protection of its region. Faults on unmapped addresses fail
// with ErrBadAddress, forbidden accesses with ErrPermission.
func (v *VM) Fault(aid AspaceID, addr Addr, write, user bool) error {
	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	return v.fault(as, addr, write, user)
}

// fault resolves a fault with the address space read-locked.
func (v *VM) fault(as *AddressSpace, addr Addr, write, user bool) error {
	va := v.pageBase(addr)

	as.faults.Add(1)
	v.faults.Add(1)

	r := as.regionAt(va)
	if r == nil {
		return fmt.Errorf("%w: %#x not covered by any region of %s", ErrBadAddress, addr, as.name)
	}
	if user && r.lock&LockKernel != 0 {
		return fmt.Errorf("%w: user access to kernel region %q", ErrPermission, r.name)
	}
	if write && r.lock&LockWrite == 0 {
		return fmt.Errorf("%w: write to read-only region %q", ErrPermission, r.name)
	}

	if e, ok := as.tmap.query(va); ok && (!write || e.prot&LockWrite != 0) {
		return nil
	}

	top := r.store
	idx := r.pageIndex(va, v.pageSize)

	top.Lock()
	pfn, handled, err := top.ops.fault(top, idx)
	top.Unlock()
	if handled {
		if err != nil {
			return err
		}
		as.tmap.mapPage(va, pfn, r.lock, false)
		return nil
	}

	pfn, owner, err := v.findPage(top, idx, write)
	if err != nil {
		return err
	}

	if owner != top && write {
		if pfn, err = v.copyPage(top, idx, pfn); err != nil {
			return err
		}
		owner = top
	}

	prot := r.lock
	if owner != top {
		prot &^= LockWrite
	}

	as.tmap.mapPage(va, pfn, prot, true)
	v.frames.Unref(pfn)

	return nil
}

// findPage looks up the page at idx along the store chain starting at top,
// reading it from the first store with data for it. If no store has the
// page a zeroed one is put into the top store for writes and into the
// bottom store for reads. The returned frame carries an extra reference
// for the caller.
func (v *VM) findPage(top *store, idx int64, write bool) (pages.PFN, *store, error) {
	last := top

	for s := top; s != nil; {
		s.Lock()

		if pfn, ok := s.lookup(idx); ok {
			v.frames.Ref(pfn)
			s.Unlock()
			return pfn, s, nil
		}

		if s.ops.hasPage(s, idx) {
			pfn, err := v.allocPage()
			if err != nil {
				s.Unlock()
				return 0, nil, err
			}
			if err := s.ops.read(s, idx, v.frames.Frame(pfn)); err != nil {
				v.frames.Unref(pfn)
				s.Unlock()
				return 0, nil, err
			}
			s.insert(idx, pfn)
			v.frames.Ref(pfn)
			s.Unlock()
			return pfn, s, nil
		}

		next := s.source
		s.Unlock()

		last = s
		s = next
	}

	target := last
	if write {
		target = top
	}

	pfn, err := v.allocPage()
	if err != nil {
		return 0, nil, err
	}

	target.Lock()
	defer target.Unlock()

	if old, ok := target.lookup(idx); ok {
		v.frames.Unref(pfn)
		v.frames.Ref(old)
		return old, target, nil
	}
	target.insert(idx, pfn)
	v.frames.Ref(pfn)

	return pfn, target, nil
}

// copyPage copies the frame src into the top store at idx. It consumes
// the caller's reference to src and returns the copy with an extra
// reference for the caller.
func (v *VM) copyPage(top *store, idx int64, src pages.PFN) (pages.PFN, error) {
	defer v.frames.Unref(src)

	pfn, err := v.allocPage()
	if err != nil {
		return 0, err
	}
	copy(v.frames.Frame(pfn), v.frames.Frame(src))

	top.Lock()
	defer top.Unlock()

	if old, ok := top.lookup(idx); ok {
		v.frames.Unref(pfn)
		v.frames.Ref(old)
		return old, nil
	}
	top.insert(idx, pfn)
	v.frames.Ref(pfn)

	return pfn, nil
}

func (v *VM) allocPage() (pages.PFN, error) {
	pfn, err := v.frames.AllocateFrames(1)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	return pfn, nil
}

// PageMapping returns the physical address vaddr is mapped to.
func (v *VM) PageMapping(aid AspaceID, vaddr Addr) (pages.PhysAddr, error) {
	as, err := v.getAspace(aid)
	if err != nil {
		return 0, err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	va := v.pageBase(vaddr)
	e, ok := as.tmap.query(va)
	if !ok {
		return 0, fmt.Errorf("%w: %#x not mapped in %s", ErrBadAddress, vaddr, as.name)
	}

	return v.frames.Addr(e.pfn) + pages.PhysAddr(vaddr-va), nil
}

// Read copies memory at addr of an address space into buf, faulting
// pages in as necessary.
func (v *VM) Read(aid AspaceID, addr Addr, buf []byte) error {
	return v.access(aid, addr, buf, false)
}

// Write copies data into memory at addr of an address space, faulting
// pages in and copying them on write as necessary.
func (v *VM) Write(aid AspaceID, addr Addr, data []byte) error {
	return v.access(aid, addr, data, true)
}

func (v *VM) access(aid AspaceID, addr Addr, buf []byte, write bool) error {
	as, err := v.getAspace(aid)
	if err != nil {
		return err
	}
	defer as.Put()

	as.RLock()
	defer as.RUnlock()

	for done := 0; done < len(buf); {
		va := addr + Addr(done)
		if va < addr {
			return fmt.Errorf("%w: access wraps around at %#x", ErrBadAddress, va)
		}

		if err := v.fault(as, va, write, false); err != nil {
			return err
		}

		page := v.pageBase(va)
		e, ok := as.tmap.query(page)
		if !ok {
			return fmt.Errorf("%w: %#x not mapped after fault", ErrBadAddress, va)
		}

		m, err := v.GetPhysicalPage(v.frames.Addr(e.pfn) + pages.PhysAddr(va-page))
		if err != nil {
			return err
		}
		var n int
		if write {
			n = copy(m.Data, buf[done:])
		} else {
			n = copy(buf[done:], m.Data)
		}
		if err := v.PutPhysicalPage(m); err != nil {
			return err
		}

		done += n
	}

	return nil
}
