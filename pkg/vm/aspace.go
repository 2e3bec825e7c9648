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
	"sort"
	"sync"
	"sync/atomic"
)

// AddressSpace is a virtual memory context of a process or the kernel.
// References are taken with VM.GetAddressSpace and dropped with Put.
type AddressSpace struct {
	sync.RWMutex // protects regions and changes
	vm           *VM
	id           AspaceID
	name         string
	base         Addr
	size         Addr
	kernel       bool
	regions      []*Region // sorted by base
	changes      int
	tmap         *translationMap
	faults       atomic.Uint64

	refLock sync.Mutex
	drained *sync.Cond
	refs    int
	state   State
}

// CreateAddressSpace creates an address space covering [base, base+size).
func (v *VM) CreateAddressSpace(name string, base, size Addr, kernel bool) (AspaceID, error) {
	switch {
	case size == 0:
		return InvalidAspace, fmt.Errorf("%w: empty address space %q", ErrInvalidArgument, name)
	case !v.aligned(base) || !v.aligned(size):
		return InvalidAspace, fmt.Errorf("%w: address space %q range %#x+%#x not page aligned",
			ErrInvalidArgument, name, base, size)
	case base+size < base:
		return InvalidAspace, fmt.Errorf("%w: address space %q range %#x+%#x wraps around",
			ErrInvalidArgument, name, base, size)
	}

	as := &AddressSpace{
		vm:     v,
		name:   name,
		base:   base,
		size:   size,
		kernel: kernel,
		tmap:   newTranslationMap(v.frames),
		state:  StateActive,
	}
	as.drained = sync.NewCond(&as.refLock)

	v.mu.Lock()
	id, err := v.aspaces.insert(as)
	if err == nil {
		as.id = id
	}
	v.mu.Unlock()

	if err != nil {
		return InvalidAspace, fmt.Errorf("failed to create address space %q: %w", name, err)
	}

	log.Debug("created address space %s (%s): %#x-%#x", name, id, base, base+size)

	return id, nil
}

// DeleteAddressSpace deletes an address space and all of its regions. It
// returns once every reference to the address space has been put, after
// which the id is no longer found.
func (v *VM) DeleteAddressSpace(id AspaceID) error {
	as, err := v.getAspace(id)
	if err != nil {
		return err
	}

	if as == v.kernel {
		as.Put()
		return fmt.Errorf("%w: the kernel address space can't be deleted", ErrInvalidArgument)
	}

	as.refLock.Lock()
	if as.state != StateActive {
		as.refLock.Unlock()
		as.Put()
		return fmt.Errorf("%w: address space %s", ErrDeleting, as.name)
	}
	as.state = StateDeleting
	as.refLock.Unlock()

	as.Lock()
	for len(as.regions) > 0 {
		v.removeRegion(as, as.regions[len(as.regions)-1])
	}
	as.Unlock()

	as.Put()

	as.refLock.Lock()
	for as.refs > 0 {
		as.drained.Wait()
	}
	as.state = StateDestroyed
	as.refLock.Unlock()

	v.mu.Lock()
	v.aspaces.remove(id)
	v.mu.Unlock()

	as.tmap.destroy()

	log.Debug("deleted address space %s (%s)", as.name, id)

	return nil
}

// GetAddressSpace returns a reference to an active address space. The
// reference must be dropped with Put.
func (v *VM) GetAddressSpace(id AspaceID) (*AddressSpace, error) {
	return v.getAspace(id)
}

// KernelAddressSpace returns the id of the kernel address space.
func (v *VM) KernelAddressSpace() AspaceID {
	return v.kernel.id
}

// AddressSpaces returns the ids of all address spaces.
func (v *VM) AddressSpaces() []AspaceID {
	return v.addressSpaceIDs()
}

func (v *VM) getAspace(id AspaceID) (*AddressSpace, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	as := v.aspaces.lookup(id)
	if as == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAspace, id)
	}
	if err := as.acquire(); err != nil {
		return nil, err
	}

	return as, nil
}

func (v *VM) addressSpaceIDs() []AspaceID {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]AspaceID, 0, v.aspaces.len())
	v.aspaces.each(func(id AspaceID, _ *AddressSpace) bool {
		ids = append(ids, id)
		return true
	})

	return ids
}

func (as *AddressSpace) acquire() error {
	as.refLock.Lock()
	defer as.refLock.Unlock()

	if as.state != StateActive {
		return fmt.Errorf("%w: address space %s is %s", ErrDeleting, as.name, as.state)
	}
	as.refs++

	return nil
}

// Put drops a reference to the address space.
func (as *AddressSpace) Put() {
	as.refLock.Lock()
	defer as.refLock.Unlock()

	as.refs--
	switch {
	case as.refs == 0:
		as.drained.Broadcast()
	case as.refs < 0:
		log.Panic("address space %s put too many times", as.name)
	}
}

// ID returns the id of the address space.
func (as *AddressSpace) ID() AspaceID {
	return as.id
}

// Name returns the name of the address space.
func (as *AddressSpace) Name() string {
	return as.name
}

// Base returns the lowest address of the address space.
func (as *AddressSpace) Base() Addr {
	return as.base
}

// Size returns the size of the address space.
func (as *AddressSpace) Size() Addr {
	return as.size
}

// IsKernel returns true for kernel address spaces.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// State returns the state of the address space.
func (as *AddressSpace) State() State {
	as.refLock.Lock()
	defer as.refLock.Unlock()
	return as.state
}

// Faults returns the number of faults taken in the address space.
func (as *AddressSpace) Faults() uint64 {
	return as.faults.Load()
}

func (as *AddressSpace) end() Addr {
	return as.base + as.size
}

func (as *AddressSpace) active() bool {
	as.refLock.Lock()
	defer as.refLock.Unlock()
	return as.state == StateActive
}

// regionAt returns the region containing addr.
func (as *AddressSpace) regionAt(addr Addr) *Region {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].end() > addr
	})
	if i < len(as.regions) && as.regions[i].base <= addr {
		return as.regions[i]
	}
	return nil
}

func (as *AddressSpace) regionIndex(r *Region) int {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].base >= r.base
	})
	if i < len(as.regions) && as.regions[i] == r {
		return i
	}
	return -1
}

// findSlot finds a range for a new region of size bytes, returning its
// base and its index in the region list.
func (as *AddressSpace) findSlot(addr Addr, size Addr, addrType AddressType) (Addr, int, error) {
	switch addrType {
	case AnyAddress:
		next := as.base
		for i, r := range as.regions {
			if r.base-next >= size {
				return next, i, nil
			}
			next = r.end()
		}
		if as.end()-next >= size {
			return next, len(as.regions), nil
		}
		return 0, -1, fmt.Errorf("%w: no free range of %#x bytes in %s", ErrNoMemory, size, as.name)

	case ExactAddress:
		if addr < as.base || addr+size < addr || addr+size > as.end() {
			return 0, -1, fmt.Errorf("%w: range %#x+%#x outside %s (%#x-%#x)",
				ErrInvalidArgument, addr, size, as.name, as.base, as.end())
		}
		i := sort.Search(len(as.regions), func(i int) bool {
			return as.regions[i].base >= addr
		})
		if i > 0 && as.regions[i-1].end() > addr {
			return 0, -1, fmt.Errorf("%w: %#x+%#x overlaps %s", ErrNoRegionSlot, addr, size, as.regions[i-1].id)
		}
		if i < len(as.regions) && as.regions[i].base < addr+size {
			return 0, -1, fmt.Errorf("%w: %#x+%#x overlaps %s", ErrNoRegionSlot, addr, size, as.regions[i].id)
		}
		return addr, i, nil
	}

	return 0, -1, fmt.Errorf("%w: invalid address type %s", ErrInvalidArgument, addrType)
}
