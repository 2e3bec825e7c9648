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

// Package vm implements address spaces and the regions mapped into them.
// Regions are backed by reference counted stores (anonymous, file, device
// or null), populated lazily by faults or eagerly when wired, and mapped
// through a simulated per address space translation map onto the frames
// of a pages.FrameAllocator.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	logger "github.com/containers/vmcore/pkg/log"
	"github.com/containers/vmcore/pkg/pages"
)

const (
	// DefaultKernelBase is the default base of the kernel address space.
	DefaultKernelBase Addr = 0x80000000
	// DefaultKernelSize is the default size of the kernel address space.
	DefaultKernelSize Addr = 0x40000000
	// DefaultMaxAddressSpaces is the default limit of address spaces.
	DefaultMaxAddressSpaces = 1024
	// DefaultMaxRegions is the default limit of regions.
	DefaultMaxRegions = 65536
	// KernelAddressSpaceName is the name of the kernel address space.
	KernelAddressSpaceName = "kernel"
)

var (
	log = logger.Get("vm")
)

// VM is the virtual memory state of a kernel.
type VM struct {
	mu         sync.RWMutex
	frames     *pages.FrameAllocator
	pageSize   int
	aspaces    *table[AspaceID, AddressSpace]
	regions    *table[RegionID, Region]
	kernel     *AddressSpace
	kernelBase Addr
	kernelSize Addr
	maxAspaces int
	maxRegions int
	overcommit bool
	validate   bool

	commitLock  sync.Mutex
	commitLimit int64
	committed   int64

	pinLock sync.Mutex
	pins    map[pages.PFN]int

	swapLock  sync.Mutex
	swap      []*swapArea
	swapAlloc int
	swapNext  SwapSlot

	stores   atomic.Int64
	faults   atomic.Uint64
	pageOuts atomic.Uint64
}

// Option is an option for the VM.
type Option func(*VM) error

// WithKernelSpace sets the range of the kernel address space.
func WithKernelSpace(base, size Addr) Option {
	return func(v *VM) error {
		v.kernelBase = base
		v.kernelSize = size
		return nil
	}
}

// WithOvercommit disables the commit limit for anonymous memory.
func WithOvercommit(enabled bool) Option {
	return func(v *VM) error {
		v.overcommit = enabled
		return nil
	}
}

// WithCommitLimit sets the initial commit limit in bytes. By default it
// is the size of physical memory.
func WithCommitLimit(limit int64) Option {
	return func(v *VM) error {
		if limit < 0 {
			return fmt.Errorf("%w: negative commit limit %d", ErrInvalidArgument, limit)
		}
		v.commitLimit = limit
		return nil
	}
}

// WithMaxAddressSpaces sets the maximum number of address spaces.
func WithMaxAddressSpaces(n int) Option {
	return func(v *VM) error {
		if n < 1 {
			return fmt.Errorf("%w: invalid address space limit %d", ErrInvalidArgument, n)
		}
		v.maxAspaces = n
		return nil
	}
}

// WithMaxRegions sets the maximum number of regions.
func WithMaxRegions(n int) Option {
	return func(v *VM) error {
		if n < 1 {
			return fmt.Errorf("%w: invalid region limit %d", ErrInvalidArgument, n)
		}
		v.maxRegions = n
		return nil
	}
}

// WithValidation enables checking the region lists of address spaces
// after every change. Corruption is fatal.
func WithValidation(enabled bool) Option {
	return func(v *VM) error {
		v.validate = enabled
		return nil
	}
}

// New creates the virtual memory state on top of the given frames,
// including the kernel address space.
func New(frames *pages.FrameAllocator, options ...Option) (*VM, error) {
	if frames == nil {
		return nil, fmt.Errorf("%w: nil frame allocator", ErrInvalidArgument)
	}

	v := &VM{
		frames:      frames,
		pageSize:    frames.PageSize(),
		kernelBase:  DefaultKernelBase,
		kernelSize:  DefaultKernelSize,
		maxAspaces:  DefaultMaxAddressSpaces,
		maxRegions:  DefaultMaxRegions,
		commitLimit: int64(frames.TotalFrames()) * int64(frames.PageSize()),
		pins:        make(map[pages.PFN]int),
	}

	for _, o := range options {
		if err := o(v); err != nil {
			return nil, err
		}
	}

	var err error

	if v.aspaces, err = newTable[AspaceID, AddressSpace](v.maxAspaces); err != nil {
		return nil, err
	}
	if v.regions, err = newTable[RegionID, Region](v.maxRegions); err != nil {
		return nil, err
	}

	id, err := v.CreateAddressSpace(KernelAddressSpaceName, v.kernelBase, v.kernelSize, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel address space: %w", err)
	}
	v.kernel = v.aspaces.lookup(id)

	log.Info("virtual memory up: %d byte pages, commit limit %d bytes, overcommit %v",
		v.pageSize, v.commitLimit, v.overcommit)

	return v, nil
}

// Close deletes every address space and releases all memory.
func (v *VM) Close() error {
	var result *multierror.Error

	for _, id := range v.addressSpaceIDs() {
		if v.kernel != nil && id == v.kernel.id {
			continue
		}
		if err := v.DeleteAddressSpace(id); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if k := v.kernel; k != nil {
		k.Lock()
		for len(k.regions) > 0 {
			v.removeRegion(k, k.regions[len(k.regions)-1])
		}
		k.Unlock()
		k.tmap.destroy()

		v.mu.Lock()
		v.aspaces.remove(k.id)
		v.mu.Unlock()

		k.refLock.Lock()
		k.state = StateDestroyed
		k.refLock.Unlock()
		v.kernel = nil
	}

	v.swapLock.Lock()
	for _, a := range v.swap {
		a.bitmap.Destroy()
	}
	v.swap = nil
	v.swapLock.Unlock()

	return result.ErrorOrNil()
}

// PageSize returns the page size.
func (v *VM) PageSize() int {
	return v.pageSize
}

// Frames returns the frame allocator backing the VM.
func (v *VM) Frames() *pages.FrameAllocator {
	return v.frames
}

// IncreaseMaxCommit raises the commit limit by delta bytes.
func (v *VM) IncreaseMaxCommit(delta int64) {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	v.commitLimit += delta
	log.Debug("commit limit raised by %d to %d bytes", delta, v.commitLimit)
}

// Committed returns the committed bytes and the commit limit.
func (v *VM) Committed() (committed, limit int64) {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()
	return v.committed, v.commitLimit
}

func (v *VM) commit(amount int64) error {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	if !v.overcommit && v.committed+amount > v.commitLimit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d committed",
			ErrWouldOvercommit, amount, v.committed, v.commitLimit)
	}
	v.committed += amount

	return nil
}

func (v *VM) uncommit(amount int64) {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	v.committed -= amount
	if v.committed < 0 {
		log.Panic("commit accounting underflow (%d bytes)", v.committed)
	}
}

func (v *VM) pageBase(addr Addr) Addr {
	return addr &^ Addr(v.pageSize-1)
}

func (v *VM) pageAlign(size Addr) Addr {
	return (size + Addr(v.pageSize-1)) &^ Addr(v.pageSize-1)
}

func (v *VM) aligned(addr Addr) bool {
	return addr&Addr(v.pageSize-1) == 0
}

// Validate checks the consistency of all address spaces and regions.
func (v *VM) Validate() error {
	for _, id := range v.addressSpaceIDs() {
		as, err := v.getAspace(id)
		if err != nil {
			continue
		}
		as.RLock()
		err = v.validateAspace(as)
		as.RUnlock()
		as.Put()
		if err != nil {
			return err
		}
	}

	v.commitLock.Lock()
	committed := v.committed
	v.commitLock.Unlock()
	if committed < 0 {
		return fmt.Errorf("vm: negative committed memory %d", committed)
	}

	return v.frames.Validate()
}

func (v *VM) validateAspace(as *AddressSpace) error {
	prevEnd := as.base
	for i, r := range as.regions {
		switch {
		case r.aspace != as:
			return fmt.Errorf("vm: region %s of %s belongs to another address space", r.id, as.name)
		case r.size == 0 || !v.aligned(r.base) || !v.aligned(r.size):
			return fmt.Errorf("vm: region %s has invalid range %#x+%#x", r.id, r.base, r.size)
		case r.base < prevEnd:
			return fmt.Errorf("vm: region %s (%d) at %#x overlaps previous region ending at %#x",
				r.id, i, r.base, prevEnd)
		case r.end() > as.end():
			return fmt.Errorf("vm: region %s ends at %#x beyond %s (%#x)", r.id, r.end(), as.name, as.end())
		case r.store == nil || r.store.refs.Load() < 1:
			return fmt.Errorf("vm: region %s has no valid backing store", r.id)
		}

		v.mu.RLock()
		registered := v.regions.lookup(r.id) == r
		v.mu.RUnlock()
		if !registered {
			return fmt.Errorf("vm: region %s of %s is not registered", r.id, as.name)
		}
		if !r.store.hasRegion(r.id) {
			return fmt.Errorf("vm: region %s is not attached to its store", r.id)
		}

		prevEnd = r.end()
	}

	return nil
}

// check validates an address space after a change if enabled.
func (v *VM) check(as *AddressSpace) {
	if !v.validate {
		return
	}
	if err := v.validateAspace(as); err != nil {
		log.Panic("address space %s corrupted: %v", as.name, err)
	}
}
