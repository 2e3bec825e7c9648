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

package pages

import (
	"fmt"
	"sync"

	"github.com/containers/vmcore/pkg/radix"
)

// PFN is a physical frame number.
type PFN int

// PhysAddr is a physical address.
type PhysAddr uint64

// FrameAllocator manages the physical memory of the kernel: an arena of
// page frames obtained from a Source, handed out by frame number. Every
// allocated frame carries a reference count so that frames can be shared.
type FrameAllocator struct {
	sync.Mutex
	source   Source
	arena    Run
	pageSize int
	frames   int
	bitmap   *radix.Bitmap
	refs     []int32
}

// NewFrameAllocator creates a frame allocator for the given number of
// frames from the source.
func NewFrameAllocator(source Source, frames int) (*FrameAllocator, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("%w: frame count %d", ErrInvalidArgument, frames)
	}

	bitmap, err := radix.Create(frames)
	if err != nil {
		return nil, err
	}

	arena, err := source.AllocatePages(frames, 0)
	if err != nil {
		bitmap.Destroy()
		return nil, fmt.Errorf("failed to allocate %d frames: %w", frames, err)
	}

	log.Info("managing %d frames of %d bytes", frames, source.PageSize())

	return &FrameAllocator{
		source:   source,
		arena:    arena,
		pageSize: source.PageSize(),
		frames:   frames,
		bitmap:   bitmap,
		refs:     make([]int32, frames),
	}, nil
}

// Close returns the arena to the source.
func (f *FrameAllocator) Close() error {
	f.Lock()
	defer f.Unlock()

	if f.bitmap == nil {
		return nil
	}
	if used := f.frames - f.bitmap.FreeSlots(); used > 0 {
		log.Warn("closing frame allocator with %d frames in use", used)
	}

	f.bitmap.Destroy()
	f.bitmap = nil

	return f.source.FreePages(f.arena)
}

// PageSize returns the size of a frame.
func (f *FrameAllocator) PageSize() int {
	return f.pageSize
}

// TotalFrames returns the number of managed frames.
func (f *FrameAllocator) TotalFrames() int {
	return f.frames
}

// FreeFrames returns the number of free frames.
func (f *FrameAllocator) FreeFrames() int {
	f.Lock()
	defer f.Unlock()
	return f.bitmap.FreeSlots()
}

// AllocateFrames allocates count physically contiguous, zeroed frames
// with a reference count of one each.
func (f *FrameAllocator) AllocateFrames(count int) (PFN, error) {
	f.Lock()
	defer f.Unlock()

	slot := f.bitmap.Alloc(count)
	if slot == radix.SlotNone {
		return -1, fmt.Errorf("%w: no run of %d free frames (%d free)",
			ErrNoMemory, count, f.bitmap.FreeSlots())
	}

	pfn := PFN(slot)
	for i := 0; i < count; i++ {
		f.refs[int(pfn)+i] = 1
	}
	clear(f.mem(pfn, count))

	return pfn, nil
}

// Ref takes an extra reference to an allocated frame.
func (f *FrameAllocator) Ref(pfn PFN) {
	f.Lock()
	defer f.Unlock()

	f.check(pfn)
	f.refs[pfn]++
}

// Unref drops a reference to a frame, freeing it with the last reference.
// It returns true if the frame was freed.
func (f *FrameAllocator) Unref(pfn PFN) bool {
	f.Lock()
	defer f.Unlock()

	return f.unref(pfn)
}

// Release drops a reference to each of count frames starting at pfn.
func (f *FrameAllocator) Release(pfn PFN, count int) {
	f.Lock()
	defer f.Unlock()

	for i := 0; i < count; i++ {
		f.unref(pfn + PFN(i))
	}
}

// RefCount returns the reference count of a frame.
func (f *FrameAllocator) RefCount(pfn PFN) int {
	f.Lock()
	defer f.Unlock()

	if pfn < 0 || int(pfn) >= f.frames {
		return 0
	}
	return int(f.refs[pfn])
}

// Frame returns the memory of a frame.
func (f *FrameAllocator) Frame(pfn PFN) []byte {
	if pfn < 0 || int(pfn) >= f.frames {
		log.Panic("frame %d out of range (%d frames)", pfn, f.frames)
	}
	return f.mem(pfn, 1)
}

// Addr returns the physical address of a frame.
func (f *FrameAllocator) Addr(pfn PFN) PhysAddr {
	return PhysAddr(int(pfn) * f.pageSize)
}

// PFN returns the frame of a physical address.
func (f *FrameAllocator) PFN(addr PhysAddr) (PFN, error) {
	pfn := PFN(addr / PhysAddr(f.pageSize))
	if int(pfn) >= f.frames {
		return -1, fmt.Errorf("%w: physical address %#x beyond memory", ErrInvalidArgument, addr)
	}
	return pfn, nil
}

// Validate checks the frame accounting.
func (f *FrameAllocator) Validate() error {
	f.Lock()
	defer f.Unlock()

	if err := f.bitmap.Validate(); err != nil {
		return err
	}

	used := 0
	for pfn, refs := range f.refs {
		switch {
		case refs < 0:
			return fmt.Errorf("pages: frame %d has negative reference count %d", pfn, refs)
		case refs > 0:
			used++
		}
	}
	if free := f.bitmap.FreeSlots(); used+free != f.frames {
		return fmt.Errorf("pages: %d referenced and %d free frames, %d total", used, free, f.frames)
	}

	return nil
}

func (f *FrameAllocator) unref(pfn PFN) bool {
	f.check(pfn)
	if f.refs[pfn]--; f.refs[pfn] > 0 {
		return false
	}
	f.bitmap.Dealloc(radix.Slot(pfn), 1)
	return true
}

func (f *FrameAllocator) check(pfn PFN) {
	if pfn < 0 || int(pfn) >= f.frames {
		log.Panic("frame %d out of range (%d frames)", pfn, f.frames)
	}
	if f.refs[pfn] <= 0 {
		log.Panic("frame %d is not allocated", pfn)
	}
}

func (f *FrameAllocator) mem(pfn PFN, count int) []byte {
	start := int(pfn) * f.pageSize
	end := start + count*f.pageSize
	return f.arena.Mem[start:end:end]
}
