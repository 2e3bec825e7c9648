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

	"golang.org/x/sys/unix"
)

// MmapSource allocates page runs as anonymous private mappings.
type MmapSource struct {
	sync.Mutex
	pageSize int
	maps     map[uintptr][]byte
}

var _ Source = &MmapSource{}

// NewMmapSource creates an mmap-backed source. The page size must be a
// multiple of the system page size.
func NewMmapSource(pageSize int) (*MmapSource, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	if sys := unix.Getpagesize(); pageSize%sys != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a multiple of system page size %d",
			ErrInvalidArgument, pageSize, sys)
	}

	return &MmapSource{
		pageSize: pageSize,
		maps:     make(map[uintptr][]byte),
	}, nil
}

// PageSize implements Source.
func (s *MmapSource) PageSize() int {
	return s.pageSize
}

// AllocatePages implements Source. Aligned runs are carved out of a
// mapping one run larger than requested.
func (s *MmapSource) AllocatePages(count int, flags Flags) (Run, error) {
	if err := checkRequest(count, flags); err != nil {
		return Run{}, err
	}

	size := count * s.pageSize
	mapSize := size
	if flags&Aligned != 0 && size > unix.Getpagesize() {
		mapSize += size
	}

	mem, err := unix.Mmap(-1, 0, mapSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Run{}, fmt.Errorf("%w: mmap of %d bytes failed: %v", ErrNoMemory, mapSize, err)
	}

	off := 0
	if flags&Aligned != 0 {
		off = alignOffset(mem, uintptr(size))
	}
	run := Run{
		Mem:   mem[off : off+size : off+size],
		Pages: count,
	}

	s.Lock()
	s.maps[run.Addr()] = mem
	s.Unlock()

	return run, nil
}

// FreePages implements Source.
func (s *MmapSource) FreePages(run Run) error {
	addr := run.Addr()

	s.Lock()
	mem, ok := s.maps[addr]
	delete(s.maps, addr)
	s.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown run at %#x", ErrInvalidArgument, addr)
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("pages: munmap at %#x failed: %w", addr, err)
	}

	return nil
}
