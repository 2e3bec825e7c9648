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

// Package pages provides the page level memory underneath the kernel
// memory core: sources of page runs and the physical frame allocator.
package pages

import (
	"fmt"
	"unsafe"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	logger "github.com/containers/vmcore/pkg/log"
)

// Flags modify page allocation.
type Flags uint

const (
	// Aligned requests a run aligned to its own size. The page count
	// must be a power of two.
	Aligned Flags = 1 << iota
)

var (
	log = logger.Get("pages")

	// ErrNoMemory is returned when pages cannot be allocated.
	ErrNoMemory = fmt.Errorf("pages: %w", kerrors.ErrNoMemory)
	// ErrInvalidArgument is returned for invalid page counts, sizes or runs.
	ErrInvalidArgument = fmt.Errorf("pages: %w", kerrors.ErrInvalidArgument)
	// ErrUnsupported is returned for a source not available on this platform.
	ErrUnsupported = fmt.Errorf("pages: %w: unsupported page source", kerrors.ErrInvalidArgument)
)

// Run is a contiguous run of pages.
type Run struct {
	// Mem is the memory of the run.
	Mem []byte
	// Pages is the number of pages in the run.
	Pages int
}

// Addr returns the address of the first byte of the run.
func (r Run) Addr() uintptr {
	if len(r.Mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Mem[0]))
}

// Source is a source of page runs.
type Source interface {
	// PageSize returns the size of a single page.
	PageSize() int
	// AllocatePages allocates a run of count pages.
	AllocatePages(count int, flags Flags) (Run, error)
	// FreePages frees a run previously returned by AllocatePages.
	FreePages(Run) error
}

// NewSource creates a source for the named backend.
func NewSource(backend string, pageSize int) (Source, error) {
	var (
		src Source
		err error
	)

	switch backend {
	case "mmap":
		src, err = NewMmapSource(pageSize)
	case "heap":
		src, err = NewHeapSource(pageSize)
	default:
		return nil, fmt.Errorf("%w: unknown page source %q", ErrInvalidArgument, backend)
	}

	if err != nil {
		return nil, err
	}

	return src, nil
}

func checkRequest(count int, flags Flags) error {
	if count <= 0 {
		return fmt.Errorf("%w: page count %d", ErrInvalidArgument, count)
	}
	if flags&Aligned != 0 && count&(count-1) != 0 {
		return fmt.Errorf("%w: aligned run of %d pages", ErrInvalidArgument, count)
	}
	return nil
}

func checkPageSize(pageSize int) error {
	if pageSize < 64 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d", ErrInvalidArgument, pageSize)
	}
	return nil
}

// alignOffset returns the offset into mem of the first address aligned to align.
func alignOffset(mem []byte, align uintptr) int {
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return int((align - addr%align) % align)
}
