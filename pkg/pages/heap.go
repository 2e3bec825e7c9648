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
)

// HeapSource allocates page runs from the Go heap.
type HeapSource struct {
	sync.Mutex
	pageSize int
	runs     map[uintptr][]byte
}

var _ Source = &HeapSource{}

// NewHeapSource creates a heap-backed source with the given page size.
func NewHeapSource(pageSize int) (*HeapSource, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	return &HeapSource{
		pageSize: pageSize,
		runs:     make(map[uintptr][]byte),
	}, nil
}

// PageSize implements Source.
func (s *HeapSource) PageSize() int {
	return s.pageSize
}

// AllocatePages implements Source.
func (s *HeapSource) AllocatePages(count int, flags Flags) (Run, error) {
	if err := checkRequest(count, flags); err != nil {
		return Run{}, err
	}

	size := count * s.pageSize
	align := s.pageSize
	if flags&Aligned != 0 {
		align = size
	}

	mem := make([]byte, size+align)
	off := alignOffset(mem, uintptr(align))
	run := Run{
		Mem:   mem[off : off+size : off+size],
		Pages: count,
	}

	s.Lock()
	s.runs[run.Addr()] = mem
	s.Unlock()

	return run, nil
}

// FreePages implements Source.
func (s *HeapSource) FreePages(run Run) error {
	s.Lock()
	defer s.Unlock()

	addr := run.Addr()
	if _, ok := s.runs[addr]; !ok {
		return fmt.Errorf("%w: unknown run at %#x", ErrInvalidArgument, addr)
	}
	delete(s.runs, addr)

	return nil
}
