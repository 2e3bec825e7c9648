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

// PhysicalMapping is a short-term kernel view of a physical page.
type PhysicalMapping struct {
	// Addr is the physical address the mapping was requested for.
	Addr pages.PhysAddr
	// PFN is the pinned frame.
	PFN pages.PFN
	// Data is the memory from Addr to the end of the page.
	Data []byte

	released bool
}

// GetPhysicalPage pins the page containing paddr and returns a view of
// it. Pins nest; every GetPhysicalPage must be paired with a
// PutPhysicalPage.
func (v *VM) GetPhysicalPage(paddr pages.PhysAddr) (*PhysicalMapping, error) {
	pfn, err := v.frames.PFN(paddr)
	if err != nil {
		return nil, err
	}

	v.pinLock.Lock()
	v.pins[pfn]++
	v.pinLock.Unlock()

	offset := int(paddr % pages.PhysAddr(v.pageSize))

	return &PhysicalMapping{
		Addr: paddr,
		PFN:  pfn,
		Data: v.frames.Frame(pfn)[offset:],
	}, nil
}

// PutPhysicalPage unpins a page pinned by GetPhysicalPage.
func (v *VM) PutPhysicalPage(m *PhysicalMapping) error {
	if m == nil {
		return fmt.Errorf("%w: nil physical mapping", ErrInvalidArgument)
	}

	v.pinLock.Lock()
	defer v.pinLock.Unlock()

	if m.released {
		return fmt.Errorf("%w: mapping of %#x already put", ErrNotPinned, m.Addr)
	}

	switch cnt := v.pins[m.PFN]; cnt {
	case 0:
		return fmt.Errorf("%w: %#x", ErrNotPinned, m.Addr)
	case 1:
		delete(v.pins, m.PFN)
	default:
		v.pins[m.PFN] = cnt - 1
	}

	m.released = true
	m.Data = nil

	return nil
}

// PinCount returns the number of outstanding pins of the page at paddr.
func (v *VM) PinCount(paddr pages.PhysAddr) int {
	pfn, err := v.frames.PFN(paddr)
	if err != nil {
		return 0
	}

	v.pinLock.Lock()
	defer v.pinLock.Unlock()

	return v.pins[pfn]
}

func (v *VM) pinned(pfn pages.PFN) bool {
	v.pinLock.Lock()
	defer v.pinLock.Unlock()
	return v.pins[pfn] > 0
}

func (v *VM) pinnedPages() int {
	v.pinLock.Lock()
	defer v.pinLock.Unlock()
	return len(v.pins)
}
