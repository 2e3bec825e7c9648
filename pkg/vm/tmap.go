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
	"sort"
	"sync"

	"github.com/containers/vmcore/pkg/pages"
)

// pte is a simulated page table entry.
type pte struct {
	pfn  pages.PFN
	prot Lock
	// counted entries hold a reference to their frame
	counted bool
}

// translationMap maps the virtual pages of an address space to frames.
type translationMap struct {
	sync.Mutex
	frames *pages.FrameAllocator
	ptes   map[Addr]pte
}

func newTranslationMap(frames *pages.FrameAllocator) *translationMap {
	return &translationMap{
		frames: frames,
		ptes:   make(map[Addr]pte),
	}
}

// mapPage maps the page at va, replacing any earlier mapping.
func (m *translationMap) mapPage(va Addr, pfn pages.PFN, prot Lock, counted bool) {
	m.Lock()
	defer m.Unlock()

	if counted {
		m.frames.Ref(pfn)
	}
	if old, ok := m.ptes[va]; ok {
		m.drop(old)
	}
	m.ptes[va] = pte{pfn: pfn, prot: prot, counted: counted}
}

// unmap removes the mappings in [start, end).
func (m *translationMap) unmap(start, end Addr) int {
	m.Lock()
	defer m.Unlock()

	cnt := 0
	for va, e := range m.ptes {
		if va >= start && va < end {
			m.drop(e)
			delete(m.ptes, va)
			cnt++
		}
	}

	return cnt
}

// protect changes the protection of the mappings in [start, end) to prot.
// Mappings without write access keep it that way, so shared copy-on-write
// pages still fault on their next write.
func (m *translationMap) protect(start, end Addr, prot Lock) int {
	m.Lock()
	defer m.Unlock()

	cnt := 0
	for va, e := range m.ptes {
		if va >= start && va < end {
			p := prot
			if e.prot&LockWrite == 0 {
				p &^= LockWrite
			}
			e.prot = p
			m.ptes[va] = e
			cnt++
		}
	}

	return cnt
}

func (m *translationMap) query(va Addr) (pte, bool) {
	m.Lock()
	defer m.Unlock()

	e, ok := m.ptes[va]
	return e, ok
}

func (m *translationMap) mapped() int {
	m.Lock()
	defer m.Unlock()
	return len(m.ptes)
}

// addresses returns the mapped pages in [start, end) in ascending order.
func (m *translationMap) addresses(start, end Addr) []Addr {
	m.Lock()
	defer m.Unlock()

	vas := []Addr{}
	for va := range m.ptes {
		if va >= start && va < end {
			vas = append(vas, va)
		}
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })

	return vas
}

func (m *translationMap) destroy() {
	if n := m.unmap(0, ^Addr(0)); n > 0 {
		log.Warn("destroyed translation map with %d pages still mapped", n)
	}
}

func (m *translationMap) drop(e pte) {
	if e.counted {
		m.frames.Unref(e.pfn)
	}
}
