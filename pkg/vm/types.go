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
	"strings"
)

// Addr is a virtual address.
type Addr uint64

// AddressType tells how the address of a new region is chosen.
type AddressType int

const (
	// AnyAddress places the region in the lowest free range that fits.
	AnyAddress AddressType = iota
	// ExactAddress places the region at the requested address or fails.
	ExactAddress
)

// Wiring tells when the pages of a region are populated.
type Wiring int

const (
	// WiringLazy populates pages on first fault.
	WiringLazy Wiring = iota
	// WiringWired populates every page at creation and keeps them resident.
	WiringWired
	// WiringWiredContig populates the region with physically contiguous
	// frames at creation.
	WiringWiredContig
)

// Lock is the protection of a region.
type Lock uint

const (
	// LockRead allows reading.
	LockRead Lock = 1 << iota
	// LockWrite allows writing.
	LockWrite
	// LockKernel restricts access to the kernel.
	LockKernel

	// LockRW allows reading and writing.
	LockRW = LockRead | LockWrite
)

// Mapping tells whether a region shares the pages of its store.
type Mapping int

const (
	// SharedMap maps the pages of the store directly.
	SharedMap Mapping = iota
	// PrivateMap maps the store copy-on-write.
	PrivateMap
)

// State is the state of an address space.
type State int

const (
	// StateActive address spaces grant new references.
	StateActive State = iota
	// StateDeleting address spaces refuse new references and drain.
	StateDeleting
	// StateDestroyed address spaces are gone.
	StateDestroyed
)

func (t AddressType) String() string {
	switch t {
	case AnyAddress:
		return "any"
	case ExactAddress:
		return "exact"
	}
	return fmt.Sprintf("<address type %d>", int(t))
}

func (w Wiring) String() string {
	switch w {
	case WiringLazy:
		return "lazy"
	case WiringWired:
		return "wired"
	case WiringWiredContig:
		return "wired-contig"
	}
	return fmt.Sprintf("<wiring %d>", int(w))
}

func (l Lock) String() string {
	flags := []string{}
	if l&LockRead != 0 {
		flags = append(flags, "r")
	}
	if l&LockWrite != 0 {
		flags = append(flags, "w")
	}
	if l&LockKernel != 0 {
		flags = append(flags, "k")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, "")
}

func (m Mapping) String() string {
	switch m {
	case SharedMap:
		return "shared"
	case PrivateMap:
		return "private"
	}
	return fmt.Sprintf("<mapping %d>", int(m))
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeleting:
		return "deleting"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("<state %d>", int(s))
}
