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

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
)

var (
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = fmt.Errorf("vm: %w", kerrors.ErrInvalidArgument)
	// ErrInvalidAspace is returned for unknown or stale address space ids.
	ErrInvalidAspace = fmt.Errorf("vm: %w: no such address space", kerrors.ErrNotFound)
	// ErrInvalidRegion is returned for unknown or stale region ids.
	ErrInvalidRegion = fmt.Errorf("vm: %w: no such region", kerrors.ErrNotFound)
	// ErrDeleting is returned for operations on an address space being deleted.
	ErrDeleting = fmt.Errorf("vm: %w", kerrors.ErrDeleting)
	// ErrNoRegionSlot is returned when the requested range is not available.
	ErrNoRegionSlot = fmt.Errorf("vm: %w: no region slot", kerrors.ErrOverlap)
	// ErrNoMemory is returned when frames, ids or swap slots run out.
	ErrNoMemory = fmt.Errorf("vm: %w", kerrors.ErrNoMemory)
	// ErrWouldOvercommit is returned when committing memory would exceed
	// the commit limit.
	ErrWouldOvercommit = fmt.Errorf("vm: %w: would overcommit", kerrors.ErrNoMemory)
	// ErrBadAddress is returned for faults on unmapped addresses.
	ErrBadAddress = fmt.Errorf("vm: %w: bad address", kerrors.ErrInvalidArgument)
	// ErrPermission is returned for accesses the region protection forbids.
	ErrPermission = fmt.Errorf("vm: %w: permission denied", kerrors.ErrInvalidArgument)
	// ErrBusy is returned when a page or region is in use.
	ErrBusy = fmt.Errorf("vm: %w", kerrors.ErrBusy)
	// ErrNotPinned is returned when unpinning a page which is not pinned.
	ErrNotPinned = fmt.Errorf("vm: %w: page not pinned", kerrors.ErrInvalidArgument)
)
