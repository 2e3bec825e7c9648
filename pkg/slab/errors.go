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

package slab

import (
	"fmt"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
)

var (
	// ErrInvalidArgument is returned for invalid cache parameters.
	ErrInvalidArgument = fmt.Errorf("slab: %w", kerrors.ErrInvalidArgument)
	// ErrInvalidObject is returned for an object not allocated from the cache.
	ErrInvalidObject = fmt.Errorf("slab: %w: object not from this cache", kerrors.ErrInvalidArgument)
	// ErrDoubleFree is returned for an object which is already free.
	ErrDoubleFree = fmt.Errorf("slab: %w: object already free", kerrors.ErrInvalidArgument)
	// ErrNoMemory is returned when no object can be allocated.
	ErrNoMemory = fmt.Errorf("slab: %w", kerrors.ErrNoMemory)
	// ErrBusy is returned when destroying a cache with live objects.
	ErrBusy = fmt.Errorf("slab: %w: cache has live objects", kerrors.ErrBusy)
	// ErrDestroyed is returned for operations on a destroyed cache.
	ErrDestroyed = fmt.Errorf("slab: %w: cache destroyed", kerrors.ErrInvalidArgument)
)
