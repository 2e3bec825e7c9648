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

package blockalloc

import (
	"fmt"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
)

var (
	// ErrInvalidSize is returned for a non-positive block size.
	ErrInvalidSize = fmt.Errorf("blockalloc: %w: invalid block size", kerrors.ErrInvalidArgument)
	// ErrInvalidBuffer is returned by PutBuffer for a nil or wrong-size buffer.
	ErrInvalidBuffer = fmt.Errorf("blockalloc: %w: invalid buffer", kerrors.ErrInvalidArgument)
	// ErrNoMemory is returned when a batch of blocks cannot be allocated.
	ErrNoMemory = fmt.Errorf("blockalloc: %w", kerrors.ErrNoMemory)
	// ErrNoBuffers is returned by TryGetBuffer when no free block is queued.
	ErrNoBuffers = fmt.Errorf("blockalloc: %w: no free buffers", kerrors.ErrNoMemory)
	// ErrUnknownAllocator is returned for an allocator not in the registry.
	ErrUnknownAllocator = fmt.Errorf("blockalloc: %w: unknown allocator", kerrors.ErrNotFound)
)
