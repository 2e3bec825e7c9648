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

// Package errors defines the kinds of errors reported by the kernel memory
// core. Subsystem errors wrap one of these kinds, so callers can classify
// any error with errors.Is regardless of which subsystem produced it.
package errors

import (
	"errors"
)

var (
	// ErrNoMemory is the kind of errors caused by exhaustion of slots,
	// blocks, pages, or address space. The caller may retry later.
	ErrNoMemory = errors.New("out of memory")
	// ErrInvalidArgument is the kind of errors caused by invalid arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOverlap is the kind of errors caused by conflicting address ranges.
	ErrOverlap = errors.New("address range overlaps")
	// ErrNotFound is the kind of errors caused by unknown or stale ids.
	ErrNotFound = errors.New("not found")
	// ErrDeleting is the kind of errors caused by an operation against an
	// object which is being deleted.
	ErrDeleting = errors.New("object is being deleted")
	// ErrBusy is the kind of errors caused by an object still in use.
	ErrBusy = errors.New("object busy")
)
