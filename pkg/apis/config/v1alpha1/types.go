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

package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/vmcore/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/vmcore/pkg/apis/config/v1alpha1/log"
)

const (
	// APIVersion is the version of the configuration API.
	APIVersion = "config.vmcore.io/v1alpha1"
	// Kind is the kind of the configuration object.
	Kind = "KernelConfig"
)

// Page source backends.
const (
	// BackendMmap backs physical memory with anonymous mmap()'ed memory.
	BackendMmap = "mmap"
	// BackendHeap backs physical memory with Go heap allocations.
	BackendHeap = "heap"
)

// Slab layout strategies.
const (
	// StrategyMerged keeps slab metadata in the slab pages themselves.
	StrategyMerged = "merged"
	// StrategyHashed keeps slab metadata out of band.
	StrategyHashed = "hashed"
)

// Config is the configuration of a kernel memory core instance.
type Config struct {
	metav1.TypeMeta `json:",inline"`

	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
	// Memory describes the simulated physical memory.
	// +optional
	Memory MemoryConfig `json:"memory,omitempty"`
	// Kernel describes the kernel address space.
	// +optional
	Kernel KernelSpaceConfig `json:"kernel,omitempty"`
	// +optional
	Slab SlabConfig `json:"slab,omitempty"`
	// +optional
	Blocks BlocksConfig `json:"blocks,omitempty"`
	// +optional
	Daemon DaemonConfig `json:"daemon,omitempty"`
	// Swap lists the swap areas to set up at boot.
	// +optional
	Swap []SwapArea `json:"swap,omitempty"`
}

// MemoryConfig describes the simulated physical memory.
type MemoryConfig struct {
	// PhysicalMemory is the amount of physical memory to manage.
	PhysicalMemory resource.Quantity `json:"physicalMemory,omitempty"`
	// PageSize is the size of a single page. It must be a power of two.
	PageSize resource.Quantity `json:"pageSize,omitempty"`
	// Backend selects the page source, either mmap or heap.
	// +kubebuilder:validation:Enum=mmap;heap
	Backend string `json:"backend,omitempty"`
	// Overcommit disables commitment accounting for anonymous memory.
	// +optional
	Overcommit bool `json:"overcommit,omitempty"`
}

// KernelSpaceConfig describes the kernel address space.
type KernelSpaceConfig struct {
	// Base is the lowest address of the kernel address space.
	Base resource.Quantity `json:"base,omitempty"`
	// Size is the size of the kernel address space.
	Size resource.Quantity `json:"size,omitempty"`
}

// SlabConfig configures the slab caches.
type SlabConfig struct {
	// MinimumItems is the minimum number of objects per slab.
	MinimumItems int `json:"minimumItems,omitempty"`
	// MaxEmptySlabs is the number of empty slabs a cache retains.
	// +optional
	MaxEmptySlabs *int `json:"maxEmptySlabs,omitempty"`
	// Strategy is the slab layout strategy, either merged or hashed.
	// +kubebuilder:validation:Enum=merged;hashed
	Strategy string `json:"strategy,omitempty"`
}

// BlocksConfig configures block allocators.
type BlocksConfig struct {
	// BatchSize is the number of blocks allocated by RequestBuffers.
	BatchSize int `json:"batchSize,omitempty"`
}

// DaemonConfig configures the kernel daemon.
type DaemonConfig struct {
	// Quantum is the interval between daemon iterations.
	Quantum metav1.Duration `json:"quantum,omitempty"`
}

// SwapArea describes a single swap area.
type SwapArea struct {
	// Name of the swap area.
	Name string `json:"name"`
	// Size of the swap area.
	Size resource.Quantity `json:"size"`
}
