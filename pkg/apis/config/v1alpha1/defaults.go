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
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/vmcore/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/vmcore/pkg/apis/config/v1alpha1/metrics"
)

const (
	// DefaultMinimumSlabItems is the default minimum number of objects per slab.
	DefaultMinimumSlabItems = 32
	// DefaultMaxEmptySlabs is the default number of retained empty slabs.
	DefaultMaxEmptySlabs = 1
	// DefaultBatchSize is the default block allocator batch size.
	DefaultBatchSize = 4
	// DefaultQuantum is the default kernel daemon quantum.
	DefaultQuantum = 100 * time.Millisecond
)

// Default returns the default configuration.
func Default() *Config {
	maxEmpty := DefaultMaxEmptySlabs
	return &Config{
		TypeMeta: metav1.TypeMeta{
			APIVersion: APIVersion,
			Kind:       Kind,
		},
		Instrumentation: instrumentation.Config{
			ReportPeriod: metav1.Duration{Duration: 30 * time.Second},
			HTTPEndpoint: ":8891",
			Metrics: &metrics.Config{
				Enabled: []string{"*"},
			},
		},
		Memory: MemoryConfig{
			PhysicalMemory: resource.MustParse("64Mi"),
			PageSize:       resource.MustParse("4Ki"),
			Backend:        BackendMmap,
		},
		Kernel: KernelSpaceConfig{
			Base: resource.MustParse("2Gi"),
			Size: resource.MustParse("1Gi"),
		},
		Slab: SlabConfig{
			MinimumItems:  DefaultMinimumSlabItems,
			MaxEmptySlabs: &maxEmpty,
			Strategy:      StrategyMerged,
		},
		Blocks: BlocksConfig{
			BatchSize: DefaultBatchSize,
		},
		Daemon: DaemonConfig{
			Quantum: metav1.Duration{Duration: DefaultQuantum},
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	pageSize := c.Memory.PageSize.Value()
	if pageSize < 64 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("%w: page size %s is not a power of two >= 64",
			ErrInvalidConfig, c.Memory.PageSize.String())
	}

	physMem := c.Memory.PhysicalMemory.Value()
	if physMem < pageSize || physMem%pageSize != 0 {
		return fmt.Errorf("%w: physical memory %s is not a positive multiple of page size %d",
			ErrInvalidConfig, c.Memory.PhysicalMemory.String(), pageSize)
	}

	switch c.Memory.Backend {
	case BackendMmap, BackendHeap:
	default:
		return fmt.Errorf("%w: unknown memory backend %q", ErrInvalidConfig, c.Memory.Backend)
	}

	base, size := c.Kernel.Base.Value(), c.Kernel.Size.Value()
	if base < 0 || base%pageSize != 0 {
		return fmt.Errorf("%w: kernel base %s is not page aligned",
			ErrInvalidConfig, c.Kernel.Base.String())
	}
	if size <= 0 || size%pageSize != 0 {
		return fmt.Errorf("%w: kernel size %s is not a positive multiple of page size",
			ErrInvalidConfig, c.Kernel.Size.String())
	}

	if c.Slab.MinimumItems < 1 {
		return fmt.Errorf("%w: invalid minimum slab items %d", ErrInvalidConfig, c.Slab.MinimumItems)
	}
	if c.Slab.MaxEmptySlabs != nil && *c.Slab.MaxEmptySlabs < 0 {
		return fmt.Errorf("%w: invalid max empty slabs %d", ErrInvalidConfig, *c.Slab.MaxEmptySlabs)
	}
	switch c.Slab.Strategy {
	case StrategyMerged, StrategyHashed:
	default:
		return fmt.Errorf("%w: unknown slab strategy %q", ErrInvalidConfig, c.Slab.Strategy)
	}

	if c.Blocks.BatchSize < 1 {
		return fmt.Errorf("%w: invalid block batch size %d", ErrInvalidConfig, c.Blocks.BatchSize)
	}
	if c.Daemon.Quantum.Duration <= 0 {
		return fmt.Errorf("%w: invalid daemon quantum %s", ErrInvalidConfig, c.Daemon.Quantum.Duration)
	}

	names := map[string]struct{}{}
	for _, s := range c.Swap {
		if s.Name == "" {
			return fmt.Errorf("%w: unnamed swap area", ErrInvalidConfig)
		}
		if _, ok := names[s.Name]; ok {
			return fmt.Errorf("%w: duplicate swap area %q", ErrInvalidConfig, s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Size.Value() < pageSize {
			return fmt.Errorf("%w: swap area %q smaller than a page", ErrInvalidConfig, s.Name)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}

	if c.Instrumentation.ReportPeriod.Duration < 0 {
		return fmt.Errorf("%w: negative metrics report period %s",
			ErrInvalidConfig, c.Instrumentation.ReportPeriod.Duration)
	}
	if r := c.Instrumentation.SamplingRatePerMillion; r < 0 || r > 1000000 {
		return fmt.Errorf("%w: invalid sampling rate %d", ErrInvalidConfig, r)
	}

	return nil
}

// PageSize returns the configured page size in bytes.
func (c *Config) PageSize() int {
	return int(c.Memory.PageSize.Value())
}

// PhysicalPages returns the number of physical pages.
func (c *Config) PhysicalPages() int {
	return int(c.Memory.PhysicalMemory.Value() / c.Memory.PageSize.Value())
}

// MaxEmptySlabs returns the configured or default empty slab retention.
func (c *Config) MaxEmptySlabs() int {
	if c.Slab.MaxEmptySlabs == nil {
		return DefaultMaxEmptySlabs
	}
	return *c.Slab.MaxEmptySlabs
}
