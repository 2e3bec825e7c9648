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

// Package kernel ties the memory subsystems together into a single,
// explicitly initialized kernel instance.
//
// Boot brings the subsystems up in dependency order: the page source,
// physical frames, the block allocator registry, virtual memory, the
// kernel heap slab caches and finally the kernel daemon, which drives
// periodic maintenance of the others. Shutdown tears them down in
// reverse order.
package kernel

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	"github.com/containers/vmcore/pkg/blockalloc"
	"github.com/containers/vmcore/pkg/kdaemon"
	logger "github.com/containers/vmcore/pkg/log"
	"github.com/containers/vmcore/pkg/metrics"
	"github.com/containers/vmcore/pkg/pages"
	"github.com/containers/vmcore/pkg/slab"
	"github.com/containers/vmcore/pkg/vm"
)

const (
	// ReclaimFrequency is the number of daemon iterations between slab
	// reclaims.
	ReclaimFrequency = 10
	// TrimFrequency is the number of daemon iterations between block
	// allocator trims.
	TrimFrequency = 50
	// DeferredFreeFrequency is the number of daemon iterations between
	// draining deferred frees.
	DeferredFreeFrequency = 50
	// StatsFrequency is the number of daemon iterations between dumping
	// memory statistics.
	StatsFrequency = 600
)

var (
	log = logger.Get("kernel")
)

// Kernel is a booted kernel memory core.
type Kernel struct {
	cfg      *cfgapi.Config
	source   pages.Source
	frames   *pages.FrameAllocator
	blocks   *blockalloc.Registry
	vm       *vm.VM
	slabs    *slab.Registry
	heap     *Heap
	cacheOpt []slab.Option
	daemon   *kdaemon.Daemon
	daemons  []kdaemon.Handle
	metrics  *metrics.Registry
	deferred deferredQueue

	lock    sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Boot validates the configuration and brings up a kernel.
func Boot(cfg *cfgapi.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = cfgapi.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid kernel configuration")
	}

	k := &Kernel{
		cfg:     cfg,
		metrics: metrics.NewRegistry(),
	}

	log.Info("booting kernel with %s of %s physical memory in %s pages",
		cfg.Memory.Backend, cfg.Memory.PhysicalMemory.String(), cfg.Memory.PageSize.String())

	for _, setup := range []func() error{
		k.setupPages,
		k.setupBlocks,
		k.setupVM,
		k.setupHeap,
		k.setupDaemon,
		k.setupMetrics,
	} {
		if err := setup(); err != nil {
			if shutdownErr := k.teardown(); shutdownErr != nil {
				log.Error("failed to tear down partially booted kernel: %v", shutdownErr)
			}
			return nil, err
		}
	}

	log.Info("kernel up")

	return k, nil
}

func (k *Kernel) setupPages() error {
	src, err := pages.NewSource(k.cfg.Memory.Backend, k.cfg.PageSize())
	if err != nil {
		return errors.Wrap(err, "failed to create page source")
	}
	k.source = src

	frames, err := pages.NewFrameAllocator(src, k.cfg.PhysicalPages())
	if err != nil {
		return errors.Wrapf(err, "failed to set up %d physical frames", k.cfg.PhysicalPages())
	}
	k.frames = frames

	return nil
}

func (k *Kernel) setupBlocks() error {
	blocks, err := blockalloc.NewRegistry(blockalloc.WithBatchSize(k.cfg.Blocks.BatchSize))
	if err != nil {
		return errors.Wrap(err, "failed to create block allocator registry")
	}
	k.blocks = blocks
	return nil
}

func (k *Kernel) setupVM() error {
	v, err := vm.New(k.frames,
		vm.WithKernelSpace(vm.Addr(k.cfg.Kernel.Base.Value()), vm.Addr(k.cfg.Kernel.Size.Value())),
		vm.WithOvercommit(k.cfg.Memory.Overcommit),
	)
	if err != nil {
		return errors.Wrap(err, "failed to set up virtual memory")
	}
	k.vm = v

	for _, area := range k.cfg.Swap {
		count := int(area.Size.Value()) / k.cfg.PageSize()
		if err := v.AddSwapSpace(area.Name, count); err != nil {
			return errors.Wrapf(err, "failed to add swap area %q", area.Name)
		}
	}

	return nil
}

func (k *Kernel) setupHeap() error {
	strategy, err := slab.ParseStrategy(k.cfg.Slab.Strategy)
	if err != nil {
		return errors.Wrap(err, "failed to set up kernel heap")
	}

	k.cacheOpt = []slab.Option{
		slab.WithStrategy(strategy),
		slab.WithPageSource(k.source),
		slab.WithMinimumSlabItems(k.cfg.Slab.MinimumItems),
		slab.WithMaxEmptySlabs(k.cfg.MaxEmptySlabs()),
	}

	k.slabs = slab.NewRegistry()
	k.heap, err = newHeap(k.slabs, k.cacheOpt...)
	if err != nil {
		return errors.Wrap(err, "failed to set up kernel heap")
	}

	return nil
}

func (k *Kernel) setupDaemon() error {
	d, err := kdaemon.New(kdaemon.WithQuantum(k.cfg.Daemon.Quantum.Duration))
	if err != nil {
		return errors.Wrap(err, "failed to create kernel daemon")
	}
	k.daemon = d

	for _, r := range []struct {
		name      string
		fn        kdaemon.Func
		frequency int
	}{
		{"slab-reclaim", k.reclaimSlabs, ReclaimFrequency},
		{"block-trim", k.trimBlocks, TrimFrequency},
		{"deferred-free", k.drainDeferred, DeferredFreeFrequency},
		{"memory-stats", k.dumpStats, StatsFrequency},
	} {
		h, err := d.Register(r.fn, nil, r.frequency, kdaemon.WithName(r.name))
		if err != nil {
			return errors.Wrapf(err, "failed to register %s daemon", r.name)
		}
		k.daemons = append(k.daemons, h)
	}

	return nil
}

func (k *Kernel) setupMetrics() error {
	for _, c := range []struct {
		group     string
		name      string
		collector prometheus.Collector
	}{
		{"pages", "frames", k.frames},
		{"blocks", "allocators", k.blocks},
		{"vm", "state", k.vm},
		{"slab", "caches", k.slabs},
		{"kdaemon", "daemons", k.daemon},
	} {
		if err := k.metrics.Register(c.group, c.name, c.collector); err != nil {
			return errors.Wrapf(err, "failed to register %s metrics", c.group)
		}
	}
	return nil
}

// Start starts the kernel daemon in the background.
func (k *Kernel) Start() error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.cancel != nil {
		return errors.Wrap(kdaemon.ErrBusy, "kernel already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.stopped = make(chan struct{})

	go func() {
		defer close(k.stopped)
		if err := k.daemon.Run(ctx); err != nil {
			log.Error("kernel daemon failed: %v", err)
		}
	}()

	return nil
}

// Stop stops the kernel daemon.
func (k *Kernel) Stop() {
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.cancel == nil {
		return
	}

	k.cancel()
	<-k.stopped
	k.cancel = nil
}

// Shutdown stops the kernel daemon and tears down all subsystems in
// reverse boot order.
func (k *Kernel) Shutdown() error {
	log.Info("shutting down kernel")
	k.Stop()
	return k.teardown()
}

func (k *Kernel) teardown() error {
	var result *multierror.Error

	if k.daemon != nil {
		for _, h := range k.daemons {
			if err := k.daemon.Unregister(h); err != nil {
				result = multierror.Append(result, err)
			}
		}
		k.daemons = nil
	}

	if k.heap != nil {
		if _, err := k.drainDeferredQueue(); err != nil {
			result = multierror.Append(result, err)
		}
		k.heap = nil
	}

	if k.slabs != nil {
		for _, c := range k.slabs.Caches() {
			if err := k.DestroyCache(c); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "failed to destroy slab cache %s", c.Name()))
			}
		}
	}

	if k.vm != nil {
		if err := k.vm.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to shut down virtual memory"))
		}
		k.vm = nil
	}

	if k.blocks != nil {
		k.blocks.Trim()
		k.blocks = nil
	}

	if k.frames != nil {
		if err := k.frames.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to release physical memory"))
		}
		k.frames = nil
	}

	return result.ErrorOrNil()
}

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() *cfgapi.Config {
	return k.cfg
}

// VM returns the virtual memory state of the kernel.
func (k *Kernel) VM() *vm.VM {
	return k.vm
}

// Frames returns the physical frames of the kernel.
func (k *Kernel) Frames() *pages.FrameAllocator {
	return k.frames
}

// Blocks returns the block allocator registry of the kernel.
func (k *Kernel) Blocks() *blockalloc.Registry {
	return k.blocks
}

// Heap returns the kernel heap.
func (k *Kernel) Heap() *Heap {
	return k.heap
}

// Slabs returns the registry of all slab caches of the kernel.
func (k *Kernel) Slabs() *slab.Registry {
	return k.slabs
}

// NewCache creates a slab cache using the kernel page source and slab
// configuration. The cache is reclaimed by the kernel daemon until it is
// destroyed with DestroyCache.
func (k *Kernel) NewCache(name string, objectSize, alignment int, options ...slab.Option) (*slab.Cache, error) {
	c, err := slab.NewCache(name, objectSize, alignment, append(append([]slab.Option(nil), k.cacheOpt...), options...)...)
	if err != nil {
		return nil, err
	}
	k.slabs.Add(c)
	return c, nil
}

// DestroyCache destroys a cache created by NewCache.
func (k *Kernel) DestroyCache(c *slab.Cache) error {
	if err := c.Destroy(); err != nil {
		return err
	}
	k.slabs.Remove(c)
	return nil
}

// Daemon returns the kernel daemon.
func (k *Kernel) Daemon() *kdaemon.Daemon {
	return k.daemon
}

// Metrics returns the metrics registry with the collectors of all
// subsystems.
func (k *Kernel) Metrics() *metrics.Registry {
	return k.metrics
}

// Check validates the internal consistency of all subsystems.
func (k *Kernel) Check() error {
	var result *multierror.Error

	if err := k.frames.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "physical frames"))
	}
	if err := k.vm.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "virtual memory"))
	}
	for _, c := range k.slabs.Caches() {
		if err := c.Validate(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "slab cache %s", c.Name()))
		}
	}

	return result.ErrorOrNil()
}

func (k *Kernel) reclaimSlabs(_ any, _ int) {
	if n := k.slabs.Reclaim(); n > 0 {
		log.Debug("reclaimed %d empty slabs", n)
	}
}

func (k *Kernel) trimBlocks(_ any, _ int) {
	k.blocks.Trim()
}

func (k *Kernel) drainDeferred(_ any, _ int) {
	if _, err := k.drainDeferredQueue(); err != nil {
		log.Error("deferred free failed: %v", err)
	}
}

func (k *Kernel) dumpStats(_ any, iteration int) {
	if !log.DebugEnabled() {
		return
	}

	committed, limit := k.vm.Committed()
	swap := k.vm.SwapStats()
	log.Debug("iteration %d: %d/%d frames free, %d/%d bytes committed, %d/%d swap slots free",
		iteration, k.frames.FreeFrames(), k.frames.TotalFrames(), committed, limit, swap.Free, swap.Total)
	for _, s := range k.slabs.Caches() {
		st := s.Stats()
		log.Debug("  slab cache %s: %d slabs, %d objects in use, %d free",
			st.Name, st.Slabs, st.ObjectsInUse, st.FreeObjects)
	}
}
