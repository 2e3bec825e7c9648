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

package main

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/containers/vmcore/pkg/blockalloc"
	"github.com/containers/vmcore/pkg/kernel"
	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	"github.com/containers/vmcore/pkg/slab"
	"github.com/containers/vmcore/pkg/vm"
)

const (
	userBase    = vm.Addr(0x10000)
	userPages   = 64
	regionPages = 4
	objectSize  = 96
)

// workload exercises the kernel from a number of concurrent workers,
// each repeatedly building up and tearing down an address space.
type workload struct {
	k          *kernel.Kernel
	workers    int
	limit      rate.Limit
	objects    *slab.Cache
	iterations atomic.Uint64
}

func newWorkload(k *kernel.Kernel, workers int, perSecond float64) (*workload, error) {
	objects, err := k.NewCache("workload-objects", objectSize, 8)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create workload cache")
	}

	return &workload{
		k:       k,
		workers: workers,
		limit:   rate.Limit(perSecond),
		objects: objects,
	}, nil
}

func (w *workload) Iterations() uint64 {
	return w.iterations.Load()
}

// Run runs the workers until ctx is done or any of them fails.
func (w *workload) Run(ctx context.Context) error {
	defer func() {
		if err := w.k.DestroyCache(w.objects); err != nil {
			log.Warn("failed to destroy workload cache: %v", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < w.workers; id++ {
		id := id
		g.Go(func() error {
			return w.worker(ctx, id)
		})
	}

	return g.Wait()
}

func (w *workload) worker(ctx context.Context, id int) error {
	limiter := rate.NewLimiter(w.limit, 1)
	for iter := 0; ; iter++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		err := w.iterate(ctx, fmt.Sprintf("worker%d-%d", id, iter))
		switch {
		case err == nil:
			w.iterations.Add(1)
		case errors.Is(err, kerrors.ErrNoMemory):
			log.Debug("worker %d: out of memory: %v", id, err)
		case ctx.Err() != nil:
			return nil
		default:
			return errors.Wrapf(err, "worker %d", id)
		}
	}
}

func (w *workload) iterate(ctx context.Context, name string) (retErr error) {
	v := w.k.VM()
	ps := vm.Addr(v.PageSize())

	aid, err := v.CreateAddressSpace(name, userBase, userPages*ps, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.DeleteAddressSpace(aid); err != nil && retErr == nil {
			retErr = err
		}
	}()

	rid, base, err := v.CreateAnonymousRegion(aid, "data", 0, vm.AnyAddress,
		regionPages*ps, vm.WiringLazy, vm.LockRW)
	if err != nil {
		return err
	}

	pattern := bytes.Repeat([]byte(name), int(ps)/len(name))
	if err := v.Write(aid, base, pattern); err != nil {
		return err
	}

	_, cbase, err := v.CloneRegion(aid, "data-cow", 0, vm.AnyAddress, rid, vm.PrivateMap, vm.LockRW)
	if err != nil {
		return err
	}
	if err := v.Write(aid, cbase, []byte("dirty")); err != nil {
		return err
	}

	if err := v.PageOut(aid, base); err != nil && !errors.Is(err, kerrors.ErrBusy) {
		log.Debug("%s: page-out skipped: %v", name, err)
	}

	buf := make([]byte, len(pattern))
	if err := v.Read(aid, base, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, pattern) {
		return fmt.Errorf("%s: data corrupted at %#x", name, base)
	}

	if err := w.allocate(ctx); err != nil {
		return err
	}

	return nil
}

func (w *workload) allocate(ctx context.Context) error {
	obj, err := w.objects.AllocateObject(0)
	if err != nil {
		return err
	}
	if err := w.objects.ReturnObject(obj); err != nil {
		return err
	}

	mem, err := w.k.Heap().Malloc(200)
	if err != nil {
		return err
	}
	if err := w.k.DeferredFree(mem, nil); err != nil {
		return err
	}

	a, err := w.k.Blocks().GetAllocator(w.k.VM().PageSize())
	if err != nil {
		return err
	}
	defer func() {
		if err := w.k.Blocks().PutAllocator(a); err != nil {
			log.Warn("failed to put block allocator: %v", err)
		}
	}()

	b, err := a.TryGetBuffer()
	if errors.Is(err, blockalloc.ErrNoBuffers) {
		if err = a.RequestBuffers(); err != nil {
			return err
		}
		b, err = a.GetBuffer(ctx)
	}
	if err != nil {
		return err
	}
	return a.PutBuffer(b)
}
