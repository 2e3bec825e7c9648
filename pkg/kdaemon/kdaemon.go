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

// Package kdaemon implements the kernel daemon, a single background loop
// which invokes registered maintenance callbacks at staggered intervals.
//
// Callbacks run with the daemon registry locked. A callback must return
// promptly and must not register or unregister daemons.
package kdaemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	logger "github.com/containers/vmcore/pkg/log"
)

const (
	// DefaultQuantum is the default interval between iterations.
	DefaultQuantum = 100 * time.Millisecond
	// DefaultSlowWarnings is the default number of slow daemon warnings
	// allowed per minute.
	DefaultSlowWarnings = 6
)

var (
	log = logger.Get("kdaemon")

	// ErrInvalidArgument is returned for a nil function or a frequency < 1.
	ErrInvalidArgument = fmt.Errorf("kdaemon: %w", kerrors.ErrInvalidArgument)
	// ErrNotFound is returned when unregistering an unknown daemon.
	ErrNotFound = fmt.Errorf("kdaemon: %w", kerrors.ErrNotFound)
	// ErrBusy is returned when the daemon loop is already running.
	ErrBusy = fmt.Errorf("kdaemon: %w: already running", kerrors.ErrBusy)
)

// Func is a daemon callback. It is called with the argument given at
// registration and the current iteration.
type Func func(arg any, iteration int)

// Handle identifies a registered daemon.
type Handle uint64

// Daemon is the kernel daemon and its registry of callbacks.
type Daemon struct {
	sync.Mutex
	quantum    time.Duration
	daemons    []*daemon
	iteration  int
	nextHandle Handle
	slow       *rate.Limiter
	running    atomic.Bool
	iterations atomic.Uint64
}

type daemon struct {
	handle    Handle
	name      string
	fn        Func
	arg       any
	frequency int
	offset    int
	calls     uint64
	slow      uint64
	elapsed   time.Duration
}

// Option is an option for the Daemon.
type Option func(*Daemon) error

// WithQuantum sets the interval between iterations.
func WithQuantum(quantum time.Duration) Option {
	return func(d *Daemon) error {
		if quantum <= 0 {
			return fmt.Errorf("%w: quantum %s", ErrInvalidArgument, quantum)
		}
		d.quantum = quantum
		return nil
	}
}

// WithSlowWarnings sets how many slow daemon warnings are logged per minute.
func WithSlowWarnings(perMinute int) Option {
	return func(d *Daemon) error {
		if perMinute < 0 {
			return fmt.Errorf("%w: %d warnings per minute", ErrInvalidArgument, perMinute)
		}
		d.slow = rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(perMinute, 1))), perMinute)
		return nil
	}
}

// New creates a kernel daemon. The loop is started by Run.
func New(options ...Option) (*Daemon, error) {
	d := &Daemon{
		quantum:    DefaultQuantum,
		nextHandle: 1,
		slow:       rate.NewLimiter(rate.Every(time.Minute/DefaultSlowWarnings), DefaultSlowWarnings),
	}

	for _, o := range options {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// RegisterOption is an option for a registered daemon.
type RegisterOption func(*daemon)

// WithName names a daemon in logs and metrics.
func WithName(name string) RegisterOption {
	return func(dm *daemon) {
		dm.name = name
	}
}

// Register registers fn to be called with arg once every frequency
// iterations. Daemons of equal frequency get distinct phase offsets so
// they run in different iterations.
func (d *Daemon) Register(fn Func, arg any, frequency int, options ...RegisterOption) (Handle, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil daemon function", ErrInvalidArgument)
	}
	if frequency < 1 {
		return 0, fmt.Errorf("%w: frequency %d", ErrInvalidArgument, frequency)
	}

	d.Lock()
	defer d.Unlock()

	dm := &daemon{
		handle:    d.nextHandle,
		fn:        fn,
		arg:       arg,
		frequency: frequency,
	}
	for _, o := range options {
		o(dm)
	}
	if dm.name == "" {
		dm.name = fmt.Sprintf("daemon#%d", dm.handle)
	}

	if frequency > 1 {
		same := 0
		for _, o := range d.daemons {
			if o.frequency == frequency {
				same++
			}
		}
		dm.offset = same % frequency
	}

	d.nextHandle++
	d.daemons = append(d.daemons, dm)

	log.Debug("registered daemon %s, frequency %d, offset %d", dm.name, dm.frequency, dm.offset)

	return dm.handle, nil
}

// Unregister removes a registered daemon.
func (d *Daemon) Unregister(h Handle) error {
	d.Lock()
	defer d.Unlock()

	for i, dm := range d.daemons {
		if dm.handle == h {
			d.daemons = append(d.daemons[:i], d.daemons[i+1:]...)
			log.Debug("unregistered daemon %s", dm.name)
			return nil
		}
	}

	return fmt.Errorf("%w: daemon handle %d", ErrNotFound, h)
}

// Quantum returns the interval between iterations.
func (d *Daemon) Quantum() time.Duration {
	return d.quantum
}

// Iteration returns the number of the last iteration.
func (d *Daemon) Iteration() int {
	d.Lock()
	defer d.Unlock()
	return d.iteration
}

// Run runs the daemon loop until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer d.running.Store(false)

	log.Info("kernel daemon running with a quantum of %s", d.quantum)

	timer := time.NewTimer(d.quantum)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("kernel daemon stopped after %d iterations", d.Iteration())
			return nil
		case <-timer.C:
			d.Step()
			timer.Reset(d.quantum)
		}
	}
}

// Step runs a single iteration of the daemon loop.
func (d *Daemon) Step() {
	d.Lock()
	defer d.Unlock()

	d.iteration++
	d.iterations.Add(1)

	for _, dm := range d.daemons {
		if (d.iteration+dm.offset)%dm.frequency != 0 {
			continue
		}

		start := time.Now()
		dm.fn(dm.arg, d.iteration)
		elapsed := time.Since(start)

		dm.calls++
		dm.elapsed += elapsed
		if elapsed > d.quantum {
			dm.slow++
			if d.slow.Allow() {
				log.Warn("daemon %s took %s, longer than the %s quantum", dm.name, elapsed, d.quantum)
			}
		}
	}
}
