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

// Package slab implements slab caches of fixed-size objects. A cache
// carves runs of pages into equal-size objects and keeps the slabs with
// free objects on a partial list and the exhausted ones on a full list.
package slab

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"unsafe"

	logger "github.com/containers/vmcore/pkg/log"
	"github.com/containers/vmcore/pkg/pages"
)

const (
	// MinimumSlabItems is the default minimum number of objects per slab.
	MinimumSlabItems = 32
	// DefaultAlignment is the default object alignment.
	DefaultAlignment = 8
	// DefaultMaxEmptySlabs is the default number of retained empty slabs.
	DefaultMaxEmptySlabs = 1
	// DefaultPageSize is the page size of the heap source used by default.
	DefaultPageSize = 4096

	maxSlabPages = 1 << 16
)

// AllocFlags modify object allocation.
type AllocFlags uint

const (
	// DontGrow fails the allocation instead of creating a new slab.
	DontGrow AllocFlags = 1 << iota
)

// Strategy is the layout strategy of a cache.
type Strategy int

const (
	// StrategyMerged keeps the free list links in the trailing bytes of
	// each object slot and the slab index at the end of the slab, and
	// finds the slab of an object by masking its address. Slabs are
	// aligned to their own size.
	StrategyMerged Strategy = iota
	// StrategyHashed keeps all metadata out of band and finds the slab
	// of an object through a table keyed by object address.
	StrategyHashed
)

var (
	log = logger.Get("slab")
)

// String returns the name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyMerged:
		return "merged"
	case StrategyHashed:
		return "hashed"
	}
	return fmt.Sprintf("<unknown strategy %d>", int(s))
}

// ParseStrategy parses a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "merged", "":
		return StrategyMerged, nil
	case "hashed":
		return StrategyHashed, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, name)
}

// ObjectHooks construct objects when a slab is created, and destruct
// them when the slab is torn down. Objects are not reconstructed between
// allocations.
type ObjectHooks interface {
	Construct(obj []byte) error
	Destruct(obj []byte)
}

// HookFuncs adapts a pair of functions to ObjectHooks. Either may be nil.
type HookFuncs struct {
	ConstructFn func(obj []byte) error
	DestructFn  func(obj []byte)
}

// Construct implements ObjectHooks.
func (h HookFuncs) Construct(obj []byte) error {
	if h.ConstructFn == nil {
		return nil
	}
	return h.ConstructFn(obj)
}

// Destruct implements ObjectHooks.
func (h HookFuncs) Destruct(obj []byte) {
	if h.DestructFn != nil {
		h.DestructFn(obj)
	}
}

// Option is an option for a Cache.
type Option func(*Cache) error

// WithHooks sets the object constructor and destructor.
func WithHooks(hooks ObjectHooks) Option {
	return func(c *Cache) error {
		c.hooks = hooks
		return nil
	}
}

// WithStrategy sets the slab layout strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Cache) error {
		switch s {
		case StrategyMerged, StrategyHashed:
			c.kind = s
			return nil
		}
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidArgument, s)
	}
}

// WithPageSource sets the source slab pages are allocated from.
func WithPageSource(src pages.Source) Option {
	return func(c *Cache) error {
		c.source = src
		return nil
	}
}

// WithMinimumSlabItems sets the minimum number of objects per slab.
func WithMinimumSlabItems(n int) Option {
	return func(c *Cache) error {
		if n < 1 {
			return fmt.Errorf("%w: minimum slab items %d", ErrInvalidArgument, n)
		}
		c.minItems = n
		return nil
	}
}

// WithMaxEmptySlabs sets the number of completely free slabs the cache
// retains instead of returning them to the page source.
func WithMaxEmptySlabs(n int) Option {
	return func(c *Cache) error {
		if n < 0 {
			return fmt.Errorf("%w: max empty slabs %d", ErrInvalidArgument, n)
		}
		c.maxEmpty = n
		return nil
	}
}

// Cache is a slab cache of fixed-size objects.
type Cache struct {
	name       string
	objectSize int
	alignment  int
	hooks      ObjectHooks
	kind       Strategy
	strategy   strategy
	source     pages.Source
	minItems   int
	maxEmpty   int

	// slab layout, fixed at creation
	slotSize  int
	slabPages int
	pageFlags pages.Flags
	capacity  int
	maxColor  int

	lock      sync.Mutex
	partial   slabList
	full      slabList
	slabs     int
	empty     int
	color     int
	inUse     int
	allocs    uint64
	frees     uint64
	destroyed bool
}

// slab is a run of pages carved into objects.
type slab struct {
	run    pages.Run
	base   uintptr
	color  int
	count  int
	free   int
	used   []uint64
	onFull bool
	prev   *slab
	next   *slab

	head  int     // merged: first free slot, -1 if none
	index int     // merged: index in the slab table
	stack []int32 // hashed: free slots
}

// NewCache creates a cache of objects of the given size and alignment.
// An alignment of 0 selects DefaultAlignment.
func NewCache(name string, objectSize, alignment int, options ...Option) (*Cache, error) {
	if objectSize <= 0 {
		return nil, fmt.Errorf("%w: object size %d", ErrInvalidArgument, objectSize)
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment < 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d", ErrInvalidArgument, alignment)
	}

	c := &Cache{
		name:       name,
		objectSize: objectSize,
		alignment:  alignment,
		kind:       StrategyMerged,
		minItems:   MinimumSlabItems,
		maxEmpty:   DefaultMaxEmptySlabs,
	}

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	if c.source == nil {
		src, err := pages.NewHeapSource(DefaultPageSize)
		if err != nil {
			return nil, err
		}
		c.source = src
	}
	if alignment > c.source.PageSize() {
		return nil, fmt.Errorf("%w: alignment %d exceeds page size %d",
			ErrInvalidArgument, alignment, c.source.PageSize())
	}

	switch c.kind {
	case StrategyMerged:
		c.strategy = &mergedStrategy{}
	case StrategyHashed:
		c.strategy = &hashedStrategy{objects: make(map[uintptr]*slab)}
	}

	if err := c.strategy.layout(c); err != nil {
		return nil, err
	}

	log.Debug("created cache %s: %d-byte objects in %d-byte slots, %d per %d-page slab (%s)",
		c.name, c.objectSize, c.slotSize, c.capacity, c.slabPages, c.kind)

	return c, nil
}

// Name returns the name of the cache.
func (c *Cache) Name() string {
	return c.name
}

// ObjectSize returns the size of objects in the cache.
func (c *Cache) ObjectSize() int {
	return c.objectSize
}

// AllocateObject allocates an object from the cache. A new slab is
// created if no slab has free objects, unless DontGrow is set.
func (c *Cache) AllocateObject(flags AllocFlags) ([]byte, error) {
	c.lock.Lock()

	for c.partial.empty() {
		if c.destroyed {
			c.lock.Unlock()
			return nil, ErrDestroyed
		}
		if flags&DontGrow != 0 {
			c.lock.Unlock()
			return nil, fmt.Errorf("%w: cache %s has no free objects", ErrNoMemory, c.name)
		}

		color := c.nextColor()
		c.lock.Unlock()

		s, err := c.createSlab(color)

		c.lock.Lock()
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
		if c.destroyed {
			c.lock.Unlock()
			c.destroySlab(s)
			return nil, ErrDestroyed
		}
		c.insertSlab(s)
	}

	if c.destroyed {
		c.lock.Unlock()
		return nil, ErrDestroyed
	}

	s := c.partial.front()
	if s.free == s.count {
		c.empty--
	}

	i := c.strategy.pop(c, s)
	s.setUsed(i, true)
	if s.free--; s.free == 0 {
		c.partial.remove(s)
		c.full.pushBack(s)
		s.onFull = true
	}
	c.inUse++
	c.allocs++

	obj := c.object(s, i)
	c.lock.Unlock()

	return obj, nil
}

// ReturnObject returns an object to the cache.
func (c *Cache) ReturnObject(obj []byte) error {
	c.lock.Lock()

	s, i, err := c.strategy.lookup(c, obj)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	if !s.isUsed(i) {
		c.lock.Unlock()
		return fmt.Errorf("%w (cache %s, slot %d)", ErrDoubleFree, c.name, i)
	}

	s.setUsed(i, false)
	c.strategy.push(c, s, i)
	s.free++
	c.inUse--
	c.frees++

	if s.onFull {
		c.full.remove(s)
		c.partial.pushFront(s)
		s.onFull = false
	}

	var victim *slab
	if s.free == s.count {
		c.partial.remove(s)
		if c.empty < c.maxEmpty {
			c.empty++
			c.partial.pushBack(s)
		} else {
			c.detachSlab(s)
			victim = s
		}
	}

	c.lock.Unlock()

	if victim != nil {
		c.destroySlab(victim)
	}

	return nil
}

// Owns tells whether obj starts at an object slot of the cache. Only the
// address of obj matters, not its length.
func (c *Cache) Owns(obj []byte) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, _, err := c.strategy.lookup(c, obj)
	return err == nil
}

// Reclaim returns all retained empty slabs to the page source, returning
// the number of slabs freed.
func (c *Cache) Reclaim() int {
	c.lock.Lock()
	victims := c.takeEmpty()
	c.lock.Unlock()

	for _, s := range victims {
		c.destroySlab(s)
	}

	if len(victims) > 0 {
		log.Debug("cache %s: reclaimed %d empty slabs", c.name, len(victims))
	}

	return len(victims)
}

// Destroy destroys the cache. It fails with ErrBusy while any object
// allocated from the cache is live.
func (c *Cache) Destroy() error {
	c.lock.Lock()

	if c.destroyed {
		c.lock.Unlock()
		return nil
	}
	if c.inUse > 0 {
		c.lock.Unlock()
		return fmt.Errorf("%w (cache %s, %d objects)", ErrBusy, c.name, c.inUse)
	}

	victims := c.takeEmpty()
	c.destroyed = true
	c.lock.Unlock()

	for _, s := range victims {
		c.destroySlab(s)
	}

	log.Debug("destroyed cache %s", c.name)

	return nil
}

// Stats describes the state of a cache.
type Stats struct {
	Name           string
	Strategy       string
	ObjectSize     int
	SlotSize       int
	ObjectsPerSlab int
	SlabPages      int
	Slabs          int
	PartialSlabs   int
	FullSlabs      int
	EmptySlabs     int
	ObjectsInUse   int
	FreeObjects    int
	Allocations    uint64
	Frees          uint64
}

// Stats returns the current state of the cache.
func (c *Cache) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	return Stats{
		Name:           c.name,
		Strategy:       c.kind.String(),
		ObjectSize:     c.objectSize,
		SlotSize:       c.slotSize,
		ObjectsPerSlab: c.capacity,
		SlabPages:      c.slabPages,
		Slabs:          c.slabs,
		PartialSlabs:   c.partial.len,
		FullSlabs:      c.full.len,
		EmptySlabs:     c.empty,
		ObjectsInUse:   c.inUse,
		FreeObjects:    c.slabs*c.capacity - c.inUse,
		Allocations:    c.allocs,
		Frees:          c.frees,
	}
}

// Validate checks the list and free list invariants of the cache.
func (c *Cache) Validate() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var (
		err   error
		empty int
		inUse int
	)

	check := func(s *slab, onFull bool) bool {
		switch {
		case s.onFull != onFull:
			err = fmt.Errorf("slab %#x: on wrong list", s.base)
		case onFull && s.free != 0:
			err = fmt.Errorf("slab %#x: %d free objects on full list", s.base, s.free)
		case !onFull && s.free == 0:
			err = fmt.Errorf("slab %#x: no free objects on partial list", s.base)
		case c.strategy.freeCount(c, s) != s.free:
			err = fmt.Errorf("slab %#x: free list has %d objects, expected %d",
				s.base, c.strategy.freeCount(c, s), s.free)
		case s.usedCount() != s.count-s.free:
			err = fmt.Errorf("slab %#x: %d objects marked used, expected %d",
				s.base, s.usedCount(), s.count-s.free)
		}
		if s.free == s.count {
			empty++
		}
		inUse += s.count - s.free
		return err == nil
	}

	c.partial.each(func(s *slab) bool { return check(s, false) })
	if err == nil {
		c.full.each(func(s *slab) bool { return check(s, true) })
	}
	if err != nil {
		return fmt.Errorf("slab: cache %s: %w", c.name, err)
	}

	switch {
	case c.partial.len+c.full.len != c.slabs:
		return fmt.Errorf("slab: cache %s: %d slabs listed, %d accounted",
			c.name, c.partial.len+c.full.len, c.slabs)
	case empty != c.empty:
		return fmt.Errorf("slab: cache %s: %d empty slabs, %d accounted", c.name, empty, c.empty)
	case inUse != c.inUse:
		return fmt.Errorf("slab: cache %s: %d objects in use, %d accounted", c.name, inUse, c.inUse)
	}

	return nil
}

func (c *Cache) nextColor() int {
	color := c.color
	if c.color += c.alignment; c.color > c.maxColor {
		c.color = 0
	}
	return color
}

func (c *Cache) createSlab(color int) (*slab, error) {
	run, err := c.source.AllocatePages(c.slabPages, c.pageFlags)
	if err != nil {
		return nil, fmt.Errorf("%w: cache %s: %v", ErrNoMemory, c.name, err)
	}

	s := &slab{
		run:   run,
		base:  run.Addr(),
		color: color,
		count: c.capacity,
		free:  c.capacity,
		used:  make([]uint64, (c.capacity+63)/64),
		index: -1,
	}
	c.strategy.init(c, s)

	if c.hooks != nil {
		for i := 0; i < s.count; i++ {
			if err := c.hooks.Construct(c.object(s, i)); err != nil {
				for j := 0; j < i; j++ {
					c.hooks.Destruct(c.object(s, j))
				}
				if ferr := c.source.FreePages(run); ferr != nil {
					log.Error("cache %s: failed to free slab pages: %v", c.name, ferr)
				}
				return nil, fmt.Errorf("slab: cache %s: failed to construct object: %w", c.name, err)
			}
		}
	}

	return s, nil
}

func (c *Cache) destroySlab(s *slab) {
	if c.hooks != nil {
		for i := 0; i < s.count; i++ {
			c.hooks.Destruct(c.object(s, i))
		}
	}
	if err := c.source.FreePages(s.run); err != nil {
		log.Error("cache %s: failed to free slab pages: %v", c.name, err)
	}
}

// insertSlab adds a new, empty slab to the cache.
func (c *Cache) insertSlab(s *slab) {
	c.strategy.attach(c, s)
	c.slabs++
	c.empty++
	c.partial.pushBack(s)
}

func (c *Cache) detachSlab(s *slab) {
	c.strategy.detach(c, s)
	c.slabs--
}

// takeEmpty removes all empty slabs from the cache.
func (c *Cache) takeEmpty() []*slab {
	var victims []*slab
	c.partial.each(func(s *slab) bool {
		if s.free == s.count {
			c.partial.remove(s)
			c.detachSlab(s)
			c.empty--
			victims = append(victims, s)
		}
		return true
	})
	return victims
}

func (c *Cache) offset(s *slab, i int) int {
	return s.color + i*c.slotSize
}

func (c *Cache) object(s *slab, i int) []byte {
	off := c.offset(s, i)
	return s.run.Mem[off : off+c.objectSize : off+c.objectSize]
}

// slotOf returns the slot of the object at addr in slab s.
func (c *Cache) slotOf(s *slab, addr uintptr) (int, error) {
	if addr < s.base+uintptr(s.color) {
		return -1, ErrInvalidObject
	}
	rel := int(addr - s.base - uintptr(s.color))
	if rel%c.slotSize != 0 || rel/c.slotSize >= s.count {
		return -1, fmt.Errorf("%w: %#x is not an object boundary", ErrInvalidObject, addr)
	}
	return rel / c.slotSize, nil
}

func (s *slab) isUsed(i int) bool {
	return s.used[i/64]&(1<<uint(i%64)) != 0
}

func (s *slab) setUsed(i int, used bool) {
	if used {
		s.used[i/64] |= 1 << uint(i%64)
	} else {
		s.used[i/64] &^= 1 << uint(i%64)
	}
}

func (s *slab) usedCount() int {
	n := 0
	for _, w := range s.used {
		n += bits.OnesCount64(w)
	}
	return n
}

func addrOf(obj []byte) (uintptr, bool) {
	if cap(obj) == 0 {
		return 0, false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(obj))), true
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
