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

// Package radix implements a slot allocator on top of a radix tree of
// bitmaps. Leaves track 32 slots each in a bitmap, meta nodes track 16
// children. Every node records the number of free slots beneath it, the
// length of the longest free run, and the lengths of the free runs at its
// low and high edges, so allocation only descends into subtrees which can
// satisfy a request and still finds runs straddling subtree boundaries.
//
// A Bitmap is not synchronized. Callers serialize access to it.
package radix

import (
	"fmt"
	"math/bits"

	kerrors "github.com/containers/vmcore/pkg/kernel/errors"
	logger "github.com/containers/vmcore/pkg/log"
)

// Slot is an index into a Bitmap.
type Slot int

const (
	// SlotNone is returned when no suitable free run exists.
	SlotNone Slot = -1

	leafSlots  = 32
	metaRadix  = 16
	allLeafSet = ^uint32(0)
)

var (
	log = logger.Get("radix")

	// ErrInvalidSize is returned by Create for a non-positive slot count.
	ErrInvalidSize = fmt.Errorf("radix: %w: invalid slot count", kerrors.ErrInvalidArgument)
)

// Bitmap is a radix tree of free slot bitmaps.
type Bitmap struct {
	slots int    // usable slots
	radix int    // slots covered by the root
	free  int    // free slots
	skip  []int  // subtree node counts per level, skip[0] is the root
	nodes []node // preorder array of tree nodes
}

type node struct {
	bitmap uint32 // leaves only, a set bit is a free slot
	avail  int    // free slots in subtree
	big    int    // longest free run in subtree
	prefix int    // free run starting at the lowest slot of subtree
	suffix int    // free run ending at the highest slot of subtree
}

// Create creates a Bitmap for the given number of slots, all of them free.
func Create(slots int) (*Bitmap, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w (%d)", ErrInvalidSize, slots)
	}

	b := &Bitmap{
		slots: slots,
		radix: leafSlots,
	}

	levels := 1
	for b.radix < slots {
		b.radix *= metaRadix
		levels++
	}

	b.skip = make([]int, levels)
	b.skip[levels-1] = 1
	for l := levels - 2; l >= 0; l-- {
		b.skip[l] = 1 + metaRadix*b.skip[l+1]
	}

	b.nodes = make([]node, b.lastNode(0, 0, 0, b.radix)+1)
	b.free = b.init(0, 0, 0, b.radix)

	log.Debug("created bitmap of %d slots (radix %d, %d nodes)", slots, b.radix, len(b.nodes))

	return b, nil
}

// Destroy releases the tree. The Bitmap must not be used afterwards.
func (b *Bitmap) Destroy() {
	b.nodes = nil
	b.skip = nil
	b.free = 0
}

// Capacity returns the number of usable slots.
func (b *Bitmap) Capacity() int {
	return b.slots
}

// FreeSlots returns the number of free slots.
func (b *Bitmap) FreeSlots() int {
	return b.free
}

// LargestFree returns the length of the longest free run.
func (b *Bitmap) LargestFree() int {
	if len(b.nodes) == 0 {
		return 0
	}
	return b.nodes[0].big
}

// Alloc allocates count contiguous slots, returning the lowest index of
// the lowest-addressed free run which fits, or SlotNone.
func (b *Bitmap) Alloc(count int) Slot {
	if count <= 0 || len(b.nodes) == 0 || b.nodes[0].big < count {
		return SlotNone
	}

	start := b.find(0, 0, 0, b.radix, count)
	b.update(0, 0, 0, b.radix, start, start+count, false)
	b.free -= count

	return Slot(start)
}

// Dealloc frees count slots starting at index. Freeing slots which are
// not allocated is an accounting corruption and panics.
func (b *Bitmap) Dealloc(index Slot, count int) {
	if count <= 0 {
		return
	}
	if index < 0 || int(index)+count > b.slots {
		log.Panic("dealloc of out of range slots %d-%d (capacity %d)",
			index, int(index)+count-1, b.slots)
	}

	b.update(0, 0, 0, b.radix, int(index), int(index)+count, true)
	b.free += count
}

// Validate recomputes the accounting of the whole tree and compares it
// to the recorded state.
func (b *Bitmap) Validate() error {
	if len(b.nodes) == 0 {
		return nil
	}

	n, err := b.validate(0, 0, 0, b.radix)
	if err != nil {
		return err
	}
	if n.avail != b.free {
		return fmt.Errorf("radix: free count %d, tree has %d free slots", b.free, n.avail)
	}

	return nil
}

func (b *Bitmap) isLeaf(level int) bool {
	return level == len(b.skip)-1
}

// children returns the number of children of a meta node which cover
// usable slots.
func (b *Bitmap) children(start, radix int) int {
	cr := radix / metaRadix
	n := (b.slots - start + cr - 1) / cr
	if n > metaRadix {
		n = metaRadix
	}
	return n
}

func (b *Bitmap) lastNode(idx, level, start, radix int) int {
	if b.isLeaf(level) {
		return idx
	}
	cr := radix / metaRadix
	k := b.children(start, radix) - 1
	return b.lastNode(idx+1+k*b.skip[level+1], level+1, start+k*cr, cr)
}

func (b *Bitmap) init(idx, level, start, radix int) int {
	if b.isLeaf(level) {
		bm := allLeafSet
		if usable := b.slots - start; usable < leafSlots {
			bm = uint32(1)<<uint(usable) - 1
		}
		b.nodes[idx].bitmap = bm
		b.nodes[idx].recalcLeaf()
		return b.nodes[idx].avail
	}

	cr := radix / metaRadix
	for k := 0; k < b.children(start, radix); k++ {
		b.init(idx+1+k*b.skip[level+1], level+1, start+k*cr, cr)
	}
	b.recalcMeta(idx, level, start, radix)

	return b.nodes[idx].avail
}

func (b *Bitmap) find(idx, level, start, radix, count int) int {
	if b.isLeaf(level) {
		bm := uint64(b.nodes[idx].bitmap)
		mask := uint64(1)<<uint(count) - 1
		for i := 0; i+count <= leafSlots; i++ {
			if bm&(mask<<uint(i)) == mask<<uint(i) {
				return start + i
			}
		}
		log.Panic("leaf %d at slot %d: no free run of %d despite hint %d",
			idx, start, count, b.nodes[idx].big)
		return -1
	}

	cr := radix / metaRadix
	run := 0
	for k := 0; k < b.children(start, radix); k++ {
		cidx := idx + 1 + k*b.skip[level+1]
		cstart := start + k*cr
		c := &b.nodes[cidx]

		if run+c.prefix >= count {
			return cstart - run
		}
		if c.big >= count {
			return b.find(cidx, level+1, cstart, cr, count)
		}
		if c.avail == cr {
			run += cr
		} else {
			run = c.suffix
		}
	}

	log.Panic("meta node %d at slot %d: no free run of %d despite hint %d",
		idx, start, count, b.nodes[idx].big)
	return -1
}

// update marks the slots [lo, hi) free or allocated within the subtree
// at idx and recomputes the accounting on the way back up.
func (b *Bitmap) update(idx, level, start, radix, lo, hi int, free bool) {
	if b.isLeaf(level) {
		from, to := max(lo, start)-start, min(hi, start+leafSlots)-start
		mask := uint32((uint64(1)<<uint(to-from) - 1) << uint(from))
		n := &b.nodes[idx]
		if free {
			if n.bitmap&mask != 0 {
				log.Panic("double free of slots in range %d-%d", start+from, start+to-1)
			}
			n.bitmap |= mask
		} else {
			if n.bitmap&mask != mask {
				log.Panic("allocating busy slots in range %d-%d", start+from, start+to-1)
			}
			n.bitmap &^= mask
		}
		n.recalcLeaf()
		return
	}

	cr := radix / metaRadix
	for k := 0; k < b.children(start, radix); k++ {
		cstart := start + k*cr
		if cstart >= hi || cstart+cr <= lo {
			continue
		}
		b.update(idx+1+k*b.skip[level+1], level+1, cstart, cr, lo, hi, free)
	}
	b.recalcMeta(idx, level, start, radix)
}

func (n *node) recalcLeaf() {
	bm := n.bitmap
	n.avail = bits.OnesCount32(bm)
	n.prefix = bits.TrailingZeros32(^bm)
	n.suffix = bits.LeadingZeros32(^bm)
	n.big = 0
	for x := bm; x != 0; x &= x >> 1 {
		n.big++
	}
}

func (b *Bitmap) recalcMeta(idx, level, start, radix int) {
	b.nodes[idx] = b.combine(idx, level, start, radix)
}

// combine computes the accounting of a meta node from its children.
// Children beyond the usable slots count as allocated.
func (b *Bitmap) combine(idx, level, start, radix int) node {
	var (
		cr     = radix / metaRadix
		nchild = b.children(start, radix)
		n      = node{}
		run    = 0
		inPfx  = true
	)

	for k := 0; k < nchild; k++ {
		c := &b.nodes[idx+1+k*b.skip[level+1]]
		full := c.avail == cr

		n.avail += c.avail
		if inPfx {
			n.prefix += c.prefix
			inPfx = full
		}
		n.big = max(n.big, c.big, run+c.prefix)
		if full {
			run += cr
		} else {
			run = c.suffix
		}
	}
	n.big = max(n.big, run)

	if nchild == metaRadix {
		n.suffix = run
	}

	return n
}

func (b *Bitmap) validate(idx, level, start, radix int) (node, error) {
	n := b.nodes[idx]

	if b.isLeaf(level) {
		if usable := b.slots - start; usable < leafSlots {
			if padding := allLeafSet << uint(usable); n.bitmap&padding != 0 {
				return n, fmt.Errorf("radix: padding slots above %d marked free", b.slots)
			}
		}
		chk := node{bitmap: n.bitmap}
		chk.recalcLeaf()
		if chk != n {
			return n, fmt.Errorf("radix: leaf at slot %d: recorded %+v, actual %+v", start, n, chk)
		}
		return n, nil
	}

	cr := radix / metaRadix
	for k := 0; k < b.children(start, radix); k++ {
		if _, err := b.validate(idx+1+k*b.skip[level+1], level+1, start+k*cr, cr); err != nil {
			return n, err
		}
	}
	if chk := b.combine(idx, level, start, radix); chk != n {
		return n, fmt.Errorf("radix: node at slot %d: recorded %+v, actual %+v", start, n, chk)
	}

	return n, nil
}
