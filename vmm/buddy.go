// Raspberry Pi 3 kernel support
// https://github.com/armkernel/rpi3
//
// Copyright (c) The RPi3 Kernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vmm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/armkernel/rpi3/addr"
)

// noBlock is the buddyArea free-list terminator. It can never collide with
// a real block address because every pushed address is minBlock-aligned
// and region.End (the highest address a block could start below) is always
// a real, finite physical address.
const noBlock = addr.PhysicalAddress(^uint64(0))

// buddyArea holds the free list and pair-toggle bitmap for one order. Its
// own mutex lets allocations at unrelated orders proceed without
// contending on a single allocator-wide lock. The free list is intrusive
// and in-band: a free block's own first eight bytes hold the address of
// the next free block at this order, so the list itself costs no memory
// beyond the blocks it already tracks.
type buddyArea struct {
	mu    sync.Mutex
	head  addr.PhysicalAddress
	pairs []byte // one bit per buddy pair; set iff exactly one buddy is free
}

func readNext(pa addr.PhysicalAddress) addr.PhysicalAddress {
	return *(*addr.PhysicalAddress)(unsafe.Pointer(uintptr(pa)))
}

func writeNext(pa addr.PhysicalAddress, next addr.PhysicalAddress) {
	*(*addr.PhysicalAddress)(unsafe.Pointer(uintptr(pa))) = next
}

func (a *buddyArea) push(base addr.PhysicalAddress) {
	writeNext(base, a.head)
	a.head = base
}

func (a *buddyArea) pop() (addr.PhysicalAddress, bool) {
	if a.head == noBlock {
		return 0, false
	}
	base := a.head
	a.head = readNext(base)
	return base, true
}

// remove unlinks target from the free list, reporting whether it was found.
func (a *buddyArea) remove(target addr.PhysicalAddress) bool {
	if a.head == noBlock {
		return false
	}
	if a.head == target {
		a.head = readNext(target)
		return true
	}
	for prev := a.head; ; {
		next := readNext(prev)
		if next == noBlock {
			return false
		}
		if next == target {
			writeNext(prev, readNext(target))
			return true
		}
		prev = next
	}
}

func (a *buddyArea) len() int {
	n := 0
	for p := a.head; p != noBlock; p = readNext(p) {
		n++
	}
	return n
}

// togglePair flips the shared bit for the buddy pair containing pairIdx and
// reports the bit's new value: true means exactly one of the two buddies is
// now free. The bitmap is sized once, at construction, for the worst case
// of the whole managed region tracked at this order, so there is nothing to
// grow here.
func (a *buddyArea) togglePair(pairIdx uint64) bool {
	word := pairIdx / 8
	bit := uint(pairIdx % 8)
	a.pairs[word] ^= 1 << bit
	return a.pairs[word]&(1<<bit) != 0
}

// BuddyAllocator is a power-of-two physical-page allocator over a single
// contiguous region. Each order has its own free list, threaded through the
// free blocks themselves; freeing a block toggles a single bit shared by
// its buddy pair, so whether the pair can be coalesced is an O(1) test
// rather than a buddy-state comparison.
type BuddyAllocator struct {
	base     addr.PhysicalAddress
	length   uint64
	minBlock uint64
	maxOrder uint
	areas    []buddyArea
}

func (b *BuddyAllocator) blockSize(order uint) uint64 {
	return b.minBlock << order
}

// Base returns the physical address of the first byte the allocator hands
// out blocks from, i.e. region.Start plus whatever prefix its own metadata
// consumed.
func (b *BuddyAllocator) Base() addr.PhysicalAddress { return b.base }

// pairsBytes returns the number of bytes needed for a one-bit-per-pair
// bitmap covering regionLen worth of blockSize blocks (at least one byte,
// so an order with fewer than two blocks still gets a live bitmap).
func pairsBytes(regionLen uint64, blockSize uint64) uint64 {
	blocks := regionLen / blockSize
	n := (blocks/2 + 7) / 8
	if n == 0 {
		n = 1
	}
	return n
}

// physBytes views the n bytes at pa as a byte slice, for carving allocator
// metadata directly out of managed physical memory. This makes the same
// identity-mapped-physical-memory assumption table.go's tableAt makes for
// descriptor tables: pa must be real, addressable RAM.
func physBytes(pa addr.PhysicalAddress, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), n)
}

// NewBuddyAllocator creates an allocator tracking block sizes from minBlock
// up to maxBlock (both powers of two, maxBlock >= minBlock) over region.
// Before building any free list it carves its own bookkeeping - one
// free-pair bitmap per size class - from the low end of region, matching
// libmei/src/vm/buddy.rs's Storage::init claim-memory-from-the-front
// approach: Go has no static `#[repr(align)]` carving, so the metadata is
// laid out as plain byte slices directly over region, and free-list nodes
// are written in-band at the free blocks' own addresses. Both require
// region to be real, identity-addressable physical memory, true of every
// region this kernel ever hands to a BuddyAllocator.
func NewBuddyAllocator(region addr.PhysicalRange, minBlock, maxBlock uint64) (*BuddyAllocator, error) {
	if minBlock == 0 || minBlock&(minBlock-1) != 0 {
		return nil, fmt.Errorf("%w: minBlock %#x is not a power of two", ErrAllocError, minBlock)
	}
	if maxBlock < minBlock || maxBlock&(maxBlock-1) != 0 {
		return nil, fmt.Errorf("%w: maxBlock %#x is not a power-of-two multiple of minBlock %#x", ErrAllocError, maxBlock, minBlock)
	}
	if region.Len() == 0 {
		return nil, fmt.Errorf("%w: empty region %s", ErrAllocError, region)
	}
	if uint64(region.Start)%minBlock != 0 {
		return nil, fmt.Errorf("%w: region base %s is not aligned to minBlock %#x", ErrAllocError, region.Start, minBlock)
	}

	numOrders := 0
	for sz := minBlock; sz <= maxBlock; sz <<= 1 {
		numOrders++
	}

	b := &BuddyAllocator{
		minBlock: minBlock,
		maxOrder: uint(numOrders - 1),
		areas:    make([]buddyArea, numOrders),
	}
	for i := range b.areas {
		b.areas[i].head = noBlock
	}

	// Size every order's bitmap for the worst case of the entire (pre-carve)
	// region tracked at that order: the data region handed to the free
	// lists, once metadata is carved off, only ever needs fewer blocks.
	metaLen := uint64(0)
	for order := range b.areas {
		metaLen += pairsBytes(region.Len(), b.blockSize(uint(order)))
	}

	dataStart := region.Start.Add(metaLen).AlignUp(minBlock)
	if dataStart >= region.End {
		return nil, fmt.Errorf("%w: region %s too small to host buddy metadata (%#x bytes)", ErrAllocError, region, metaLen)
	}

	off := uint64(0)
	for order := range b.areas {
		n := pairsBytes(region.Len(), b.blockSize(uint(order)))
		b.areas[order].pairs = physBytes(region.Start.Add(off), n)
		off += n
	}

	b.base = dataStart
	b.length = region.End.Sub(dataStart)

	for order := b.maxOrder; ; order-- {
		if b.blockSize(order) <= b.length {
			b.maxOrder = order
			b.areas = b.areas[:order+1]
			break
		}
		if order == 0 {
			return nil, fmt.Errorf("%w: region %s too small for even the minimum block size %#x", ErrAllocError, region, minBlock)
		}
	}

	b.addRegion(b.base, b.length)
	return b, nil
}

// addRegion greedily carves [base, base+length) into maximal aligned
// power-of-two blocks and seeds each order's free list directly, without
// going through Alloc/Free (there is nothing to coalesce against yet).
func (b *BuddyAllocator) addRegion(base addr.PhysicalAddress, length uint64) {
	for length > 0 {
		order := b.maxOrder
		for order > 0 {
			sz := b.blockSize(order)
			if uint64(base)%sz == 0 && sz <= length {
				break
			}
			order--
		}
		sz := b.blockSize(order)
		b.areas[order].push(base)
		b.areas[order].togglePair(b.blockIndex(base, order) / 2)
		base = base.Add(sz)
		length -= sz
	}
}

// blockIndex returns the ordinal position of a block of the given order
// within the managed region, used to locate its buddy-pair bit.
func (b *BuddyAllocator) blockIndex(base addr.PhysicalAddress, order uint) uint64 {
	return base.Sub(b.base) / b.blockSize(order)
}

// buddyOf returns the address of the other half of the pair base belongs to
// at the given order.
func (b *BuddyAllocator) buddyOf(base addr.PhysicalAddress, order uint) addr.PhysicalAddress {
	idx := b.blockIndex(base, order)
	buddyIdx := idx ^ 1
	return b.base.Add(buddyIdx * b.blockSize(order))
}

// Alloc returns the base address of a free block of 2^order*minBlock bytes,
// splitting a larger block if no block of exactly that order is free.
func (b *BuddyAllocator) Alloc(order uint) (addr.PhysicalAddress, error) {
	if order > b.maxOrder {
		return 0, fmt.Errorf("%w: order %d exceeds maximum order %d", ErrAllocError, order, b.maxOrder)
	}

	area := &b.areas[order]
	area.mu.Lock()
	if base, ok := area.pop(); ok {
		area.togglePair(b.blockIndex(base, order) / 2)
		area.mu.Unlock()
		return base, nil
	}
	area.mu.Unlock()

	if order == b.maxOrder {
		return 0, fmt.Errorf("%w: no order-%d block available", ErrPhysicalOOM, order)
	}

	parent, err := b.Alloc(order + 1)
	if err != nil {
		return 0, err
	}
	buddy := parent.Add(b.blockSize(order))

	area.mu.Lock()
	area.push(buddy)
	area.togglePair(b.blockIndex(parent, order) / 2)
	area.mu.Unlock()

	return parent, nil
}

// Free returns a block of 2^order*minBlock bytes starting at base to the
// allocator, coalescing it with its buddy (and that buddy's buddy, and so
// on) whenever both halves of a pair are free.
func (b *BuddyAllocator) Free(base addr.PhysicalAddress, order uint) error {
	if order > b.maxOrder {
		return fmt.Errorf("%w: order %d exceeds maximum order %d", ErrAllocError, order, b.maxOrder)
	}

	area := &b.areas[order]

	if order == b.maxOrder {
		area.mu.Lock()
		area.togglePair(b.blockIndex(base, order) / 2)
		area.push(base)
		area.mu.Unlock()
		return nil
	}

	area.mu.Lock()
	bothFree := !area.togglePair(b.blockIndex(base, order) / 2)
	if !bothFree {
		area.push(base)
		area.mu.Unlock()
		return nil
	}

	buddy := b.buddyOf(base, order)
	area.remove(buddy)
	area.mu.Unlock()

	merged := base
	if buddy < base {
		merged = buddy
	}
	return b.Free(merged, order+1)
}

// FreeBlocks reports, for diagnostics and tests, how many free blocks remain
// at each order.
func (b *BuddyAllocator) FreeBlocks() []int {
	counts := make([]int, len(b.areas))
	for i := range b.areas {
		b.areas[i].mu.Lock()
		counts[i] = b.areas[i].len()
		b.areas[i].mu.Unlock()
	}
	return counts
}
