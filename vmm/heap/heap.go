// Raspberry Pi 3 kernel support
// https://github.com/armkernel/rpi3
//
// Copyright (c) The RPi3 Kernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package heap implements a general-purpose kernel allocator for objects
// smaller than a page, backed by whole pages drawn from a
// vmm.BuddyAllocator. It is a simplified slab allocator: one free list per
// size class, with partially-used pages kept in a single unordered list per
// class rather than bucketed by fill level.
package heap

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/armkernel/rpi3/addr"
	"github.com/armkernel/rpi3/vmm"
)

// sizeClasses are the object sizes the heap serves directly; a request
// larger than the largest class is rejected rather than served from a
// multi-page slab, matching the heap's page-granular backing.
var sizeClasses = []uint64{16, 32, 64, 128, 256, 512, 1024, 2048}

// page tracks one buddy-backed page carved into fixed-size slots for a
// single size class.
type page struct {
	base     addr.PhysicalAddress
	class    uint64
	free     []uint16 // free slot indices
	numFree  int
	numSlots int
}

// Heap is a slab-style allocator: each size class owns a list of pages, and
// an allocation is served from the first page in that class with a free
// slot, falling back to requesting a new page from the backing allocator
// when none has room.
type Heap struct {
	mu     sync.Mutex
	pages  *vmm.BuddyAllocator
	byClass map[uint64]*list.List // class size -> *list.List of *page
}

// New creates a Heap drawing whole pages from pages.
func New(pages *vmm.BuddyAllocator) *Heap {
	h := &Heap{
		pages:   pages,
		byClass: make(map[uint64]*list.List, len(sizeClasses)),
	}
	for _, c := range sizeClasses {
		h.byClass[c] = list.New()
	}
	return h
}

func classFor(size uint64) (uint64, error) {
	for _, c := range sizeClasses {
		if size <= c {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: requested size %d exceeds the largest size class (%d)", vmm.ErrAllocError, size, sizeClasses[len(sizeClasses)-1])
}

// Alloc returns the physical address of a size-class-sized block able to
// hold size bytes.
func (h *Heap) Alloc(size uint64) (addr.PhysicalAddress, error) {
	class, err := classFor(size)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pages := h.byClass[class]
	for e := pages.Front(); e != nil; e = e.Next() {
		p := e.Value.(*page)
		if p.numFree > 0 {
			idx := p.free[p.numFree-1]
			p.free = p.free[:p.numFree-1]
			p.numFree--
			return p.base.Add(uint64(idx) * class), nil
		}
	}

	base, err := h.pages.Alloc(0)
	if err != nil {
		return 0, fmt.Errorf("allocate backing page for size class %d: %w", class, err)
	}
	numSlots := int(addr.PageSize4KiB / class)
	p := &page{base: base, class: class, numSlots: numSlots, numFree: numSlots - 1}
	p.free = make([]uint16, 0, numSlots)
	for i := numSlots - 1; i >= 1; i-- {
		p.free = append(p.free, uint16(i))
	}
	pages.PushFront(p)
	return base, nil
}

// Free returns a block previously returned by Alloc(size) to the heap. The
// backing page is released to the physical allocator once every slot on it
// is free again.
func (h *Heap) Free(a addr.PhysicalAddress, size uint64) error {
	class, err := classFor(size)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pages := h.byClass[class]
	for e := pages.Front(); e != nil; e = e.Next() {
		p := e.Value.(*page)
		if a < p.base || a >= p.base.Add(addr.PageSize4KiB) {
			continue
		}
		idx := uint16(a.Sub(p.base) / class)
		p.free = append(p.free, idx)
		p.numFree++
		if p.numFree == p.numSlots {
			pages.Remove(e)
			return h.pages.Free(p.base, 0)
		}
		return nil
	}
	return fmt.Errorf("%w: address %s is not a live allocation of size %d", vmm.ErrAllocError, a, size)
}
