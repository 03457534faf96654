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
	"sync/atomic"
	"unsafe"

	"github.com/armkernel/rpi3/addr"
)

// tableAt views the 4 KiB page at pa as a 512-entry array of raw Stage-1
// descriptors. This assumes pa is within the kernel's identity-mapped
// physical range, which holds for every table this package allocates: they
// come from the same BuddyAllocator region the kernel itself runs out of
// before enabling its own translation.
func tableAt(pa addr.PhysicalAddress) *[512]uint64 {
	return (*[512]uint64)(unsafe.Pointer(uintptr(pa)))
}

// levelSpan returns the range of virtual address space a single entry at
// level l covers.
func levelSpan(l addr.Level) uint64 {
	switch l {
	case addr.LevelZero:
		return 512 * addr.BlockSize1GiB
	case addr.LevelOne:
		return addr.BlockSize1GiB
	case addr.LevelTwo:
		return addr.BlockSize2MiB
	default:
		return addr.PageSize4KiB
	}
}

func memoryKindFromAttrIndx(idx uint8) MemoryKind {
	if idx == AttrIndxDevice {
		return MemoryDevice
	}
	return MemoryNormal
}

// TranslationTable is one root (TTBR0 or TTBR1) Stage-1 translation-table
// tree: a four-level radix tree of 512-entry descriptor tables, each
// occupying exactly one page allocated from alloc.
type TranslationTable struct {
	root  addr.PhysicalAddress
	ttbr  addr.TTBR
	alloc *BuddyAllocator
}

// NewTranslationTable allocates a root table for the given TTBR half of the
// address space.
func NewTranslationTable(alloc *BuddyAllocator, sel addr.TTBR) (*TranslationTable, error) {
	root, err := alloc.Alloc(0)
	if err != nil {
		return nil, fmt.Errorf("allocate root table: %w", err)
	}
	zeroTable(root)
	return &TranslationTable{root: root, ttbr: sel, alloc: alloc}, nil
}

// Root returns the physical address of the table's root, the value to be
// programmed into TTBR0_EL1 or TTBR1_EL1.
func (tt *TranslationTable) Root() addr.PhysicalAddress { return tt.root }

func zeroTable(pa addr.PhysicalAddress) {
	t := tableAt(pa)
	for i := range t {
		atomic.StoreUint64(&t[i], 0)
	}
}

func (tt *TranslationTable) baseVA() uint64 {
	if tt.ttbr == addr.TTBR1 {
		return uint64(0xffff) << 48
	}
	return 0
}

// Map installs every span of desc, allocating any intermediate tables
// needed along the way. Map is all-or-nothing only at the span level: if a
// later span in a multi-span request fails, earlier spans remain installed
// (mirroring Unmap's span-at-a-time behavior). Use a single-span desc
// (length no larger than one granule) for callers that need atomicity.
func (tt *TranslationTable) Map(desc MapDesc) error {
	if desc.Virtual.TTBRSelect() != tt.ttbr {
		return fmt.Errorf("%w: va=%s does not belong to this table's TTBR half", ErrInvalidVirtualAddress, desc.Virtual)
	}
	spans, err := PlanMapping(desc.Virtual, desc.Physical, desc.Length)
	if err != nil {
		return err
	}
	for _, s := range spans {
		for i := uint64(0); i < s.Count; i++ {
			block := Span{
				Virtual:  s.Virtual.Add(i * s.Length),
				Physical: s.Physical.Add(i * s.Length),
				Length:   s.Length,
				Count:    1,
			}
			if err := tt.installSpan(block, desc.Perms, desc.Kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tt *TranslationTable) installSpan(s Span, perms AccessPermissions, kind MemoryKind) error {
	level := s.Level()
	tablePA := tt.root

	for l := addr.LevelZero; l < level; l++ {
		table := tableAt(tablePA)
		idx := s.Virtual.IndexForLevel(l)
		raw := atomic.LoadUint64(&table[idx])
		d, err := parseDescriptor(raw, l)
		if err != nil {
			return err
		}

		switch d.kind {
		case descInvalid:
			child, err := tt.alloc.Alloc(0)
			if err != nil {
				return fmt.Errorf("allocate level %v table: %w", l+1, err)
			}
			zeroTable(child)
			atomic.StoreUint64(&table[idx], newTableDescriptor(child))
			tablePA = child
		case descTable:
			tablePA = d.outputAddr
		default:
			return fmt.Errorf("%w: expected table descriptor at level %v index %d, found %v", ErrCorruptedTranslationTable, l, idx, d.kind)
		}
	}

	table := tableAt(tablePA)
	idx := s.Virtual.IndexForLevel(level)
	existing, err := parseDescriptor(atomic.LoadUint64(&table[idx]), level)
	if err != nil {
		return err
	}
	if existing.kind != descInvalid {
		return fmt.Errorf("%w: va=%s", ErrVMMapExists, s.Virtual)
	}
	atomic.StoreUint64(&table[idx], newLeafDescriptor(level, s.Physical, perms, kind))
	return nil
}

// Virt2Phy translates va to its mapped physical address, returning
// ErrVMMapNotExists if no mapping covers it.
func (tt *TranslationTable) Virt2Phy(va addr.VirtualAddress) (addr.PhysicalAddress, error) {
	if va.TTBRSelect() != tt.ttbr {
		return 0, fmt.Errorf("%w: va=%s does not belong to this table's TTBR half", ErrInvalidVirtualAddress, va)
	}

	tablePA := tt.root
	for _, l := range addr.Levels {
		table := tableAt(tablePA)
		idx := va.IndexForLevel(l)
		d, err := parseDescriptor(atomic.LoadUint64(&table[idx]), l)
		if err != nil {
			return 0, err
		}

		switch d.kind {
		case descInvalid:
			return 0, fmt.Errorf("%w: va=%s", ErrVMMapNotExists, va)
		case descTable:
			tablePA = d.outputAddr
		case descBlock, descPage:
			return d.outputAddr.Add(blockOffset(va, l)), nil
		}
	}
	return 0, fmt.Errorf("%w: walk of va=%s fell through all four levels", ErrCorruptedTranslationTable, va)
}

func blockOffset(va addr.VirtualAddress, l addr.Level) uint64 {
	switch l {
	case addr.LevelOne:
		return va.PageOffset1GiB()
	case addr.LevelTwo:
		return va.PageOffset2MiB()
	default:
		return va.PageOffset4KiB()
	}
}

// PhysicalBlock describes one installed Block/Page descriptor whose covered
// VA overlaps a Traverse query range.
type PhysicalBlock struct {
	// Virtual is the VA at which the whole block/page starts, not the
	// start of Overlap.
	Virtual  addr.VirtualAddress
	Physical addr.PhysicalAddress
	// Length is the full block/page size (1 GiB, 2 MiB or 4 KiB).
	Length uint64
	// Overlap is the sub-range of [Virtual, Virtual+Length) that
	// intersects the query range.
	Overlap addr.VARange
	Perms   AccessPermissions
	Kind    MemoryKind

	// location of the descriptor itself, for Remove.
	tablePA addr.PhysicalAddress
	idx     uint64
	level   addr.Level
}

// Remove implements the split-on-unmap operation: it zeros the descriptor
// and re-installs the portions of the block outside Overlap (if any) as
// smaller-granule spans, so that only the overlapping sub-range actually
// loses its mapping.
func (pb PhysicalBlock) Remove(tt *TranslationTable) error {
	table := tableAt(pb.tablePA)
	atomic.StoreUint64(&table[pb.idx], 0)

	blockEnd := pb.Virtual.Add(pb.Length)
	headLen := pb.Overlap.Start.Sub(pb.Virtual)
	tailLen := blockEnd.Sub(pb.Overlap.End)

	if headLen > 0 {
		if err := tt.Map(MapDesc{Virtual: pb.Virtual, Physical: pb.Physical, Length: headLen, Perms: pb.Perms, Kind: pb.Kind}); err != nil {
			return fmt.Errorf("reinsert head of split %v at va=%s: %w", pb.level, pb.Virtual, err)
		}
	}
	if tailLen > 0 {
		tailPA := pb.Physical.Add(pb.Overlap.End.Sub(pb.Virtual))
		if err := tt.Map(MapDesc{Virtual: pb.Overlap.End, Physical: tailPA, Length: tailLen, Perms: pb.Perms, Kind: pb.Kind}); err != nil {
			return fmt.Errorf("reinsert tail of split %v at va=%s: %w", pb.level, pb.Overlap.End, err)
		}
	}
	return nil
}

// TraverseYield is one item produced by a RangeIterator: exactly one of
// Block or UnusedPage is set.
type TraverseYield struct {
	// Block is set when this yield reports a mapped leaf overlapping the
	// query range.
	Block *PhysicalBlock
	// UnusedPage is set when this yield reports a descriptor-table page
	// that became empty during the walk and has already been returned to
	// the allocator.
	UnusedPage addr.PhysicalAddress
}

// rangeFrame is one level of a RangeIterator's walk stack.
type rangeFrame struct {
	tablePA addr.PhysicalAddress
	level   addr.Level
	base    uint64 // VA of index 0 of this table
	idx     int
}

// RangeIterator walks the leaf mappings and (optionally) emptied
// descriptor tables overlapping a Traverse query range, one yield per
// Next call. It threads a small fixed-size stack of (table, slot) frames
// rather than recursing, mirroring the teacher's avoidance of
// generics-heavy iterator protocols: this predates Go's range-over-func
// and follows the bufio.Scanner convention instead (Next reports ok;
// Err reports why iteration stopped early).
type RangeIterator struct {
	tt    *TranslationTable
	rng   addr.VARange
	free  bool
	stack []rangeFrame
	err   error
	done  bool
}

// Traverse returns an iterator over every Block/Page descriptor whose
// covered VA overlaps vaRange (a half-open, page-aligned range belonging
// to this table's TTBR half). When freeEmptyDescs is true, any
// descriptor-table page that becomes entirely empty during the walk is
// freed back to the allocator and reported via an UnusedPage yield.
func (tt *TranslationTable) Traverse(vaRange addr.VARange, freeEmptyDescs bool) *RangeIterator {
	it := &RangeIterator{tt: tt, rng: vaRange, free: freeEmptyDescs}

	switch {
	case vaRange.Start.TTBRSelect() != tt.ttbr || vaRange.End.TTBRSelect() != tt.ttbr:
		it.err = fmt.Errorf("%w: range %s does not belong to this table's TTBR half", ErrInvalidVirtualAddress, vaRange)
	case !vaRange.Start.IsAligned(addr.PageSize4KiB) || !vaRange.End.IsAligned(addr.PageSize4KiB):
		it.err = fmt.Errorf("%w: range %s is not page aligned", ErrAllocError, vaRange)
	case vaRange.Start >= vaRange.End:
		it.err = fmt.Errorf("%w: empty range %s", ErrAllocError, vaRange)
	}

	if it.err == nil {
		it.stack = append(it.stack, rangeFrame{tablePA: tt.root, level: addr.LevelZero, base: tt.baseVA()})
	}
	return it
}

// Err returns the error that stopped iteration early, or nil if Next
// simply ran out of yields.
func (it *RangeIterator) Err() error { return it.err }

// Next advances the walk and returns the next yield, or ok=false once the
// range is exhausted (or an error occurred; check Err).
func (it *RangeIterator) Next() (TraverseYield, bool) {
	if it.done || it.err != nil {
		return TraverseYield{}, false
	}

	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]

		if top.idx >= 512 {
			popped := *top
			it.stack = it.stack[:len(it.stack)-1]

			if it.free && tableAllInvalid(popped.tablePA) && len(it.stack) > 0 {
				parent := &it.stack[len(it.stack)-1]
				parentTable := tableAt(parent.tablePA)
				parentIdx := parent.idx - 1 // the slot that led us into popped
				atomic.StoreUint64(&parentTable[parentIdx], 0)
				if err := it.tt.alloc.Free(popped.tablePA, 0); err != nil {
					it.err = fmt.Errorf("free level %v table: %w", popped.level, err)
					it.done = true
					return TraverseYield{}, false
				}
				return TraverseYield{UnusedPage: popped.tablePA}, true
			}
			continue
		}

		span := levelSpan(top.level)
		entryVA := top.base + uint64(top.idx)*span
		if entryVA >= uint64(it.rng.End) {
			top.idx = 512
			continue
		}

		idx := top.idx
		table := tableAt(top.tablePA)
		raw := atomic.LoadUint64(&table[idx])
		d, err := parseDescriptor(raw, top.level)
		if err != nil {
			it.err = err
			it.done = true
			return TraverseYield{}, false
		}

		switch d.kind {
		case descInvalid:
			top.idx++

		case descTable:
			childEnd := entryVA + span
			top.idx++
			if childEnd <= uint64(it.rng.Start) || entryVA >= uint64(it.rng.End) {
				continue
			}
			it.stack = append(it.stack, rangeFrame{tablePA: d.outputAddr, level: top.level + 1, base: entryVA})

		case descBlock, descPage:
			top.idx++
			blockEnd := entryVA + span
			if blockEnd <= uint64(it.rng.Start) || entryVA >= uint64(it.rng.End) {
				continue
			}
			ostart := entryVA
			if uint64(it.rng.Start) > ostart {
				ostart = uint64(it.rng.Start)
			}
			oend := blockEnd
			if uint64(it.rng.End) < oend {
				oend = uint64(it.rng.End)
			}

			va, verr := addr.NewVirtualAddress(entryVA)
			if verr != nil {
				it.err = fmt.Errorf("%w: reconstructed va %#x at level %v index %d", ErrCorruptedTranslationTable, entryVA, top.level, idx)
				it.done = true
				return TraverseYield{}, false
			}
			ova, _ := addr.NewVirtualAddress(ostart)
			oenda, _ := addr.NewVirtualAddress(oend)

			pb := PhysicalBlock{
				Virtual:  va,
				Physical: d.outputAddr,
				Length:   span,
				Overlap:  addr.VARange{Start: ova, End: oenda},
				Perms:    decodeAccess(d),
				Kind:     memoryKindFromAttrIndx(d.attrIndx),
				tablePA:  top.tablePA,
				idx:      uint64(idx),
				level:    top.level,
			}
			return TraverseYield{Block: &pb}, true
		}
	}

	it.done = true
	return TraverseYield{}, false
}

// tableAllInvalid reports whether every entry of the table at pa is
// Invalid (VALID bit clear).
func tableAllInvalid(pa addr.PhysicalAddress) bool {
	t := tableAt(pa)
	for i := range t {
		if atomic.LoadUint64(&t[i])&(1<<bitValid) != 0 {
			return false
		}
	}
	return true
}

// Unmap removes every mapping overlapping [va, va+length), splitting any
// block or page descriptor whose span extends outside the removed range
// so that only the requested sub-range actually loses its mapping. Any
// intermediate descriptor table left with no valid entries after the
// removal is freed back to the allocator.
func (tt *TranslationTable) Unmap(va addr.VirtualAddress, length uint64) error {
	if length == 0 {
		return fmt.Errorf("%w: zero-length unmap request", ErrAllocError)
	}

	it := tt.Traverse(addr.VARange{Start: va, End: va.Add(length)}, true)
	found := false
	for {
		y, ok := it.Next()
		if !ok {
			break
		}
		if y.Block == nil {
			continue
		}
		found = true
		if err := y.Block.Remove(tt); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: va=%s", ErrVMMapNotExists, va)
	}
	return nil
}
