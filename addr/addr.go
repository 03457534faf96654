// Raspberry Pi 3 kernel support
// https://github.com/armkernel/rpi3
//
// Copyright (c) The RPi3 Kernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package addr provides typed physical and virtual address wrappers for a
// four-level, 4 KiB granule, 48-bit output AArch64 Stage-1 translation
// scheme (TCR_EL1.{T0SZ,T1SZ} = 16, TG0 = TG1 = 4 KiB).
package addr

import (
	"errors"
	"fmt"
)

// ErrInvalidVirtualAddress is returned by NewVirtualAddress when the upper
// 16 bits of the argument are neither all-zero (TTBR0) nor all-one (TTBR1).
var ErrInvalidVirtualAddress = errors.New("invalid virtual address")

// Granule and block sizes for the supported leaf granularities.
const (
	PageSize4KiB  = 1 << 12
	BlockSize2MiB = 1 << 21
	BlockSize1GiB = 1 << 30
)

// Level identifies one of the four Stage-1 translation levels.
type Level int

const (
	LevelZero Level = iota
	LevelOne
	LevelTwo
	LevelThree
)

// Levels lists all four translation levels in walk order, L0 first.
var Levels = [4]Level{LevelZero, LevelOne, LevelTwo, LevelThree}

func (l Level) String() string {
	switch l {
	case LevelZero:
		return "L0"
	case LevelOne:
		return "L1"
	case LevelTwo:
		return "L2"
	case LevelThree:
		return "L3"
	default:
		return fmt.Sprintf("L?(%d)", int(l))
	}
}

// shift and width of the 9-bit index field for each level within a VA.
var levelShift = [4]uint{39, 30, 21, 12}

// TTBR identifies which translation-base register a VA selects.
type TTBR int

const (
	TTBR0 TTBR = iota
	TTBR1
)

// PhysicalAddress is an opaque 64-bit physical address.
type PhysicalAddress uint64

// VirtualAddress is an opaque 64-bit virtual address, valid only if its
// upper 16 bits are all-zero or all-one (see NewVirtualAddress).
type VirtualAddress uint64

// NewVirtualAddress validates and constructs a VirtualAddress. The upper 16
// bits (the TTBR-select field) must be either all-zero (selects TTBR0) or
// all-one (selects TTBR1); any other pattern is rejected, matching the
// AArch64 requirement that an untranslated VA's top bits are sign-extended
// from bit 47.
func NewVirtualAddress(v uint64) (VirtualAddress, error) {
	sel := v >> 48
	if sel != 0 && sel != 0xffff {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidVirtualAddress, v)
	}
	return VirtualAddress(v), nil
}

// MustVirtualAddress is NewVirtualAddress but panics on an invalid address;
// useful for constant addresses known at compile time to be valid.
func MustVirtualAddress(v uint64) VirtualAddress {
	va, err := NewVirtualAddress(v)
	if err != nil {
		panic(err)
	}
	return va
}

// Raw returns the address as a plain uint64.
func (p PhysicalAddress) Raw() uint64 { return uint64(p) }

// Raw returns the address as a plain uint64.
func (v VirtualAddress) Raw() uint64 { return uint64(v) }

// Add returns p + n.
func (p PhysicalAddress) Add(n uint64) PhysicalAddress { return p + PhysicalAddress(n) }

// Sub returns p - o as a byte count; callers are expected to know o <= p.
func (p PhysicalAddress) Sub(o PhysicalAddress) uint64 { return uint64(p - o) }

// AlignOffset returns the number of bytes needed to round p up to align
// (align must be a power of two).
func (p PhysicalAddress) AlignOffset(align uint64) uint64 {
	return alignOffset(uint64(p), align)
}

// AlignUp rounds p up to the next multiple of align.
func (p PhysicalAddress) AlignUp(align uint64) PhysicalAddress {
	return p.Add(p.AlignOffset(align))
}

// AlignDown rounds p down to the previous multiple of align.
func (p PhysicalAddress) AlignDown(align uint64) PhysicalAddress {
	return PhysicalAddress(uint64(p) &^ (align - 1))
}

// IsAligned reports whether p is a multiple of align.
func (p PhysicalAddress) IsAligned(align uint64) bool {
	return p.AlignOffset(align) == 0
}

func (p PhysicalAddress) String() string { return fmt.Sprintf("0x%x_P", uint64(p)) }

// Add returns v + n.
func (v VirtualAddress) Add(n uint64) VirtualAddress { return v + VirtualAddress(n) }

// Sub returns v - o as a byte count; callers are expected to know o <= v.
func (v VirtualAddress) Sub(o VirtualAddress) uint64 { return uint64(v - o) }

// AlignOffset returns the number of bytes needed to round v up to align.
func (v VirtualAddress) AlignOffset(align uint64) uint64 {
	return alignOffset(uint64(v), align)
}

// AlignUp rounds v up to the next multiple of align.
func (v VirtualAddress) AlignUp(align uint64) VirtualAddress {
	return v.Add(v.AlignOffset(align))
}

// AlignDown rounds v down to the previous multiple of align.
func (v VirtualAddress) AlignDown(align uint64) VirtualAddress {
	return VirtualAddress(uint64(v) &^ (align - 1))
}

// IsAligned reports whether v is a multiple of align.
func (v VirtualAddress) IsAligned(align uint64) bool {
	return v.AlignOffset(align) == 0
}

func (v VirtualAddress) String() string { return fmt.Sprintf("0x%x_V", uint64(v)) }

func alignOffset(ptr uint64, align uint64) uint64 {
	return ((ptr + (align - 1)) &^ (align - 1)) - ptr
}

// TTBRSelect reports whether v belongs to the TTBR0 (user/low) or TTBR1
// (kernel/high) half of the address space. Only valid for a VirtualAddress
// constructed through NewVirtualAddress.
func (v VirtualAddress) TTBRSelect() TTBR {
	if uint64(v)>>48 == 0xffff {
		return TTBR1
	}
	return TTBR0
}

// IndexForLevel extracts the 9-bit table index that a walk at level l uses
// to index into the descriptor table at that level.
func (v VirtualAddress) IndexForLevel(l Level) uint64 {
	return (uint64(v) >> levelShift[l]) & 0x1ff
}

// SetIndexForLevel returns v with the 9-bit index field for level l replaced
// by idx, leaving every other bit untouched.
func (v VirtualAddress) SetIndexForLevel(l Level, idx uint64) VirtualAddress {
	mask := uint64(0x1ff) << levelShift[l]
	return VirtualAddress((uint64(v) &^ mask) | ((idx << levelShift[l]) & mask))
}

// ClearIndexForLevel zeroes the 9-bit index field for level l.
func (v VirtualAddress) ClearIndexForLevel(l Level) VirtualAddress {
	return v.SetIndexForLevel(l, 0)
}

// PageOffset4KiB returns the in-page offset ([11:0]) for a 4 KiB granule.
func (v VirtualAddress) PageOffset4KiB() uint64 { return uint64(v) & (PageSize4KiB - 1) }

// PageOffset2MiB returns the in-block offset ([20:0]) for a 2 MiB block.
func (v VirtualAddress) PageOffset2MiB() uint64 { return uint64(v) & (BlockSize2MiB - 1) }

// PageOffset1GiB returns the in-block offset ([29:0]) for a 1 GiB block.
func (v VirtualAddress) PageOffset1GiB() uint64 { return uint64(v) & (BlockSize1GiB - 1) }

// PhysicalRange is a half-open [Start, End) physical address range.
type PhysicalRange struct {
	Start PhysicalAddress
	End   PhysicalAddress
}

// Len returns the number of bytes covered by r.
func (r PhysicalRange) Len() uint64 { return r.End.Sub(r.Start) }

// Contains reports whether p falls within [Start, End).
func (r PhysicalRange) Contains(p PhysicalAddress) bool {
	return p >= r.Start && p < r.End
}

func (r PhysicalRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// VARange is a half-open [Start, End) virtual address range.
type VARange struct {
	Start VirtualAddress
	End   VirtualAddress
}

// Len returns the number of bytes covered by r.
func (r VARange) Len() uint64 { return r.End.Sub(r.Start) }

// Contains reports whether v falls within [Start, End).
func (r VARange) Contains(v VirtualAddress) bool {
	return v >= r.Start && v < r.End
}

// Overlap returns the intersection of r and o, and whether the two ranges
// overlap at all.
func (r VARange) Overlap(o VARange) (VARange, bool) {
	start := r.Start
	if o.Start > start {
		start = o.Start
	}
	end := r.End
	if o.End < end {
		end = o.End
	}
	if start >= end {
		return VARange{}, false
	}
	return VARange{Start: start, End: end}, true
}

func (r VARange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}
