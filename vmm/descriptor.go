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

	"github.com/armkernel/rpi3/addr"
	"github.com/armkernel/rpi3/bits"
)

// descriptorKind classifies a raw 64-bit Stage-1 descriptor.
type descriptorKind int

const (
	descInvalid descriptorKind = iota
	descTable
	descBlock
	descPage
)

// Bit positions and field widths shared by every descriptor shape, per the
// ARMv8-A Architecture Reference Manual (VMSAv8-64 Stage-1 descriptors).
const (
	bitValid = 0
	bitType  = 1

	fieldAttrIndxPos  = 2
	fieldAttrIndxMask = 0x7

	fieldAPPos  = 6
	fieldAPMask = 0x3

	fieldSHPos  = 8
	fieldSHMask = 0x3

	bitAF = 10

	fieldOutputAddrPos  = 12
	fieldOutputAddrMask = 0xfffffffff // 36 bits, [47:12]

	bitPXN = 53
	bitUXN = 54

	fieldSWUSEPos  = 55
	fieldSWUSEMask = 0xf
)

// AP[2:1] encodings, shared by block and page descriptors.
const (
	apRWEL1    = 0b00
	apRWEL1EL0 = 0b01
	apROEL1    = 0b10
	apROEL1EL0 = 0b11
)

// SH[1:0] encodings.
const (
	shOuterShareable = 0b10
	shInnerShareable = 0b11
)

// AttrIndx values into MAIR_EL1, matching the two attributes programmed by
// the MMU bring-up sequence in the arm64 package.
const (
	AttrIndxNormal = 0
	AttrIndxDevice = 1
)

// descriptor is the decoded form of a single 64-bit Stage-1 descriptor. Not
// every field is meaningful for every kind: Table descriptors only use
// valid/kind/next; Block and Page descriptors use the rest.
type descriptor struct {
	kind       descriptorKind
	outputAddr addr.PhysicalAddress // next-level table addr, or leaf output addr
	attrIndx   uint8
	ap         uint8
	sh         uint8
	af         bool
	pxn        bool
	uxn        bool
	swuse      uint8
}

func (k descriptorKind) String() string {
	switch k {
	case descTable:
		return "table"
	case descBlock:
		return "block"
	case descPage:
		return "page"
	default:
		return "invalid"
	}
}

// encodeAccess translates vmm-level permissions and memory kind into the
// AP/PXN/UXN/AttrIndx/SH fields of a leaf descriptor.
func encodeAccess(perms AccessPermissions, kind MemoryKind) (ap uint8, pxn, uxn bool, attrIndx uint8, sh uint8) {
	switch {
	case perms.Has(PermWrite) && perms.Has(PermUser):
		ap = apRWEL1EL0
	case perms.Has(PermWrite):
		ap = apRWEL1
	case perms.Has(PermUser):
		ap = apROEL1EL0
	default:
		ap = apROEL1
	}

	// Execute-never applies independently to EL0 (UXN) and EL1 (PXN);
	// denying execute at EL1 always sets PXN, and a mapping not intended
	// for user code additionally sets UXN.
	pxn = !perms.Has(PermExec)
	uxn = !(perms.Has(PermExec) && perms.Has(PermUser))

	switch kind {
	case MemoryDevice:
		attrIndx = AttrIndxDevice
		sh = shOuterShareable
	default:
		attrIndx = AttrIndxNormal
		sh = shInnerShareable
	}
	return
}

// decodeAccess is the inverse of encodeAccess, recovering the
// AccessPermissions a leaf descriptor grants.
func decodeAccess(d descriptor) AccessPermissions {
	var p AccessPermissions
	p |= PermRead
	switch d.ap {
	case apRWEL1:
		p |= PermWrite
	case apRWEL1EL0:
		p |= PermWrite | PermUser
	case apROEL1EL0:
		p |= PermUser
	}
	if !d.pxn || (!d.uxn && p.Has(PermUser)) {
		p |= PermExec
	}
	return p
}

// leafGranule returns the alignment required of a leaf descriptor's output
// address at level: 1 GiB at L1, 2 MiB at L2, 4 KiB at L3. L0 never holds a
// leaf descriptor.
func leafGranule(level addr.Level) uint64 {
	switch level {
	case addr.LevelOne:
		return addr.BlockSize1GiB
	case addr.LevelTwo:
		return addr.BlockSize2MiB
	default:
		return addr.PageSize4KiB
	}
}

// newTableDescriptor builds a raw descriptor pointing at the next-level
// table located at next. Valid at levels L0-L2.
//
// next must be 4 KiB-aligned and nonzero: a misaligned or null table
// pointer is an engine invariant break, not a recoverable condition, so
// this panics rather than silently truncating the low bits.
func newTableDescriptor(next addr.PhysicalAddress) uint64 {
	if next == 0 || uint64(next)&(addr.PageSize4KiB-1) != 0 {
		panic(fmt.Sprintf("vmm: table descriptor address %s is not 4 KiB-aligned and nonzero", next))
	}

	var raw uint64
	bits.SetTo64(&raw, bitValid, true)
	bits.SetTo64(&raw, bitType, true) // TYPE=1 => Table
	bits.SetN64(&raw, fieldOutputAddrPos, fieldOutputAddrMask, uint64(next)>>fieldOutputAddrPos)
	return raw
}

// newLeafDescriptor builds a raw block (level 1/2) or page (level 3)
// descriptor for output physical address pa with the given attributes.
// level distinguishes Block (L1/L2) from Page (L3) encodings, which share
// every field position but differ in the required TYPE bit: L3 requires
// TYPE=1 (the "page" encoding), L1/L2 require TYPE=0 (the "block"
// encoding); both are otherwise bit-for-bit identical.
//
// pa must be aligned to the granule of level (1 GiB at L1, 2 MiB at L2,
// 4 KiB at L3); this is asserted rather than masked away.
func newLeafDescriptor(level addr.Level, pa addr.PhysicalAddress, perms AccessPermissions, kind MemoryKind) uint64 {
	if granule := leafGranule(level); uint64(pa)&(granule-1) != 0 {
		panic(fmt.Sprintf("vmm: %v output address %s is not aligned to its %#x granule", level, pa, granule))
	}

	ap, pxn, uxn, attrIndx, sh := encodeAccess(perms, kind)

	var raw uint64
	bits.SetTo64(&raw, bitValid, true)
	bits.SetTo64(&raw, bitType, level == addr.LevelThree)
	bits.SetN64(&raw, fieldOutputAddrPos, fieldOutputAddrMask, uint64(pa)>>fieldOutputAddrPos)
	bits.SetN64(&raw, fieldAttrIndxPos, fieldAttrIndxMask, uint64(attrIndx))
	bits.SetN64(&raw, fieldAPPos, fieldAPMask, uint64(ap))
	bits.SetN64(&raw, fieldSHPos, fieldSHMask, uint64(sh))
	bits.SetTo64(&raw, bitAF, true)
	bits.SetTo64(&raw, bitPXN, pxn)
	bits.SetTo64(&raw, bitUXN, uxn)
	return raw
}

// parseDescriptor decodes a raw 64-bit descriptor read from a translation
// table at the given level. The level is required because Table and Page
// descriptors share an identical VALID/TYPE bit pattern (0b11) and can only
// be disambiguated by knowing L3 never holds a Table descriptor.
//
// A raw value whose VALID/TYPE encoding is architecturally reserved at the
// given level (a block encoding at L0, or the TYPE=0 reserved encoding at
// L3) is not a "not mapped" entry: VALID=1 was observed, so something
// installed it. That is an invariant break in the table engine itself, so
// it is reported as ErrCorruptedTranslationTable rather than coerced to
// descInvalid.
func parseDescriptor(raw uint64, level addr.Level) (descriptor, error) {
	if !bitSet64(raw, bitValid) {
		return descriptor{kind: descInvalid}, nil
	}

	typeBit := bitSet64(raw, bitType)
	var kind descriptorKind
	switch {
	case level == addr.LevelThree:
		if !typeBit {
			return descriptor{}, fmt.Errorf("%w: reserved TYPE=0 encoding at L3, raw=%#x", ErrCorruptedTranslationTable, raw)
		}
		kind = descPage
	case level == addr.LevelZero:
		if !typeBit {
			return descriptor{}, fmt.Errorf("%w: reserved block encoding at L0, raw=%#x", ErrCorruptedTranslationTable, raw)
		}
		kind = descTable
	case typeBit:
		kind = descTable
	default:
		kind = descBlock
	}

	d := descriptor{kind: kind}
	outAddr := bits.Get64(&raw, fieldOutputAddrPos, fieldOutputAddrMask) << fieldOutputAddrPos
	d.outputAddr = addr.PhysicalAddress(outAddr)

	if kind == descBlock || kind == descPage {
		d.attrIndx = uint8(bits.Get64(&raw, fieldAttrIndxPos, fieldAttrIndxMask))
		d.ap = uint8(bits.Get64(&raw, fieldAPPos, fieldAPMask))
		d.sh = uint8(bits.Get64(&raw, fieldSHPos, fieldSHMask))
		d.af = bitSet64(raw, bitAF)
		d.pxn = bitSet64(raw, bitPXN)
		d.uxn = bitSet64(raw, bitUXN)
		d.swuse = uint8(bits.Get64(&raw, fieldSWUSEPos, fieldSWUSEMask))
	}
	return d, nil
}

func bitSet64(raw uint64, pos int) bool {
	return (raw>>pos)&1 == 1
}

func (d descriptor) String() string {
	if d.kind == descInvalid {
		return "invalid"
	}
	return fmt.Sprintf("%s@%s ap=%#x sh=%#x af=%v pxn=%v uxn=%v",
		d.kind, d.outputAddr, d.ap, d.sh, d.af, d.pxn, d.uxn)
}
