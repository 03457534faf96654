// Raspberry Pi 3 kernel support
// https://github.com/armkernel/rpi3
//
// Copyright (c) The RPi3 Kernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vmm implements the virtual-memory core of the kernel: a buddy
// physical-page allocator, an AArch64 Stage-1 descriptor codec, a
// mapping-scheme planner and a four-level translation-table engine.
package vmm

import "github.com/armkernel/rpi3/addr"

// MemoryKind selects the MAIR_EL1 attribute index and default
// shareability/cacheability policy applied to a mapping.
type MemoryKind int

const (
	// MemoryNormal is cacheable, inner-shareable RAM.
	MemoryNormal MemoryKind = iota
	// MemoryDevice is non-cacheable, outer-shareable MMIO space.
	MemoryDevice
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryNormal:
		return "Normal"
	case MemoryDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

// AccessPermissions is a bitset describing read/write/execute rights for a
// mapping, mirroring the AP[2:1] and {U,P}XN descriptor fields.
type AccessPermissions uint8

const (
	// PermRead grants EL1 (and, combined with PermUser, EL0) read access.
	PermRead AccessPermissions = 1 << iota
	// PermWrite grants EL1 (and, combined with PermUser, EL0) write access.
	PermWrite
	// PermExec permits instruction fetch. Its absence sets PXN (and UXN,
	// if PermUser is also absent or present accordingly).
	PermExec
	// PermUser extends the mapping's read/write rights to EL0.
	PermUser
)

// Has reports whether all bits in mask are set in p.
func (p AccessPermissions) Has(mask AccessPermissions) bool {
	return p&mask == mask
}

// Common permission presets used by kernel callers.
const (
	PermKernelRW       = PermRead | PermWrite
	PermKernelRO       = PermRead
	PermKernelRWX      = PermRead | PermWrite | PermExec
	PermKernelCode     = PermRead | PermExec
	PermUserRW         = PermRead | PermWrite | PermUser
	PermUserRO         = PermRead | PermUser
	PermUserCode       = PermRead | PermExec | PermUser
)

// MapDesc fully describes a requested mapping: the region to cover and the
// attributes to apply to every descriptor installed for it.
type MapDesc struct {
	Virtual  addr.VirtualAddress
	Physical addr.PhysicalAddress
	Length   uint64
	Kind     MemoryKind
	Perms    AccessPermissions
}

// End returns the exclusive upper bound of the virtual range covered by d.
func (d MapDesc) End() addr.VirtualAddress {
	return d.Virtual.Add(d.Length)
}
