// Raspberry Pi 3 kernel support
// https://github.com/armkernel/rpi3
//
// Copyright (c) The RPi3 Kernel Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vmm

import "errors"

// Sentinel errors returned by the vmm package. Callers should compare
// against these with errors.Is; wrapped forms add positional detail via
// fmt.Errorf("%w: ...").
var (
	// ErrInvalidVirtualAddress is returned when an operation is given a
	// virtual address (or range) in the other TTBR half than the one the
	// translation table serves.
	ErrInvalidVirtualAddress = errors.New("invalid virtual address")

	// ErrPhysicalOOM is returned by the buddy allocator when no free block
	// of the requested order remains.
	ErrPhysicalOOM = errors.New("physical memory exhausted")

	// ErrAllocError is returned when an allocation request cannot be
	// satisfied for reasons other than exhaustion, e.g. a misaligned or
	// zero-length request.
	ErrAllocError = errors.New("allocation error")

	// ErrVMMapExists is returned by Map when the target virtual range is
	// already mapped.
	ErrVMMapExists = errors.New("virtual mapping already exists")

	// ErrVMMapNotExists is returned by Unmap/Virt2Phy when the target
	// virtual range has no mapping.
	ErrVMMapNotExists = errors.New("virtual mapping does not exist")

	// ErrCorruptedTranslationTable indicates a broken invariant in the
	// translation-table structure (e.g. a leaf descriptor found where a
	// table descriptor was expected). This is not a recoverable condition;
	// callers that detect it should treat it as fatal.
	ErrCorruptedTranslationTable = errors.New("corrupted translation table")

	// ErrContiguousRangeUnavailable is returned by the mapping-scheme
	// planner when a request cannot be decomposed into the maximum
	// allotted number of aligned spans.
	ErrContiguousRangeUnavailable = errors.New("no contiguous physical range available")
)
