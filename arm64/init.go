// ARM64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"runtime"
	_ "unsafe"

	"github.com/armkernel/rpi3/addr"
	"github.com/armkernel/rpi3/internal/reg"
	"github.com/armkernel/rpi3/vmm"
)

// mmioBase and mmioLength describe the BCM2837 peripheral window, mapped as
// device memory below. Board packages that need a different SoC's window
// should call InitMMU again with their own regions before touching any
// peripheral register.
const (
	mmioBase   = 0x3f00_0000
	mmioLength = 0x0100_0000
)

// Init takes care of the lower level initialization triggered before runtime
// setup (pre World start).
//
//go:linkname Init runtime/goos.Hwinit0
func Init() {
	fp_enable()
	reg.SetCacheFlush(FlushDataCache)

	// At start all memory is mapped as device memory, causing LDP/STP
	// instructions to require 8-byte alignment.
	//
	// To prevent faults, MMU initialization is done as soon as possible in
	// hwinit0, rather than in hwinit1.
	ramStart, ramEnd := runtime.MemRegion()
	_, textEnd := runtime.TextRegion()

	ramRegion := addr.PhysicalRange{Start: addr.PhysicalAddress(ramStart), End: addr.PhysicalAddress(ramEnd)}
	pages, err := vmm.NewBuddyAllocator(ramRegion, addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		panic("arm64: cannot initialize physical page allocator: " + err.Error())
	}

	tt1, err := vmm.NewTranslationTable(pages, addr.TTBR1)
	if err != nil {
		panic("arm64: cannot allocate kernel translation table: " + err.Error())
	}

	// Everything up to the end of the text region may contain code and
	// stays executable; everything after it (data, heap, stacks) is
	// mapped non-executable.
	regions := []KernelMemoryMap{
		{Base: addr.PhysicalAddress(ramStart), Length: textEnd - ramStart, Kind: vmm.MemoryNormal, Perms: vmm.PermKernelRWX},
		{Base: addr.PhysicalAddress(textEnd), Length: ramEnd - textEnd, Kind: vmm.MemoryNormal, Perms: vmm.PermKernelRW},
		{Base: mmioBase, Length: mmioLength, Kind: vmm.MemoryDevice, Perms: vmm.PermKernelRW},
	}

	cpu := &CPU{Pages: pages, TTBR1Table: tt1}
	if err := cpu.InitMMU(nil, tt1, regions); err != nil {
		panic("arm64: MMU bring-up failed: " + err.Error())
	}
}
