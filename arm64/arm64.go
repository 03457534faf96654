// ARM64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arm64 provides support for ARM architecture specific operations.
//
// The following architectures/cores are supported/tested:
//   - ARMv8-A / Cortex-A53 (single-core)
//
// This package is only meant to be used with `GOOS=tamago GOARCH=arm64` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package arm64

import (
	"runtime"

	"github.com/armkernel/rpi3/vmm"
)

// CPU instance
type CPU struct {
	// Timer multiplier
	TimerMultiplier float64
	// Timer offset in nanoseconds
	TimerOffset int64

	// Pages is the physical-page allocator backing every translation
	// table this CPU installs. It is populated by Init from the runtime's
	// own memory region before the MMU is enabled.
	Pages *vmm.BuddyAllocator
	// TTBR1Table is the kernel-space (TTBR1) translation table installed
	// by InitMMU.
	TTBR1Table *vmm.TranslationTable
}

// defined in arm64.s
func exit(int32)

// Init performs initialization of an ARM64 core instance: it installs the
// runtime exit hook. The vbar argument (replaced by vecTableStart when the
// application has set it) is not used; Init installs no exception vector
// table, page tables or exception stack.
func (cpu *CPU) Init(vbar uint32) {
	runtime.Exit = exit

	// the application is allowed to override the reserved area
	if vecTableStart != 0 {
		vbar = uint32(vecTableStart)
	}

	// TODO
	//cpu.initVectorTable(vbar)
}
