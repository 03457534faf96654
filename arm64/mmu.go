// ARM64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"fmt"

	"github.com/armkernel/rpi3/addr"
	"github.com/armkernel/rpi3/bits"
	"github.com/armkernel/rpi3/vmm"
)

// TCR_EL1 field positions (ARMv8-A Architecture Reference Manual, D17.2.120).
const (
	tcrT0SZ = 0
	tcrIRGN0 = 8
	tcrORGN0 = 10
	tcrSH0   = 12
	tcrTG0   = 14
	tcrT1SZ  = 16
	tcrA1    = 22
	tcrIRGN1 = 24
	tcrORGN1 = 26
	tcrSH1   = 28
	tcrTG1   = 30
	tcrIPS   = 32
)

const (
	rgnWriteBackReadAllocWriteAlloc = 0b01
	shInner                         = 0b11
	tg4KiB0                         = 0b00 // TG0 encoding for 4 KiB granule
	tg4KiB1                         = 0b10 // TG1 encoding for 4 KiB granule (differs from TG0)
	ips48Bit                        = 0b101
)

// MAIR_EL1 attribute indices, matching vmm.AttrIndxNormal/vmm.AttrIndxDevice.
const (
	mairAttrDevice = 0x04 // Device-nGnRE
	mairAttrNormal = 0xff // Normal, Write-Back non-transient, R/W allocate
)

// SCTLR_EL1 field positions.
const (
	sctlrM    = 0
	sctlrC    = 2
	sctlrSA   = 3
	sctlrSA0  = 4
	sctlrI    = 12
	sctlrWXN  = 19
)

// defined in mmu.s
func writeTCR(uint64)
func writeMAIR(uint64)
func writeTTBR0(uint64)
func writeTTBR1(uint64)
func readSCTLR() uint64
func writeSCTLR(uint64)
func instructionBarrier()

// tcrValue builds the TCR_EL1 configuration for a 4 KiB granule, 48-bit
// output address, 16-bit T0SZ/T1SZ split (matching addr.VirtualAddress'
// 0-bits/0xffff-bits TTBR select).
func tcrValue() uint64 {
	var v uint64
	bits.SetN64(&v, tcrT0SZ, 0x3f, 16)
	bits.SetN64(&v, tcrT1SZ, 0x3f, 16)
	bits.SetN64(&v, tcrTG0, 0x3, tg4KiB0)
	bits.SetN64(&v, tcrTG1, 0x3, tg4KiB1)
	bits.SetN64(&v, tcrSH0, 0x3, shInner)
	bits.SetN64(&v, tcrSH1, 0x3, shInner)
	bits.SetN64(&v, tcrORGN0, 0x3, rgnWriteBackReadAllocWriteAlloc)
	bits.SetN64(&v, tcrIRGN0, 0x3, rgnWriteBackReadAllocWriteAlloc)
	bits.SetN64(&v, tcrORGN1, 0x3, rgnWriteBackReadAllocWriteAlloc)
	bits.SetN64(&v, tcrIRGN1, 0x3, rgnWriteBackReadAllocWriteAlloc)
	bits.SetN64(&v, tcrIPS, 0x7, ips48Bit)
	return v
}

func mairValue() uint64 {
	var v uint64
	bits.SetN64(&v, 8*vmm.AttrIndxNormal, 0xff, mairAttrNormal)
	bits.SetN64(&v, 8*vmm.AttrIndxDevice, 0xff, mairAttrDevice)
	return v
}

// KernelMemoryMap describes one region the kernel maps during MMU bring-up,
// at virtual address 0xffff_0000_0000_0000 | Base: RAM occupied by the
// running image, the peripheral window, and any additional board-specific
// windows the caller supplies.
type KernelMemoryMap struct {
	Base   addr.PhysicalAddress
	Length uint64
	Kind   vmm.MemoryKind
	Perms  vmm.AccessPermissions
}

// InitMMU brings up Stage-1 translation for EL1: it installs every region in
// regions into tt1 (the TTBR1, kernel-space table) at virtual address
// 0xffff_0000_0000_0000 | physical base, programs MAIR_EL1/TCR_EL1/TTBR1_EL1,
// and enables the MMU via SCTLR_EL1.
//
// tt0 may be nil if no TTBR0 (user-space) mappings are required yet; TTBR0_EL1
// is left unprogrammed in that case and must be set before any EL0 code runs.
func (cpu *CPU) InitMMU(tt0, tt1 *vmm.TranslationTable, regions []KernelMemoryMap) error {
	if tt1 == nil {
		return fmt.Errorf("InitMMU: a TTBR1 translation table is required")
	}

	for _, r := range regions {
		va, err := addr.NewVirtualAddress(0xffff_0000_0000_0000 | uint64(r.Base))
		if err != nil {
			return fmt.Errorf("InitMMU: region base %s: %w", r.Base, err)
		}
		err = tt1.Map(vmm.MapDesc{
			Virtual:  va,
			Physical: r.Base,
			Length:   r.Length,
			Kind:     r.Kind,
			Perms:    r.Perms,
		})
		if err != nil {
			return fmt.Errorf("InitMMU: mapping region %s+%#x: %w", r.Base, r.Length, err)
		}
	}

	writeMAIR(mairValue())
	writeTCR(tcrValue())

	if tt0 != nil {
		writeTTBR0(uint64(tt0.Root()))
	}
	writeTTBR1(uint64(tt1.Root()))

	instructionBarrier()
	flush_tlb()

	sctlr := readSCTLR()
	bits.SetTo64(&sctlr, sctlrM, true)
	bits.SetTo64(&sctlr, sctlrC, true)
	bits.SetTo64(&sctlr, sctlrI, true)
	bits.SetTo64(&sctlr, sctlrSA, true)
	bits.SetTo64(&sctlr, sctlrSA0, true)
	bits.SetTo64(&sctlr, sctlrWXN, true)
	writeSCTLR(sctlr)
	instructionBarrier()

	return nil
}
