// BCM2835 SoC support
// https://github.com/f-secure-foundry/tamago
//
// Copyright (c) the bcm2835 package authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// +build !linkramstart

package bcm2835

import (
	_ "unsafe"
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = 0x00100000

// PeripheralAddress translates an offset within the BCM2835/BCM2837
// peripheral block (as given by the SoC datasheet) into the MMIO address
// to access, accounting for the board-specific remapping in PeripheralBase.
func PeripheralAddress(offset uint32) uint32 {
	return PeripheralBase + offset
}
