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
)

// maxSpans bounds how many contiguous same-granule runs a single mapping
// request may decompose into. A run is one or more consecutive blocks of
// the same granule (e.g. a thousand consecutive 4 KiB pages is one run, not
// a thousand spans): this is what the ≤7 bound counts, so a long
// page-granularity prefix or suffix ahead of a large aligned block run
// costs exactly one slot, not one per page. A request needing more than
// maxSpans runs is rejected by PlanMapping before Map installs any of it.
const maxSpans = 7

// granuleOrder lists the block/page sizes the planner will use, largest
// first: 1 GiB and 2 MiB blocks (level 1 and 2 respectively) and 4 KiB pages
// (level 3).
var granuleOrder = [3]uint64{addr.BlockSize1GiB, addr.BlockSize2MiB, addr.PageSize4KiB}

// Span is one maximally-aligned run of Count consecutive same-granule
// blocks of a planned mapping: Count blocks of Length bytes each, starting
// at Virtual/Physical, contiguous in both address spaces.
type Span struct {
	Virtual  addr.VirtualAddress
	Physical addr.PhysicalAddress
	Length   uint64
	Count    uint64
}

// Level reports which translation level's leaf descriptor this span
// installs as.
func (s Span) Level() addr.Level {
	switch s.Length {
	case addr.BlockSize1GiB:
		return addr.LevelOne
	case addr.BlockSize2MiB:
		return addr.LevelTwo
	default:
		return addr.LevelThree
	}
}

// Bytes returns the total byte length the run covers.
func (s Span) Bytes() uint64 { return s.Length * s.Count }

// PlanMapping decomposes a (virtual, physical, length) mapping request into
// a sequence of 1 GiB, 2 MiB and 4 KiB aligned runs, picking the largest
// granule that fits and is aligned in both address spaces at each step
// before falling back to the next smaller one, and merging consecutive
// blocks of the same granule into a single run. Requests that would need
// more than maxSpans distinct runs are rejected: the caller should split
// such a request into multiple Map calls instead.
func PlanMapping(va addr.VirtualAddress, pa addr.PhysicalAddress, length uint64) ([]Span, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length mapping request", ErrAllocError)
	}
	if uint64(va)%addr.PageSize4KiB != 0 || uint64(pa)%addr.PageSize4KiB != 0 {
		return nil, fmt.Errorf("%w: va %s / pa %s not page aligned", ErrAllocError, va, pa)
	}
	if length%addr.PageSize4KiB != 0 {
		return nil, fmt.Errorf("%w: length %#x is not a multiple of the page size", ErrAllocError, length)
	}

	var spans []Span
	for length > 0 {
		granule, ok := largestFittingGranule(va, pa, length)
		if !ok {
			// unreachable while va, pa and length are all 4 KiB aligned:
			// the 4 KiB granule always fits.
			return nil, fmt.Errorf("%w: no granule fits remaining length %#x at va=%s pa=%s", ErrContiguousRangeUnavailable, length, va, pa)
		}

		if n := len(spans); n > 0 && spans[n-1].Length == granule {
			spans[n-1].Count++
		} else {
			if len(spans) == maxSpans {
				return nil, fmt.Errorf("%w: mapping va=%s len=%#x needs more than %d contiguous-granule runs", ErrContiguousRangeUnavailable, va, length, maxSpans)
			}
			spans = append(spans, Span{Virtual: va, Physical: pa, Length: granule, Count: 1})
		}

		va = va.Add(granule)
		pa = pa.Add(granule)
		length -= granule
	}
	return spans, nil
}

func largestFittingGranule(va addr.VirtualAddress, pa addr.PhysicalAddress, remaining uint64) (uint64, bool) {
	for _, g := range granuleOrder {
		if remaining < g {
			continue
		}
		if uint64(va)%g != 0 || uint64(pa)%g != 0 {
			continue
		}
		return g, true
	}
	return 0, false
}
