package vmm

import (
	"errors"
	"testing"

	"github.com/armkernel/rpi3/addr"
)

func TestPlanMappingSingleGiB(t *testing.T) {
	spans, err := PlanMapping(0, 0, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("PlanMapping: %v", err)
	}
	if len(spans) != 1 || spans[0].Length != addr.BlockSize1GiB || spans[0].Count != 1 {
		t.Fatalf("spans = %+v, want single 1GiB span", spans)
	}
	if spans[0].Level() != addr.LevelOne {
		t.Errorf("Level() = %v, want LevelOne", spans[0].Level())
	}
}

func TestPlanMappingMixedGranules(t *testing.T) {
	// One page below a 2 MiB boundary forces: 4KiB, then 2MiB once aligned.
	length := uint64(addr.PageSize4KiB + addr.BlockSize2MiB)
	va := addr.VirtualAddress(addr.BlockSize2MiB - addr.PageSize4KiB)
	spans, err := PlanMapping(va, addr.PhysicalAddress(va), length)
	if err != nil {
		t.Fatalf("PlanMapping: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("spans = %+v, want 2 spans", spans)
	}
	if spans[0].Length != addr.PageSize4KiB || spans[0].Count != 1 {
		t.Errorf("first span = %+v, want one 4KiB span", spans[0])
	}
	if spans[1].Length != addr.BlockSize2MiB || spans[1].Count != 1 {
		t.Errorf("second span = %+v, want one 2MiB span", spans[1])
	}
}

func TestPlanMappingRejectsUnaligned(t *testing.T) {
	_, err := PlanMapping(1, 0, addr.PageSize4KiB)
	if !errors.Is(err, ErrAllocError) {
		t.Fatalf("expected ErrAllocError, got %v", err)
	}
}

func TestPlanMappingRejectsZeroLength(t *testing.T) {
	_, err := PlanMapping(0, 0, 0)
	if !errors.Is(err, ErrAllocError) {
		t.Fatalf("expected ErrAllocError, got %v", err)
	}
}

// TestPlanMappingLongPageRunIsOneSpan is the regression test for a request
// needing many individual pages to reach a larger-granule boundary: since
// maxSpans counts contiguous same-granule runs and not raw block count, a
// 508-page prefix collapses into a single run, leaving ample budget for the
// 2 MiB run (and 4 KiB suffix) that follow. This mirrors the scenario of a
// 1536-page mapping starting 16 KiB into its first 2 MiB block, which a
// raw per-block span count would have rejected.
func TestPlanMappingLongPageRunIsOneSpan(t *testing.T) {
	va := addr.VirtualAddress(0x4000)
	pa := addr.PhysicalAddress(0x4000)
	length := uint64(1536) * addr.PageSize4KiB

	spans, err := PlanMapping(va, pa, length)
	if err != nil {
		t.Fatalf("PlanMapping: %v", err)
	}
	if len(spans) > maxSpans {
		t.Fatalf("spans = %+v, want at most %d runs", spans, maxSpans)
	}

	var total uint64
	for _, s := range spans {
		total += s.Bytes()
	}
	if total != length {
		t.Errorf("spans cover %#x bytes, want %#x", total, length)
	}

	if spans[0].Length != addr.PageSize4KiB || spans[0].Count != 508 {
		t.Errorf("first run = %+v, want 508 4KiB pages", spans[0])
	}
	if len(spans) < 2 || spans[1].Length != addr.BlockSize2MiB || spans[1].Count != 2 {
		t.Errorf("second run = %+v, want two 2MiB blocks", spans)
	}
}

func TestPlanMappingExactPageRun(t *testing.T) {
	spans, err := PlanMapping(0, 0, 3*addr.PageSize4KiB)
	if err != nil {
		t.Fatalf("PlanMapping: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("spans = %+v, want a single merged 4KiB run", spans)
	}
	if spans[0].Length != addr.PageSize4KiB || spans[0].Count != 3 {
		t.Errorf("span = %+v, want 3 4KiB pages merged into one run", spans[0])
	}
}
