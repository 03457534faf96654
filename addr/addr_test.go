package addr

import (
	"errors"
	"testing"
)

func TestNewVirtualAddressTTBR0(t *testing.T) {
	va, err := NewVirtualAddress(0x0000_1234_5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if va.TTBRSelect() != TTBR0 {
		t.Fatalf("expected TTBR0, got %v", va.TTBRSelect())
	}
}

func TestNewVirtualAddressTTBR1(t *testing.T) {
	va, err := NewVirtualAddress(0xffff_0000_1234_5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if va.TTBRSelect() != TTBR1 {
		t.Fatalf("expected TTBR1, got %v", va.TTBRSelect())
	}
}

func TestNewVirtualAddressInvalid(t *testing.T) {
	_, err := NewVirtualAddress(0x1234_0000_1234_5000)
	if !errors.Is(err, ErrInvalidVirtualAddress) {
		t.Fatalf("expected ErrInvalidVirtualAddress, got %v", err)
	}
}

func TestMustVirtualAddressPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on invalid address")
		}
	}()
	MustVirtualAddress(0x1234_0000_1234_5000)
}

func TestIndexForLevel(t *testing.T) {
	// 0b 000000001 000000010 000000011 000000100 000000000000
	va := MustVirtualAddress(
		(uint64(1) << 39) | (uint64(2) << 30) | (uint64(3) << 21) | (uint64(4) << 12),
	)
	cases := []struct {
		level Level
		want  uint64
	}{
		{LevelZero, 1},
		{LevelOne, 2},
		{LevelTwo, 3},
		{LevelThree, 4},
	}
	for _, c := range cases {
		if got := va.IndexForLevel(c.level); got != c.want {
			t.Errorf("IndexForLevel(%v) = %d, want %d", c.level, got, c.want)
		}
	}
}

func TestSetIndexForLevelRoundTrip(t *testing.T) {
	va := MustVirtualAddress(0)
	for _, l := range Levels {
		va = va.SetIndexForLevel(l, 0x1a5)
	}
	for _, l := range Levels {
		if got := va.IndexForLevel(l); got != 0x1a5 {
			t.Errorf("level %v: got index %#x, want 0x1a5", l, got)
		}
	}
}

func TestClearIndexForLevel(t *testing.T) {
	va := MustVirtualAddress(0).SetIndexForLevel(LevelTwo, 0x1ff)
	va = va.ClearIndexForLevel(LevelTwo)
	if got := va.IndexForLevel(LevelTwo); got != 0 {
		t.Errorf("expected cleared index, got %#x", got)
	}
}

func TestPageOffsets(t *testing.T) {
	va := MustVirtualAddress(0x1000 + 0x234)
	if got := va.PageOffset4KiB(); got != 0x234 {
		t.Errorf("PageOffset4KiB() = %#x, want 0x234", got)
	}

	va2 := MustVirtualAddress(BlockSize2MiB + 0x1234)
	if got := va2.PageOffset2MiB(); got != 0x1234 {
		t.Errorf("PageOffset2MiB() = %#x, want 0x1234", got)
	}

	va3 := MustVirtualAddress(BlockSize1GiB + 0x5678)
	if got := va3.PageOffset1GiB(); got != 0x5678 {
		t.Errorf("PageOffset1GiB() = %#x, want 0x5678", got)
	}
}

func TestPhysicalAddressAlign(t *testing.T) {
	p := PhysicalAddress(0x1001)
	if p.IsAligned(0x1000) {
		t.Fatalf("0x1001 should not be 4K aligned")
	}
	up := p.AlignUp(0x1000)
	if up != 0x2000 {
		t.Errorf("AlignUp() = %#x, want 0x2000", uint64(up))
	}
	down := p.AlignDown(0x1000)
	if down != 0x1000 {
		t.Errorf("AlignDown() = %#x, want 0x1000", uint64(down))
	}
}

func TestPhysicalRange(t *testing.T) {
	r := PhysicalRange{Start: 0x1000, End: 0x3000}
	if r.Len() != 0x2000 {
		t.Errorf("Len() = %#x, want 0x2000", r.Len())
	}
	if !r.Contains(0x1000) || !r.Contains(0x2fff) {
		t.Errorf("expected range to contain its bounds")
	}
	if r.Contains(0x3000) {
		t.Errorf("range end is exclusive")
	}
}

func TestVARange(t *testing.T) {
	r := VARange{Start: MustVirtualAddress(0x1000), End: MustVirtualAddress(0x3000)}
	if r.Len() != 0x2000 {
		t.Errorf("Len() = %#x, want 0x2000", r.Len())
	}
	if !r.Contains(MustVirtualAddress(0x1000)) || !r.Contains(MustVirtualAddress(0x2fff)) {
		t.Errorf("expected range to contain its bounds")
	}
	if r.Contains(MustVirtualAddress(0x3000)) {
		t.Errorf("range end is exclusive")
	}
}

func TestVARangeOverlap(t *testing.T) {
	r := VARange{Start: MustVirtualAddress(0x1000), End: MustVirtualAddress(0x4000)}
	o := VARange{Start: MustVirtualAddress(0x3000), End: MustVirtualAddress(0x5000)}
	got, ok := r.Overlap(o)
	if !ok {
		t.Fatalf("expected overlap")
	}
	want := VARange{Start: MustVirtualAddress(0x3000), End: MustVirtualAddress(0x4000)}
	if got != want {
		t.Errorf("Overlap() = %s, want %s", got, want)
	}

	disjoint := VARange{Start: MustVirtualAddress(0x5000), End: MustVirtualAddress(0x6000)}
	if _, ok := r.Overlap(disjoint); ok {
		t.Errorf("expected no overlap for disjoint ranges")
	}
}

func TestStringFormats(t *testing.T) {
	p := PhysicalAddress(0xabc)
	if got, want := p.String(), "0xabc_P"; got != want {
		t.Errorf("PhysicalAddress.String() = %q, want %q", got, want)
	}
	v := MustVirtualAddress(0xabc)
	if got, want := v.String(), "0xabc_V"; got != want {
		t.Errorf("VirtualAddress.String() = %q, want %q", got, want)
	}
}
