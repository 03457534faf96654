package vmm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/armkernel/rpi3/addr"
)

// newTestTable backs a translation table over real, GC-pinned-for-the-test
// Go memory rather than an arbitrary physical address: on target hardware a
// BuddyAllocator region is real identity-mapped RAM, so for the table
// engine's own raw unsafe.Pointer descriptor access to be valid under a
// hosted `go test` run, the region must likewise back actual allocated
// memory.
func newTestTable(t *testing.T, pages uint64) (*TranslationTable, *BuddyAllocator) {
	t.Helper()
	// +2: one page of alignment slop, one page the allocator's own
	// metadata (free-pair bitmaps) carves off the front of the region.
	buf := make([]byte, (pages+2)*addr.PageSize4KiB)
	base := addr.PhysicalAddress(uintptr(unsafe.Pointer(&buf[0]))).AlignUp(addr.PageSize4KiB)
	region := addr.PhysicalRange{Start: base, End: base.Add((pages + 1) * addr.PageSize4KiB)}

	alloc, err := NewBuddyAllocator(region, addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("NewBuddyAllocator: %v", err)
	}
	tt, err := NewTranslationTable(alloc, addr.TTBR0)
	if err != nil {
		t.Fatalf("NewTranslationTable: %v", err)
	}
	t.Cleanup(func() { _ = buf }) // keep buf reachable for the table's lifetime
	return tt, alloc
}

func TestMapAndVirt2PhyPage(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(0x1000)
	pa := addr.PhysicalAddress(0x9000_0000)

	err := tt.Map(MapDesc{Virtual: va, Physical: pa, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := tt.Virt2Phy(va)
	if err != nil {
		t.Fatalf("Virt2Phy: %v", err)
	}
	if got != pa {
		t.Errorf("Virt2Phy(%s) = %s, want %s", va, got, pa)
	}
}

func TestVirt2PhyOffsetWithinPage(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(0x2000)
	pa := addr.PhysicalAddress(0xa000_0000)
	if err := tt.Map(MapDesc{Virtual: va, Physical: pa, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := tt.Virt2Phy(va.Add(0x123))
	if err != nil {
		t.Fatalf("Virt2Phy: %v", err)
	}
	if got != pa.Add(0x123) {
		t.Errorf("Virt2Phy(va+0x123) = %s, want %s", got, pa.Add(0x123))
	}
}

func TestVirt2PhyUnmappedReturnsNotExists(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	_, err := tt.Virt2Phy(addr.MustVirtualAddress(0x4000))
	if !errors.Is(err, ErrVMMapNotExists) {
		t.Fatalf("expected ErrVMMapNotExists, got %v", err)
	}
}

func TestMapRejectsOverlapping(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(0x5000)
	pa := addr.PhysicalAddress(0xb000_0000)
	desc := MapDesc{Virtual: va, Physical: pa, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW}

	if err := tt.Map(desc); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := tt.Map(desc); !errors.Is(err, ErrVMMapExists) {
		t.Fatalf("expected ErrVMMapExists on remap, got %v", err)
	}
}

func TestMapRejectsWrongTTBRHalf(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(0xffff_0000_0000_1000)
	err := tt.Map(MapDesc{Virtual: va, Physical: 0, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW})
	if !errors.Is(err, ErrInvalidVirtualAddress) {
		t.Fatalf("expected ErrInvalidVirtualAddress, got %v", err)
	}
}

func TestMapLargeBlockAndVirt2Phy(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(addr.BlockSize2MiB)
	pa := addr.PhysicalAddress(addr.BlockSize2MiB * 4)

	err := tt.Map(MapDesc{Virtual: va, Physical: pa, Length: addr.BlockSize2MiB, Kind: MemoryNormal, Perms: PermKernelRWX})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	got, err := tt.Virt2Phy(va.Add(0x1000))
	if err != nil {
		t.Fatalf("Virt2Phy: %v", err)
	}
	if got != pa.Add(0x1000) {
		t.Errorf("Virt2Phy = %s, want %s", got, pa.Add(0x1000))
	}
}

func TestTraverseVisitsInstalledMappings(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	mappings := []MapDesc{
		{Virtual: addr.MustVirtualAddress(0x1000), Physical: 0x9000_0000, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW},
		{Virtual: addr.MustVirtualAddress(0x2000), Physical: 0x9000_1000, Length: addr.PageSize4KiB, Kind: MemoryDevice, Perms: PermKernelRW},
	}
	for _, m := range mappings {
		if err := tt.Map(m); err != nil {
			t.Fatalf("Map(%s): %v", m.Virtual, err)
		}
	}

	it := tt.Traverse(addr.VARange{Start: addr.MustVirtualAddress(0x1000), End: addr.MustVirtualAddress(0x3000)}, false)
	seen := map[addr.VirtualAddress]MemoryKind{}
	for {
		y, ok := it.Next()
		if !ok {
			break
		}
		if y.Block == nil {
			continue
		}
		seen[y.Block.Virtual] = y.Block.Kind
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Traverse visited %d mappings, want 2", len(seen))
	}
	if seen[mappings[0].Virtual] != MemoryNormal {
		t.Errorf("first mapping kind = %v, want Normal", seen[mappings[0].Virtual])
	}
	if seen[mappings[1].Virtual] != MemoryDevice {
		t.Errorf("second mapping kind = %v, want Device", seen[mappings[1].Virtual])
	}
}

func TestUnmapRemovesMapping(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(0x3000)
	desc := MapDesc{Virtual: va, Physical: 0xc000_0000, Length: addr.PageSize4KiB, Kind: MemoryNormal, Perms: PermKernelRW}
	if err := tt.Map(desc); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := tt.Unmap(va, addr.PageSize4KiB); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := tt.Virt2Phy(va); !errors.Is(err, ErrVMMapNotExists) {
		t.Fatalf("expected ErrVMMapNotExists after unmap, got %v", err)
	}
	// re-mapping the same range should now succeed, proving the leaf
	// descriptor (and not just the lookup) was cleared.
	if err := tt.Map(desc); err != nil {
		t.Fatalf("remap after unmap: %v", err)
	}
}

func TestUnmapMissingRangeIsError(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	err := tt.Unmap(addr.MustVirtualAddress(0x6000), addr.PageSize4KiB)
	if !errors.Is(err, ErrVMMapNotExists) {
		t.Fatalf("expected ErrVMMapNotExists, got %v", err)
	}
}

// TestUnmapSplitsPartiallyOverlappingBlock mirrors removing a 4 KiB page from
// the middle of an installed 2 MiB block: the block descriptor is replaced
// by smaller mappings covering everything outside the removed sub-range,
// leaving the removed page (and only it) unmapped.
func TestUnmapSplitsPartiallyOverlappingBlock(t *testing.T) {
	tt, _ := newTestTable(t, 64)
	va := addr.MustVirtualAddress(addr.BlockSize2MiB * 8)
	pa := addr.PhysicalAddress(addr.BlockSize2MiB * 16)
	desc := MapDesc{Virtual: va, Physical: pa, Length: addr.BlockSize2MiB, Kind: MemoryNormal, Perms: PermKernelRW}
	if err := tt.Map(desc); err != nil {
		t.Fatalf("Map: %v", err)
	}

	removeStart := va.Add(addr.PageSize4KiB)
	if err := tt.Unmap(removeStart, addr.PageSize4KiB); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if got, err := tt.Virt2Phy(va); err != nil || got != pa {
		t.Errorf("Virt2Phy(block start) = %s, %v, want %s, nil", got, err, pa)
	}
	if _, err := tt.Virt2Phy(removeStart); !errors.Is(err, ErrVMMapNotExists) {
		t.Fatalf("expected ErrVMMapNotExists within removed range, got %v", err)
	}
	removeEnd := removeStart.Add(addr.PageSize4KiB)
	wantTail := pa.Add(removeEnd.Sub(va))
	if got, err := tt.Virt2Phy(removeEnd); err != nil || got != wantTail {
		t.Errorf("Virt2Phy(after removed range) = %s, %v, want %s, nil", got, err, wantTail)
	}
}
