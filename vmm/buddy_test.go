package vmm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/armkernel/rpi3/addr"
)

// newTestRegion backs a BuddyAllocator region with real, GC-pinned-for-the-
// test Go memory: the allocator now carves its own metadata and threads its
// free lists directly through the region's bytes, so (unlike the old
// container/list design) it needs genuine addressable memory behind every
// address it hands out, not just a numeric placeholder. The region is sized
// to leave exactly pages usable 4 KiB blocks once one page of metadata is
// carved off the front.
func newTestRegion(t *testing.T, pages uint64) addr.PhysicalRange {
	t.Helper()
	buf := make([]byte, (pages+2)*addr.PageSize4KiB)
	base := addr.PhysicalAddress(uintptr(unsafe.Pointer(&buf[0]))).AlignUp(addr.PageSize4KiB)
	t.Cleanup(func() { _ = buf })
	return addr.PhysicalRange{Start: base, End: base.Add((pages + 1) * addr.PageSize4KiB)}
}

func TestNewBuddyAllocatorRejectsUnaligned(t *testing.T) {
	region := newTestRegion(t, 4)
	misaligned := addr.PhysicalRange{Start: region.Start.Add(1), End: region.End}
	if _, err := NewBuddyAllocator(misaligned, addr.PageSize4KiB, addr.BlockSize1GiB); !errors.Is(err, ErrAllocError) {
		t.Fatalf("expected ErrAllocError for unaligned region base, got %v", err)
	}
	if _, err := NewBuddyAllocator(region, addr.PageSize4KiB+1, addr.BlockSize1GiB); !errors.Is(err, ErrAllocError) {
		t.Fatalf("expected ErrAllocError for non-power-of-two minBlock, got %v", err)
	}
}

func TestBuddyAllocSplitsAndReturnsDistinctBlocks(t *testing.T) {
	b, err := NewBuddyAllocator(newTestRegion(t, 16), addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("NewBuddyAllocator: %v", err)
	}

	seen := map[addr.PhysicalAddress]bool{}
	for i := 0; i < 16; i++ {
		p, err := b.Alloc(0)
		if err != nil {
			t.Fatalf("Alloc(0) #%d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("Alloc(0) returned duplicate block %s", p)
		}
		seen[p] = true
	}

	if _, err := b.Alloc(0); !errors.Is(err, ErrPhysicalOOM) {
		t.Fatalf("expected ErrPhysicalOOM once exhausted, got %v", err)
	}
}

func TestBuddyCoalesceRestoresHistogram(t *testing.T) {
	b, err := NewBuddyAllocator(newTestRegion(t, 16), addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("NewBuddyAllocator: %v", err)
	}
	before := append([]int(nil), b.FreeBlocks()...)

	var pages []addr.PhysicalAddress
	for i := 0; i < 16; i++ {
		p, err := b.Alloc(0)
		if err != nil {
			t.Fatalf("Alloc(0) #%d: %v", i, err)
		}
		pages = append(pages, p)
	}
	for _, p := range pages {
		if err := b.Free(p, 0); err != nil {
			t.Fatalf("Free(%s): %v", p, err)
		}
	}

	after := b.FreeBlocks()
	if len(before) != len(after) {
		t.Fatalf("free-block histogram length changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("order %d: free count %d before alloc/free cycle, %d after", i, before[i], after[i])
		}
	}
}

func TestBuddyAllocHigherOrderSplitsDownward(t *testing.T) {
	b, err := NewBuddyAllocator(newTestRegion(t, 4), addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("NewBuddyAllocator: %v", err)
	}
	p, err := b.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc(2): %v", err)
	}
	if p != b.Base() {
		t.Errorf("Alloc(2) = %s, want base of region %s", p, b.Base())
	}
	if _, err := b.Alloc(0); !errors.Is(err, ErrPhysicalOOM) {
		t.Fatalf("expected exhaustion after taking the only order-2 block, got %v", err)
	}
}

func TestBuddyFreeRejectsOrderAboveMax(t *testing.T) {
	b, err := NewBuddyAllocator(newTestRegion(t, 4), addr.PageSize4KiB, addr.BlockSize1GiB)
	if err != nil {
		t.Fatalf("NewBuddyAllocator: %v", err)
	}
	if err := b.Free(b.Base(), 99); !errors.Is(err, ErrAllocError) {
		t.Fatalf("expected ErrAllocError, got %v", err)
	}
}
