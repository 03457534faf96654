package vmm

import (
	"errors"
	"testing"

	"github.com/armkernel/rpi3/addr"
)

func TestTableDescriptorRoundTrip(t *testing.T) {
	next := addr.PhysicalAddress(0x4100_0000)
	raw := newTableDescriptor(next)
	d, err := parseDescriptor(raw, addr.LevelOne)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if d.kind != descTable {
		t.Fatalf("expected table descriptor, got %v", d.kind)
	}
	if d.outputAddr != next {
		t.Errorf("outputAddr = %s, want %s", d.outputAddr, next)
	}
}

func TestBlockDescriptorRoundTrip(t *testing.T) {
	pa := addr.PhysicalAddress(0x8000_0000)
	raw := newLeafDescriptor(addr.LevelTwo, pa, PermKernelRW, MemoryNormal)
	d, err := parseDescriptor(raw, addr.LevelTwo)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if d.kind != descBlock {
		t.Fatalf("expected block descriptor, got %v", d.kind)
	}
	if d.outputAddr != pa {
		t.Errorf("outputAddr = %s, want %s", d.outputAddr, pa)
	}
	if !d.af {
		t.Errorf("expected AF set")
	}
	got := decodeAccess(d)
	if !got.Has(PermRead) || !got.Has(PermWrite) {
		t.Errorf("decodeAccess() = %v, want RW", got)
	}
	if got.Has(PermExec) {
		t.Errorf("decodeAccess() should not grant exec for a non-exec mapping")
	}
}

func TestPageDescriptorRoundTrip(t *testing.T) {
	pa := addr.PhysicalAddress(0x1000)
	raw := newLeafDescriptor(addr.LevelThree, pa, PermKernelCode, MemoryNormal)
	d, err := parseDescriptor(raw, addr.LevelThree)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if d.kind != descPage {
		t.Fatalf("expected page descriptor, got %v", d.kind)
	}
	got := decodeAccess(d)
	if !got.Has(PermRead) || !got.Has(PermExec) {
		t.Errorf("decodeAccess() = %v, want RX", got)
	}
	if got.Has(PermWrite) {
		t.Errorf("decodeAccess() should not grant write for a code mapping")
	}
}

func TestInvalidDescriptorIsZero(t *testing.T) {
	d, err := parseDescriptor(0, addr.LevelTwo)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if d.kind != descInvalid {
		t.Fatalf("expected invalid descriptor for raw=0, got %v", d.kind)
	}
}

func TestDeviceMemoryUsesOuterShareable(t *testing.T) {
	raw := newLeafDescriptor(addr.LevelThree, 0x3f00_0000, PermKernelRW, MemoryDevice)
	d, err := parseDescriptor(raw, addr.LevelThree)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if d.sh != shOuterShareable {
		t.Errorf("sh = %#x, want OuterShareable", d.sh)
	}
	if d.attrIndx != AttrIndxDevice {
		t.Errorf("attrIndx = %d, want AttrIndxDevice", d.attrIndx)
	}
}

func TestTableVsPageDisambiguationByLevel(t *testing.T) {
	// Table and Page descriptors share the same VALID|TYPE=0b11 pattern;
	// only the level distinguishes them.
	raw := newTableDescriptor(0x1000_0000)
	atL1, err := parseDescriptor(raw, addr.LevelOne)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if atL1.kind != descTable {
		t.Errorf("at L1: got %v, want table", atL1.kind)
	}
	atL3, err := parseDescriptor(raw, addr.LevelThree)
	if err != nil {
		t.Fatalf("parseDescriptor: %v", err)
	}
	if atL3.kind != descPage {
		t.Errorf("at L3: got %v, want page", atL3.kind)
	}
}

func TestParseDescriptorRejectsReservedL0BlockEncoding(t *testing.T) {
	// VALID=1, TYPE=0 at L0: the block encoding, which L0 does not support.
	raw := uint64(1) << bitValid
	_, err := parseDescriptor(raw, addr.LevelZero)
	if !errors.Is(err, ErrCorruptedTranslationTable) {
		t.Fatalf("expected ErrCorruptedTranslationTable, got %v", err)
	}
}

func TestParseDescriptorRejectsReservedL3Encoding(t *testing.T) {
	// VALID=1, TYPE=0 at L3: reserved, since L3 only defines the TYPE=1
	// page encoding.
	raw := uint64(1) << bitValid
	_, err := parseDescriptor(raw, addr.LevelThree)
	if !errors.Is(err, ErrCorruptedTranslationTable) {
		t.Fatalf("expected ErrCorruptedTranslationTable, got %v", err)
	}
}

func assertPanics(t *testing.T, label string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic, got none", label)
		}
	}()
	f()
}

func TestTableDescriptorRejectsNullPointer(t *testing.T) {
	assertPanics(t, "null table pointer", func() {
		newTableDescriptor(0)
	})
}

func TestTableDescriptorRejectsMisalignedPointer(t *testing.T) {
	assertPanics(t, "misaligned table pointer", func() {
		newTableDescriptor(addr.PhysicalAddress(0x1000_0001))
	})
}

func TestLeafDescriptorRejectsMisalignedL1Block(t *testing.T) {
	assertPanics(t, "1 GiB block not 1 GiB-aligned", func() {
		newLeafDescriptor(addr.LevelOne, addr.PhysicalAddress(0x4000_0000+addr.PageSize4KiB), PermKernelRW, MemoryNormal)
	})
}

func TestLeafDescriptorRejectsMisalignedL2Block(t *testing.T) {
	assertPanics(t, "2 MiB block not 2 MiB-aligned", func() {
		newLeafDescriptor(addr.LevelTwo, addr.PhysicalAddress(0x8000_0000+addr.PageSize4KiB), PermKernelRW, MemoryNormal)
	})
}

func TestLeafDescriptorRejectsMisalignedL3Page(t *testing.T) {
	assertPanics(t, "4 KiB page not 4 KiB-aligned", func() {
		newLeafDescriptor(addr.LevelThree, addr.PhysicalAddress(0x1001), PermKernelRW, MemoryNormal)
	})
}
