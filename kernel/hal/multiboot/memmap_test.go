package multiboot

import "testing"

func TestVisitMemRegions(t *testing.T) {
	memMap := MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: MemoryEntryType(0)},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemoryEntryType(99)},
	}

	var visited []MemoryEntryType
	memMap.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		visited = append(visited, entry.Type)
		return true
	})

	exp := []MemoryEntryType{MemAvailable, MemReserved, MemAvailable, MemReserved}
	if len(visited) != len(exp) {
		t.Fatalf("expected %d visited entries; got %d", len(exp), len(visited))
	}
	for i := range exp {
		if visited[i] != exp[i] {
			t.Errorf("[entry %d] expected type %s; got %s", i, exp[i], visited[i])
		}
	}

	if memMap[1].Type != MemoryEntryType(0) {
		t.Error("expected VisitMemRegions not to modify the underlying map")
	}

	var count int
	memMap.VisitMemRegions(func(*MemoryMapEntry) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected visitor to abort after the first entry; visited %d", count)
	}

	if exp, got := uint64(0x9fc00+0x7ee0000), memMap.TotalAvailable(); got != exp {
		t.Fatalf("expected %#x available bytes; got %#x", exp, got)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
