package pcr

import "testing"

func TestNewPCRSelfRefPointsAtItself(t *testing.T) {
	p := New()
	if p.SelfRef == 0 {
		t.Fatalf("self_ref not set")
	}
}

func TestPatchTSSDescriptorSetsOffset(t *testing.T) {
	p := New()
	p.PatchTSSDescriptor()

	entry := p.GDT[GDTTSS]
	if entry.Limitl == 0 && entry.Offsetl == 0 && entry.Offsetm == 0 {
		t.Fatalf("TSS descriptor was not patched")
	}
}

func TestSetTSSStackWritesRSP0(t *testing.T) {
	p := New()
	p.SetTSSStack(0xDEAD_BEEF)
	if p.TSS.RSP[0] != 0xDEAD_BEEF {
		t.Fatalf("rsp[0] = %#x, want 0xDEADBEEF", p.TSS.RSP[0])
	}
}

func TestEntryIndexCoversAllSlots(t *testing.T) {
	seen := make(map[int]bool)
	for group := 0; group < 4; group++ {
		for kind := 0; kind < 4; kind++ {
			idx := EntryIndex(group, kind)
			if idx < 0 || idx > 15 {
				t.Fatalf("index %d out of range", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 16 {
		t.Fatalf("got %d distinct slots, want 16", len(seen))
	}
}

func TestGdtEntryRoundTripsOffsetAndLimit(t *testing.T) {
	e := NewGdtEntry(0, 0, AccessPresent, FlagLongMode)
	e.SetOffset(0x1234_5678)
	e.SetLimit(0x000F_FFFF)

	if e.Offsetl != 0x5678 || e.Offsetm != 0x34 || e.Offseth != 0x12 {
		t.Fatalf("offset not round-tripped: %+v", e)
	}
	if e.Limitl != 0xFFFF {
		t.Fatalf("limit low bytes = %#x, want 0xFFFF", e.Limitl)
	}
}
