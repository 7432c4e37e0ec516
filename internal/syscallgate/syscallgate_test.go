package syscallgate

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/gmofishsauce/wut4/kernel/internal/kdebug"
)

func TestIsCanonicalAcceptsLowHalfAddresses(t *testing.T) {
	if !IsCanonical(0x0000_7FFF_FFFF_0000) {
		t.Fatalf("expected a low-half userspace address to be canonical")
	}
}

func TestIsCanonicalRejectsForbiddenHighBits(t *testing.T) {
	if IsCanonical(0xFFFF_0000_0000_0000) {
		t.Fatalf("expected forbidden high bits to fail the canonical test")
	}
}

func TestNewMSRConfigEncodesStarAndSetsSCE(t *testing.T) {
	cfg := NewMSRConfig(0x08, 0x18, 0xABCD, 0)
	wantStarHigh := uint64(0x08) | uint64(0x18)<<16
	if cfg.Star != wantStarHigh<<32 {
		t.Fatalf("star = %#x, want %#x", cfg.Star, wantStarHigh<<32)
	}
	if cfg.Lstar != 0xABCD {
		t.Fatalf("lstar = %#x, want 0xABCD", cfg.Lstar)
	}
	if cfg.Efer&1 == 0 {
		t.Fatalf("EFER.SCE not set")
	}
	if cfg.Fmask&(FlagDF|FlagIF|FlagTF|FlagAC) != FlagDF|FlagIF|FlagTF|FlagAC {
		t.Fatalf("fmask missing a critical flag: %#x", cfg.Fmask)
	}
}

func TestLegacyInt80LogsDeprecationAndDispatches(t *testing.T) {
	var buf bytes.Buffer
	tracer := kdebug.New(&buf)

	ret := LegacyInt80(tracer, "init", 5, [6]uint64{1, 2, 3, 4, 5, 6}, func(nr uint64, args [6]uint64) int64 {
		if nr != 5 {
			t.Fatalf("nr = %d, want 5", nr)
		}
		return 42
	})
	if ret != 42 {
		t.Fatalf("ret = %d, want 42", ret)
	}
	if !strings.Contains(buf.String(), "deprecated int 0x80") {
		t.Fatalf("log missing deprecation warning: %q", buf.String())
	}
}

// Scenario 7: the slow iret path zeroes RCX and R11 rather than resuming
// through PtraceCont with attacker-controlled values left in them.
func TestSanitizeForSlowPathZeroesRcxAndR11OnNonCanonicalRip(t *testing.T) {
	regs := unix.PtraceRegs{
		Rip: 0xFFFF_0000_0000_0000,
		Rcx: 0x4141_4141_4141_4141,
		R11: 0x4242_4242_4242_4242,
	}

	canonical := sanitizeForSlowPath(&regs)
	if canonical {
		t.Fatalf("expected a non-canonical RIP to take the slow path")
	}
	if regs.Rcx != 0 {
		t.Fatalf("Rcx = %#x, want 0", regs.Rcx)
	}
	if regs.R11 != 0 {
		t.Fatalf("R11 = %#x, want 0", regs.R11)
	}
}

func TestSanitizeForSlowPathLeavesRegistersOnCanonicalRip(t *testing.T) {
	regs := unix.PtraceRegs{
		Rip: 0x0000_7FFF_FFFF_0000,
		Rcx: 0x4141_4141_4141_4141,
		R11: 0x4242_4242_4242_4242,
	}

	canonical := sanitizeForSlowPath(&regs)
	if !canonical {
		t.Fatalf("expected a canonical RIP to take the fast path")
	}
	if regs.Rcx != 0x4141_4141_4141_4141 {
		t.Fatalf("Rcx was clobbered on the fast path: %#x", regs.Rcx)
	}
	if regs.R11 != 0x4242_4242_4242_4242 {
		t.Fatalf("R11 was clobbered on the fast path: %#x", regs.R11)
	}
}

// FastPath itself drives real ptrace syscalls against a live traced
// process and is not exercised by any test in this repository; no such
// process exists here.
