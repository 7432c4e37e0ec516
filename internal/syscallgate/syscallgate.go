// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Package syscallgate implements the userspace<->kernel transition: the
// fast syscall/sysret path with its canonical-address security gate,
// and the legacy int 0x80 fallback.
//
// There is no real ring transition in a hosted process. The fast path
// here is backed by ptrace: PtraceGetRegs reads the traced thread's
// register file the way the real gate reads the pushed interrupt
// frame, and the canonical-address test runs over the same bit
// positions of the returned instruction pointer before deciding
// whether PtraceCont (the sysretq analogue) is safe or whether the
// caller should fall back to a slower, explicit resume.
package syscallgate

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gmofishsauce/wut4/kernel/internal/kdebug"
)

// MSRConfig records the values the gate installs once at boot, mirroring
// IA32_STAR/LSTAR/FMASK/EFER. Nothing here is written to a real MSR;
// the struct exists so init's arithmetic is exercised and checkable.
type MSRConfig struct {
	Star  uint64
	Lstar uint64
	Fmask uint64
	Efer  uint64
}

// RFlags bits the gate masks on entry, matching FMASK's critical and
// bookkeeping groups.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
	FlagAC = 1 << 18
)

// maskCritical and maskOther together give IA32_FMASK's value: DF/IF/TF/AC
// must always be cleared on entry; the arithmetic flags are masked too
// since userspace has no business smuggling state through them.
const (
	maskCritical = FlagDF | FlagIF | FlagTF | FlagAC
	maskOther    = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// NewMSRConfig computes the gate's boot-time MSR values given the
// kernel code selector and the sysret base selector (GDT_USER_CODE32_UNUSED,
// per the sysret selector arithmetic), and the fast-path entry address.
func NewMSRConfig(kernelCodeSelector, sysretBaseSelector uint16, entry uint64, efer uint64) MSRConfig {
	starHigh := uint64(kernelCodeSelector) | uint64(sysretBaseSelector)<<16
	return MSRConfig{
		Star:  starHigh << 32,
		Lstar: entry,
		Fmask: uint64(maskCritical | maskOther),
		Efer:  efer | 1, // SCE
	}
}

// forbiddenHighBits is the mask the original tests against bits 32..63
// of the saved return address: any of bits 47..63 set means the
// address is not a canonical lower-half (user) address, so sysret must
// not be trusted with it.
const forbiddenHighBits = 0xFFFF8000

// IsCanonical reports whether rip is safe to sysret/eret to. It
// reproduces the gate's actual machine check (testing the high 32
// bits against forbiddenHighBits), not a general notion of canonical
// addressing — a RIP can fail this test and still technically satisfy
// canonical-address rules elsewhere; the point is only to match what
// the hardware gate itself refuses.
func IsCanonical(rip uint64) bool {
	high := uint32(rip >> 32)
	return high&forbiddenHighBits == 0
}

// Dispatcher is the syscall handler contract: given the syscall number
// and its six argument registers, return the value to place in RAX.
type Dispatcher func(nr uint64, args [6]uint64) int64

// PtraceBreakpoint lets a tracer veto or observe a syscall, matching
// ptrace::breakpoint_callback(PRE/POST_SYSCALL). Returning false from
// the pre-syscall hook skips the dispatcher entirely (PTRACE_FLAG_IGNORE).
type PtraceBreakpoint struct {
	Pre  func(nr uint64) (allow bool)
	Post func(nr uint64, ret int64)
}

// Outcome reports how the gate decided to resume userspace.
type Outcome struct {
	Sysret bool // true: fast sysretq/eret path; false: slow iret/ERET fallback
	Ret    int64
}

// sanitizeForSlowPath reproduces the original's xor rcx,rcx; xor r11,r11
// on the non-canonical branch: sysret would have restored RIP/RFLAGS from
// RCX/R11, so once the gate refuses the fast path those registers must
// not be left holding whatever the caller last put in them. Reports
// whether the fast path (PtraceCont/sysretq) is still safe.
func sanitizeForSlowPath(regs *unix.PtraceRegs) (canonical bool) {
	canonical = IsCanonical(regs.Rip)
	if !canonical {
		regs.Rcx = 0
		regs.R11 = 0
	}
	return canonical
}

// FastPath runs the dispatcher contract over regs read from a ptrace'd
// thread via PtraceGetRegs, then decides whether the saved return
// address is safe for PtraceCont's sysret-equivalent resume.
func FastPath(pid int, dispatch Dispatcher, bp PtraceBreakpoint) (Outcome, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return Outcome{}, fmt.Errorf("syscallgate: get regs: %w", err)
	}

	nr := regs.Orig_rax
	args := [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9}

	var ret int64
	allow := bp.Pre == nil || bp.Pre(nr)
	if allow {
		ret = dispatch(nr, args)
		regs.Rax = uint64(ret)
		if err := unix.PtraceSetRegs(pid, &regs); err != nil {
			return Outcome{}, fmt.Errorf("syscallgate: set regs: %w", err)
		}
	}
	if bp.Post != nil {
		bp.Post(nr, ret)
	}

	canonical := sanitizeForSlowPath(&regs)
	if canonical {
		if err := unix.PtraceCont(pid, 0); err != nil {
			return Outcome{}, fmt.Errorf("syscallgate: cont: %w", err)
		}
	} else if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return Outcome{}, fmt.Errorf("syscallgate: set regs: %w", err)
	}
	return Outcome{Sysret: canonical, Ret: ret}, nil
}

// LegacyInt80 handles the deprecated int 0x80 entry: it logs a
// deprecation warning naming the calling context, then runs the same
// dispatcher contract as the fast path (minus the canonical-address
// gate, since int 0x80 always returns via iret).
func LegacyInt80(tracer *kdebug.Tracer, ctxName string, nr uint64, args [6]uint64, dispatch Dispatcher) int64 {
	tracer.Warn("context %q used deprecated int 0x80 construct", ctxName)
	return dispatch(nr, args)
}
