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

// Package pcr models the per-CPU control region: on x86-64, the page
// holding the TSS and the GDT the syscall gate trusts; on aarch64, the
// exception vector table VBAR_EL1 points at. None of this is loaded
// into real hardware here — the fast path is a ptrace-backed simulator
// (see syscallgate) — but the byte layout is kept faithful so that the
// encoding logic (GDT entries, TSS rsp slots) is exercised the same way
// a real entry stub would read it.
package pcr

import "unsafe"

// GDT slot indices, in the order the gate's selector arithmetic
// expects: a spare 32-bit user code descriptor at slot 3 is required by
// sysret's "CS = star.sysret_cs + 16, SS = star.sysret_cs + 8" rule.
const (
	GDTNull = iota
	GDTKernelCode
	GDTKernelData
	GDTUserCode32Unused
	GDTUserData
	GDTUserCode
	GDTTSS
	GDTTSSHigh
)

// GDT access and flag bits.
const (
	AccessPresent    = 1 << 7
	AccessRing0      = 0 << 5
	AccessRing3      = 3 << 5
	AccessSystem     = 1 << 4
	AccessExecutable = 1 << 3
	AccessPrivilege  = 1 << 1
	AccessTSSAvail   = 0x9

	FlagLongMode      = 1 << 5
	FlagProtectedMode = 1 << 6
)

// GdtEntry is the 8-byte packed x86 segment descriptor. Field order and
// widths mirror the hardware layout exactly (no reserved padding falls
// between them), so encoding a descriptor here and one built by a real
// entry stub produce the same bytes.
type GdtEntry struct {
	Limitl      uint16
	Offsetl     uint16
	Offsetm     uint8
	Access      uint8
	FlagsLimith uint8
	Offseth     uint8
}

// NewGdtEntry builds a descriptor the way BASE_GDT's literal entries
// are built.
func NewGdtEntry(offset, limit uint32, access, flags uint8) GdtEntry {
	return GdtEntry{
		Limitl:      uint16(limit),
		Offsetl:     uint16(offset),
		Offsetm:     uint8(offset >> 16),
		Access:      access,
		FlagsLimith: flags&0xF0 | uint8(limit>>16)&0x0F,
		Offseth:     uint8(offset >> 24),
	}
}

// SetOffset rewrites the descriptor's base address, used to patch the
// TSS descriptor once the TSS's runtime address is known.
func (e *GdtEntry) SetOffset(offset uint32) {
	e.Offsetl = uint16(offset)
	e.Offsetm = uint8(offset >> 16)
	e.Offseth = uint8(offset >> 24)
}

// SetLimit rewrites the descriptor's segment limit.
func (e *GdtEntry) SetLimit(limit uint32) {
	e.Limitl = uint16(limit)
	e.FlagsLimith = e.FlagsLimith&0xF0 | uint8(limit>>16)&0x0F
}

// baseGDT is the eight-entry template copied into every PCR at init,
// before the TSS descriptor (slots 6/7) is patched with the TSS's real
// address.
var baseGDT = [8]GdtEntry{
	NewGdtEntry(0, 0, 0, 0),
	NewGdtEntry(0, 0, AccessPresent|AccessRing0|AccessSystem|AccessExecutable|AccessPrivilege, FlagLongMode),
	NewGdtEntry(0, 0, AccessPresent|AccessRing0|AccessSystem|AccessPrivilege, FlagLongMode),
	NewGdtEntry(0, 0, AccessPresent|AccessRing0|AccessSystem|AccessExecutable|AccessPrivilege, FlagProtectedMode),
	NewGdtEntry(0, 0, AccessPresent|AccessRing3|AccessSystem|AccessPrivilege, FlagLongMode),
	NewGdtEntry(0, 0, AccessPresent|AccessRing3|AccessSystem|AccessExecutable|AccessPrivilege, FlagLongMode),
	NewGdtEntry(0, 0, AccessPresent|AccessRing3|AccessTSSAvail, 0),
	NewGdtEntry(0, 0, 0, 0),
}

// TaskStateSegment holds the fields the gate actually reads: the
// ring-0 stack pointer loaded on every syscall/interrupt entry, and the
// interrupt-stack-table slots a real entry stub would pick a dedicated
// stack from.
type TaskStateSegment struct {
	RSP [3]uint64
	IST [7]uint64
}

// ProcessorControlRegion is the structure %gs points at on each
// simulated CPU. The GDT deliberately lives inside it, mirroring the
// real kernel's reason for nesting it here: a paranoid entry path that
// cannot trust GS_BASE recovers the PCR address via SGDT and a
// known offset instead.
type ProcessorControlRegion struct {
	TCBEnd     uint64
	UserRSPTmp uint64
	TSS        TaskStateSegment
	SelfRef    uint64
	GDT        [8]GdtEntry
}

func init() {
	var pcr ProcessorControlRegion
	if unsafe.Offsetof(pcr.TSS)%16 != 0 {
		panic("pcr: TSS alignment is too small")
	}
	if unsafe.Offsetof(pcr.GDT)%8 != 0 {
		panic("pcr: GDT alignment is too small")
	}
}

// New allocates a PCR with the base GDT template installed and
// self_ref pointing at itself, mirroring init_paging before the TSS
// descriptor is patched in.
func New() *ProcessorControlRegion {
	pcr := &ProcessorControlRegion{GDT: baseGDT}
	pcr.SelfRef = uint64(uintptr(unsafe.Pointer(pcr)))
	return pcr
}

// PatchTSSDescriptor rewrites GDT slots 6/7 to point at this PCR's own
// TSS, as init_paging does once the TSS's address is known.
func (pcr *ProcessorControlRegion) PatchTSSDescriptor() {
	tssAddr := uint64(uintptr(unsafe.Pointer(&pcr.TSS)))
	pcr.GDT[GDTTSS].SetOffset(uint32(tssAddr))
	pcr.GDT[GDTTSS].SetLimit(uint32(unsafe.Sizeof(pcr.TSS)))
	high := uint32(tssAddr >> 32)
	pcr.GDT[GDTTSSHigh] = GdtEntry{
		Limitl:      uint16(high),
		Offsetl:     uint16(high >> 16),
		Offsetm:     0,
		Access:      0,
		FlagsLimith: 0,
		Offseth:     0,
	}
}

// SetTSSStack installs stack as the ring-0 entry stack, the Go
// equivalent of writing tss.rsp[0] directly (there is no separate PTI
// stack swap here; that feature is out of scope).
func (pcr *ProcessorControlRegion) SetTSSStack(stack uint64) {
	pcr.TSS.RSP[0] = stack
}

// AArch64VectorTable is the 2048-byte-aligned block of sixteen
// 128-byte entries VBAR_EL1 points at, covering {current EL with SP0,
// current EL with SPx, lower EL AArch64, lower EL AArch32} x {Sync,
// IRQ, FIQ, SError}.
type AArch64VectorTable struct {
	Entries [16][128]byte
}

// Vector table group/kind indices, matching the row/column layout the
// spec describes; EntryIndex combines them into the flat slot used by
// hardware.
const (
	GroupCurrentELSP0 = iota
	GroupCurrentELSPx
	GroupLowerELAArch64
	GroupLowerELAArch32
)

const (
	KindSync = iota
	KindIRQ
	KindFIQ
	KindSError
)

// EntryIndex returns the flat vector-table slot for a given EL group
// and exception kind.
func EntryIndex(group, kind int) int { return group*4 + kind }
