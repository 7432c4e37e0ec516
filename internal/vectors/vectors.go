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

// Package vectors implements the interrupt/exception entry dispatch:
// classifying a trap by its source (current EL or lower, synchronous
// or asynchronous) and routing to the right handler. Dispatch routes
// three ways: IRQ, current-EL fault, and lower-EL synchronous trap.
// It has no SError/FIQ route and never returns KindSpinHalt.
package vectors

import (
	"fmt"

	"github.com/gmofishsauce/wut4/kernel/internal/kdebug"
)

// Kind classifies why a vector fired.
type Kind int

const (
	// KindFaultCurrentEL is a synchronous trap taken while already in
	// kernel mode: an actual kernel bug. Fatal.
	KindFaultCurrentEL Kind = iota
	// KindIRQ is an interrupt, routed to irq_handler(vec) regardless of
	// which EL it interrupted.
	KindIRQ
	// KindSyscallOrFault is a synchronous trap taken from a lower EL:
	// either a legacy int 0x80-style syscall or a genuine user fault.
	KindSyscallOrFault
	// KindSpinHalt names the SError/FIQ class, for which the original
	// simply spins in a halt loop. Dispatch does not produce it.
	KindSpinHalt
)

// InterruptStack is the saved register frame an IRQ entry stub
// preserves before calling the handler: scratch and preserved
// registers, plus the synthetic iret/ERET frame beneath them.
type InterruptStack struct {
	Preserved [6]uint64
	Scratch   [8]uint64
	IP        uint64
	CS        uint64
	Flags     uint64
	SP        uint64
	SS        uint64
}

func (s *InterruptStack) String() string {
	return fmt.Sprintf("ip=%#x sp=%#x flags=%#x cs=%#x ss=%#x", s.IP, s.SP, s.Flags, s.CS, s.SS)
}

// Breadcrumb is the constant tag a vector stub records before jumping
// to its handler, so a crash dump can identify which stub ran even if
// the handler itself faulted.
type Breadcrumb uint32

// Handlers bundles the callbacks a dispatch routes to. Each is
// supplied by the subsystem that owns the behavior (sched for the
// fault path's panic-with-dump, irqbus/irqscheme for IRQ delivery).
type Handlers struct {
	OnKernelFault func(tag Breadcrumb, frame *InterruptStack)
	OnIRQ         func(vec uint8)
	OnLowerELSync func(tag Breadcrumb, frame *InterruptStack) Kind
}

// Dispatch classifies a vector and invokes the matching handler, the
// Go-reachable continuation of a vector stub. vec identifies the
// interrupt/exception vector; fromLowerEL reports whether the trapped
// context was running in user mode.
func Dispatch(tracer *kdebug.Tracer, h Handlers, tag Breadcrumb, vec uint8, isIRQ, fromLowerEL bool, frame *InterruptStack) Kind {
	switch {
	case isIRQ:
		if h.OnIRQ != nil {
			h.OnIRQ(vec)
		}
		tracer.TraceIRQ(vec, 0)
		return KindIRQ

	case !fromLowerEL:
		if h.OnKernelFault != nil {
			h.OnKernelFault(tag, frame)
		}
		kdebug.Fatal(tracer, fmt.Sprintf("kernel fault, vector %d, tag %d", vec, tag), frame)
		return KindFaultCurrentEL

	default:
		if h.OnLowerELSync != nil {
			return h.OnLowerELSync(tag, frame)
		}
		return KindSyscallOrFault
	}
}
