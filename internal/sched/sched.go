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

// Package sched implements the scheduler switch core: selecting the
// next runnable context, signal injection into its resumption path,
// and the bookkeeping a real arch-level context switch would perform.
//
// A context here is a goroutine, not a hardware thread, so there is no
// register/stack blob to literally swap. Switch models the same state
// machine as the original switch(): it is the single place that moves
// a context between Running and Runnable, and it hands the next
// context a turn by flipping Running flags and recording the new
// owner in a per-CPU map — bookkeeping in place of a literal stack
// swap, since nothing here actually suspends or resumes a goroutine.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gmofishsauce/wut4/kernel/internal/kcontext"
)

// lockState is a test-and-set spinlock matching arch::CONTEXT_SWITCH_LOCK.
// Using atomic.Bool plus a backoff loop rather than sync.Mutex mirrors
// the original's explicit compare-and-swap-with-pause shape; unlike a
// Mutex it can be released from code other than the goroutine that set
// it, which the deferred post-switch unlock in the original relies on.
type lockState struct {
	locked atomic.Bool
}

func (l *lockState) acquire() {
	for !l.locked.CompareAndSwap(false, true) {
		runtimeGosched()
	}
}

func (l *lockState) release() {
	l.locked.Store(false)
}

// Scheduler owns one CONTEXT_SWITCH_LOCK and the context table it
// rotates over. One Scheduler instance is shared by every simulated
// CPU.
type Scheduler struct {
	table *kcontext.Table
	lock  lockState

	// pitTicks counts timer ticks since the last switch; Switch resets
	// it to 0 and folds it into the outgoing context's CPU time, per
	// the original's per-slice accounting.
	pitTicks atomic.Int64

	// current maps a simulated CPU id to the context id it is running,
	// the Go-side equivalent of the per-CPU CONTEXT_ID atomic.
	mu      sync.Mutex
	current map[uint8]kcontext.ID

	now func() int64 // monotonic nanoseconds; overridable for tests
}

// New creates a Scheduler rotating over table.
func New(table *kcontext.Table) *Scheduler {
	return &Scheduler{
		table:   table,
		current: make(map[uint8]kcontext.ID),
		now:     func() int64 { return time.Now().UnixNano() },
	}
}

// TickPIT records a timer tick, mirroring PIT_TICKS.fetch_add.
func (s *Scheduler) TickPIT() { s.pitTicks.Add(1) }

// CurrentID returns the context id running on cpuID, if any.
func (s *Scheduler) CurrentID(cpuID uint8) (kcontext.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.current[cpuID]
	return id, ok
}

// updateRunnable applies update_runnable to ctx for cpuID: claims
// ownership on first schedule, restores a completed signal handler's
// saved state, and unblocks on pending signals or an elapsed wake
// deadline. Caller must hold ctx.Mu for writing.
func updateRunnable(ctx *kcontext.Context, cpuID uint8, nowNanos int64) {
	if ctx.CPUID == nil {
		id := cpuID
		ctx.CPUID = &id
	}

	if ctx.KsigRestore && !ctx.Running {
		if ctx.Ksig == nil {
			panic("sched: KsigRestore set without Ksig")
		}
		ctx.Arch = ctx.Ksig.Arch
		ctx.KFX = ctx.Ksig.KFX
		ctx.KStack = ctx.Ksig.KStack
		ctx.Ksig = nil
		ctx.KsigRestore = false
		ctx.Unblock()
	}

	if ctx.Status == kcontext.Blocked && len(ctx.Pending) > 0 {
		ctx.Unblock()
	}

	if ctx.Status == kcontext.Blocked && ctx.WakeAtNanos != nil && nowNanos >= *ctx.WakeAtNanos {
		ctx.WakeAtNanos = nil
		ctx.Unblock()
	}
}

// runnable reports whether ctx is eligible to receive this CPU's next
// turn: not already running, not stopped under ptrace, Runnable, and
// owned by cpuID.
func runnable(ctx *kcontext.Context, cpuID uint8) bool {
	return !ctx.Running && !ctx.PtraceStop && ctx.Status == kcontext.Runnable &&
		ctx.CPUID != nil && *ctx.CPUID == cpuID
}

// SignalHandler installs the signal trampoline into a context's arch
// state ahead of its next resumption. Supplied by the arch layer; the
// scheduler only needs to know how to retarget execution, not how
// "arch" is laid out.
type SignalHandler func(arch []byte, sig kcontext.Signal) []byte

// Switch selects the next runnable context on cpuID and performs the
// handoff, returning true iff a switch happened. It must be called
// with no locks held by the caller; this mirrors the original's
// precondition that switch() runs with interrupts disabled and no
// kernel locks taken.
func (s *Scheduler) Switch(cpuID uint8, installSignal SignalHandler) bool {
	ticks := s.pitTicks.Swap(0)

	s.lock.acquire()

	nowNanos := s.now()

	fromID, ok := s.CurrentID(cpuID)
	if !ok {
		s.lock.release()
		return false
	}
	fromCtx, ok := s.table.Get(fromID)
	if !ok {
		s.lock.release()
		return false
	}

	fromCtx.Mu.Lock()
	fromCtx.CPUTimeNanos += ticks + 1 // always round ticks up

	for _, id := range s.table.OrderedIDs() {
		ctx, ok := s.table.Get(id)
		if !ok {
			continue
		}
		if id == fromID {
			updateRunnable(fromCtx, cpuID, nowNanos)
			continue
		}
		ctx.Mu.Lock()
		updateRunnable(ctx, cpuID, nowNanos)
		ctx.Mu.Unlock()
	}

	ids := s.table.OrderedIDs()
	start := indexAfter(ids, fromID)

	var toCtx *kcontext.Context
	var toSig kcontext.Signal
	var haveSig bool
	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]
		if id == fromID {
			continue
		}
		candidate, ok := s.table.Get(id)
		if !ok {
			continue
		}
		candidate.Mu.Lock()
		if runnable(candidate, cpuID) {
			if candidate.Ksig == nil {
				toSig, haveSig = candidate.PopPending()
			}
			toCtx = candidate
			break
		}
		candidate.Mu.Unlock()
	}

	if toCtx == nil {
		fromCtx.Mu.Unlock()
		s.lock.release()
		return false
	}

	fromCtx.Running = false
	toCtx.Running = true

	s.mu.Lock()
	s.current[cpuID] = toCtx.ID
	s.mu.Unlock()

	if haveSig {
		if toCtx.Ksig != nil {
			panic("sched: nested signal injection")
		}
		toCtx.Ksig = &kcontext.SavedState{
			Arch:   toCtx.Arch,
			KFX:    toCtx.KFX,
			KStack: toCtx.KStack,
			Signal: toSig,
		}
		if installSignal != nil {
			toCtx.Arch = installSignal(toCtx.Arch, toSig)
		}
	}

	fromCtx.Mu.Unlock()
	toCtx.Mu.Unlock()

	s.lock.release()
	return true
}

func indexAfter(ids []kcontext.ID, after kcontext.ID) int {
	for i, id := range ids {
		if id > after {
			return i
		}
	}
	return 0
}

// runtimeGosched is a seam so tests can observe backoff without
// depending on the runtime package directly in this file's tests.
var runtimeGosched = defaultGosched
