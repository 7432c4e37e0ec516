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

// Package bootcfg decodes the kernel entry arguments: the packed
// record a boot loader hands the kernel describing where everything
// physically lives. The fixed-layout reader here is built the same way
// the teacher's mkbootimg tool packs an image, just run in reverse.
package bootcfg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PhysOffset is the fixed virtual offset the kernel adds to every
// physical address named in BootInfo.
const PhysOffset = 0xFFFF_8000_0000_0000

// BootInfo is the packed record passed by the boot loader. Every
// field is a physical address or length except EntryPoint, which is
// already a usermode virtual address to jump to.
type BootInfo struct {
	KernelBase, KernelSize       uint64
	StackBase, StackSize         uint64
	EnvBase, EnvSize             uint64
	DTBBase, DTBSize             uint64
	MemMapBase, MemMapSize       uint64
	BootstrapBase, BootstrapSize uint64
	EntryPoint                   uint64
}

// fieldCount * 8 bytes; used to size the fixed-layout buffer.
const wireSize = 13 * 8

// Decode reads a BootInfo from its little-endian wire encoding, field
// order matching the struct declaration above.
func Decode(r io.Reader) (BootInfo, error) {
	var buf [wireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return BootInfo{}, fmt.Errorf("bootcfg: read: %w", err)
	}

	var bi BootInfo
	fields := []*uint64{
		&bi.KernelBase, &bi.KernelSize,
		&bi.StackBase, &bi.StackSize,
		&bi.EnvBase, &bi.EnvSize,
		&bi.DTBBase, &bi.DTBSize,
		&bi.MemMapBase, &bi.MemMapSize,
		&bi.BootstrapBase, &bi.BootstrapSize,
		&bi.EntryPoint,
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return bi, nil
}

// Encode writes bi in the same wire format Decode reads; the tests use
// it to build boot blobs.
func Encode(w io.Writer, bi BootInfo) error {
	var buf [wireSize]byte
	fields := []uint64{
		bi.KernelBase, bi.KernelSize,
		bi.StackBase, bi.StackSize,
		bi.EnvBase, bi.EnvSize,
		bi.DTBBase, bi.DTBSize,
		bi.MemMapBase, bi.MemMapSize,
		bi.BootstrapBase, bi.BootstrapSize,
		bi.EntryPoint,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	_, err := w.Write(buf[:])
	return err
}

// VirtKernelBase returns the virtual address the kernel image is
// mapped at, applying PhysOffset the way every physical address in
// BootInfo must be translated before use.
func (bi BootInfo) VirtKernelBase() uint64 { return bi.KernelBase + PhysOffset }

// Validate reports a descriptive error if bi is not self-consistent:
// every size must be nonzero where the loader is expected to have
// supplied a real region, and EntryPoint must fall inside the
// bootstrap image it names.
func (bi BootInfo) Validate() error {
	if bi.KernelSize == 0 {
		return fmt.Errorf("bootcfg: kernel size is zero")
	}
	if bi.StackSize == 0 {
		return fmt.Errorf("bootcfg: boot stack size is zero")
	}
	if bi.EntryPoint < bi.BootstrapBase || bi.EntryPoint >= bi.BootstrapBase+bi.BootstrapSize {
		return fmt.Errorf("bootcfg: entry point %#x outside bootstrap image [%#x, %#x)",
			bi.EntryPoint, bi.BootstrapBase, bi.BootstrapBase+bi.BootstrapSize)
	}
	return nil
}
