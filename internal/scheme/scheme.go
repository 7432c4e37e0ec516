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

// Package scheme defines the uniform resource-provider contract every
// in-kernel namespace (pipe, irq, ...) implements, and the registry
// that maps scheme names and ids to providers.
package scheme

import (
	"strings"
	"sync"

	"github.com/gmofishsauce/wut4/kernel/internal/kevent"
)

// ID identifies a registered scheme.
type ID uint64

// CallerCtx carries the identity of the caller of an open, for schemes
// that need it (the irq scheme requires uid == 0).
type CallerCtx struct {
	UID uint32
	GID uint32
}

// Stat is the subset of file metadata kfstat fills in.
type Stat struct {
	Mode    uint32
	Size    uint64
	Blocks  uint64
	BlkSize uint32
	Ino     uint64
	Nlink   uint32
}

// Mode bits, matching the original kernel's MODE_* constants.
const (
	ModeFIFO uint32 = 0o010000
	ModeChr  uint32 = 0o020000
	ModeDir  uint32 = 0o040000
)

// Open flags, matching the fcntl.h subset the spec names.
const (
	ONonblock = 1 << iota
	OCreat
	OStat
	ODirectory
	OAccMode
)

// Fcntl commands.
const (
	FGetFL = 1
	FSetFL = 2
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Scheme is the contract every in-kernel resource provider implements.
// Every id is an opaque handle previously returned by Open.
type Scheme interface {
	Open(path string, flags int, caller CallerCtx) (uint64, error)
	Close(id uint64) error
	Seek(id uint64, offset int64, whence int) (int64, error)
	Read(id uint64, buf *UserSliceWO) (int, error)
	Write(id uint64, buf *UserSliceRO) (int, error)
	Fstat(id uint64, buf *UserSliceWO) error
	Fpath(id uint64, buf *UserSliceWO) (int, error)
	Fcntl(id uint64, cmd int, arg uint64) (uint64, error)
	Fevent(id uint64, flags kevent.Flags) (kevent.Flags, error)
	Fsync(id uint64) error
	Dup(id uint64, buf *UserSliceRO) (uint64, error)
}

// Registry maps scheme names and ids to providers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]ID
	byID   map[ID]Scheme
	nextID ID
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ID),
		byID:   make(map[ID]Scheme),
	}
}

// Register installs a scheme under name and returns its allocated id.
func (r *Registry) Register(name string, s Scheme) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byName[name] = id
	r.byID[id] = s
	return id
}

// Lookup returns the scheme registered under name.
func (r *Registry) Lookup(name string) (ID, Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, nil, false
	}
	return id, r.byID[id], true
}

// ByID returns the scheme registered under id.
func (r *Registry) ByID(id ID) (Scheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ParseURL splits a "scheme:path" URL into its two components, as
// described in the spec's scheme URL format.
func ParseURL(url string) (name, path string, ok bool) {
	idx := strings.IndexByte(url, ':')
	if idx < 0 {
		return "", "", false
	}
	return url[:idx], url[idx+1:], true
}
