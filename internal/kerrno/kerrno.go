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

// Package kerrno carries the kernel's error taxonomy: a small set of
// kinds, each backed by the POSIX errno that userspace receives encoded
// as a negative return value.
package kerrno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is one of the error kinds a scheme method may return.
type Kind int

const (
	BadDescriptor Kind = iota
	NoEntity
	NotPermitted
	WouldBlock
	Interrupted
	InvalidArgument
	IsDirectory
	AlreadyExists
	Pipe
	NotSeekable
	BadFileDescriptorState
)

var names = [...]string{
	BadDescriptor:          "bad descriptor",
	NoEntity:               "no such entity",
	NotPermitted:           "not permitted",
	WouldBlock:             "would block",
	Interrupted:            "interrupted",
	InvalidArgument:        "invalid argument",
	IsDirectory:            "is a directory",
	AlreadyExists:          "already exists",
	Pipe:                   "broken pipe",
	NotSeekable:            "not seekable",
	BadFileDescriptorState: "bad file descriptor state",
}

// errnos maps each Kind to the raw errno magnitude returned to userspace
// as -errno, matching the wire values an x86-64/aarch64 Linux-ish ABI
// userspace program expects.
var errnos = [...]unix.Errno{
	BadDescriptor:          unix.EBADF,
	NoEntity:               unix.ENOENT,
	NotPermitted:           unix.EPERM,
	WouldBlock:             unix.EAGAIN,
	Interrupted:            unix.EINTR,
	InvalidArgument:        unix.EINVAL,
	IsDirectory:            unix.EISDIR,
	AlreadyExists:          unix.EEXIST,
	Pipe:                   unix.EPIPE,
	NotSeekable:            unix.ESPIPE,
	BadFileDescriptorState: unix.EBADFD,
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(names) {
		return fmt.Sprintf("kerrno.Kind(%d)", int(k))
	}
	return names[k]
}

// Error is the concrete error type scheme methods return.
type Error struct {
	Kind Kind
}

// New builds an *Error for the given kind.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

func (e *Error) Error() string {
	return e.Kind.String()
}

// Errno returns the negative-errno value the syscall dispatcher places
// in the saved return-value slot.
func (e *Error) Errno() int64 {
	return -int64(errnos[e.Kind])
}

// Is reports whether err carries the given Kind, so callers can use
// errors.Is(err, kerrno.New(kerrno.WouldBlock)) idiomatically.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// ToErrno converts any error returned by a scheme method into the
// negative-errno contract used by the syscall dispatcher. A nil error
// is not meaningful here; callers check err != nil before calling.
func ToErrno(err error) int64 {
	if kerr, ok := err.(*Error); ok {
		return kerr.Errno()
	}
	// An un-kinded error from deeper in the stack is a kernel bug, not a
	// userspace-facing condition; surface it as EINVAL rather than panic
	// so that a single unexpected error type cannot wedge the dispatcher.
	return -int64(unix.EINVAL)
}
