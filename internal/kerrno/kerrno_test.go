package kerrno

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrnoRoundTrip(t *testing.T) {
	cases := []struct {
		kind  Kind
		errno unix.Errno
	}{
		{BadDescriptor, unix.EBADF},
		{NoEntity, unix.ENOENT},
		{WouldBlock, unix.EAGAIN},
		{Interrupted, unix.EINTR},
		{Pipe, unix.EPIPE},
		{NotSeekable, unix.ESPIPE},
		{AlreadyExists, unix.EEXIST},
	}
	for _, c := range cases {
		t.Run(c.kind.String(), func(t *testing.T) {
			err := New(c.kind)
			got := ToErrno(err)
			want := -int64(c.errno)
			if got != want {
				t.Errorf("ToErrno(%v) = %d, want %d", c.kind, got, want)
			}
		})
	}
}

func TestUnkindedErrorFallsBackToEinval(t *testing.T) {
	got := ToErrno(errUnkinded{})
	want := -int64(unix.EINVAL)
	if got != want {
		t.Errorf("ToErrno(unkinded) = %d, want %d", got, want)
	}
}

type errUnkinded struct{}

func (errUnkinded) Error() string { return "boom" }
