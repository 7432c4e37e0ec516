package irqscheme

import (
	"testing"

	"github.com/gmofishsauce/wut4/kernel/internal/kerrno"
	"github.com/gmofishsauce/wut4/kernel/internal/kevent"
	"github.com/gmofishsauce/wut4/kernel/internal/scheme"
)

func newTestScheme() (*Scheme, *Counts) {
	counts := NewCounts()
	s := New(counts, kevent.NewBus(), Options{})
	return s, counts
}

func TestIRQRoundTrip(t *testing.T) {
	s, counts := newTestScheme()

	fd, err := s.Open("3", 0, scheme.CallerCtx{UID: 0})
	if err != nil {
		t.Fatalf("open irq:3: %v", err)
	}

	counts.Increment(3)
	counts.Increment(3)

	buf := make([]byte, 8)
	n, err := s.Read(fd, scheme.NewUserSliceWO(buf))
	if err != nil || n != 8 {
		t.Fatalf("read = %d, %v; want 8, nil", n, err)
	}
	got, _ := scheme.NewUserSliceRO(buf).ReadUint64()
	if got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	wn, err := s.Write(fd, scheme.NewUserSliceRO(buf))
	if err != nil || wn != 8 {
		t.Fatalf("write ack = %d, %v; want 8, nil", wn, err)
	}

	// Immediately re-reading must return 0 bytes, no error.
	n, err = s.Read(fd, scheme.NewUserSliceWO(buf))
	if err != nil || n != 0 {
		t.Fatalf("read after ack = %d, %v; want 0, nil", n, err)
	}

	counts.Increment(3)
	n, err = s.Read(fd, scheme.NewUserSliceWO(buf))
	if err != nil || n != 8 {
		t.Fatalf("read after 3rd trigger = %d, %v", n, err)
	}
	got, _ = scheme.NewUserSliceRO(buf).ReadUint64()
	if got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestIRQReservation(t *testing.T) {
	s, _ := newTestScheme()

	fd1, err := s.Open("cpu-00/48", scheme.OCreat, scheme.CallerCtx{UID: 0})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	_, err = s.Open("cpu-00/48", scheme.OCreat, scheme.CallerCtx{UID: 0})
	kerr, ok := err.(*kerrno.Error)
	if !ok || kerr.Kind != kerrno.AlreadyExists {
		t.Fatalf("second open err = %v, want EEXIST", err)
	}

	if err := s.Close(fd1); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := s.Open("cpu-00/48", scheme.OCreat, scheme.CallerCtx{UID: 0}); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

// IRQ 16 is the first extended IRQ (0..=15 are legacy, unreserved);
// its reservation must be released on close just like any other
// extended IRQ.
func TestIRQReservationReleasedAtBoundary(t *testing.T) {
	s, _ := newTestScheme()

	fd, err := s.Open("cpu-00/16", scheme.OCreat, scheme.CallerCtx{UID: 0})
	if err != nil {
		t.Fatalf("open irq 16: %v", err)
	}
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Open("cpu-00/16", scheme.OCreat, scheme.CallerCtx{UID: 0}); err != nil {
		t.Fatalf("reopen irq 16 after close: %v", err)
	}
}

func TestIRQOpenRequiresRootUID(t *testing.T) {
	s, _ := newTestScheme()
	_, err := s.Open("3", 0, scheme.CallerCtx{UID: 1})
	kerr, ok := err.(*kerrno.Error)
	if !ok || kerr.Kind != kerrno.NotPermitted {
		t.Fatalf("err = %v, want EPERM", err)
	}
}

func TestIRQCountsMonotoneRelativeToAck(t *testing.T) {
	s, counts := newTestScheme()
	fd, _ := s.Open("7", 0, scheme.CallerCtx{UID: 0})

	for i := 0; i < 5; i++ {
		counts.Increment(7)
	}

	buf := make([]byte, 8)
	if _, err := s.Read(fd, scheme.NewUserSliceWO(buf)); err != nil {
		t.Fatal(err)
	}
	ackVal, _ := scheme.NewUserSliceRO(buf).ReadUint64()
	if ackVal > counts.Load(7) {
		t.Fatalf("ack %d exceeds count %d", ackVal, counts.Load(7))
	}
}

func TestTriggerOrdersCounterBeforeFanout(t *testing.T) {
	s, counts := newTestScheme()
	bus := kevent.NewBus()
	s.bus = bus
	s.SetID(1)

	fd, _ := s.Open("9", 0, scheme.CallerCtx{UID: 0})
	ch := bus.Register(kevent.Key{SchemeID: 1, FD: fd})

	s.Trigger(9)

	select {
	case <-ch:
		if counts.Load(9) != 1 {
			t.Fatalf("counter not incremented before fanout observed")
		}
	default:
		t.Fatalf("expected an event on trigger")
	}
}
