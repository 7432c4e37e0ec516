package sched

import (
	"testing"

	"github.com/gmofishsauce/wut4/kernel/internal/kcontext"
)

func spawnRunnable(t *testing.T, table *kcontext.Table, name string, cpuID uint8) *kcontext.Context {
	t.Helper()
	ctx := table.Spawn(name)
	ctx.Mu.Lock()
	id := cpuID
	ctx.CPUID = &id
	ctx.Status = kcontext.Runnable
	ctx.Mu.Unlock()
	return ctx
}

func TestSwitchPicksNextRunnableInIDOrder(t *testing.T) {
	table := kcontext.NewTable()
	a := spawnRunnable(t, table, "a", 0)
	b := spawnRunnable(t, table, "b", 0)

	a.Mu.Lock()
	a.Running = true
	a.Mu.Unlock()

	s := New(table)
	s.mu.Lock()
	s.current[0] = a.ID
	s.mu.Unlock()

	if switched := s.Switch(0, nil); !switched {
		t.Fatalf("expected a switch to occur")
	}

	gotID, ok := s.CurrentID(0)
	if !ok || gotID != b.ID {
		t.Fatalf("current = %v, %v; want %v, true", gotID, ok, b.ID)
	}

	a.Mu.RLock()
	defer a.Mu.RUnlock()
	if a.Running {
		t.Fatalf("outgoing context still marked running")
	}
}

func TestSwitchReturnsFalseWhenNoneRunnable(t *testing.T) {
	table := kcontext.NewTable()
	a := table.Spawn("only")
	a.Mu.Lock()
	id := uint8(0)
	a.CPUID = &id
	a.Status = kcontext.Runnable
	a.Running = true
	a.Mu.Unlock()

	s := New(table)
	s.mu.Lock()
	s.current[0] = a.ID
	s.mu.Unlock()

	if s.Switch(0, nil) {
		t.Fatalf("expected no switch with only the current context runnable")
	}
}

func TestSwitchInjectsPendingSignal(t *testing.T) {
	table := kcontext.NewTable()
	a := spawnRunnable(t, table, "a", 0)
	b := spawnRunnable(t, table, "b", 0)
	a.Mu.Lock()
	a.Running = true
	a.Mu.Unlock()
	b.Mu.Lock()
	b.Arch = []byte{1, 2, 3}
	b.Pending = append(b.Pending, kcontext.Signal(9))
	b.Mu.Unlock()

	s := New(table)
	s.mu.Lock()
	s.current[0] = a.ID
	s.mu.Unlock()

	installed := false
	handler := func(arch []byte, sig kcontext.Signal) []byte {
		installed = true
		if sig != 9 {
			t.Fatalf("sig = %d, want 9", sig)
		}
		return append(arch, 0xFF)
	}

	if !s.Switch(0, handler) {
		t.Fatalf("expected a switch")
	}
	if !installed {
		t.Fatalf("signal handler was not installed")
	}

	b.Mu.RLock()
	defer b.Mu.RUnlock()
	if b.Ksig == nil {
		t.Fatalf("Ksig not set after signal injection")
	}
	if len(b.Ksig.Arch) != 3 {
		t.Fatalf("saved arch length = %d, want 3", len(b.Ksig.Arch))
	}
}

func TestUpdateRunnableRestoresSignalState(t *testing.T) {
	ctx := &kcontext.Context{
		ID:          1,
		Status:      kcontext.Blocked,
		Running:     false,
		KsigRestore: true,
		Ksig: &kcontext.SavedState{
			Arch:   []byte{9, 9},
			KFX:    []byte{1},
			KStack: []byte{2},
		},
	}
	updateRunnable(ctx, 0, 0)

	if ctx.KsigRestore {
		t.Fatalf("KsigRestore not cleared")
	}
	if ctx.Ksig != nil {
		t.Fatalf("Ksig not cleared after restore")
	}
	if ctx.Status != kcontext.Runnable {
		t.Fatalf("status = %v, want Runnable", ctx.Status)
	}
	if len(ctx.Arch) != 2 {
		t.Fatalf("arch not restored")
	}
}

func TestUpdateRunnableWakesOnDeadline(t *testing.T) {
	wake := int64(100)
	ctx := &kcontext.Context{ID: 1, Status: kcontext.Blocked, WakeAtNanos: &wake}
	updateRunnable(ctx, 0, 50)
	if ctx.Status != kcontext.Blocked {
		t.Fatalf("woke early")
	}
	updateRunnable(ctx, 0, 150)
	if ctx.Status != kcontext.Runnable {
		t.Fatalf("did not wake after deadline elapsed")
	}
	if ctx.WakeAtNanos != nil {
		t.Fatalf("wake deadline not cleared")
	}
}
