package bootcfg

import (
	"bytes"
	"testing"
)

func sampleBootInfo() BootInfo {
	return BootInfo{
		KernelBase: 0x100000, KernelSize: 0x200000,
		StackBase: 0x300000, StackSize: 0x4000,
		EnvBase: 0x310000, EnvSize: 0x1000,
		DTBBase: 0x320000, DTBSize: 0x2000,
		MemMapBase: 0x330000, MemMapSize: 0x100,
		BootstrapBase: 0x400000, BootstrapSize: 0x10000,
		EntryPoint: 0x400100,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleBootInfo()

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeShortBufferErrors(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatalf("expected an error decoding a truncated blob")
	}
}

func TestValidateRejectsEntryPointOutsideBootstrap(t *testing.T) {
	bi := sampleBootInfo()
	bi.EntryPoint = bi.BootstrapBase + bi.BootstrapSize + 1
	if err := bi.Validate(); err == nil {
		t.Fatalf("expected validation error for out-of-range entry point")
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	if err := sampleBootInfo().Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestVirtKernelBaseAppliesPhysOffset(t *testing.T) {
	bi := sampleBootInfo()
	if bi.VirtKernelBase() != bi.KernelBase+PhysOffset {
		t.Fatalf("virt kernel base did not apply PhysOffset")
	}
}
