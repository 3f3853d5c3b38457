package cpu

import (
	"math"
	"testing"
)

func TestFPUPushPopRoundTrip(t *testing.T) {
	// FLD dword [EAX]   D9 00
	// FSTP dword [ECX]  D9 19
	// HLT               F4
	code := []byte{0xD9, 0x00, 0xD9, 0x19, 0xF4}
	c := newTestCPU(t, code)

	const (
		src = 0x1000
		dst = 0x2000
	)
	want := float32(3.14159)
	if err := c.Mem().Write32(src, math.Float32bits(want)); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	c.SetReg32(RegEAX, src)
	c.SetReg32(RegECX, dst)

	if err := c.Run(0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	bits, err := c.Mem().Read32(dst)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}
	if got := math.Float32frombits(bits); got != want {
		t.Errorf("round-tripped value got %v, want %v", got, want)
	}
	if c.fpTop != 0 {
		t.Errorf("fpTop got %d, want 0 (push followed by pop should restore TOP)", c.fpTop)
	}
	if c.fpValid[7] {
		t.Error("expected the popped slot (7, where the single push landed) to be marked invalid")
	}
}

func TestFcomClearsC0C3WhenGreater(t *testing.T) {
	// FLD dword [EAX]  (D9 00: ST0 = 1.0)
	// FLD dword [ECX]  (D9 01: ST0 = 2.0, ST1 = 1.0)
	// FCOM ST(1)       D8 D1   (compares ST0=2.0 against ST1=1.0: ST0 > ST1)
	// HLT
	code := []byte{0xD9, 0x00, 0xD9, 0x01, 0xD8, 0xD1, 0xF4}
	c := newTestCPU(t, code)

	const (
		a = 0x1000
		b = 0x2000
	)
	if err := c.Mem().Write32(a, math.Float32bits(1.0)); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	if err := c.Mem().Write32(b, math.Float32bits(2.0)); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	c.SetReg32(RegEAX, a)
	c.SetReg32(RegECX, b)

	if err := c.Run(0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// ST0 (2.0) > ST1 (1.0): all of C0/C2/C3 clear.
	if c.fpSW&swC0 != 0 {
		t.Error("expected C0 clear when ST(0) > operand")
	}
	if c.fpSW&swC3 != 0 {
		t.Error("expected C3 clear when ST(0) > operand")
	}
	if c.fpTop != 6 {
		t.Errorf("fpTop got %d, want 6 (FCOM does not pop, two pushes left two live slots)", c.fpTop)
	}
}

func TestFcompSetsC3WhenEqualAndPops(t *testing.T) {
	// FLD dword [EAX]  (ST0 = 1.5)
	// FLD dword [EAX]  (ST0 = ST1 = 1.5)
	// FCOMP ST(1)      D8 D9
	// HLT
	code := []byte{0xD9, 0x00, 0xD9, 0x00, 0xD8, 0xD9, 0xF4}
	c := newTestCPU(t, code)

	const addr = 0x1000
	if err := c.Mem().Write32(addr, math.Float32bits(1.5)); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	c.SetReg32(RegEAX, addr)

	if err := c.Run(0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if c.fpSW&swC3 == 0 {
		t.Error("expected C3 set when operands are equal")
	}
	if c.fpSW&swC0 != 0 {
		t.Error("expected C0 clear when operands are equal")
	}
	if c.fpTop != 7 {
		t.Errorf("fpTop got %d, want 7 (two pushes then FCOMP pops one, leaving one live slot)", c.fpTop)
	}
}
