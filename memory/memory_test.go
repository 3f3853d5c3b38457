package memory

import "testing"

func TestReadWrite8(t *testing.T) {
	m := New(16)
	for addr := uint32(0); addr < m.Size(); addr++ {
		if err := m.Write8(addr, uint8(addr+1)); err != nil {
			t.Fatalf("Write8(%d) failed: %v", addr, err)
		}
		got, err := m.Read8(addr)
		if err != nil {
			t.Fatalf("Read8(%d) failed: %v", addr, err)
		}
		if got != uint8(addr+1) {
			t.Errorf("Read8(%d) got %d, want %d", addr, got, addr+1)
		}
	}

	if _, err := m.Read8(m.Size()); err == nil {
		t.Error("Read8 past end of buffer should fail")
	}
	if err := m.Write8(m.Size(), 1); err == nil {
		t.Error("Write8 past end of buffer should fail")
	}
}

func TestReadWrite32RoundTrip(t *testing.T) {
	m := New(16)
	const addr = 4
	const want = 0xDEADBEEF

	if err := m.Write32(addr, want); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	got, err := m.Read32(addr)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}
	if got != want {
		t.Errorf("Read32() got %#x, want %#x", got, want)
	}
}

func TestBoundsOverflow(t *testing.T) {
	m := New(16)
	if _, err := m.Read32(0xFFFFFFFF); err == nil {
		t.Error("Read32 at an address that overflows on size addition should fail")
	}
}

func TestLoad(t *testing.T) {
	m := New(16)
	data := []byte{0x90, 0x90, 0x90, 0xC3}

	if err := m.Load(2, data); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for i, b := range data {
		got, err := m.Read8(uint32(2 + i))
		if err != nil {
			t.Fatalf("Read8 failed: %v", err)
		}
		if got != b {
			t.Errorf("byte %d got %#x, want %#x", i, got, b)
		}
	}

	if err := m.Load(m.Size()-1, data); err == nil {
		t.Error("Load exceeding buffer bounds should fail")
	}
}

func TestFetch(t *testing.T) {
	m := New(16)
	_ = m.Write32(0, 0xDEADBEEF)

	b, err := m.Fetch(0, 4)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(b) != 4 {
		t.Fatalf("Fetch() len got %d, want 4", len(b))
	}

	if _, err := m.Fetch(m.Size()-2, 4); err == nil {
		t.Error("Fetch exceeding buffer bounds should fail")
	}
}
