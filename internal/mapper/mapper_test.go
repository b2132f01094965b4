//go:build linux && !freestanding

package mapper

import (
	"bytes"
	"testing"

	"github.com/galago/dynload/internal/elfimage"
)

func TestMapCopiesSegmentAndZerosBSS(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	const vaddr = 0x1000
	const memsz = uint64(len(payload)) + 16 // 16 bytes of BSS tail

	raw := buildMinimalELF(payload, vaddr, memsz)
	img, err := elfimage.OpenBytes("fixture", raw)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer img.Close()

	m := New()
	mapping, err := m.Map(img)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer mapping.Unmap()

	off, err := mapping.spanOffset(vaddr)
	if err != nil {
		t.Fatalf("spanOffset: %v", err)
	}
	got := mapping.Bytes()[off : off+memsz]

	if !bytes.Equal(got[:len(payload)], payload) {
		t.Errorf("segment content = %x, want %x", got[:len(payload)], payload)
	}
	for i, b := range got[len(payload):] {
		if b != 0 {
			t.Errorf("BSS byte %d = %#x, want 0", i, b)
		}
	}
}

func TestReadWriteU64RoundTrip(t *testing.T) {
	payload := make([]byte, 64)
	img, err := elfimage.OpenBytes("fixture", buildMinimalELF(payload, 0x3000, 64))
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer img.Close()

	m := New()
	mapping, err := m.Map(img)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer mapping.Unmap()

	const slot = 0x3000 + 8
	if err := mapping.WriteU64(slot, 0xdeadbeefcafebabe); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}
	got, err := mapping.ReadU64(slot)
	if err != nil {
		t.Fatalf("ReadU64: %v", err)
	}
	if got != 0xdeadbeefcafebabe {
		t.Errorf("ReadU64 = %#x, want %#x", got, uint64(0xdeadbeefcafebabe))
	}
}

func TestMapProtectAndRelroFreezeDoNotError(t *testing.T) {
	payload := make([]byte, 64)
	img, err := elfimage.OpenBytes("fixture", buildMinimalELF(payload, 0x2000, 64))
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer img.Close()

	m := New()
	mapping, err := m.Map(img)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer mapping.Unmap()

	if err := mapping.Protect(); err != nil {
		t.Errorf("Protect: %v", err)
	}
	if err := mapping.FreezeRelro(); err != nil {
		t.Errorf("FreezeRelro (no PT_GNU_RELRO present, should be a no-op): %v", err)
	}
}

// TestMapProtectHighVAddrExec guards against treating a segment's
// absolute vaddr as a reservation-relative offset (spec.md §4.1: a
// main-program ET_EXEC image can carry a large nonzero min vaddr, e.g.
// the traditional 0x400000 default load address). Protect/FreezeRelro
// must translate through the same m.lo subtraction spanOffset uses, or
// this overruns the (far smaller) reservation and fails the load.
func TestMapProtectHighVAddrExec(t *testing.T) {
	const vaddr = 0x400000
	payload := make([]byte, 64)
	img, err := elfimage.OpenBytes("fixture", buildMinimalELF(payload, vaddr, 64))
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	defer img.Close()

	m := New()
	mapping, err := m.Map(img)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer mapping.Unmap()

	if err := mapping.Protect(); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := mapping.FreezeRelro(); err != nil {
		t.Fatalf("FreezeRelro: %v", err)
	}
}
