package reloc

import (
	"debug/elf"
	"testing"

	"github.com/galago/dynload/internal/symtab"
)

// newFakeSymtab builds a one-symbol Table (ELF index 1, value 0x10,
// defined) for tests that need local-symbol resolution without a full
// ELF image.
func newFakeSymtab(t *testing.T) (*symtab.Table, error) {
	t.Helper()
	sym := elf.Symbol{
		Name:    "local_fn",
		Info:    uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
		Section: elf.SectionIndex(1),
		Value:   0x10,
	}
	return symtab.NewFromSymbols("t", []elf.Symbol{sym}), nil
}

// fakeMapping is an in-memory stand-in for *mapper.Mapping, keyed by
// link-time virtual address.
type fakeMapping struct {
	words map[uint64]uint64
}

func newFakeMapping() *fakeMapping { return &fakeMapping{words: make(map[uint64]uint64)} }

func (f *fakeMapping) Addr(vaddr uint64) uintptr { return uintptr(vaddr) }
func (f *fakeMapping) ReadU64(vaddr uint64) (uint64, error) {
	return f.words[vaddr], nil
}
func (f *fakeMapping) WriteU64(vaddr uint64, value uint64) error {
	f.words[vaddr] = value
	return nil
}

type fakeTLSObject struct{ id uint32 }

func (o fakeTLSObject) ModuleID() uint32 { return o.id }

type fakeTLS struct {
	modID  uint32
	offset int64
	ok     bool
}

func (f *fakeTLS) ModuleIDFor(obj TLSObject) uint32 { return f.modID }
func (f *fakeTLS) StaticOffsetFor(obj TLSObject, symOffset uint64) (int64, bool) {
	return f.offset + int64(symOffset), f.ok
}

func TestApplyRelative(t *testing.T) {
	e := &Engine{arch: ArchTable{1: CatRelative}, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x100, Type: 1, Addend: 0x20}}

	if err := e.Apply(entries, m, 0x1000, nil, nil, nil, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := m.words[0x100], uint64(0x1020); got != want {
		t.Errorf("RELATIVE result = 0x%x, want 0x%x", got, want)
	}
}

func TestApplyUnsupportedType(t *testing.T) {
	e := &Engine{arch: ArchTable{}, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x100, Type: 99}}

	err := e.Apply(entries, m, 0, nil, nil, nil, false)
	if err == nil {
		t.Fatal("expected an error for an unmapped relocation type")
	}
}

func TestApplyAbsoluteWithoutTableFails(t *testing.T) {
	e := &Engine{arch: ArchTable{2: CatAbsolute}, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x200, Type: 2, SymIndex: 1}}

	if err := e.Apply(entries, m, 0, nil, nil, nil, false); err == nil {
		t.Fatal("expected symbol-not-found without a symbol table")
	}
}

func TestApplyAbsoluteLocalSymbolAddsBias(t *testing.T) {
	table, err := newFakeSymtab(t)
	if err != nil {
		t.Fatalf("newFakeSymtab: %v", err)
	}
	e := &Engine{arch: ArchTable{2: CatAbsolute}, table: table, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x200, Type: 2, SymIndex: 1, Addend: 4}}

	if err := e.Apply(entries, m, 0x5000, nil, nil, nil, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// the fake table's symbol 1 has Value=0x10; final address must be
	// bias + value + addend, not just value + addend.
	if got, want := m.words[0x200], uint64(0x5000+0x10+4); got != want {
		t.Errorf("ABS64 local-symbol result = 0x%x, want 0x%x", got, want)
	}
}

// newWeakUndefSymtab builds a one-symbol Table whose entry is a weak,
// undefined reference — the shape of __gmon_start__/_ITM_* symbols
// nearly every real .so carries unresolved.
func newWeakUndefSymtab(t *testing.T) *symtab.Table {
	t.Helper()
	sym := elf.Symbol{
		Name:    "__weak_undef",
		Info:    uint8(elf.STB_WEAK)<<4 | uint8(elf.STT_FUNC),
		Section: elf.SHN_UNDEF,
	}
	return symtab.NewFromSymbols("t", []elf.Symbol{sym})
}

func TestApplyUnresolvedWeakResolvesToZero(t *testing.T) {
	table := newWeakUndefSymtab(t)
	e := &Engine{arch: ArchTable{2: CatAbsolute}, table: table, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x200, Type: 2, SymIndex: 1}}

	// no resolver at all: the weak reference must still resolve to 0
	// rather than fail the load (spec.md §4.4).
	if err := e.Apply(entries, m, 0x5000, nil, nil, nil, false); err != nil {
		t.Fatalf("Apply: unexpected error for unresolved weak ref: %v", err)
	}
	if got := m.words[0x200]; got != 0 {
		t.Errorf("unresolved weak ref result = 0x%x, want 0", got)
	}
}

func TestApplyUnresolvedStrongFails(t *testing.T) {
	sym := elf.Symbol{Name: "strong_undef", Info: uint8(elf.STB_GLOBAL) << 4, Section: elf.SHN_UNDEF}
	table := symtab.NewFromSymbols("t", []elf.Symbol{sym})
	e := &Engine{arch: ArchTable{2: CatAbsolute}, table: table, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x200, Type: 2, SymIndex: 1}}

	if err := e.Apply(entries, m, 0, nil, nil, nil, false); err == nil {
		t.Fatal("expected an error for an unresolved strong reference")
	}
}

func TestApplyLazyJumpSlotBiasesInsteadOfResolving(t *testing.T) {
	table, err := newFakeSymtab(t)
	if err != nil {
		t.Fatalf("newFakeSymtab: %v", err)
	}
	e := &Engine{arch: ArchTable{6: CatJumpSlot}, table: table, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x600, Type: 6, SymIndex: 1, Addend: 0x18, Plt: true}}

	// resolver is nil: if lazy biasing weren't wired, this would panic or
	// fail to resolve instead of writing the biased PLT target.
	if err := e.Apply(entries, m, 0x9000, nil, nil, nil, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := m.words[0x600], uint64(0x9000+0x18); got != want {
		t.Errorf("lazy JUMP_SLOT result = 0x%x, want bias+addend 0x%x", got, want)
	}
}

func TestApplyEagerJumpSlotResolvesNow(t *testing.T) {
	table, err := newFakeSymtab(t)
	if err != nil {
		t.Fatalf("newFakeSymtab: %v", err)
	}
	e := &Engine{arch: ArchTable{6: CatJumpSlot}, table: table, path: "t"}
	m := newFakeMapping()
	entries := []Entry{{Offset: 0x600, Type: 6, SymIndex: 1, Plt: true}}

	if err := e.Apply(entries, m, 0x9000, nil, nil, nil, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := m.words[0x600], uint64(0x9000+0x10); got != want {
		t.Errorf("eager JUMP_SLOT result = 0x%x, want resolved S 0x%x", got, want)
	}
}

func TestApplyTLSDTPMod(t *testing.T) {
	e := &Engine{arch: ArchTable{3: CatTLSDTPMod}, path: "t"}
	m := newFakeMapping()
	tlsMgr := &fakeTLS{modID: 7}
	entries := []Entry{{Offset: 0x300, Type: 3}}

	if err := e.Apply(entries, m, 0, nil, tlsMgr, fakeTLSObject{id: 7}, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.words[0x300]; got != 7 {
		t.Errorf("DTPMOD result = %d, want 7", got)
	}
}

func TestApplyTLSTPOff(t *testing.T) {
	e := &Engine{arch: ArchTable{4: CatTLSTPOff}, path: "t"}
	m := newFakeMapping()
	tlsMgr := &fakeTLS{offset: 0x40, ok: true}
	entries := []Entry{{Offset: 0x400, Type: 4, Addend: 4}}

	if err := e.Apply(entries, m, 0, nil, tlsMgr, fakeTLSObject{}, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := int64(m.words[0x400]), int64(0x44); got != want {
		t.Errorf("TPOFF result = %d, want %d", got, want)
	}
}

func TestApplyTLSDescWritesArgSlot(t *testing.T) {
	e := &Engine{arch: ArchTable{5: CatTLSDesc}, path: "t"}
	m := newFakeMapping()
	tlsMgr := &fakeTLS{modID: 3}
	entries := []Entry{{Offset: 0x500, Type: 5}}

	if err := e.Apply(entries, m, 0, nil, tlsMgr, fakeTLSObject{id: 3}, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.words[0x508]; got != 3 {
		t.Errorf("TLSDESC arg slot = %d, want 3", got)
	}
}

func TestTableForEveryMachine(t *testing.T) {
	for _, m := range []elf.Machine{elf.EM_X86_64, elf.EM_AARCH64, elf.EM_RISCV} {
		if TableFor(m) == nil {
			t.Errorf("TableFor(%v) = nil, want a populated table", m)
		}
	}
	if TableFor(elf.EM_386) != nil {
		t.Error("TableFor(EM_386) should be nil: 32-bit x86 is unsupported")
	}
}

func TestParseRelaRoundTrip(t *testing.T) {
	// One synthetic RELA entry: offset=0x10, type=1, sym=2, addend=-8.
	raw := make([]byte, 24)
	raw[0] = 0x10
	info := uint64(2)<<32 | uint64(1)
	for i := 0; i < 8; i++ {
		raw[8+i] = byte(info >> (8 * i))
	}
	negEight := int64(-8)
	addend := uint64(negEight)
	for i := 0; i < 8; i++ {
		raw[16+i] = byte(addend >> (8 * i))
	}

	entries, err := ParseRela(raw)
	if err != nil {
		t.Fatalf("ParseRela: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.Offset != 0x10 || got.Type != 1 || got.SymIndex != 2 || got.Addend != -8 {
		t.Errorf("ParseRela = %+v, want {Offset:0x10 Type:1 SymIndex:2 Addend:-8}", got)
	}
}
