package symtab

import (
	"debug/elf"
	"testing"

	"github.com/galago/dynload/internal/elfimage"
)

func sym(name string, bind elf.SymBind, vis elf.SymVis, defined bool) elf.Symbol {
	s := elf.Symbol{
		Name:  name,
		Info:  uint8(bind)<<4 | uint8(elf.STT_FUNC),
		Other: uint8(vis),
		Value: 0x1000,
	}
	if defined {
		s.Section = elf.SectionIndex(1)
	} else {
		s.Section = elf.SHN_UNDEF
	}
	return s
}

// newFallbackTable builds a Table with no parsed hash table, exercising
// the linear-scan fallback path in candidateIndices.
func newFallbackTable(syms []elf.Symbol) *Table {
	return &Table{path: "test", syms: syms}
}

func TestLookupStrongBeatsWeak(t *testing.T) {
	syms := []elf.Symbol{
		sym("foo", elf.STB_WEAK, elf.STV_DEFAULT, true),
		sym("foo", elf.STB_GLOBAL, elf.STV_DEFAULT, true),
	}
	tbl := newFallbackTable(syms)
	got, ok := tbl.Lookup("foo", "")
	if !ok {
		t.Fatal("expected a match")
	}
	if elf.ST_BIND(got.Info) != elf.STB_GLOBAL {
		t.Errorf("expected the strong definition to win, got bind %v", elf.ST_BIND(got.Info))
	}
}

func TestLookupWeakAcceptedWithoutStrong(t *testing.T) {
	syms := []elf.Symbol{
		sym("bar", elf.STB_WEAK, elf.STV_DEFAULT, true),
	}
	tbl := newFallbackTable(syms)
	got, ok := tbl.Lookup("bar", "")
	if !ok {
		t.Fatal("expected the weak definition to be accepted")
	}
	if got.Name != "bar" {
		t.Errorf("got %q", got.Name)
	}
}

func TestLookupSkipsUndefinedAndHidden(t *testing.T) {
	syms := []elf.Symbol{
		sym("baz", elf.STB_GLOBAL, elf.STV_DEFAULT, false), // undefined import, not a definition
		sym("baz", elf.STB_GLOBAL, elf.STV_HIDDEN, true),   // hidden, not externally visible
	}
	tbl := newFallbackTable(syms)
	if _, ok := tbl.Lookup("baz", ""); ok {
		t.Error("expected no match: one candidate undefined, the other hidden")
	}
}

func TestLookupNoMatch(t *testing.T) {
	tbl := newFallbackTable([]elf.Symbol{sym("foo", elf.STB_GLOBAL, elf.STV_DEFAULT, true)})
	if _, ok := tbl.Lookup("nonexistent", ""); ok {
		t.Error("expected no match for a name absent from the table")
	}
}

func TestVersionMatchingRules(t *testing.T) {
	tbl := &Table{
		ver: &versionTable{
			perSymbol: []uint16{0, 2, 0x8003},
			names:     map[uint16]string{2: "GALAGO_2.0", 3: "GALAGO_1.0"},
		},
	}

	// index 1: default (non-hidden) version GALAGO_2.0 — matches an
	// unversioned request, and matches its own exact version.
	if !tbl.versionMatches(1, "") {
		t.Error("default version should satisfy an unversioned request")
	}
	if !tbl.versionMatches(1, "GALAGO_2.0") {
		t.Error("default version should satisfy its own exact version request")
	}
	if tbl.versionMatches(1, "GALAGO_1.0") {
		t.Error("default version should not satisfy a different version request")
	}

	// index 2: hidden version GALAGO_1.0 — matches only the exact request.
	if tbl.versionMatches(2, "") {
		t.Error("hidden version must not satisfy an unversioned request")
	}
	if !tbl.versionMatches(2, "GALAGO_1.0") {
		t.Error("hidden version should satisfy its own exact version request")
	}

	// index 0: local/no version data at this slot — treated as unversioned.
	if !tbl.versionMatches(0, "") {
		t.Error("absent version data should satisfy an unversioned request")
	}
}

func TestBuildEmptyDynamicTableIsQueryable(t *testing.T) {
	tbl, err := Build(&elfimage.Image{Path: "test", Dynamic: &elfimage.DynamicDigest{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tbl.Lookup("anything", ""); ok {
		t.Error("empty table should never match")
	}
	if len(tbl.Symbols()) != 0 {
		t.Error("empty table should report no exported symbols")
	}
}

func TestSymbolsFiltersIneligible(t *testing.T) {
	syms := []elf.Symbol{
		sym("exported", elf.STB_GLOBAL, elf.STV_DEFAULT, true),
		sym("local_only", elf.STB_LOCAL, elf.STV_DEFAULT, true),
		sym("undef_import", elf.STB_GLOBAL, elf.STV_DEFAULT, false),
	}
	tbl := newFallbackTable(syms)
	got := tbl.Symbols()
	if len(got) != 1 || got[0].Name != "exported" {
		t.Errorf("Symbols() = %v, want only \"exported\"", got)
	}
}
