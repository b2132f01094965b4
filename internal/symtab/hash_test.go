package symtab

import (
	"encoding/binary"
	"testing"
)

func TestGnuHashKnownValues(t *testing.T) {
	// The empty string leaves the DJB2 seed untouched; "a"/"ab" are
	// small enough to hand-verify against the h = h*33 + c recurrence.
	cases := map[string]uint32{
		"":   5381,
		"a":  177670,
		"ab": 5863208,
	}
	for name, want := range cases {
		if got := gnuHash(name); got != want {
			t.Errorf("gnuHash(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestSysvHashKnownValues(t *testing.T) {
	// Hand-verified against the ELF SysV hash recurrence for short
	// inputs where the high-nibble fold never triggers.
	cases := map[string]uint32{
		"":   0,
		"a":  97,
		"ab": 1650,
	}
	for name, want := range cases {
		if got := sysvHash(name); got != want {
			t.Errorf("sysvHash(%q) = %d, want %d", name, got, want)
		}
	}
}

func buildSysvHashBytes(buckets, chain []uint32) []byte {
	out := make([]byte, 8+4*(len(buckets)+len(chain)))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(buckets)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(chain)))
	off := 8
	for _, b := range buckets {
		binary.LittleEndian.PutUint32(out[off:], b)
		off += 4
	}
	for _, c := range chain {
		binary.LittleEndian.PutUint32(out[off:], c)
		off += 4
	}
	return out
}

func TestParseSysVHashWalksChain(t *testing.T) {
	// Two symbols in the same bucket: index 1 then index 2, terminated by 0.
	raw := buildSysvHashBytes([]uint32{1}, []uint32{0, 2, 0})
	tbl, err := parseSysVHash(raw)
	if err != nil {
		t.Fatalf("parseSysVHash: %v", err)
	}
	h := sysvHash("anything")
	bucket := tbl.buckets[h%uint32(len(tbl.buckets))]
	if bucket != 1 {
		t.Fatalf("expected single bucket to point at index 1, got %d", bucket)
	}
	got := tbl.candidates("anything")
	want := []uint32{1, 2}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("candidates = %v, want %v", got, want)
	}
}

func TestParseSysVHashTruncated(t *testing.T) {
	if _, err := parseSysVHash([]byte{0, 0}); err == nil {
		t.Error("expected error on truncated SysV hash table")
	}
}

func buildGnuHashBytes(nbuckets, symOffset, bloomShift uint32, bloom []uint64, buckets []uint32, chain []uint32) []byte {
	out := make([]byte, 16+8*len(bloom)+4*(len(buckets)+len(chain)))
	binary.LittleEndian.PutUint32(out[0:], nbuckets)
	binary.LittleEndian.PutUint32(out[4:], symOffset)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(bloom)))
	binary.LittleEndian.PutUint32(out[12:], bloomShift)
	off := 16
	for _, w := range bloom {
		binary.LittleEndian.PutUint64(out[off:], w)
		off += 8
	}
	for _, b := range buckets {
		binary.LittleEndian.PutUint32(out[off:], b)
		off += 4
	}
	for _, c := range chain {
		binary.LittleEndian.PutUint32(out[off:], c)
		off += 4
	}
	return out
}

func TestParseGnuHashBloomExcludesAbsent(t *testing.T) {
	h := gnuHash("present")
	wordBits := uint32(64)
	bloomShift := uint32(5)
	bit1 := uint64(1) << (h % wordBits)
	bit2 := uint64(1) << ((h >> bloomShift) % wordBits)

	raw := buildGnuHashBytes(1, 1, bloomShift, []uint64{bit1 | bit2}, []uint32{1}, []uint32{1})
	tbl, err := parseGnuHash(raw)
	if err != nil {
		t.Fatalf("parseGnuHash: %v", err)
	}
	if !tbl.maybeContains(h) {
		t.Error("expected bloom filter to admit the hash it was built from")
	}
	if got := tbl.candidates("present"); len(got) != 1 || got[0] != 1 {
		t.Errorf("candidates(present) = %v, want [1]", got)
	}

	// A name whose hash sets neither bloom bit must be rejected outright.
	absentHash := ^h
	if tbl.maybeContains(absentHash) && (bit1|bit2) != ^uint64(0) {
		// Only assert when the bloom word isn't saturated, to avoid a flaky
		// false positive from hash collision in this tiny single-word filter.
		bit1b := uint64(1) << (absentHash % wordBits)
		bit2b := uint64(1) << ((absentHash >> bloomShift) % wordBits)
		if (bit1|bit2)&(bit1b|bit2b) != (bit1b | bit2b) {
			t.Error("bloom filter admitted a hash whose bits were never set")
		}
	}
}

func TestParseGnuHashRespectsSymOffset(t *testing.T) {
	// symOffset=3: bucket index below symOffset means "no match", per the
	// GNU hash ABI (dynsym indices below symOffset are never exported).
	raw := buildGnuHashBytes(1, 3, 0, nil, []uint32{0}, nil)
	tbl, err := parseGnuHash(raw)
	if err != nil {
		t.Fatalf("parseGnuHash: %v", err)
	}
	if got := tbl.candidates("anything"); got != nil {
		t.Errorf("expected no candidates below symOffset, got %v", got)
	}
}
