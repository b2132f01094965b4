// Package archverify exercises the lazy-binding PLT trampoline contract
// (spec.md §4.5 "Lazy binding", scenario 3 in §8) under CPU emulation
// instead of live execution: a GOT slot starts pointing at a resolver
// stub, a call through the PLT invokes the resolver, the resolver
// patches the slot with the real symbol address, and control tail-calls
// into it — all without ever running untrusted native code on the host
// process.
//
// Grounded on zboralski/galago's internal/emulator/emulator.go, whose
// New/mapMemory/HookAdd(uc.HOOK_CODE, ...) pattern this package reuses
// verbatim for register and memory setup, narrowed from "emulate a
// whole Android binary's control flow" to "emulate one trampoline stub
// and assert where it lands."
package archverify

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout for the trampoline harness. Mirrors the scale of the
// teacher's own region sizes, pared down since only one stub executes.
const (
	codeBase = 0x00010000
	codeSize = 0x00010000

	gotBase = 0x00020000
	gotSize = 0x00010000

	targetBase = 0x00030000
	targetSize = 0x00010000

	stackBase = 0x00040000
	stackSize = 0x00010000
)

// gotSlotOffset locates the PLT slot under test, a fixed byte offset into the GOT
// region so the trampoline code can address it via a register the
// harness preloads rather than a PC-relative literal.
const gotSlotOffset = 0x10

// retInsn is ARM64 RET (0xd65f03c0), little-endian encoded — used as
// the trampoline's eventual landing pad so the harness can detect
// arrival via a code hook rather than decoding further instructions.
var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// Harness emulates one PLT trampoline stub: LDR X16, [X17]; BR X16,
// where X17 is preloaded with the GOT slot's address.
type Harness struct {
	mu      uc.Unicorn
	landed  bool
	landPC  uint64
	resolve func(stubArg uint64) uint64
}

// New constructs a Harness with code/GOT/target/stack regions mapped
// and the trampoline's two instructions written at codeBase.
func New() (*Harness, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	h := &Harness{mu: mu}

	regions := []struct {
		base, size uint64
	}{
		{codeBase, codeSize},
		{gotBase, gotSize},
		{targetBase, targetSize},
		{stackBase, stackSize},
	}
	for _, r := range regions {
		if err := mu.MemMap(r.base, r.size); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map 0x%x: %w", r.base, err)
		}
	}

	// LDR X16, [X17] ; BR X16 — load the (possibly still-unresolved)
	// GOT slot value and tail-call it.
	ldr := encodeLDRImm(16, 17, 0)
	br := encodeBR(16)
	code := append(append([]byte(nil), ldr...), br...)
	if err := mu.MemWrite(codeBase, code); err != nil {
		mu.Close()
		return nil, fmt.Errorf("write trampoline: %w", err)
	}

	if err := mu.MemWrite(targetBase, retInsn); err != nil {
		mu.Close()
		return nil, fmt.Errorf("write target stub: %w", err)
	}

	if err := mu.RegWrite(uc.ARM64_REG_SP, stackBase+stackSize-0x100); err != nil {
		mu.Close()
		return nil, fmt.Errorf("set SP: %w", err)
	}
	if err := mu.RegWrite(uc.ARM64_REG_X17, gotBase+gotSlotOffset); err != nil {
		mu.Close()
		return nil, fmt.Errorf("set X17: %w", err)
	}

	if _, err := mu.HookAdd(uc.HOOK_CODE, h.onCode, codeBase, targetBase+targetSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("hook code: %w", err)
	}

	return h, nil
}

func (h *Harness) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if addr == targetBase {
		h.landed = true
		h.landPC = addr
		mu.Stop()
	}
}

// Close releases the underlying Unicorn instance.
func (h *Harness) Close() error { return h.mu.Close() }

// StageUnresolvedSlot writes resolverStub into the GOT slot, simulating
// the state a lazily-bound PLT entry is in before its first call:
// pointing at the dynamic linker's resolver rather than the real symbol.
func (h *Harness) StageUnresolvedSlot(resolverStub uint64) error {
	return h.writeGOT(resolverStub)
}

// PatchSlot overwrites the GOT slot with resolved, the address a real
// IRELATIVE/lazy-PLT resolver call would have returned — the same write
// internal/lifecycle.Loader.patchIRelative performs against live mapped
// memory.
func (h *Harness) PatchSlot(resolved uint64) error {
	return h.writeGOT(resolved)
}

func (h *Harness) writeGOT(val uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return h.mu.MemWrite(gotBase+gotSlotOffset, buf)
}

// ReadSlot returns the GOT slot's current value.
func (h *Harness) ReadSlot() (uint64, error) {
	data, err := h.mu.MemRead(gotBase+gotSlotOffset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Run executes the trampoline from codeBase. It returns once the code
// hook observes arrival at targetBase and stops emulation, or once
// emulation fails (e.g. a branch to an unmapped address), in which case
// Verify reports it as not landed. No instruction count limit is set.
func (h *Harness) Run() error {
	h.landed, h.landPC = false, 0
	return h.mu.Start(codeBase, 0)
}

// Verify reports whether the last Run ended with control at the target
// stub — the pass/fail signal for the trampoline contract this harness
// exists to check.
func (h *Harness) Verify() (landed bool, landedAt uint64) {
	return h.landed, h.landPC
}

// TargetAddr exposes the fixed address Verify checks arrival against,
// for callers building their own PatchSlot value.
func TargetAddr() uint64 { return targetBase }

// encodeLDRImm encodes "LDR Xt, [Xn, #imm]" (64-bit unsigned-offset
// immediate form), imm a byte offset (must be a multiple of 8).
func encodeLDRImm(rt, rn uint32, imm uint32) []byte {
	instr := uint32(0xF9400000) | ((imm / 8) << 10) | (rn << 5) | rt
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, instr)
	return buf
}

// encodeBR encodes "BR Xn".
func encodeBR(rn uint32) []byte {
	instr := uint32(0xD61F0000) | (rn << 5)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, instr)
	return buf
}
