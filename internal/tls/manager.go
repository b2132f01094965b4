// Package tls implements spec.md §4.4: per-object TLS module
// bookkeeping and the storage __tls_get_addr resolves against.
//
// Grounded on zboralski/galago's internal/stubs/pthread/tls.go, which
// already shows the idiom this package generalizes: a monotonically
// increasing key handed out under one mutex, a map from key to value,
// delete-on-teardown. That package modeled pthread TLS *keys*; this
// one models ELF TLS *modules*, but the "small counter + guarded map"
// shape carries over directly. Go has no thread-pointer register to
// write (TPIDR_EL0/FS/GS in a real process), so per-thread storage is
// keyed by the calling goroutine's ID instead, as DESIGN.md's TLS
// Manager section records.
package tls

import (
	"sync"

	"github.com/galago/dynload/internal/linkerr"
)

// moduleReserved is the module ID meaning "no TLS" (spec.md §4.4: "0
// is reserved and never assigned").
const moduleReserved = 0

// Module describes one Object's PT_TLS segment.
type Module struct {
	ID           uint32
	Size         uint64
	Align        uint64
	Template     []byte // PT_TLS file content; the memsz tail beyond this is zero-filled
	Static       bool   // assigned a fixed thread-pointer-relative offset at load time
	StaticOffset int64  // valid only when Static is true
}

// Manager tracks every loaded Object's TLS module and hands out thread-
// local storage blocks on demand. One Manager exists per process (or
// per embedding program, in the freestanding case).
type Manager struct {
	mu    sync.Mutex
	next  uint32
	free  []uint32
	byID  map[uint32]*Module
	byObj map[any]uint32

	staticSize uint64 // running total of static-scheme module sizes

	// blocks holds one goroutine's per-module storage, keyed by the
	// goroutine ID from goroutineID(). Both the outer map and every inner
	// map are only accessed under mu (Addr for the owning goroutine,
	// Unregister for every goroutine's map).
	blocks map[int64]map[uint32][]byte
}

// New returns an empty Manager with module ID 1 as its first
// allocation (0 stays reserved).
func New() *Manager {
	return &Manager{
		next:   1,
		byID:   make(map[uint32]*Module),
		byObj:  make(map[any]uint32),
		blocks: make(map[int64]map[uint32][]byte),
	}
}

// Register assigns obj a module ID and records its PT_TLS layout.
// Calling Register twice for the same obj is an error: callers must
// Unregister on unload before a reload can re-register.
func (m *Manager) Register(obj any, size, align uint64, template []byte, static bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byObj[obj]; exists {
		return 0, linkerr.New(linkerr.KindMalformedDynamic, "", "", errAlreadyRegistered)
	}

	var id uint32
	if n := len(m.free); n > 0 {
		id = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		id = m.next
		m.next++
	}

	mod := &Module{ID: id, Size: size, Align: align, Template: template, Static: static}
	if static {
		mod.StaticOffset = int64(m.staticSize)
		m.staticSize = alignUp(m.staticSize+size, align)
	}
	m.byID[id] = mod
	m.byObj[obj] = id
	return id, nil
}

// Unregister recycles obj's module ID and drops every goroutine's
// cached storage block for it. Per spec.md §4.4, module IDs are
// recycled on unload, so a subsequent Register call may reuse the same
// ID for an unrelated object — callers must not retain a stale ID
// across a dlclose.
func (m *Manager) Unregister(obj any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byObj[obj]
	if !ok {
		return
	}
	delete(m.byObj, obj)
	delete(m.byID, id)
	m.free = append(m.free, id)
	for _, blocks := range m.blocks {
		delete(blocks, id)
	}
}

// ModuleIDFor returns obj's assigned module ID, or moduleReserved if
// obj was never registered (satisfies internal/reloc.TLS).
func (m *Manager) ModuleIDFor(obj any) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byObj[obj]
}

// StaticOffsetFor returns the thread-pointer-relative offset for a
// symbol at symOffset within obj's static TLS block (satisfies
// internal/reloc.TLS). Only valid for objects registered with
// static=true; returns false otherwise; dynamically-loaded objects use
// DTPMOD/DTPOFF relocations and __tls_get_addr instead.
func (m *Manager) StaticOffsetFor(obj any, symOffset uint64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byObj[obj]
	if !ok {
		return 0, false
	}
	mod := m.byID[id]
	if mod == nil || !mod.Static {
		return 0, false
	}
	return mod.StaticOffset + int64(symOffset), true
}

// Addr implements __tls_get_addr(moduleID, offset): the current
// goroutine's storage block for moduleID, allocated and initialized
// from the module's template on first touch.
func (m *Manager) Addr(moduleID uint32, offset uint64) ([]byte, error) {
	if moduleID == moduleReserved {
		return nil, linkerr.New(linkerr.KindTlsExhausted, "", "", errReservedModule)
	}

	m.mu.Lock()
	mod, ok := m.byID[moduleID]
	if !ok {
		m.mu.Unlock()
		return nil, linkerr.New(linkerr.KindTlsExhausted, "", "", errUnknownModule)
	}

	h := goroutineID()
	blocks, ok := m.blocks[h]
	if !ok {
		blocks = make(map[uint32][]byte)
		m.blocks[h] = blocks
	}
	block, ok := blocks[moduleID]
	if !ok {
		block = make([]byte, mod.Size)
		copy(block, mod.Template)
		blocks[moduleID] = block
	}
	m.mu.Unlock()

	if offset > uint64(len(block)) {
		return nil, linkerr.New(linkerr.KindTlsExhausted, "", "", errOffsetOutOfRange)
	}
	return block[offset:], nil
}

// ReleaseGoroutine drops every TLS block owned by the calling
// goroutine. Embedders that pool and reuse goroutines for unrelated
// work should call this between reuses to avoid leaking stale TLS
// state across logically distinct "threads".
func (m *Manager) ReleaseGoroutine() {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, goroutineID())
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

type tlsErr string

func (e tlsErr) Error() string { return string(e) }

const (
	errAlreadyRegistered = tlsErr("object already has a registered TLS module")
	errReservedModule    = tlsErr("module ID 0 is reserved and has no storage")
	errUnknownModule     = tlsErr("unknown TLS module ID")
	errOffsetOutOfRange  = tlsErr("TLS offset exceeds module size")
)
