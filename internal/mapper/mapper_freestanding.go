//go:build freestanding

// Freestanding embedders (no mmap, no OS process) supply their own
// pre-allocated buffer instead of asking this package to reserve
// address space, per spec.md §4.2's "freestanding targets" clause.
// Protection changes are no-ops: a freestanding host has no MMU
// syscalls to call, and is trusted to enforce its own isolation.

package mapper

import (
	"fmt"
	"sync"
)

var (
	bufMu  sync.Mutex
	bufs   [][]byte
)

// ProvideBuffer hands the mapper a caller-owned, zero-filled buffer to
// use for the next Map call. The buffer must be at least as large as
// the image's load span; callers size it using elfimage.Image.LoadSpan
// ahead of time.
func ProvideBuffer(buf []byte) {
	bufMu.Lock()
	defer bufMu.Unlock()
	bufs = append(bufs, buf)
}

func hostPageSize() uint64 { return 0x1000 }

func reserve(size uint64) (reservation, uintptr, error) {
	bufMu.Lock()
	defer bufMu.Unlock()
	for i, b := range bufs {
		if uint64(len(b)) >= size {
			bufs = append(bufs[:i], bufs[i+1:]...)
			return &staticReservation{data: b[:size]}, addrOf(b), nil
		}
	}
	return nil, 0, fmt.Errorf("no provided buffer of at least %d bytes; call ProvideBuffer first", size)
}

type staticReservation struct {
	data []byte
}

func (r *staticReservation) bytes() []byte { return r.data }
func (r *staticReservation) base() uintptr { return addrOf(r.data) }

// protect is a no-op: freestanding hosts have no page-protection
// syscalls to issue.
func (r *staticReservation) protect(relOffset, size uint64, prot Prot) error { return nil }

func (r *staticReservation) release() error {
	r.data = nil
	return nil
}
