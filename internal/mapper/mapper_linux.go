//go:build linux && !freestanding

package mapper

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func hostPageSize() uint64 {
	if n := unix.Getpagesize(); n > 0 {
		return uint64(n)
	}
	return 0x1000
}

// reserve mmaps an anonymous, zero-filled, read-write-executable
// region of size bytes. RWX up front (then narrowed by Protect) lets
// the relocation engine write into segments that end up read-only or
// non-writable, mirroring memmod_linux.go's mapELFImage.
func reserve(size uint64) (reservation, uintptr, error) {
	n, err := lenToInt(size)
	if err != nil {
		return nil, 0, err
	}
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap: %w", err)
	}
	base := uintptr(0)
	if len(data) > 0 {
		base = addrOf(data)
	}
	return &mmapReservation{data: data}, base, nil
}

type mmapReservation struct {
	data []byte
}

func (r *mmapReservation) bytes() []byte { return r.data }
func (r *mmapReservation) base() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return addrOf(r.data)
}

func (r *mmapReservation) protect(relOffset, size uint64, prot Prot) error {
	off, err := lenToInt(relOffset)
	if err != nil {
		return err
	}
	n, err := lenToInt(size)
	if err != nil {
		return err
	}
	if off+n > len(r.data) {
		return fmt.Errorf("protect range [%d,%d) exceeds reservation of %d bytes", off, off+n, len(r.data))
	}
	return unix.Mprotect(r.data[off:off+n], protToUnix(prot))
}

func (r *mmapReservation) release() error {
	if len(r.data) == 0 {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

func protToUnix(p Prot) int {
	var out int
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func lenToInt(v uint64) (int, error) {
	const maxInt = int(^uint(0) >> 1)
	if v > uint64(maxInt) {
		return 0, fmt.Errorf("length %d overflows int", v)
	}
	return int(v), nil
}
