package tls

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's ID from its own stack
// trace header ("goroutine 123 [running]:"). Go exposes no supported
// API for this; it is the same trick used by goroutine-local-storage
// libraries in the wild, acceptable here because __tls_get_addr's
// per-thread identity requirement has no other answer in pure Go.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
