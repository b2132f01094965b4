// Package rdebug models the standard r_debug/r_brk protocol debuggers
// use to observe a dynamic linker's Link Map (spec.md §6 "Debugger
// protocol"). The real glue that publishes this into a process-wide
// r_debug symbol a debugger can read via ptrace is an external
// collaborator, out of scope per spec.md §1; this package only defines
// the seam: a state machine plus an injectable callback, so
// internal/lifecycle can invoke it around every Link Map mutation
// without caring whether anything is actually attached.
package rdebug

import "sync"

// State mirrors the r_debug.r_state values: RT_CONSISTENT, RT_ADD,
// RT_DELETE.
type State int

const (
	StateConsistent State = iota
	StateAdd
	StateDelete
)

func (s State) String() string {
	switch s {
	case StateAdd:
		return "RT_ADD"
	case StateDelete:
		return "RT_DELETE"
	default:
		return "RT_CONSISTENT"
	}
}

// Notifier is invoked on every state transition, standing in for the
// real r_brk() breakpoint function a debugger sets.
type Notifier interface {
	Notify(state State, path string)
}

// NopNotifier is the default for embedders with no debugger glue
// wired in.
type NopNotifier struct{}

// Notify implements Notifier as a no-op.
func (NopNotifier) Notify(State, string) {}

// RDebug tracks the process-wide r_debug-shaped state. One exists per
// Loader (spec.md §9: "the r_debug structure" is process-wide mutable
// state, encapsulated behind a single guarded accessor).
type RDebug struct {
	mu      sync.Mutex
	state   State
	version int

	notifier Notifier
}

// New returns an RDebug that calls notifier around every transition.
// A nil notifier installs NopNotifier.
func New(notifier Notifier) *RDebug {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RDebug{notifier: notifier}
}

// State returns the current r_state value.
func (r *RDebug) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Version returns the monotonically increasing generation counter,
// bumped on every Add/Delete — debuggers poll this to detect a missed
// notification.
func (r *RDebug) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Add announces that path is about to be linked into the map: r_brk is
// invoked once at RT_ADD (the object is about to become visible) and
// once more at RT_CONSISTENT (the map is stable again), matching the
// platform ld.so protocol.
func (r *RDebug) Add(path string) {
	r.transition(StateAdd, path)
}

// Delete announces that path is about to be unlinked.
func (r *RDebug) Delete(path string) {
	r.transition(StateDelete, path)
}

func (r *RDebug) transition(s State, path string) {
	r.mu.Lock()
	r.state = s
	r.notifier.Notify(s, path)
	r.version++
	r.state = StateConsistent
	r.notifier.Notify(StateConsistent, path)
	r.mu.Unlock()
}
