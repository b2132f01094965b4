package linkmap

import (
	"sync"

	"github.com/galago/dynload/internal/linkerr"
)

// LinkMap is the process-wide ordered registry of loaded Objects
// (spec.md §3). Invariants enforced by its methods: (a) at most one
// Object per canonical path (Register rejects duplicates); (c)
// iteration order preserves load order (order is append-only until a
// Remove). Invariant (b), every Initialized Object's DT_NEEDED present
// in the map, and (d), global visibility, are properties of how
// internal/lifecycle drives this type rather than something LinkMap
// itself can check locally.
//
// One RWMutex protects the whole registry, including State/RefCount
// mutations on the Objects it holds — spec.md §5 calls for a single
// process-wide readers-writer lock over the Link Map "plus its
// ancillary indices," so Object fields that change after registration
// are only ever mutated through LinkMap's own methods.
type LinkMap struct {
	mu       sync.RWMutex
	byPath   map[string]*Object
	bySoname map[string]*Object
	order    []*Object

	// global holds every Object ever opened GLOBAL (or the main program
	// itself), in the order it joined global visibility — spec.md §3(d):
	// "a globally-scoped Object is visible to all subsequently resolved
	// relocations."
	global []*Object
}

// New returns an empty LinkMap.
func New() *LinkMap {
	return &LinkMap{
		byPath:   make(map[string]*Object),
		bySoname: make(map[string]*Object),
	}
}

// Register publishes obj into the map under the write lock — the
// Lifecycle Controller's "publish" step (spec.md §4.7). Callers
// publish only once an Object has reached at least StateMapped.
func (lm *LinkMap) Register(obj *Object) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, exists := lm.byPath[obj.Path]; exists {
		return linkerr.New(linkerr.KindMalformedDynamic, obj.Path, "", errAlreadyRegistered)
	}
	lm.byPath[obj.Path] = obj
	if obj.Soname != "" {
		lm.bySoname[obj.Soname] = obj
	}
	lm.order = append(lm.order, obj)
	return nil
}

// Remove deletes obj from the map (dlclose's final step). A no-op if
// obj was never registered.
func (lm *LinkMap) Remove(obj *Object) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.byPath, obj.Path)
	if obj.Soname != "" && lm.bySoname[obj.Soname] == obj {
		delete(lm.bySoname, obj.Soname)
	}
	for i, o := range lm.order {
		if o == obj {
			lm.order = append(lm.order[:i:i], lm.order[i+1:]...)
			break
		}
	}
}

// ByPath looks up an Object by its canonical path.
func (lm *LinkMap) ByPath(path string) (*Object, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	o, ok := lm.byPath[path]
	return o, ok
}

// BySoname looks up an Object by its DT_SONAME — the "already-loaded
// sonames are reused" path of spec.md §4.4's dependency BFS.
func (lm *LinkMap) BySoname(soname string) (*Object, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	o, ok := lm.bySoname[soname]
	return o, ok
}

// All returns a snapshot of every registered Object in load order,
// safe to range over without holding the map's lock — spec.md §6's
// "snapshot-consistent for the duration of the call" guarantee for
// iterate().
func (lm *LinkMap) All() []*Object {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]*Object, len(lm.order))
	copy(out, lm.order)
	return out
}

// Iterate calls fn for every registered Object in load order, stopping
// early if fn returns false. Grounds dl_iterate_phdr (spec.md §6).
func (lm *LinkMap) Iterate(fn func(*Object) bool) {
	for _, o := range lm.All() {
		if !fn(o) {
			return
		}
	}
}

// Bump increments obj's refcount under the write lock, the "reuse an
// already-loaded soname" path of a dlopen/dependency resolution.
func (lm *LinkMap) Bump(obj *Object) {
	lm.mu.Lock()
	obj.RefCount++
	lm.mu.Unlock()
}

// Release decrements obj's refcount and reports whether it reached
// zero, for the Lifecycle Controller's dlclose teardown decision.
// Decrementing below zero is a caller bug (more closes than opens);
// Release clamps at zero rather than going negative.
func (lm *LinkMap) Release(obj *Object) (zero bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if obj.RefCount > 0 {
		obj.RefCount--
	}
	return obj.RefCount == 0
}

// SetState transitions obj's lifecycle state under the write lock.
func (lm *LinkMap) SetState(obj *Object, s State) {
	lm.mu.Lock()
	obj.State = s
	lm.mu.Unlock()
}

// AddDep appends dep to obj's dependency list under the write lock —
// called once per BFS edge discovered while loading obj.
func (lm *LinkMap) AddDep(obj, dep *Object) {
	lm.mu.Lock()
	obj.Deps = append(obj.Deps, dep)
	lm.mu.Unlock()
}

// HasInitializedDependent reports whether any Initialized Object in
// the map still depends on obj, per spec.md §3's ownership rule: an
// Object's lifetime is the longest of (refcount > 0) and (another
// Initialized Object depends on it).
func (lm *LinkMap) HasInitializedDependent(obj *Object) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, o := range lm.order {
		if o == obj || o.State != StateInitialized {
			continue
		}
		for _, d := range o.Deps {
			if d == obj {
				return true
			}
		}
	}
	return false
}

// MarkGlobal adds obj to the process's global-objects list if it isn't
// already there. Idempotent: re-marking an already-global Object (e.g.
// a repeat GLOBAL dlopen of the same soname) is a no-op.
func (lm *LinkMap) MarkGlobal(obj *Object) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, o := range lm.global {
		if o == obj {
			return
		}
	}
	lm.global = append(lm.global, obj)
}

// GlobalObjects returns a snapshot of the process's global-objects list.
func (lm *LinkMap) GlobalObjects() []*Object {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]*Object, len(lm.global))
	copy(out, lm.global)
	return out
}

type linkmapErr string

func (e linkmapErr) Error() string { return string(e) }

const errAlreadyRegistered = linkmapErr("an Object with this canonical path is already registered")
