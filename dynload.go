// Package dynload implements a user-space ELF dynamic linker core: a
// dlopen/dlsym/dladdr/dl_iterate_phdr-compatible surface backed by a
// real ELF parser, segment mapper, relocation engine, TLS manager, and
// process-wide Link Map.
//
// Grounded on zboralski/galago's internal/stubs/android/dl.go, whose
// stubDlopen/stubDlsym/stubDlclose/stubDlerror/stubDladdr/
// stubDlIteratePhdr fake this exact surface over a handle table and a
// fake symbol address; this package replaces the fakes with the real
// Link Map, resolver, and mapped memory internal/lifecycle builds.
package dynload

import (
	"github.com/galago/dynload/internal/config"
	"github.com/galago/dynload/internal/dllog"
	"github.com/galago/dynload/internal/lifecycle"
	"github.com/galago/dynload/internal/linkmap"
	"github.com/galago/dynload/internal/rdebug"
)

// Flags mirrors dlopen's mode bitmask: exactly one of Lazy/Now should
// be set, plus any of Local/Global/NoDelete/NoLoad.
type Flags = linkmap.Flags

const (
	// Lazy defers PLT relocations until first call (the default if Now
	// is not set).
	Lazy Flags = 0
	// Now resolves every relocation eagerly during Open.
	Now = linkmap.FlagNow
	// Global exposes the opened object's symbols to later relocations
	// process-wide (the default is Local).
	Global = linkmap.FlagGlobal
	// NoDelete keeps an object mapped for the life of the process even
	// after its last Close.
	NoDelete = linkmap.FlagNoDelete
	// NoLoad fails Open unless the path is already loaded, bumping its
	// refcount instead of mapping anything new.
	NoLoad = linkmap.FlagNoLoad
)

// Handle identifies one loaded object, returned by Open and consumed by
// Get/Close. The zero Handle is never valid.
type Handle struct {
	obj *linkmap.Object
}

// Loader is the process-wide (or per-embedder) linker instance. The
// zero value is not usable; construct one with New.
type Loader struct {
	lc *lifecycle.Loader
}

// Option configures a new Loader.
type Option = lifecycle.Option

// WithResolver overrides the default runpath/rpath/search-path DT_NEEDED
// resolver, e.g. with one backed by a real loader cache.
func WithResolver(r lifecycle.PathResolver) Option { return lifecycle.WithResolver(r) }

// WithLogger overrides the default (no-op) structured logger.
func WithLogger(log *dllog.Logger) Option { return lifecycle.WithLogger(log) }

// WithNotifier wires a debugger-glue rdebug.Notifier (spec.md §6's
// Debugger protocol) around every Link Map mutation.
func WithNotifier(n rdebug.Notifier) Option { return lifecycle.WithNotifier(n) }

// WithCaller overrides the default LoggingCaller, which only records
// the init/fini/ifunc-resolver addresses it would call, with one that
// actually transfers control to native code.
func WithCaller(c lifecycle.NativeCaller) Option { return lifecycle.WithCaller(c) }

// New returns a ready-to-use Loader. cfg may be nil for config.Default().
func New(cfg *config.Config, opts ...Option) *Loader {
	return &Loader{lc: lifecycle.New(cfg, opts...)}
}

// LoadMain registers the embedding process's own executable (and its
// LD_PRELOAD list, in load order) as the root of the Link Map, per
// spec.md §6's Environment rules. Call this once at process start
// before any Open.
func (l *Loader) LoadMain(path string, preloads []string) (Handle, error) {
	obj, err := l.lc.LoadMain(path, preloads)
	if err != nil {
		return Handle{}, err
	}
	return Handle{obj: obj}, nil
}

// Open implements dlopen: maps path and its transitive DT_NEEDED graph,
// relocates, and runs initializers, returning a Handle identifying it.
// Opening an already-loaded path bumps its refcount and returns the
// existing Handle instead of reloading.
func (l *Loader) Open(path string, flags Flags) (Handle, error) {
	obj, err := l.lc.Open(path, flags)
	if err != nil {
		return Handle{}, err
	}
	return Handle{obj: obj}, nil
}

// Close implements dlclose: decrements h's refcount, finalizing and
// unmapping it (and any dependency that reaches zero as a result) once
// no reference and no Initialized dependent remain, unless NoDelete
// was set at Open time.
func (l *Loader) Close(h Handle) error {
	if h.obj == nil {
		return &LinkError{Kind: KindAlreadyClosed}
	}
	return l.lc.Close(h.obj)
}

// Get implements dlsym: looks up name as an unversioned request across
// h's scope — h itself first, then its transitive dependencies, then
// the process's global objects — and returns its resolved runtime
// address. A specific symbol version cannot be requested.
func (l *Loader) Get(h Handle, name string) (uintptr, error) {
	if h.obj == nil || h.obj.Table == nil {
		return 0, &LinkError{Kind: KindSymbolNotFound, Symbol: name}
	}
	scope := linkmap.LocalScope(h.obj, l.lc.LinkMap().GlobalObjects())
	addr, _, found := scope.ResolveGlobal(name, "")
	if !found {
		return 0, &LinkError{Kind: KindSymbolNotFound, Symbol: name, Path: h.obj.Path}
	}
	return uintptr(addr), nil
}

// SymbolInfo describes the object and symbol an address falls within,
// the result of Addr (dladdr).
type SymbolInfo struct {
	ObjectPath string
	ObjectBase uintptr
	Symbol     string
	SymbolAddr uintptr
}

// Addr implements dladdr: finds which loaded Object's mapped span
// contains addr, and, if addr falls within a defined symbol's range,
// which symbol. Returns false if addr is not inside any loaded Object.
func (l *Loader) Addr(addr uintptr) (SymbolInfo, bool) {
	var info SymbolInfo
	found := false
	l.lc.LinkMap().Iterate(func(o *linkmap.Object) bool {
		if o.Mapping == nil {
			return true
		}
		lo := o.Mapping.Base
		hi := lo + uintptr(o.Mapping.Size)
		if addr < lo || addr >= hi {
			return true
		}
		info = SymbolInfo{ObjectPath: o.Path, ObjectBase: o.Mapping.Base}
		found = true
		if o.Table == nil {
			return false
		}
		vaddr := uint64(addr - o.Mapping.Base)
		for _, sym := range o.Table.Symbols() {
			if sym.Value == 0 || sym.Size == 0 {
				continue
			}
			if vaddr >= sym.Value && vaddr < sym.Value+sym.Size {
				info.Symbol = sym.Name
				info.SymbolAddr = o.Mapping.Base + uintptr(sym.Value)
				break
			}
		}
		return false
	})
	return info, found
}

// ObjectInfo is a read-only snapshot of one loaded Object, the
// per-entry payload Iterate hands to its callback.
type ObjectInfo struct {
	Path     string
	Soname   string
	Base     uintptr
	RefCount int
	State    string
}

// Iterate implements dl_iterate_phdr: calls fn once per loaded Object,
// in load order, over a snapshot that will not change mid-call even if
// another goroutine opens or closes objects concurrently. Stops early
// if fn returns false.
func (l *Loader) Iterate(fn func(ObjectInfo) bool) {
	l.lc.LinkMap().Iterate(func(o *linkmap.Object) bool {
		return fn(ObjectInfo{
			Path:     o.Path,
			Soname:   o.Soname,
			Base:     o.Base(),
			RefCount: o.RefCount,
			State:    o.State.String(),
		})
	})
}
