// Package lifecycle implements spec.md §4.6 (TLS/Link-Map wiring during
// a load) and §4.7 (the Lifecycle Controller): it is the orchestrator
// that drives an Open/Close request through every other subsystem —
// elfimage parses, mapper maps, symtab builds lookup tables, reloc
// applies relocations against a linkmap.Scope, tls assigns module ids —
// in the right order, with rollback on failure and reference-counted
// teardown on Close.
//
// Grounded on zboralski/galago's android/dl.go reference-counted handle
// table (dlopen/dlclose bumping/decrementing one map), generalized to
// real dependency graphs, topological init/fini ordering, and
// rollback, per spec.md §4.7's explicit algorithm.
package lifecycle

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/galago/dynload/internal/config"
	"github.com/galago/dynload/internal/dllog"
	"github.com/galago/dynload/internal/elfimage"
	"github.com/galago/dynload/internal/linkerr"
	"github.com/galago/dynload/internal/linkmap"
	"github.com/galago/dynload/internal/mapper"
	"github.com/galago/dynload/internal/rdebug"
	"github.com/galago/dynload/internal/reloc"
	"github.com/galago/dynload/internal/symtab"
	"github.com/galago/dynload/internal/tls"
)

// node tracks one Object discovered during a single Open's dependency
// BFS, alongside the bits only needed transiently while building it.
type node struct {
	obj         *linkmap.Object
	img         *elfimage.Image
	neededPaths []string
	isNew       bool // false if this path was already registered before this call
}

// pendingLoad lets concurrent Opens racing on the same not-yet-mapped
// path converge on one winner instead of double-mapping the file
// (spec.md §5: dlopen calls may run concurrently).
type pendingLoad struct {
	done chan struct{}
	obj  *linkmap.Object
	err  error
}

// Loader is the process-wide (or per-embedder, in the freestanding
// case) lifecycle controller: one exists per linkmap.LinkMap/
// tls.Manager pair.
type Loader struct {
	lm       *linkmap.LinkMap
	tlsMgr   *tls.Manager
	mapr     *mapper.Mapper
	cfg      *config.Config
	log      *dllog.Logger
	dbg      *rdebug.RDebug
	resolver PathResolver
	caller   NativeCaller

	pendingMu sync.Mutex
	pending   map[string]*pendingLoad

	mainObj *linkmap.Object
}

// Option configures a new Loader.
type Option func(*Loader)

// WithResolver overrides the default runpath/rpath/search-path
// resolver, e.g. with one backed by a real loader cache.
func WithResolver(r PathResolver) Option { return func(l *Loader) { l.resolver = r } }

// WithNotifier wires a debugger-glue rdebug.Notifier (spec.md §6).
func WithNotifier(n rdebug.Notifier) Option {
	return func(l *Loader) { l.dbg = rdebug.New(n) }
}

// WithLogger overrides the default (nop) logger.
func WithLogger(log *dllog.Logger) Option { return func(l *Loader) { l.log = log } }

// WithCaller overrides the default LoggingCaller with one that actually
// transfers control to native code (a cgo bridge, or a per-architecture
// assembly trampoline).
func WithCaller(c NativeCaller) Option { return func(l *Loader) { l.caller = c } }

// New returns a ready-to-use Loader. cfg may be nil (equivalent to
// config.Default()).
func New(cfg *config.Config, opts ...Option) *Loader {
	if cfg == nil {
		cfg = config.Default()
	}
	l := &Loader{
		lm:       linkmap.New(),
		tlsMgr:   tls.New(),
		mapr:     mapper.New(),
		cfg:      cfg,
		log:      dllog.NewNop(),
		dbg:      rdebug.New(nil),
		resolver: NewDefaultResolver(),
		caller:   NewLoggingCaller(dllog.NewNop()),
		pending:  make(map[string]*pendingLoad),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LinkMap exposes the underlying registry for read-only consumers
// (dladdr, dl_iterate_phdr).
func (l *Loader) LinkMap() *linkmap.LinkMap { return l.lm }

// TLSManager exposes the TLS manager for __tls_get_addr callers.
func (l *Loader) TLSManager() *tls.Manager { return l.tlsMgr }

// MainObject returns the registered main program Object, or nil if
// LoadMain was never called (a pure-library embedding).
func (l *Loader) MainObject() *linkmap.Object { return l.mainObj }

// LoadMain registers the main program (typically the embedding
// process's own executable) and its LD_PRELOAD list (spec.md §6
// Environment: "loaded before the main program's explicit DT_NEEDEDs
// and their exported globals are placed earliest in the global
// scope"). Both the main program and every preload get static TLS
// treatment, per spec.md §4.4: "the process has one static TLS arena
// sized at startup based on modules present at program load."
func (l *Loader) LoadMain(path string, preloads []string) (*linkmap.Object, error) {
	all := append(append([]string(nil), preloads...), path)
	var mainObj *linkmap.Object
	for _, p := range all {
		obj, err := l.openStatic(p, linkmap.FlagNow|linkmap.FlagGlobal)
		if err != nil {
			return nil, err
		}
		if p == path {
			mainObj = obj
		}
	}
	l.mainObj = mainObj
	return mainObj, nil
}

func (l *Loader) openStatic(path string, flags linkmap.Flags) (*linkmap.Object, error) {
	return l.open(path, flags, true)
}

// Open implements dlopen (spec.md §6). flags is the caller's
// LAZY/NOW|LOCAL/GLOBAL|NODELETE|NOLOAD combination.
func (l *Loader) Open(path string, flags linkmap.Flags) (*linkmap.Object, error) {
	return l.open(path, flags, false)
}

func (l *Loader) open(rawPath string, flags linkmap.Flags, static bool) (*linkmap.Object, error) {
	corrID := uuid.NewString()
	path, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, rawPath, "canonicalize path: %w", err)
	}
	l.log.LoadStart(corrID, path, uint32(flags))

	if existing, ok := l.lm.ByPath(path); ok {
		l.lm.Bump(existing)
		l.log.LoadDone(corrID, path, nil)
		return existing, nil
	}
	if flags.NoLoad() {
		err := linkerr.New(linkerr.KindDependencyNotFound, path, "", fmt.Errorf("NOLOAD: not already loaded"))
		l.log.LoadDone(corrID, path, err)
		return nil, err
	}

	nodes, order, err := l.loadGraph(path, flags, static)
	if err != nil {
		l.rollback(nodes, order)
		l.log.LoadDone(corrID, path, err)
		return nil, err
	}

	newObjs := make([]*linkmap.Object, 0, len(order))
	for _, p := range order {
		if n := nodes[p]; n.isNew {
			newObjs = append(newObjs, n.obj)
		}
	}

	if err := l.relocateAll(newObjs); err != nil {
		l.rollback(nodes, order)
		l.log.LoadDone(corrID, path, err)
		return nil, err
	}

	// Publication: register every newly-created Object and move it to
	// Relocated, under the link map's write lock (spec.md §3's
	// "atomically ... for the purposes of publication").
	for _, obj := range newObjs {
		if err := l.lm.Register(obj); err != nil {
			l.rollback(nodes, order)
			l.log.LoadDone(corrID, path, err)
			return nil, err
		}
		l.lm.SetState(obj, linkmap.StateRelocated)
		l.dbg.Add(obj.Path)
	}

	// Initializers run dependencies-first (post-order) across the whole
	// newly-loaded subgraph, per spec.md §4.7.
	topo := topoOrder(newObjs)
	if err := l.runInit(topo); err != nil {
		// Per spec.md §4.7, a failure here is a user-code failure: "not
		// catchable by the loader; process state is undefined past such
		// a failure." Every Object of this load stays registered in the
		// Relocated state; this Open still reports the error.
		l.log.LoadDone(corrID, path, err)
		return nil, err
	}
	for _, obj := range topo {
		l.lm.SetState(obj, linkmap.StateInitialized)
	}

	root := nodes[path].obj
	if flags.Local() == false {
		l.lm.MarkGlobal(root)
		for _, d := range linkmap.BFSDeps(root) {
			l.lm.MarkGlobal(d)
		}
	}

	l.log.LoadDone(corrID, path, nil)
	return root, nil
}

// loadGraph performs the BFS dependency load (spec.md §4.4): for each
// not-yet-loaded path it parses, maps, and builds a symbol table, then
// queues its DT_NEEDED names. Already-loaded sonames are reused
// (refcount bumped) rather than reloaded. Returns every node touched
// (new or reused) plus the discovery order of the newly created ones,
// so the caller can roll back precisely on failure.
func (l *Loader) loadGraph(rootPath string, rootFlags linkmap.Flags, static bool) (map[string]*node, []string, error) {
	nodes := make(map[string]*node)
	var order []string
	queue := []string{rootPath}
	queued := map[string]bool{rootPath: true}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		if _, ok := nodes[path]; ok {
			continue
		}

		if existing, ok := l.lm.ByPath(path); ok {
			if path != rootPath {
				l.lm.Bump(existing)
			}
			nodes[path] = &node{obj: existing}
			continue
		}

		winner, pl := l.claim(path)
		if !winner {
			<-pl.done
			if pl.err != nil {
				return nodes, order, pl.err
			}
			nodes[path] = &node{obj: pl.obj}
			continue
		}

		n, err := l.buildNode(path, rootFlags, path == rootPath)
		l.finishClaim(path, pl, n, err)
		if err != nil {
			return nodes, order, err
		}

		nodes[path] = n
		order = append(order, path)

		for _, need := range n.neededPaths {
			if !queued[need] {
				queued[need] = true
				queue = append(queue, need)
			}
		}
	}

	// Wire Deps edges now that every node in the graph exists.
	for _, path := range order {
		n := nodes[path]
		for _, depPath := range neededPathsOf(n) {
			if dn, ok := nodes[depPath]; ok {
				l.lm.AddDep(n.obj, dn.obj)
			}
		}
		if static {
			registerTLS(l.tlsMgr, n.obj, n.img, true)
		} else {
			registerTLS(l.tlsMgr, n.obj, n.img, false)
		}
	}

	return nodes, order, nil
}

func neededPathsOf(n *node) []string { return n.neededPaths }

// claim registers path as in-flight, or waits for (and returns) the
// result of a load already in flight from another goroutine.
func (l *Loader) claim(path string) (winner bool, pl *pendingLoad) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if existing, ok := l.pending[path]; ok {
		return false, existing
	}
	pl = &pendingLoad{done: make(chan struct{})}
	l.pending[path] = pl
	return true, pl
}

func (l *Loader) finishClaim(path string, pl *pendingLoad, n *node, err error) {
	if n != nil {
		pl.obj = n.obj
	}
	pl.err = err
	close(pl.done)
	l.pendingMu.Lock()
	delete(l.pending, path)
	l.pendingMu.Unlock()
}

// buildNode parses and maps one new Object, resolving its DT_NEEDED
// names to paths but not yet wiring Deps edges (the caller does that
// once the whole graph's nodes exist).
func (l *Loader) buildNode(path string, flags linkmap.Flags, isRoot bool) (*node, error) {
	img, err := elfimage.Open(path)
	if err != nil {
		return nil, err
	}

	effFlags := flags
	if !isRoot {
		// Dependencies inherit NOW/LOCAL-vs-GLOBAL scoping rules from the
		// root request only through the scope construction, not the
		// open-flags themselves; spec.md doesn't ask deps to carry the
		// root's NODELETE/NOLOAD bits, so clear those here.
		effFlags &^= linkmap.FlagNoDelete | linkmap.FlagNoLoad
	}

	obj := &linkmap.Object{
		Path:    path,
		Soname:  img.Dynamic.Soname,
		Needed:  img.Dynamic.Needed,
		Runpath: img.Dynamic.Runpath,
		Rpath:   img.Dynamic.Rpath,
		Flags:   effFlags,
		RefCount: 1,
		State:    linkmap.StateParsing,
		Image:    img,
	}

	mapping, err := l.mapr.Map(img)
	if err != nil {
		img.Close()
		return nil, err
	}
	obj.Mapping = mapping

	table, err := symtab.Build(img)
	if err != nil {
		return nil, err
	}
	obj.Table = table
	obj.State = linkmap.StateMapped

	n := &node{obj: obj, img: img, isNew: true}
	for _, need := range img.Dynamic.Needed {
		if existing, ok := l.lm.BySoname(need); ok {
			n.neededPaths = append(n.neededPaths, existing.Path)
			continue
		}
		depPath, err := l.resolver.Resolve(need, img.Dynamic.Runpath, img.Dynamic.Rpath, l.cfg.SearchPaths)
		if err != nil {
			return nil, linkerr.New(linkerr.KindDependencyNotFound, path, "", fmt.Errorf("%s: %w", need, err))
		}
		n.neededPaths = append(n.neededPaths, depPath)
	}
	return n, nil
}

// registerTLS assigns obj a TLS module id if its image carries a
// PT_TLS segment (spec.md §4.6). static objects (the main program and
// its preloads) get a fixed static-arena offset; everything dlopen'd
// afterward uses the dynamic (module-id/offset) scheme.
func registerTLS(mgr *tls.Manager, obj *linkmap.Object, img *elfimage.Image, static bool) {
	for _, p := range img.ProgsOfType(elf.PT_TLS) {
		var template []byte
		if p.Filesz > 0 {
			template = make([]byte, p.Filesz)
			if n, err := img.ReadAt(template, int64(p.Off)); err != nil || uint64(n) != p.Filesz {
				template = nil
			}
		}
		id, err := mgr.Register(obj, p.Memsz, p.Align, template, static)
		if err == nil {
			obj.TLSModuleID = id
		}
		return
	}
}

// topoOrder returns newObjs in dependency-then-dependent order
// (spec.md §4.5: "topological order by dependency (deps before
// dependents) is required"), restricted to newObjs itself — Objects
// reused from a prior load are already Relocated and are not
// revisited.
func topoOrder(newObjs []*linkmap.Object) []*linkmap.Object {
	inSet := make(map[*linkmap.Object]bool, len(newObjs))
	for _, o := range newObjs {
		inSet[o] = true
	}
	visited := make(map[*linkmap.Object]bool, len(newObjs))
	var order []*linkmap.Object
	var visit func(*linkmap.Object)
	visit = func(o *linkmap.Object) {
		if visited[o] || !inSet[o] {
			return
		}
		visited[o] = true
		for _, d := range o.Deps {
			visit(d)
		}
		order = append(order, o)
	}
	for _, o := range newObjs {
		visit(o)
	}
	return order
}

// relocateAll applies every new Object's relocations in topological
// order, consulting a freshly-built scope for each one.
func (l *Loader) relocateAll(newObjs []*linkmap.Object) error {
	global := l.lm.GlobalObjects()
	for _, obj := range topoOrder(newObjs) {
		scope := linkmap.LocalScope(obj, global)
		entries, err := relocEntries(obj.Image)
		if err != nil {
			return err
		}
		eng, err := reloc.New(obj.Path, obj.Image.Machine, obj.Table)
		if err != nil {
			return err
		}
		if err := eng.Apply(entries, obj.Mapping, uint64(obj.Mapping.Base), scope, l.tlsMgr, obj, obj.Flags.Lazy()); err != nil {
			return err
		}
		l.log.Reloc(obj.Path, 0, 0, uint64(obj.Mapping.Base))
		if err := l.patchIRelative(eng, obj, entries); err != nil {
			return err
		}
		if err := obj.Mapping.Protect(); err != nil {
			return err
		}
		if err := obj.Mapping.FreezeRelro(); err != nil {
			return err
		}
	}
	return nil
}

// patchIRelative runs every IRELATIVE resolver function this Object's
// relocations staged (reloc.Engine.Apply writes the unresolved
// bias+addend target rather than calling it — see its CatIRelative
// comment) and overwrites the slot with the address the resolver
// actually picked, per spec.md §4.5: "call the indirect resolver
// function at B + A and store its return value."
func (l *Loader) patchIRelative(eng *reloc.Engine, obj *linkmap.Object, entries []reloc.Entry) error {
	for _, ent := range entries {
		cat, ok := eng.CategoryOf(ent.Type)
		if !ok || cat != reloc.CatIRelative {
			continue
		}
		staged, err := obj.Mapping.ReadU64(ent.Offset)
		if err != nil {
			return err
		}
		resolved, err := l.caller.CallIFunc(uintptr(staged))
		if err != nil {
			return linkerr.Wrapf(linkerr.KindRelocationUnsupported, obj.Path, "IRELATIVE resolver at 0x%x: %w", ent.Offset, err)
		}
		if err := obj.Mapping.WriteU64(ent.Offset, uint64(resolved)); err != nil {
			return err
		}
	}
	return nil
}

// relocEntries reads and concatenates an Object's DT_RELA/DT_REL and
// DT_JMPREL tables (section order, per spec.md §4.5: "within an
// Object, relocations are applied in section order").
func relocEntries(img *elfimage.Image) ([]reloc.Entry, error) {
	var out []reloc.Entry
	d := img.Dynamic

	if d.RelaSize > 0 {
		raw, err := img.BytesAtAddr(d.RelaAddr, d.RelaSize)
		if err != nil {
			return nil, err
		}
		entries, err := reloc.ParseRela(raw)
		if err != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "DT_RELA: %w", err)
		}
		out = append(out, entries...)
	}
	if d.RelSize > 0 {
		raw, err := img.BytesAtAddr(d.RelAddr, d.RelSize)
		if err != nil {
			return nil, err
		}
		entries, err := reloc.ParseRel(raw)
		if err != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "DT_REL: %w", err)
		}
		out = append(out, entries...)
	}
	if d.JmpRelSize > 0 {
		raw, err := img.BytesAtAddr(d.JmpRelAddr, d.JmpRelSize)
		if err != nil {
			return nil, err
		}
		var entries []reloc.Entry
		var perr error
		if d.PltRel == elf.DT_RELA {
			entries, perr = reloc.ParseRela(raw)
		} else {
			entries, perr = reloc.ParseRel(raw)
		}
		if perr != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "DT_JMPREL: %w", perr)
		}
		for i := range entries {
			entries[i].Plt = true
		}
		out = append(out, entries...)
	}
	return out, nil
}

// runInit runs each Object's DT_INIT then DT_INIT_ARRAY, in the order
// given (already dependencies-first).
func (l *Loader) runInit(topo []*linkmap.Object) error {
	for _, obj := range topo {
		if err := l.callInit(obj); err != nil {
			return linkerr.New(linkerr.KindMalformedDynamic, obj.Path, "", fmt.Errorf("initializer: %w", err))
		}
	}
	return nil
}

// callInit invokes DT_INIT followed by every DT_INIT_ARRAY entry, in
// array order (spec.md §4.7). Array entries are read back from the
// Object's own mapped memory rather than the on-disk image, since a
// PIC object's init_array slots normally carry R_*_RELATIVE
// relocations that internal/reloc has already resolved to final
// runtime addresses by this point.
func (l *Loader) callInit(obj *linkmap.Object) error {
	d := obj.Image.Dynamic
	if d.InitAddr != 0 {
		if err := l.caller.Call0(obj.Mapping.Addr(d.InitAddr)); err != nil {
			return fmt.Errorf("DT_INIT: %w", err)
		}
	}
	for i := uint64(0); i+8 <= d.InitArraySize; i += 8 {
		val, err := obj.Mapping.ReadU64(d.InitArrayAddr + i)
		if err != nil {
			return fmt.Errorf("DT_INIT_ARRAY[%d]: %w", i/8, err)
		}
		if val == 0 {
			continue
		}
		if err := l.caller.Call0(l.resolveFuncPtr(obj, val)); err != nil {
			return fmt.Errorf("DT_INIT_ARRAY[%d]: %w", i/8, err)
		}
	}
	return nil
}

// callFini invokes DT_FINI_ARRAY in reverse order followed by DT_FINI
// (spec.md §4.7, and the invariant in §8 that "finalizer execution
// order is the exact reverse of initializer execution order"). Errors
// from finalizer code are logged, not propagated — spec.md §7:
// "errors from user-supplied init code are not catchable by the
// loader."
func (l *Loader) callFini(obj *linkmap.Object) {
	d := obj.Image.Dynamic
	for i := d.FiniArraySize; i >= 8; i -= 8 {
		off := i - 8
		val, err := obj.Mapping.ReadU64(d.FiniArrayAddr + off)
		if err != nil || val == 0 {
			continue
		}
		if err := l.caller.Call0(l.resolveFuncPtr(obj, val)); err != nil {
			l.log.Rollback(obj.Path, "fini_array entry failed")
		}
	}
	if d.FiniAddr != 0 {
		if err := l.caller.Call0(obj.Mapping.Addr(d.FiniAddr)); err != nil {
			l.log.Rollback(obj.Path, "DT_FINI failed")
		}
	}
}

// resolveFuncPtr interprets a raw 64-bit value read from an init/fini
// array slot. Toolchains that emit R_*_RELATIVE relocations over the
// array leave it holding a final runtime address already (bias +
// addend, per internal/reloc's CatRelative handler) — recognizable
// because it falls at or above this Object's load bias. Anything
// smaller is an unrelocated link-time vaddr that still needs the bias
// added by hand.
func (l *Loader) resolveFuncPtr(obj *linkmap.Object, val uint64) uintptr {
	if uintptr(val) >= obj.Mapping.Base {
		return uintptr(val)
	}
	return obj.Mapping.Addr(val)
}

// Close implements dlclose (spec.md §4.7). Decrements refcount; if it
// reaches zero, no Initialized Object still depends on obj, and
// NODELETE is not set, finalizes obj (reverse-order fini, recursive
// close of its own direct deps) and removes it from the Link Map.
func (l *Loader) Close(obj *linkmap.Object) error {
	if obj.State == linkmap.StateUnloaded {
		return linkerr.New(linkerr.KindAlreadyClosed, obj.Path, "", nil)
	}
	zero := l.lm.Release(obj)
	if !zero || obj.Flags.NoDelete() || l.lm.HasInitializedDependent(obj) {
		return nil
	}
	return l.finalize(obj)
}

func (l *Loader) finalize(obj *linkmap.Object) error {
	l.lm.SetState(obj, linkmap.StateFinalizing)
	l.dbg.Delete(obj.Path)

	l.callFini(obj)

	deps := append([]*linkmap.Object(nil), obj.Deps...)
	l.lm.Remove(obj)
	if obj.HasTLS() {
		l.tlsMgr.Unregister(obj)
	}
	if obj.Mapping != nil {
		_ = obj.Mapping.Unmap()
	}
	if obj.Image != nil {
		_ = obj.Image.Close()
	}
	l.lm.SetState(obj, linkmap.StateUnloaded)
	l.log.Unload(obj.Path)

	for _, d := range deps {
		if err := l.Close(d); err != nil {
			return err
		}
	}
	return nil
}

// rollback reverses a failed load's partial state (spec.md §4.7): no
// initializers have run (runInit only happens after rollback's call
// sites have already returned), so this only has to undo BFS-created
// Objects — unregister TLS ids, release bumped refcounts, and unmap
// newly-mapped segments in reverse discovery order. Already-loaded
// dependencies that were bumped but reach zero are themselves torn
// down via the normal Close path.
func (l *Loader) rollback(nodes map[string]*node, order []string) {
	for i := len(order) - 1; i >= 0; i-- {
		n, ok := nodes[order[i]]
		if !ok {
			continue
		}
		if !n.isNew {
			continue
		}
		l.log.Rollback(n.obj.Path, "unmap")
		if n.obj.HasTLS() {
			l.tlsMgr.Unregister(n.obj)
		}
		if n.obj.Mapping != nil {
			_ = n.obj.Mapping.Unmap()
		}
		if n.obj.Image != nil {
			_ = n.obj.Image.Close()
		}
	}
	// Reused Objects (bumped refcount during this call's BFS) give back
	// their bump; any that hit zero as a result are closed normally.
	for _, path := range order {
		n, ok := nodes[path]
		if !ok || n.isNew {
			continue
		}
		_ = l.Close(n.obj)
	}
}
