package linkmap

// Scope is an ordered search list of Objects (spec.md §3), built by
// internal/lifecycle per the main-program/local-dlopen/global-dlopen
// rules and handed to internal/reloc.Engine as its Resolver.
type Scope struct {
	order []*Object
}

// NewScope wraps an already-ordered Object list as a Scope. Callers
// build the order themselves (see BFSDeps below) since the right shape
// depends on whether this is a main-program scope, a LOCAL dlopen
// scope, or a GLOBAL one — linkmap only owns the mechanics of walking
// it and performing the per-Object lookup.
func NewScope(order ...*Object) *Scope {
	out := make([]*Object, 0, len(order))
	seen := make(map[*Object]bool, len(order))
	for _, o := range order {
		if o == nil || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return &Scope{order: out}
}

// Objects returns a copy of the scope's search order, for diagnostics.
func (s *Scope) Objects() []*Object {
	out := make([]*Object, len(s.order))
	copy(out, s.order)
	return out
}

// ResolveGlobal implements internal/reloc.Resolver: walk the scope in
// order, returning the first Object whose symbol table accepts (name,
// version) per spec.md §4.3 — spec.md §4.4's "returns the first
// accepted match" rule. The returned definer is the *Object that
// defined the symbol, handed back opaquely for TLS module lookups.
func (s *Scope) ResolveGlobal(name, version string) (addr uint64, definer any, found bool) {
	for _, o := range s.order {
		if o.Table == nil {
			continue
		}
		sym, ok := o.Table.Lookup(name, version)
		if !ok {
			continue
		}
		return sym.Value + uint64(o.Base()), o, true
	}
	return 0, nil, false
}

// BFSDeps returns every Object transitively reachable from root's Deps
// edges, in breadth-first order, deduplicated by identity and excluding
// root itself. This is spec.md §3's "its dependencies in BFS order"
// clause, used for scope construction and by internal/lifecycle to mark
// a GLOBAL open's dependencies global. Initializer ordering does not
// use it: internal/lifecycle computes that with its own depth-first
// topological walk.
func BFSDeps(root *Object) []*Object {
	visited := map[*Object]bool{root: true}
	queue := append([]*Object(nil), root.Deps...)
	for _, d := range queue {
		visited[d] = true
	}
	var out []*Object
	for i := 0; i < len(queue); i++ {
		o := queue[i]
		out = append(out, o)
		for _, d := range o.Deps {
			if !visited[d] {
				visited[d] = true
				queue = append(queue, d)
			}
		}
	}
	return out
}

// MainScope builds the main program's scope per spec.md §3: [main,
// global-objects, main's deps in BFS order].
func MainScope(main *Object, global []*Object) *Scope {
	order := append([]*Object{main}, global...)
	order = append(order, BFSDeps(main)...)
	return NewScope(order...)
}

// LocalScope builds a LOCAL dlopen's scope: [self, self's deps BFS,
// global-objects].
func LocalScope(self *Object, global []*Object) *Scope {
	order := append([]*Object{self}, BFSDeps(self)...)
	order = append(order, global...)
	return NewScope(order...)
}
