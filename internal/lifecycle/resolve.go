package lifecycle

import (
	"os"
	"path/filepath"
)

// PathResolver turns a DT_NEEDED name (or a preload/open argument) into
// a canonical filesystem path, per spec.md §4.4: "resolved through the
// dynamic-loader cache (external collaborator) and runpath/rpath search
// per the canonical ELF rules." The loader cache itself is out of scope
// (spec.md §1); this interface is the seam an embedder plugs a real
// cache lookup into. defaultResolver below implements the ELF
// runpath/rpath/search-path fallback chain without a cache, sufficient
// for tests and for embedders that don't maintain one.
type PathResolver interface {
	Resolve(name string, runpath, rpath, searchPaths []string) (string, error)
}

// defaultResolver searches, in the canonical ELF order: the requesting
// object's DT_RPATH (deprecated but still honored), then DT_RUNPATH,
// then the caller-supplied search paths (analogous to
// /etc/ld.so.conf-derived paths). A name that is already an absolute
// or relative path (contains a slash) is used as-is, matching
// dlopen's own "if it contains a slash, don't search" rule.
type defaultResolver struct{}

// NewDefaultResolver returns the built-in runpath/rpath/search-path
// resolver used when an embedder supplies none of its own.
func NewDefaultResolver() PathResolver { return defaultResolver{} }

func (defaultResolver) Resolve(name string, runpath, rpath, searchPaths []string) (string, error) {
	if containsSlash(name) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(abs); err != nil {
			return "", errNotFound(name)
		}
		return abs, nil
	}

	// DT_RPATH is consulted before DT_RUNPATH per the (legacy) ELF
	// resolution order; most modern binaries set only DT_RUNPATH.
	for _, dir := range rpath {
		if p, ok := tryDir(dir, name); ok {
			return p, nil
		}
	}
	for _, dir := range runpath {
		if p, ok := tryDir(dir, name); ok {
			return p, nil
		}
	}
	for _, dir := range searchPaths {
		if p, ok := tryDir(dir, name); ok {
			return p, nil
		}
	}
	return "", errNotFound(name)
}

func tryDir(dir, name string) (string, bool) {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	return abs, true
}

func containsSlash(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return true
		}
	}
	return false
}

type resolveErr string

func (e resolveErr) Error() string { return string(e) }

func errNotFound(name string) error {
	return resolveErr("cannot locate shared object: " + name)
}
