// Package lockfile decodes package-manager lockfiles (npm, pnpm, yarn) far
// enough to resolve a project's declared dependencies to the exact versions
// the lockfile pins, which is what the node toolchain folds into task hashes.
package lockfile

import (
	"reflect"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Lockfile is the resolution surface shared by all lockfile formats.
type Lockfile interface {
	// ResolvePackage resolves a (name, version-specifier) pair declared by the
	// workspace member at workspacePath to its pinned lockfile entry.
	ResolvePackage(workspacePath string, name string, version string) (Package, error)
	// AllDependencies returns the dependency map of the entry at key.
	AllDependencies(key string) (map[string]string, bool)
}

// IsNil checks if lockfile is nil behind its interface value.
func IsNil(l Lockfile) bool {
	return l == nil || reflect.ValueOf(l).IsNil()
}

// Package is one resolved lockfile entry.
type Package struct {
	// Key used to look the package up in the lockfile
	Key string `json:"key"`
	// Version as pinned by the lockfile
	Version string `json:"version"`
	// Found is true iff Key and Version are set
	Found bool `json:"-"`
}

// ByKey sorts package structures by key, then version.
type ByKey []Package

func (p ByKey) Len() int      { return len(p) }
func (p ByKey) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p ByKey) Less(i, j int) bool {
	return p[i].Key+p[i].Version < p[j].Key+p[j].Version
}

var _ sort.Interface = (*ByKey)(nil)

// TransitiveClosure resolves every lockfile entry reachable from the given
// direct dependency map, fanning the per-package resolution out on an
// errgroup.
func TransitiveClosure(workspacePath string, directDeps map[string]string, lf Lockfile) ([]Package, error) {
	if IsNil(lf) {
		return nil, nil
	}

	seen := struct {
		sync.Mutex
		pkgs map[Package]struct{}
	}{pkgs: map[Package]struct{}{}}

	var eg errgroup.Group
	var walk func(deps map[string]string)
	walk = func(deps map[string]string) {
		for name, version := range deps {
			name, version := name, version
			eg.Go(func() error {
				pkg, err := lf.ResolvePackage(workspacePath, name, version)
				if err != nil {
					return err
				}
				if !pkg.Found {
					return nil
				}
				seen.Lock()
				if _, dup := seen.pkgs[pkg]; dup {
					seen.Unlock()
					return nil
				}
				seen.pkgs[pkg] = struct{}{}
				seen.Unlock()
				if next, ok := lf.AllDependencies(pkg.Key); ok && len(next) > 0 {
					walk(next)
				}
				return nil
			})
		}
	}
	walk(directDeps)

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]Package, 0, len(seen.pkgs))
	for pkg := range seen.pkgs {
		out = append(out, pkg)
	}
	sort.Sort(ByKey(out))
	return out, nil
}
