package lockfile

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NpmLockfile representation of package-lock.json
type NpmLockfile struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	LockfileVersion int    `json:"lockfileVersion,omitempty"`
	// Keys are paths to package.json, can be nested in node_modules
	Packages map[string]NpmPackage `json:"packages,omitempty"`
}

// NpmPackage representation of dependencies used in LockfileVersion 2+
type NpmPackage struct {
	// Only used for root level package
	Name string `json:"name,omitempty"`

	Version   string `json:"version,omitempty"`
	Resolved  string `json:"resolved,omitempty"`
	Integrity string `json:"integrity,omitempty"`
	Link      bool   `json:"link,omitempty"`

	Dev      bool `json:"dev,omitempty"`
	Optional bool `json:"optional,omitempty"`

	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
}

var _ Lockfile = (*NpmLockfile)(nil)

// ResolvePackage resolves a dependency declared by the workspace member at
// workspacePath via npm's node_modules nesting rules: the workspace's own
// nested copy wins over the hoisted top-level copy.
func (l *NpmLockfile) ResolvePackage(workspacePath string, name string, version string) (Package, error) {
	if _, ok := l.Packages[workspacePath]; !ok {
		return Package{}, fmt.Errorf("no package found in lockfile for %q", workspacePath)
	}

	// AllDependencies returns full keys, so a direct lookup means we're
	// already holding a resolved transitive dep.
	if entry, ok := l.Packages[name]; ok {
		return Package{Key: name, Version: entry.Version, Found: true}, nil
	}

	nestedPath := fmt.Sprintf("%s/node_modules/%s", workspacePath, name)
	if entry, ok := l.Packages[nestedPath]; ok {
		return Package{Key: nestedPath, Version: entry.Version, Found: true}, nil
	}

	hoistedPath := "node_modules/" + name
	if entry, ok := l.Packages[hoistedPath]; ok {
		return Package{Key: hoistedPath, Version: entry.Version, Found: true}, nil
	}

	return Package{}, nil
}

// AllDependencies returns all (dev/optional/peer) dependencies of the entry
// at key, resolved to their full lockfile keys.
func (l *NpmLockfile) AllDependencies(key string) (map[string]string, bool) {
	entry, ok := l.Packages[key]
	if !ok {
		return nil, false
	}
	deps := make(map[string]string, len(entry.Dependencies)+len(entry.DevDependencies)+len(entry.PeerDependencies)+len(entry.OptionalDependencies))
	addDep := func(d map[string]string) {
		for name := range d {
			for _, possibleKey := range possibleNpmDeps(key, name) {
				if entry, ok := l.Packages[possibleKey]; ok {
					deps[possibleKey] = entry.Version
					break
				}
			}
		}
	}

	addDep(entry.Dependencies)
	addDep(entry.DevDependencies)
	addDep(entry.OptionalDependencies)
	addDep(entry.PeerDependencies)

	return deps, true
}

// DecodeNpmLockfile parses the contents of package-lock.json.
func DecodeNpmLockfile(content []byte) (*NpmLockfile, error) {
	var lockfile NpmLockfile
	if err := json.Unmarshal(content, &lockfile); err != nil {
		return nil, err
	}

	// LockfileVersion <=1 is for npm <=6, which kept the dependency graph in
	// a shape that requires crawling node_modules to make deterministic.
	if lockfile.LockfileVersion <= 1 || len(lockfile.Packages) == 0 {
		return nil, fmt.Errorf("lockfiles without a 'packages' field are not supported")
	}

	return &lockfile, nil
}

// possibleNpmDeps returns the keys a dependency of package key may appear
// under, from the most deeply nested outward.
func possibleNpmDeps(key string, dep string) []string {
	possibleDeps := []string{fmt.Sprintf("%s/node_modules/%s", key, dep)}

	curr := key
	for curr != "" {
		next := npmPathParent(curr)
		possibleDeps = append(possibleDeps, fmt.Sprintf("%snode_modules/%s", next, dep))
		curr = next
	}

	return possibleDeps
}

func npmPathParent(key string) string {
	if index := strings.LastIndex(key, "node_modules/"); index != -1 {
		return key[0:index]
	}
	return ""
}
