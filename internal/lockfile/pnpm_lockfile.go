package lockfile

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PnpmLockfile Go representation of the contents of 'pnpm-lock.yaml'
// Reference https://github.com/pnpm/pnpm/blob/main/packages/lockfile-types/src/index.ts
type PnpmLockfile struct {
	Version   float32                    `yaml:"lockfileVersion"`
	Importers map[string]ProjectSnapshot `yaml:"importers"`
	// Keys are of the form '/$PACKAGE/$VERSION'
	Packages map[string]PackageSnapshot `yaml:"packages,omitempty"`
}

var _ Lockfile = (*PnpmLockfile)(nil)

// ProjectSnapshot represents one workspace member in the importers section.
type ProjectSnapshot struct {
	Specifiers           map[string]string `yaml:"specifiers"`
	Dependencies         map[string]string `yaml:"dependencies,omitempty"`
	OptionalDependencies map[string]string `yaml:"optionalDependencies,omitempty"`
	DevDependencies      map[string]string `yaml:"devDependencies,omitempty"`
}

// PackageSnapshot represents one entry of the packages section.
type PackageSnapshot struct {
	Resolution struct {
		Integrity string `yaml:"integrity,omitempty"`
		Tarball   string `yaml:"tarball,omitempty"`
	} `yaml:"resolution,flow"`

	PeerDependencies     map[string]string `yaml:"peerDependencies,omitempty"`
	Dependencies         map[string]string `yaml:"dependencies,omitempty"`
	OptionalDependencies map[string]string `yaml:"optionalDependencies,omitempty"`

	Dev      bool `yaml:"dev"`
	Optional bool `yaml:"optional,omitempty"`

	// only needed for packages that aren't in npm
	Name    string `yaml:"name,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// DecodePnpmLockfile parses a pnpm lockfile.
func DecodePnpmLockfile(contents []byte) (*PnpmLockfile, error) {
	var lockfile PnpmLockfile
	if err := yaml.Unmarshal(contents, &lockfile); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal lockfile")
	}

	if lockfile.Version != 5.3 && lockfile.Version != 5.4 {
		return nil, errors.Errorf("unsupported pnpm-lock.yaml lockfileVersion: %v", lockfile.Version)
	}

	return &lockfile, nil
}

// ResolvePackage resolves a dependency of the importer at workspacePath
// through its specifier map to the '/$name/$version' package key.
func (p *PnpmLockfile) ResolvePackage(workspacePath string, name string, version string) (Package, error) {
	resolvedVersion, ok := p.resolveSpecifier(workspacePath, name, version)
	if !ok {
		return Package{}, nil
	}
	key := fmt.Sprintf("/%s/%s", name, resolvedVersion)
	if entry, ok := p.Packages[key]; ok {
		v := entry.Version
		if v == "" {
			v = resolvedVersion
		}
		return Package{Key: key, Version: v, Found: true}, nil
	}

	return Package{}, nil
}

// AllDependencies returns all (dev/optional/peer) dependencies of the entry
// at key. pnpm records versions directly, so values feed back into
// ResolvePackage untouched.
func (p *PnpmLockfile) AllDependencies(key string) (map[string]string, bool) {
	entry, ok := p.Packages[key]
	if !ok {
		return nil, false
	}
	deps := map[string]string{}
	for name, version := range entry.Dependencies {
		deps[name] = version
	}
	for name, version := range entry.OptionalDependencies {
		deps[name] = version
	}
	for name, version := range entry.PeerDependencies {
		deps[name] = version
	}
	return deps, true
}

func (p *PnpmLockfile) resolveSpecifier(workspacePath string, name string, specifier string) (string, bool) {
	importerKey := workspacePath
	if importerKey == "" {
		importerKey = "."
	}
	importer, ok := p.Importers[importerKey]
	if !ok {
		return "", false
	}
	if pkgSpecifier, ok := importer.Specifiers[name]; !ok || pkgSpecifier != specifier {
		// A transitive dep's version is already resolved; use it directly.
		if _, ok := p.Packages[fmt.Sprintf("/%s/%s", name, specifier)]; ok {
			return specifier, true
		}
		return "", false
	}
	for _, deps := range []map[string]string{importer.Dependencies, importer.DevDependencies, importer.OptionalDependencies} {
		if resolved, ok := deps[name]; ok {
			return resolved, true
		}
	}
	return "", false
}
