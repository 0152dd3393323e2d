package toolchain

import (
	"encoding/json"

	"github.com/ogmios/monoforge/internal/syspath"
)

// PackageJSON is the subset of package.json the node toolchain consults for
// workspace membership, implicit dependencies, and engine constraints.
type PackageJSON struct {
	Name                 string            `json:"name,omitempty"`
	Version              string            `json:"version,omitempty"`
	PackageManager       string            `json:"packageManager,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Engines              map[string]string `json:"engines,omitempty"`
	Workspaces           Workspaces        `json:"workspaces,omitempty"`
}

// Workspaces accepts both of npm's historical shapes: a bare array, or an
// object with a "packages" array.
type Workspaces []string

type workspacesAlt struct {
	Packages []string `json:"packages,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Workspaces) UnmarshalJSON(data []byte) error {
	var alt workspacesAlt
	if err := json.Unmarshal(data, &alt); err == nil {
		*w = Workspaces(alt.Packages)
		return nil
	}
	var plain []string
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	*w = Workspaces(plain)
	return nil
}

// ReadPackageJSON reads and parses the package.json at path.
func ReadPackageJSON(path syspath.AbsoluteSystemPath) (*PackageJSON, error) {
	raw, err := path.ReadFile()
	if err != nil {
		return nil, err
	}
	var pkg PackageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}
