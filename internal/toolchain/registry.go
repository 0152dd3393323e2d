// Package toolchain is a closed registry of platform capabilities. There is
// no inheritance: each toolchain is a plain value with function fields,
// registered under its id.
package toolchain

import (
	"context"
	"fmt"

	"github.com/ogmios/monoforge/internal/model"
)

// InstallScope chooses whether InstallDependencies runs at workspace or
// project granularity.
type InstallScope int

const (
	ScopeWorkspace InstallScope = iota
	ScopeProject
)

// Toolchain is one entry in the registry: everything the Action Graph
// Builder needs to insert SetupToolchain/InstallDependencies/SyncProject
// nodes for projects that declare this toolchain.
type Toolchain struct {
	// ID names the toolchain ("node", "rust", "go", ...); "" is the global
	// sentinel used when no project or workspace default applies.
	ID string

	// ResolveVersion returns the version requirement to install for a given
	// project (project override) or "" to fall back to the workspace default.
	ResolveVersion func(project *model.Project) (string, error)

	// IsOutsideWorkspace reports whether project lies outside this
	// toolchain's package-manager workspace, forcing project-scoped install.
	IsOutsideWorkspace func(project *model.Project) (bool, error)

	// SetupToolchain installs/activates the toolchain runtime itself.
	SetupToolchain func(ctx context.Context, version string) error

	// InstallDependencies installs dependencies at the given scope. project is
	// nil when scope is ScopeWorkspace.
	InstallDependencies func(ctx context.Context, scope InstallScope, version string, project *model.Project) error

	// SyncProject performs whatever bookkeeping (symlinking, manifest
	// generation) the toolchain needs before a project's tasks can run.
	SyncProject func(ctx context.Context, project *model.Project) error

	// ManifestName returns the package-manifest name a project publishes
	// under (e.g. package.json "name"), or "" when the project has no
	// manifest. Used to map manifest dependencies back to project ids.
	ManifestName func(project *model.Project) (string, error)

	// ManifestDependencies returns the project's package-manifest dependency
	// map: manifest package name to dependency scope. The project graph
	// builder resolves names to project ids via ManifestName and records the
	// survivors as implicit dependencies.
	ManifestDependencies func(project *model.Project) (map[string]model.DependencyScope, error)

	// HashContribution returns an opaque per-toolchain blob folded into the
	// task hash manifest as platform_specific, or nil for none.
	HashContribution func(project *model.Project) ([]byte, error)
}

// Registry is a closed, ordered set of Toolchains looked up by ID.
type Registry struct {
	byID  map[string]*Toolchain
	order []string
}

// NewRegistry builds an empty registry; toolchains are added with Register.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Toolchain{}}
}

// Register adds t to the registry, substituting no-ops for any capability t
// leaves nil. Registering the same ID twice replaces the earlier entry.
func (r *Registry) Register(t *Toolchain) {
	if t.ResolveVersion == nil {
		t.ResolveVersion = func(*model.Project) (string, error) { return "", nil }
	}
	if t.IsOutsideWorkspace == nil {
		t.IsOutsideWorkspace = func(*model.Project) (bool, error) { return false, nil }
	}
	if t.SetupToolchain == nil {
		t.SetupToolchain = func(context.Context, string) error { return nil }
	}
	if t.InstallDependencies == nil {
		t.InstallDependencies = func(context.Context, InstallScope, string, *model.Project) error { return nil }
	}
	if t.SyncProject == nil {
		t.SyncProject = func(context.Context, *model.Project) error { return nil }
	}
	if t.ManifestName == nil {
		t.ManifestName = func(*model.Project) (string, error) { return "", nil }
	}
	if t.ManifestDependencies == nil {
		t.ManifestDependencies = func(*model.Project) (map[string]model.DependencyScope, error) { return nil, nil }
	}
	if t.HashContribution == nil {
		t.HashContribution = func(*model.Project) ([]byte, error) { return nil, nil }
	}
	if _, exists := r.byID[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.byID[t.ID] = t
}

// Lookup returns the toolchain with the given ID, or an error if unregistered.
// The empty ID always resolves to the global sentinel.
func (r *Registry) Lookup(id string) (*Toolchain, error) {
	if id == "" {
		return r.Sentinel(), nil
	}
	t, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown toolchain %q", id)
	}
	return t, nil
}

// Sentinel returns the global no-op toolchain used when a project declares
// no toolchain and the workspace has no default.
func (r *Registry) Sentinel() *Toolchain {
	t, ok := r.byID[""]
	if ok {
		return t
	}
	return &Toolchain{
		ID:                 "",
		ResolveVersion:     func(*model.Project) (string, error) { return "", nil },
		IsOutsideWorkspace: func(*model.Project) (bool, error) { return false, nil },
		SetupToolchain:     func(context.Context, string) error { return nil },
		InstallDependencies: func(context.Context, InstallScope, string, *model.Project) error {
			return nil
		},
		SyncProject:          func(context.Context, *model.Project) error { return nil },
		ManifestName:         func(*model.Project) (string, error) { return "", nil },
		ManifestDependencies: func(*model.Project) (map[string]model.DependencyScope, error) { return nil, nil },
		HashContribution:     func(*model.Project) ([]byte, error) { return nil, nil },
	}
}

// Resolve picks the toolchain runtime for a project: its own Language field
// if registered, else the workspace default, else the global sentinel.
func (r *Registry) Resolve(project *model.Project, workspaceDefault string) *Toolchain {
	if project.Language != "" {
		if t, ok := r.byID[project.Language]; ok {
			return t
		}
	}
	if workspaceDefault != "" {
		if t, ok := r.byID[workspaceDefault]; ok {
			return t
		}
	}
	return r.Sentinel()
}
