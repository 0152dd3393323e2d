package toolchain

import (
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/ogmios/monoforge/internal/lockfile"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/syspath"
)

// packageManager is the subset of npm/pnpm/yarn behavior the node toolchain
// needs: which lockfile marks it, how to install, and how to decode the
// lockfile for hash contributions.
type packageManager struct {
	name       string
	lockfile   string
	installCmd []string
	frozenCmd  []string
	decode     func(data []byte) (lockfile.Lockfile, error)
}

var packageManagers = []packageManager{
	{
		name:       "pnpm",
		lockfile:   "pnpm-lock.yaml",
		installCmd: []string{"pnpm", "install"},
		frozenCmd:  []string{"pnpm", "install", "--frozen-lockfile"},
		decode:     func(data []byte) (lockfile.Lockfile, error) { return lockfile.DecodePnpmLockfile(data) },
	},
	{
		name:       "yarn",
		lockfile:   "yarn.lock",
		installCmd: []string{"yarn", "install"},
		frozenCmd:  []string{"yarn", "install", "--frozen-lockfile"},
		decode:     func(data []byte) (lockfile.Lockfile, error) { return lockfile.DecodeYarnLockfile(data) },
	},
	{
		name:       "npm",
		lockfile:   "package-lock.json",
		installCmd: []string{"npm", "install"},
		frozenCmd:  []string{"npm", "ci"},
		decode:     func(data []byte) (lockfile.Lockfile, error) { return lockfile.DecodeNpmLockfile(data) },
	},
}

// pnpmWorkspaces is the shape of pnpm-workspace.yaml.
type pnpmWorkspaces struct {
	Packages []string `yaml:"packages,omitempty"`
}

// nodeState caches the workspace-level facts the node toolchain derives once:
// the detected package manager, workspace globs, and decoded lockfile.
type nodeState struct {
	root           syspath.AbsoluteSystemPath
	manager        *packageManager
	workspaceGlobs []glob.Glob
	lock           lockfile.Lockfile
}

func newNodeState(workspaceRoot syspath.AbsoluteSystemPath) *nodeState {
	st := &nodeState{root: workspaceRoot}

	for i := range packageManagers {
		pm := &packageManagers[i]
		if workspaceRoot.UntypedJoin(pm.lockfile).FileExists() {
			st.manager = pm
			break
		}
	}

	for _, pattern := range st.readWorkspaceGlobs() {
		if g, err := glob.Compile(strings.TrimSuffix(pattern, "/"), '/'); err == nil {
			st.workspaceGlobs = append(st.workspaceGlobs, g)
		}
	}

	if st.manager != nil {
		if data, err := workspaceRoot.UntypedJoin(st.manager.lockfile).ReadFile(); err == nil {
			if lock, err := st.manager.decode(data); err == nil {
				st.lock = lock
			}
		}
	}

	return st
}

func (st *nodeState) readWorkspaceGlobs() []string {
	if st.manager != nil && st.manager.name == "pnpm" {
		raw, err := st.root.UntypedJoin("pnpm-workspace.yaml").ReadFile()
		if err != nil {
			return nil
		}
		var ws pnpmWorkspaces
		if err := yaml.Unmarshal(raw, &ws); err != nil {
			return nil
		}
		return ws.Packages
	}
	pkg, err := ReadPackageJSON(st.root.UntypedJoin("package.json"))
	if err != nil {
		return nil
	}
	return pkg.Workspaces
}

func (st *nodeState) readProjectManifest(project *model.Project) (*PackageJSON, error) {
	return ReadPackageJSON(project.Root.UntypedJoin("package.json"))
}

// NewNode builds the "node" toolchain entry: npm/pnpm/yarn detection by
// lockfile presence, workspace-glob membership for install scoping, implicit
// dependencies from package.json dependency maps, and a lockfile-resolved
// dependency closure as the hash contribution.
func NewNode(workspaceRoot syspath.AbsoluteSystemPath) *Toolchain {
	st := newNodeState(workspaceRoot)

	return &Toolchain{
		ID: "node",
		ResolveVersion: func(project *model.Project) (string, error) {
			pkg, err := st.readProjectManifest(project)
			if err != nil || pkg.Engines == nil {
				return "", nil
			}
			return pkg.Engines["node"], nil
		},
		IsOutsideWorkspace: func(project *model.Project) (bool, error) {
			if len(st.workspaceGlobs) == 0 {
				return false, nil
			}
			source := project.Source.ToUnixPath().ToString()
			for _, g := range st.workspaceGlobs {
				if g.Match(source) {
					return false, nil
				}
			}
			return true, nil
		},
		SetupToolchain: func(ctx context.Context, version string) error {
			// The node runtime itself is assumed preinstalled on the runner.
			return nil
		},
		InstallDependencies: func(ctx context.Context, scope InstallScope, version string, project *model.Project) error {
			if st.manager == nil {
				return nil
			}
			dir := workspaceRoot
			if scope == ScopeProject && project != nil {
				dir = project.Root
			}
			argv := st.manager.installCmd
			if dir.UntypedJoin(st.manager.lockfile).FileExists() {
				argv = st.manager.frozenCmd
			}
			c := exec.CommandContext(ctx, argv[0], argv[1:]...)
			c.Dir = dir.ToString()
			return c.Run()
		},
		SyncProject: func(ctx context.Context, project *model.Project) error {
			return nil
		},
		ManifestName: func(project *model.Project) (string, error) {
			pkg, err := st.readProjectManifest(project)
			if err != nil {
				return "", nil
			}
			return pkg.Name, nil
		},
		ManifestDependencies: func(project *model.Project) (map[string]model.DependencyScope, error) {
			pkg, err := st.readProjectManifest(project)
			if err != nil {
				return nil, nil
			}
			deps := map[string]model.DependencyScope{}
			for name := range pkg.Dependencies {
				deps[name] = model.DependencyProduction
			}
			for name := range pkg.DevDependencies {
				deps[name] = model.DependencyDevelopment
			}
			for name := range pkg.PeerDependencies {
				deps[name] = model.DependencyPeer
			}
			for name := range pkg.OptionalDependencies {
				if _, seen := deps[name]; !seen {
					deps[name] = model.DependencyProduction
				}
			}
			return deps, nil
		},
		HashContribution: func(project *model.Project) ([]byte, error) {
			if lockfile.IsNil(st.lock) {
				return nil, nil
			}
			pkg, err := st.readProjectManifest(project)
			if err != nil {
				return nil, nil
			}
			direct := map[string]string{}
			for name, version := range pkg.Dependencies {
				direct[name] = version
			}
			for name, version := range pkg.DevDependencies {
				direct[name] = version
			}
			closure, err := lockfile.TransitiveClosure(project.Source.ToUnixPath().ToString(), direct, st.lock)
			if err != nil {
				return nil, err
			}
			sort.Sort(lockfile.ByKey(closure))
			return json.Marshal(closure)
		},
	}
}
