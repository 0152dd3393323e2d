// Package actiongraph builds the Action DAG from a project graph, a target
// selection, and a toolchain registry.
package actiongraph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/projectgraph"
	"github.com/ogmios/monoforge/internal/toolchain"
)

// Graph is the built Action DAG.
type Graph struct {
	DAG   dag.AcyclicGraph
	Nodes map[string]*action.Node
}

// Builder constructs a Graph from a project graph and a toolchain registry.
type Builder struct {
	Projects         *projectgraph.Graph
	Registry         *toolchain.Registry
	WorkspaceDefault string
	Logger           hclog.Logger
}

// NewBuilder wires a Builder. A nil logger is replaced with a discarding one.
func NewBuilder(projects *projectgraph.Graph, registry *toolchain.Registry, workspaceDefault string, logger hclog.Logger) *Builder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Builder{Projects: projects, Registry: registry, WorkspaceDefault: workspaceDefault, Logger: logger}
}

// ValidateSelectionScope rejects Deps/Self as a user-facing run selection;
// they are only meaningful inside a task's own `deps`.
func ValidateSelectionScope(t model.Target) error {
	switch t.Scope {
	case model.ScopeDeps:
		return &projectgraph.NoDepsInRunContextError{}
	case model.ScopeSelf:
		return &projectgraph.NoSelfInRunContextError{}
	}
	return nil
}

type builderState struct {
	g             *Graph
	affectedFiles map[string]struct{}
	env           map[string]string
	elided        map[string]bool
	globCache     map[string]glob.Glob
}

// Build inserts a RunTask node (and its Setup/Install/Sync predecessors) for
// every selected target, recursing into resolved deps. affectedFiles is nil
// to disable the affected-files filter; env is the process environment
// snapshot used for input_vars affectedness.
func (b *Builder) Build(selections []projectgraph.ResolvedTarget, affectedFiles map[string]struct{}, env map[string]string) (*Graph, error) {
	st := &builderState{
		g:             &Graph{Nodes: map[string]*action.Node{}},
		affectedFiles: affectedFiles,
		env:           env,
		elided:        map[string]bool{},
		globCache:     map[string]glob.Glob{},
	}
	for _, sel := range selections {
		if _, _, err := b.addRunTask(st, sel); err != nil {
			return nil, err
		}
	}
	return st.g, nil
}

func runTaskID(t projectgraph.ResolvedTarget) string   { return "RunTask:" + t.String() }
func setupID(toolchainID, version string) string       { return fmt.Sprintf("SetupToolchain:%s@%s", toolchainID, version) }
func installID(toolchainID, version, scope, proj string) string {
	return fmt.Sprintf("InstallDependencies:%s@%s:%s:%s", toolchainID, version, scope, proj)
}
func syncID(project model.ProjectId) string { return "SyncProject:" + string(project) }

// addRunTask ensures a RunTask node (and predecessors) exist for target,
// returning its node id and whether it was added (false means elided).
func (b *Builder) addRunTask(st *builderState, target projectgraph.ResolvedTarget) (string, bool, error) {
	id := runTaskID(target)
	if elided, seen := st.elided[id]; seen {
		return id, !elided, nil
	}
	if _, exists := st.g.Nodes[id]; exists {
		return id, true, nil
	}

	proj, ok := b.Projects.Projects[target.Project]
	if !ok {
		return "", false, &projectgraph.UnknownProjectError{Project: string(target.Project)}
	}
	task, ok := proj.Tasks[target.Task]
	if !ok {
		return "", false, &projectgraph.UnknownTaskError{Project: string(target.Project), Task: string(target.Task)}
	}

	if st.affectedFiles != nil && !b.isAffected(st, proj, task) {
		st.elided[id] = true
		b.Logger.Debug("eliding RunTask, not affected", "target", target.String())
		return id, false, nil
	}

	tc := b.Registry.Resolve(proj, b.WorkspaceDefault)
	version, err := tc.ResolveVersion(proj)
	if err != nil {
		return "", false, err
	}

	setup := b.ensureSetupToolchain(st, tc.ID, version)
	install, err := b.ensureInstallDependencies(st, tc, version, proj, setup)
	if err != nil {
		return "", false, err
	}
	sync, err := b.ensureSyncProject(st, proj, tc.ID, setup)
	if err != nil {
		return "", false, err
	}

	node := &action.Node{
		ID:     id,
		Kind:   action.KindRunTask,
		Label:  target.String(),
		Target: task.Target,
		Status: action.StatusPending,
	}
	st.g.Nodes[id] = node
	st.g.DAG.Add(id)
	st.g.DAG.Connect(dag.BasicEdge(id, install))
	st.g.DAG.Connect(dag.BasicEdge(id, sync))

	depIDs := make([]string, 0, len(b.Projects.ResolvedDeps[target]))
	for _, dep := range b.Projects.ResolvedDeps[target] {
		depID, added, err := b.addRunTask(st, dep)
		if err != nil {
			return "", false, err
		}
		if added {
			st.g.DAG.Connect(dag.BasicEdge(id, depID))
			depIDs = append(depIDs, depID)
		}
	}

	if !task.Options.RunDepsInParallel {
		sort.Strings(depIDs)
		for i := 1; i < len(depIDs); i++ {
			st.g.DAG.Connect(dag.BasicEdge(depIDs[i], depIDs[i-1]))
		}
	}

	return id, true, nil
}

func (b *Builder) ensureSetupToolchain(st *builderState, toolchainID, version string) string {
	id := setupID(toolchainID, version)
	if _, exists := st.g.Nodes[id]; exists {
		return id
	}
	st.g.Nodes[id] = &action.Node{ID: id, Kind: action.KindSetupToolchain, Label: id, ToolchainID: toolchainID, VersionReq: version, Status: action.StatusPending}
	st.g.DAG.Add(id)
	return id
}

func (b *Builder) ensureInstallDependencies(st *builderState, tc *toolchain.Toolchain, version string, proj *model.Project, setup string) (string, error) {
	outside, err := tc.IsOutsideWorkspace(proj)
	if err != nil {
		return "", err
	}
	scope := "workspace"
	projKey := ""
	if outside {
		scope = "project"
		projKey = string(proj.ID)
	}
	id := installID(tc.ID, version, scope, projKey)
	if _, exists := st.g.Nodes[id]; exists {
		return id, nil
	}
	node := &action.Node{ID: id, Kind: action.KindInstallDependencies, Label: id, ToolchainID: tc.ID, VersionReq: version, InstallScope: scope, Status: action.StatusPending}
	if outside {
		node.Project = proj.ID
	}
	st.g.Nodes[id] = node
	st.g.DAG.Add(id)
	st.g.DAG.Connect(dag.BasicEdge(id, setup))
	return id, nil
}

func (b *Builder) ensureSyncProject(st *builderState, proj *model.Project, toolchainID, setup string) (string, error) {
	id := syncID(proj.ID)
	if _, exists := st.g.Nodes[id]; exists {
		return id, nil
	}
	st.g.Nodes[id] = &action.Node{ID: id, Kind: action.KindSyncProject, Label: id, ToolchainID: toolchainID, Project: proj.ID, Status: action.StatusPending}
	st.g.DAG.Add(id)
	st.g.DAG.Connect(dag.BasicEdge(id, setup))

	depIDs := make([]model.ProjectId, 0, len(proj.Dependencies))
	for depID := range proj.Dependencies {
		depIDs = append(depIDs, depID)
	}
	sort.Slice(depIDs, func(i, j int) bool { return depIDs[i] < depIDs[j] })
	for _, depProjectID := range depIDs {
		depProj, ok := b.Projects.Projects[depProjectID]
		if !ok {
			continue
		}
		depTC := b.Registry.Resolve(depProj, b.WorkspaceDefault)
		depVersion, err := depTC.ResolveVersion(depProj)
		if err != nil {
			return "", err
		}
		depSetup := b.ensureSetupToolchain(st, depTC.ID, depVersion)
		depSync, err := b.ensureSyncProject(st, depProj, depTC.ID, depSetup)
		if err != nil {
			return "", err
		}
		st.g.DAG.Connect(dag.BasicEdge(id, depSync))
	}
	return id, nil
}

// workspaceRelativeInput re-anchors a task-declared input against the owning
// project: a /-prefixed value is already workspace-relative, anything else is
// relative to the project's source directory. Touched files arrive
// workspace-relative from the VCS, so both sides must agree before comparing.
func workspaceRelativeInput(source, value string) string {
	if strings.HasPrefix(value, "/") {
		return strings.TrimPrefix(value, "/")
	}
	return path.Join(source, value)
}

// isAffected reports whether task should run given the touched-files set and
// current process environment.
func (b *Builder) isAffected(st *builderState, proj *model.Project, task *model.Task) bool {
	source := proj.Source.ToUnixPath().ToString()
	for f := range task.InputFiles {
		if _, ok := st.affectedFiles[workspaceRelativeInput(source, f)]; ok {
			return true
		}
	}
	for rawPat := range task.InputGlobs {
		pat := workspaceRelativeInput(source, rawPat)
		g, ok := st.globCache[pat]
		if !ok {
			compiled, err := glob.Compile(pat, '/')
			if err != nil {
				b.Logger.Warn("invalid input glob, treating as non-matching", "pattern", pat, "error", err)
				compiled = nil
			}
			st.globCache[pat] = compiled
			g = compiled
		}
		if g == nil {
			continue
		}
		for f := range st.affectedFiles {
			if g.Match(f) {
				return true
			}
		}
	}
	for name := range task.InputVars {
		if v, ok := st.env[name]; ok && v != "" {
			return true
		}
	}
	return false
}
