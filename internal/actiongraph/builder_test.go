package actiongraph

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/projectgraph"
	"github.com/ogmios/monoforge/internal/syspath"
	"github.com/ogmios/monoforge/internal/toolchain"
)

func buildSimpleProjects() map[model.ProjectId]*model.Project {
	web := &model.Project{
		ID:       "web",
		Source:   syspath.AnchoredUnixPath("apps/web").ToSystemPath(),
		Language: "node",
		Tasks: map[model.TaskId]*model.Task{
			"build": {
				Target:  model.NewProjectTarget("web", "build"),
				Options: model.TaskOptions{RunDepsInParallel: true},
			},
		},
	}
	return map[model.ProjectId]*model.Project{"web": web}
}

func TestBuildInsertsSetupInstallSyncRunTask(t *testing.T) {
	projects := buildSimpleProjects()
	pg, err := projectgraph.Build(projects, nil)
	assert.NilError(t, err)

	registry := toolchain.NewRegistry()
	registry.Register(toolchain.NewNode("/repo"))

	b := NewBuilder(pg, registry, "node", nil)
	g, err := b.Build([]projectgraph.ResolvedTarget{{Project: "web", Task: "build"}}, nil, nil)
	assert.NilError(t, err)

	foundKinds := map[string]int{}
	for _, n := range g.Nodes {
		foundKinds[string(n.Kind)]++
	}
	assert.Equal(t, foundKinds["SetupToolchain"], 1)
	assert.Equal(t, foundKinds["InstallDependencies"], 1)
	assert.Equal(t, foundKinds["SyncProject"], 1)
	assert.Equal(t, foundKinds["RunTask"], 1)
}

func TestBuildElidesUnaffectedTask(t *testing.T) {
	projects := buildSimpleProjects()
	projects["web"].Tasks["build"].InputFiles = map[string]struct{}{"src/index.ts": {}}

	pg, err := projectgraph.Build(projects, nil)
	assert.NilError(t, err)

	registry := toolchain.NewRegistry()
	registry.Register(toolchain.NewNode("/repo"))

	b := NewBuilder(pg, registry, "node", nil)
	affected := map[string]struct{}{"apps/docs/readme.md": {}}
	g, err := b.Build([]projectgraph.ResolvedTarget{{Project: "web", Task: "build"}}, affected, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(g.Nodes), 0)
}

func TestBuildKeepsAffectedTask(t *testing.T) {
	// A project-relative input must be re-anchored under the project's
	// source before it is compared against workspace-relative touched files.
	projects := buildSimpleProjects()
	projects["web"].Tasks["build"].InputFiles = map[string]struct{}{"src/index.ts": {}}

	pg, err := projectgraph.Build(projects, nil)
	assert.NilError(t, err)

	registry := toolchain.NewRegistry()
	registry.Register(toolchain.NewNode("/repo"))

	b := NewBuilder(pg, registry, "node", nil)
	affected := map[string]struct{}{"apps/web/src/index.ts": {}}
	g, err := b.Build([]projectgraph.ResolvedTarget{{Project: "web", Task: "build"}}, affected, nil)
	assert.NilError(t, err)
	_, ok := g.Nodes["RunTask:web:build"]
	assert.Assert(t, ok, "task with a touched input must be scheduled")
}

func TestBuildKeepsAffectedTaskByGlob(t *testing.T) {
	projects := buildSimpleProjects()
	projects["web"].Tasks["build"].InputGlobs = map[string]struct{}{"src/**/*": {}}

	pg, err := projectgraph.Build(projects, nil)
	assert.NilError(t, err)

	registry := toolchain.NewRegistry()
	registry.Register(toolchain.NewNode("/repo"))

	b := NewBuilder(pg, registry, "node", nil)
	affected := map[string]struct{}{"apps/web/src/deep/util.ts": {}}
	g, err := b.Build([]projectgraph.ResolvedTarget{{Project: "web", Task: "build"}}, affected, nil)
	assert.NilError(t, err)
	_, ok := g.Nodes["RunTask:web:build"]
	assert.Assert(t, ok, "task with a touched glob match must be scheduled")
}

func TestValidateSelectionScopeRejectsDepsAndSelf(t *testing.T) {
	assert.ErrorContains(t, ValidateSelectionScope(model.Target{Scope: model.ScopeDeps}), "Deps")
	assert.ErrorContains(t, ValidateSelectionScope(model.Target{Scope: model.ScopeSelf}), "Self")
}
