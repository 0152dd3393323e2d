package projectgraph

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/syspath"
)

func mkProject(id model.ProjectId, taskID model.TaskId, deps []model.Target) *model.Project {
	return &model.Project{
		ID:    id,
		Tasks: map[model.TaskId]*model.Task{
			taskID: {
				Target: model.NewProjectTarget(id, taskID),
				Deps:   deps,
			},
		},
	}
}

func TestBuildResolvesSelfScope(t *testing.T) {
	web := mkProject("web", "build", []model.Target{
		{Scope: model.ScopeSelf, Task: "compile"},
	})
	web.Tasks["compile"] = &model.Task{Target: model.NewProjectTarget("web", "compile")}

	g, err := Build(map[model.ProjectId]*model.Project{"web": web}, nil)
	assert.NilError(t, err)
	deps := g.ResolvedDeps[ResolvedTarget{Project: "web", Task: "build"}]
	assert.Equal(t, len(deps), 1)
	assert.Equal(t, deps[0].String(), "web:compile")
}

func TestBuildDropsSelfReferringDep(t *testing.T) {
	web := mkProject("web", "build", []model.Target{
		{Scope: model.ScopeSelf, Task: "build"},
	})
	g, err := Build(map[model.ProjectId]*model.Project{"web": web}, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(g.ResolvedDeps[ResolvedTarget{Project: "web", Task: "build"}]), 0)
}

func TestBuildUnknownProject(t *testing.T) {
	web := mkProject("web", "build", []model.Target{
		{Scope: model.ScopeProject, Project: "missing", Task: "build"},
	})
	_, err := Build(map[model.ProjectId]*model.Project{"web": web}, nil)
	var target *UnknownProjectError
	assert.Assert(t, errors.As(err, &target))
}

func TestBuildDetectsCycle(t *testing.T) {
	a := mkProject("a", "build", []model.Target{{Scope: model.ScopeProject, Project: "b", Task: "build"}})
	b := mkProject("b", "build", []model.Target{{Scope: model.ScopeProject, Project: "a", Task: "build"}})
	_, err := Build(map[model.ProjectId]*model.Project{"a": a, "b": b}, nil)
	var cycleErr *CircularDependencyError
	assert.Assert(t, errors.As(err, &cycleErr))
}

func TestCheckOutputOverlapRelativeLiteralsAreProjectScoped(t *testing.T) {
	// A relative output is anchored to its own project, so two projects
	// declaring the same relative path write to different directories.
	a := mkProject("a", "build", nil)
	a.Source = syspath.AnchoredUnixPath("apps/a").ToSystemPath()
	a.Tasks["build"].OutputFiles = map[string]struct{}{"dist/out.js": {}}
	b := mkProject("b", "build", nil)
	b.Source = syspath.AnchoredUnixPath("apps/b").ToSystemPath()
	b.Tasks["build"].OutputFiles = map[string]struct{}{"dist/out.js": {}}

	_, err := Build(map[model.ProjectId]*model.Project{"a": a, "b": b}, nil)
	assert.NilError(t, err)
}

func TestCheckOutputOverlapWorkspaceLiteral(t *testing.T) {
	// Workspace-relative outputs (leading /) from distinct projects that
	// resolve to the same path do collide.
	a := mkProject("a", "build", nil)
	a.Source = syspath.AnchoredUnixPath("apps/a").ToSystemPath()
	a.Tasks["build"].OutputFiles = map[string]struct{}{"/dist/out.js": {}}
	b := mkProject("b", "build", nil)
	b.Source = syspath.AnchoredUnixPath("apps/b").ToSystemPath()
	b.Tasks["build"].OutputFiles = map[string]struct{}{"/dist/out.js": {}}

	_, err := Build(map[model.ProjectId]*model.Project{"a": a, "b": b}, nil)
	var overlapErr *OverlappingOutputsError
	assert.Assert(t, errors.As(err, &overlapErr))
	assert.Equal(t, overlapErr.Output, "dist/out.js")
}

func TestCheckOutputOverlapGlobAcrossProjects(t *testing.T) {
	// One project's workspace-relative glob swallowing another project's
	// relative literal is an overlap once both are re-anchored.
	a := mkProject("a", "pack", nil)
	a.Source = syspath.AnchoredUnixPath("apps/a").ToSystemPath()
	a.Tasks["pack"].OutputGlobs = map[string]struct{}{"/dist/**/*": {}}
	b := mkProject("b", "pack", nil)
	b.Source = syspath.AnchoredUnixPath("dist").ToSystemPath()
	b.Tasks["pack"].OutputFiles = map[string]struct{}{"app.js": {}}

	_, err := Build(map[model.ProjectId]*model.Project{"a": a, "b": b}, nil)
	var overlapErr *OverlappingOutputsError
	assert.Assert(t, errors.As(err, &overlapErr))
	assert.Equal(t, overlapErr.Output, "dist/app.js")
}

func TestValidateDepRulesRejectsAllowFailureDep(t *testing.T) {
	a := mkProject("a", "build", []model.Target{{Scope: model.ScopeSelf, Task: "flaky"}})
	a.Tasks["flaky"] = &model.Task{
		Target:  model.NewProjectTarget("a", "flaky"),
		Options: model.TaskOptions{AllowFailure: true},
	}
	_, err := Build(map[model.ProjectId]*model.Project{"a": a}, nil)
	var depErr *AllowFailureDepRequirementError
	assert.Assert(t, errors.As(err, &depErr))
}
