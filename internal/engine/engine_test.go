package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/engineconfig"
	"github.com/ogmios/monoforge/internal/eventbus"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/projectgraph"
	"github.com/ogmios/monoforge/internal/syspath"
)

func testEngine(t *testing.T, tasks map[model.TaskId]engineconfig.TaskConfig) *Engine {
	t.Helper()
	dir := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(dir, "apps", "web"), 0755))

	return New(Options{
		WorkspaceRoot: syspath.AbsoluteSystemPath(dir),
		Config: &engineconfig.WorkspaceConfig{
			Projects: map[model.ProjectId]string{"web": "apps/web"},
			Version:  "1",
		},
		LoadProject: func(id model.ProjectId, source string) (*engineconfig.ProjectConfig, error) {
			return &engineconfig.ProjectConfig{Tasks: tasks}, nil
		},
	})
}

func TestRunSingleTargetToCompletion(t *testing.T) {
	e := testEngine(t, map[model.TaskId]engineconfig.TaskConfig{
		"build": {Command: "true"},
	})

	result, err := e.Run(context.Background(), []string{"web:build"})
	assert.NilError(t, err)
	assert.Equal(t, result.ExitCode, 0)
	assert.Equal(t, result.Summary.Status, eventbus.StatusCompleted)
}

func TestRunPropagatesTaskFailureExitCode(t *testing.T) {
	e := testEngine(t, map[model.TaskId]engineconfig.TaskConfig{
		"bad": {Command: "sh", Args: []string{"-c", "exit 3"}},
	})

	result, err := e.Run(context.Background(), []string{"web:bad"})
	assert.NilError(t, err)
	assert.Equal(t, result.ExitCode, 3, "a single target propagates the child's exit code")
	assert.Equal(t, result.Summary.Status, eventbus.StatusAborted)
}

func TestRunRejectsDepsScopeSelection(t *testing.T) {
	e := testEngine(t, map[model.TaskId]engineconfig.TaskConfig{
		"build": {Command: "true"},
	})

	_, err := e.Run(context.Background(), []string{"^:build"})
	var depsErr *projectgraph.NoDepsInRunContextError
	assert.Assert(t, errors.As(err, &depsErr))
}

func TestRunRejectsSelfScopeSelection(t *testing.T) {
	e := testEngine(t, map[model.TaskId]engineconfig.TaskConfig{
		"build": {Command: "true"},
	})

	_, err := e.Run(context.Background(), []string{"~:build"})
	var selfErr *projectgraph.NoSelfInRunContextError
	assert.Assert(t, errors.As(err, &selfErr))
}

func TestRunUnknownTarget(t *testing.T) {
	e := testEngine(t, map[model.TaskId]engineconfig.TaskConfig{
		"build": {Command: "true"},
	})

	_, err := e.Run(context.Background(), []string{"web:missing"})
	var taskErr *projectgraph.UnknownTaskError
	assert.Assert(t, errors.As(err, &taskErr))
}
