package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/actiongraph"
	"github.com/ogmios/monoforge/internal/eventbus"
	"github.com/ogmios/monoforge/internal/hasher"
	"github.com/ogmios/monoforge/internal/localcache"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/projectgraph"
	"github.com/ogmios/monoforge/internal/syspath"
	"github.com/ogmios/monoforge/internal/toolchain"
	"github.com/ogmios/monoforge/internal/vcs"
)

type stubProvider struct{}

func (stubProvider) LocalBranch(context.Context) (string, error)           { return "main", nil }
func (stubProvider) LocalBranchRevision(context.Context) (string, error)   { return "abc", nil }
func (stubProvider) DefaultBranch(context.Context) (string, error)         { return "main", nil }
func (stubProvider) DefaultBranchRevision(context.Context) (string, error) { return "abc", nil }
func (stubProvider) FileHashes(_ context.Context, paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		out[p] = "stablehash"
	}
	return out, nil
}
func (stubProvider) TreeHashes(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (stubProvider) TouchedFiles(context.Context) (vcs.TouchedFiles, error) {
	return vcs.TouchedFiles{}, nil
}
func (stubProvider) TouchedFilesAgainst(context.Context, string) (vcs.TouchedFiles, error) {
	return vcs.TouchedFiles{}, nil
}
func (stubProvider) IsDefaultBranch(_ context.Context, b string) (bool, error) {
	return b == "main", nil
}

// eventRecorder captures the bus's event stream in publish order.
type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) OnEvent(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) indexOf(kind eventbus.Kind, actionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Kind == kind && ev.ActionID == actionID {
			return i
		}
	}
	return -1
}

type fixture struct {
	root     syspath.AbsoluteSystemPath
	projects map[model.ProjectId]*model.Project
	cache    *localcache.Cache
	bus      *eventbus.Bus
	recorder *eventRecorder
	registry *toolchain.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := syspath.AbsoluteSystemPath(dir)

	f := &fixture{
		root:     root,
		projects: map[model.ProjectId]*model.Project{},
		registry: toolchain.NewRegistry(),
		recorder: &eventRecorder{},
	}
	f.cache = localcache.New(localcache.Options{
		WorkspaceRoot: root,
		Mode:          localcache.ModeReadWrite,
		Compression:   localcache.CompressionNone,
	})
	f.bus = eventbus.New(nil)
	f.bus.Subscribe(f.recorder)
	return f
}

func (f *fixture) addProject(t *testing.T, id model.ProjectId, tasks map[model.TaskId]*model.Task) {
	t.Helper()
	source := filepath.Join("apps", string(id))
	rootDir := f.root.UntypedJoin(source)
	assert.NilError(t, rootDir.MkdirAll(0755))
	f.projects[id] = &model.Project{
		ID:     id,
		Source: syspath.AnchoredSystemPath(source),
		Root:   rootDir,
		Tasks:  tasks,
	}
}

func shellTask(id model.ProjectId, task model.TaskId, script string, opts model.TaskOptions) *model.Task {
	return &model.Task{
		Target:  model.NewProjectTarget(id, task),
		Command: "sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{},
		Options: opts,
	}
}

func (f *fixture) run(t *testing.T, selections ...projectgraph.ResolvedTarget) *Summary {
	t.Helper()
	pg, err := projectgraph.Build(f.projects, nil)
	assert.NilError(t, err)

	builder := actiongraph.NewBuilder(pg, f.registry, "", nil)
	graph, err := builder.Build(selections, nil, map[string]string{})
	assert.NilError(t, err)

	pipe := New(graph, Options{
		WorkspaceRoot: f.root,
		Projects:      f.projects,
		Registry:      f.registry,
		Hasher:        hasher.New(stubProvider{}, nil),
		Cache:         f.cache,
		Bus:           f.bus,
		Concurrency:   4,
		ProcessEnv:    map[string]string{"PATH": os.Getenv("PATH")},
		WorkingDir:    f.root.ToString(),
		KillGrace:     time.Second,
	})
	summary, err := pipe.Run(context.Background())
	assert.NilError(t, err)
	return summary
}

func findResult(summary *Summary, id string) *action.Result {
	for _, r := range summary.Results {
		if r.ActionID == id {
			return r.Result
		}
	}
	return nil
}

func countExecutions(r *action.Result) int {
	n := 0
	for _, op := range r.Operations {
		if op.Kind == action.OpTaskExecution {
			n++
		}
	}
	return n
}

func TestRunTaskCachedOnSecondRun(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "web", map[model.TaskId]*model.Task{
		"build": shellTask("web", "build",
			"echo run >> marker.txt && echo bundle > dist.txt && echo built",
			model.TaskOptions{Cache: true}),
	})
	f.projects["web"].Tasks["build"].OutputFiles = map[string]struct{}{"dist.txt": {}}

	target := projectgraph.ResolvedTarget{Project: "web", Task: "build"}
	id := "RunTask:web:build"

	first := f.run(t, target)
	assert.Equal(t, findResult(first, id).Status, action.StatusPassed)

	second := f.run(t, target)
	assert.Equal(t, findResult(second, id).Status, action.StatusCached)

	// The child process ran exactly once: the marker accumulated one line.
	marker, err := os.ReadFile(filepath.Join(f.root.ToString(), "apps", "web", "marker.txt"))
	assert.NilError(t, err)
	assert.Equal(t, strings.Count(string(marker), "run"), 1)

	// Replayed stdout is byte-identical to the original run's.
	stdout, err := f.cache.StdoutPath("web", "build").ReadFile()
	assert.NilError(t, err)
	assert.Equal(t, string(stdout), "built\n")
}

func TestRetryTillPass(t *testing.T) {
	f := newFixture(t)
	script := `n=$(cat n.txt 2>/dev/null || echo 0); n=$((n+1)); echo $n > n.txt; [ $n -ge 3 ]`
	f.addProject(t, "web", map[model.TaskId]*model.Task{
		"flaky": shellTask("web", "flaky", script, model.TaskOptions{Cache: true, RetryCount: 2}),
	})

	summary := f.run(t, projectgraph.ResolvedTarget{Project: "web", Task: "flaky"})
	result := findResult(summary, "RunTask:web:flaky")
	assert.Equal(t, result.Status, action.StatusPassed)
	assert.Equal(t, countExecutions(result), 3)
	assert.Equal(t, summary.Status, eventbus.StatusCompleted)

	// The cache was updated exactly once, after the passing attempt.
	last, ok, err := f.cache.ReadLastRun("web", "flaky")
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, last.Hash != "")
}

func TestRetryBoundOnPersistentFailure(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "web", map[model.TaskId]*model.Task{
		"bad": shellTask("web", "bad", "exit 7", model.TaskOptions{RetryCount: 1}),
	})

	summary := f.run(t, projectgraph.ResolvedTarget{Project: "web", Task: "bad"})
	result := findResult(summary, "RunTask:web:bad")
	assert.Equal(t, result.Status, action.StatusFailed)
	assert.Equal(t, countExecutions(result), 2)
	assert.Equal(t, summary.Status, eventbus.StatusAborted)
	assert.Assert(t, summary.Err != nil)
}

func TestActionPrecedenceAndSkippedDependents(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "lib", map[model.TaskId]*model.Task{
		"build": shellTask("lib", "build", "true", model.TaskOptions{}),
	})
	f.addProject(t, "app", map[model.TaskId]*model.Task{
		"build": func() *model.Task {
			task := shellTask("app", "build", "true", model.TaskOptions{})
			task.Deps = []model.Target{model.NewProjectTarget("lib", "build")}
			return task
		}(),
	})

	summary := f.run(t, projectgraph.ResolvedTarget{Project: "app", Task: "build"})
	assert.Equal(t, findResult(summary, "RunTask:app:build").Status, action.StatusPassed)

	libFinished := f.recorder.indexOf(eventbus.KindActionFinished, "RunTask:lib:build")
	appStarted := f.recorder.indexOf(eventbus.KindActionStarted, "RunTask:app:build")
	assert.Assert(t, libFinished >= 0 && appStarted >= 0)
	assert.Assert(t, libFinished < appStarted, "dependency must finish before dependent starts")
}

func TestFailedDependencySkipsDependent(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "lib", map[model.TaskId]*model.Task{
		"build": shellTask("lib", "build", "exit 1", model.TaskOptions{}),
	})
	f.addProject(t, "app", map[model.TaskId]*model.Task{
		"build": func() *model.Task {
			task := shellTask("app", "build", "true", model.TaskOptions{})
			task.Deps = []model.Target{model.NewProjectTarget("lib", "build")}
			return task
		}(),
	})

	summary := f.run(t, projectgraph.ResolvedTarget{Project: "app", Task: "build"})
	assert.Equal(t, findResult(summary, "RunTask:lib:build").Status, action.StatusFailed)
	assert.Equal(t, findResult(summary, "RunTask:app:build").Status, action.StatusSkipped)
}

func TestPersistentTaskTerminatedAtPipelineEnd(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "web", map[model.TaskId]*model.Task{
		"dev":   shellTask("web", "dev", "sleep 30", model.TaskOptions{Persistent: true}),
		"build": shellTask("web", "build", "true", model.TaskOptions{}),
	})

	start := time.Now()
	summary := f.run(t,
		projectgraph.ResolvedTarget{Project: "web", Task: "dev"},
		projectgraph.ResolvedTarget{Project: "web", Task: "build"},
	)
	assert.Equal(t, findResult(summary, "RunTask:web:build").Status, action.StatusPassed)
	assert.Equal(t, findResult(summary, "RunTask:web:dev").Status, action.StatusPassed)
	assert.Assert(t, time.Since(start) < 10*time.Second, "persistent task must not block pipeline completion")

	// A persistent task never writes to the cache.
	_, ok, err := f.cache.ReadLastRun("web", "dev")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestAllowFailureTaskPasses(t *testing.T) {
	f := newFixture(t)
	f.addProject(t, "web", map[model.TaskId]*model.Task{
		"lint": shellTask("web", "lint", "exit 1", model.TaskOptions{AllowFailure: true}),
	})

	summary := f.run(t, projectgraph.ResolvedTarget{Project: "web", Task: "lint"})
	assert.Equal(t, findResult(summary, "RunTask:web:lint").Status, action.StatusPassed)
	assert.Equal(t, summary.Status, eventbus.StatusCompleted)
}
