// Package engine wires the whole core together: it builds the project graph,
// resolves the user's target selection, derives the action graph, and runs
// the pipeline against the local (and optionally remote) cache. Callers hand
// it already-parsed configuration and get back aggregated results and a
// process exit code.
package engine

import (
	"context"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ogmios/monoforge/internal/actiongraph"
	"github.com/ogmios/monoforge/internal/ci"
	"github.com/ogmios/monoforge/internal/engineconfig"
	"github.com/ogmios/monoforge/internal/errs"
	"github.com/ogmios/monoforge/internal/eventbus"
	"github.com/ogmios/monoforge/internal/hasher"
	"github.com/ogmios/monoforge/internal/localcache"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/pipeline"
	"github.com/ogmios/monoforge/internal/process"
	"github.com/ogmios/monoforge/internal/projectgraph"
	"github.com/ogmios/monoforge/internal/remotecache"
	"github.com/ogmios/monoforge/internal/toolchain"
	"github.com/ogmios/monoforge/internal/syspath"
	"github.com/ogmios/monoforge/internal/util"
	"github.com/ogmios/monoforge/internal/vcs"
)

// Options configures one Engine.
type Options struct {
	WorkspaceRoot syspath.AbsoluteSystemPath
	Config        *engineconfig.WorkspaceConfig
	LoadProject   projectgraph.ProjectLoader

	// Concurrency accepts a count ("4") or a percentage of logical CPUs
	// ("50%"); empty means one worker per logical CPU.
	Concurrency string

	CacheMode        localcache.Mode
	CacheCompression localcache.Compression

	// Remote enables the remote cache when non-nil. A remote that fails to
	// dial is logged and disabled, never fatal.
	Remote *remotecache.Config

	// Affected enables the touched-files filter; AffectedAgainst names the
	// base branch to diff against ("" diffs the working tree).
	Affected        bool
	AffectedAgainst string

	BailOnFailure   bool
	PassthroughArgs []string

	Logger hclog.Logger
}

// Engine is a ready-to-run instance over one workspace.
type Engine struct {
	opts     Options
	logger   hclog.Logger
	registry *toolchain.Registry
	git      *vcs.Git
}

// New builds an Engine, registering the built-in toolchains.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	registry := toolchain.NewRegistry()
	registry.Register(toolchain.NewSystem())
	registry.Register(toolchain.NewNode(opts.WorkspaceRoot))

	return &Engine{
		opts:     opts,
		logger:   logger,
		registry: registry,
		git:      vcs.New(opts.WorkspaceRoot.ToString(), logger.Named("vcs")),
	}
}

// Registry exposes the toolchain registry so callers can register extra
// toolchains before Run.
func (e *Engine) Registry() *toolchain.Registry {
	return e.registry
}

// RunResult is one invocation's outcome.
type RunResult struct {
	Summary  *pipeline.Summary
	ExitCode int
}

// Run executes the given target selections to completion.
func (e *Engine) Run(ctx context.Context, selections []string) (*RunResult, error) {
	graph, err := e.buildProjectGraph()
	if err != nil {
		return nil, err
	}

	resolved, err := e.resolveSelections(graph, selections)
	if err != nil {
		return nil, err
	}

	affected, affectedList, err := e.affectedFiles(ctx)
	if err != nil {
		return nil, err
	}

	env := environMap()
	agBuilder := actiongraph.NewBuilder(graph, e.registry, e.opts.Config.DefaultToolchain, e.logger)
	actionGraph, err := agBuilder.Build(resolved, affected, env)
	if err != nil {
		return nil, err
	}

	concurrency, err := e.concurrency()
	if err != nil {
		return nil, err
	}

	cache := localcache.New(localcache.Options{
		WorkspaceRoot: e.opts.WorkspaceRoot,
		Mode:          localcache.ModeFromEnv("MOON_CACHE", e.opts.CacheMode),
		Compression:   e.opts.CacheCompression,
		Logger:        e.logger,
	})

	var remote *remotecache.Client
	if e.opts.Remote != nil {
		remote, err = remotecache.New(*e.opts.Remote)
		if err != nil {
			e.logger.Warn("remote cache unavailable, continuing without it", "error", err)
			remote = nil
		} else {
			defer func() { _ = remote.Close() }()
		}
	}

	bus := eventbus.New(e.logger)
	aggregator := eventbus.NewAggregator()
	aggregator.SingleTarget = len(resolved) == 1
	bus.Subscribe(aggregator)
	bus.Subscribe(eventbus.NewTracingSubscriber())

	primary := map[string]bool{}
	for _, sel := range resolved {
		primary["RunTask:"+sel.String()] = true
	}

	manager := process.NewManager(e.logger.Named("process"))
	defer manager.Close()

	workingDir, _ := os.Getwd()
	pipe := pipeline.New(actionGraph, pipeline.Options{
		WorkspaceRoot:    e.opts.WorkspaceRoot,
		WorkspaceVersion: e.opts.Config.Version,
		Projects:         graph.Projects,
		Registry:         e.registry,
		WorkspaceDefault: e.opts.Config.DefaultToolchain,
		Hasher:           hasher.New(e.git, e.logger.Named("hasher")),
		Cache:            cache,
		Remote:           remote,
		Bus:              bus,
		Manager:          manager,
		Logger:           e.logger,
		Concurrency:      concurrency,
		PrimaryTargets:   primary,
		CI:               ci.IsCi(),
		BailOnFailure:    e.opts.BailOnFailure,
		AffectedFiles:    affectedList,
		PassthroughArgs:  e.opts.PassthroughArgs,
		ProcessEnv:       env,
		WorkingDir:       workingDir,
	})

	summary, err := pipe.Run(ctx)
	if err != nil {
		return nil, err
	}

	return &RunResult{Summary: summary, ExitCode: aggregator.ExitCode()}, nil
}

func (e *Engine) buildProjectGraph() (*projectgraph.Graph, error) {
	builder := &projectgraph.Builder{
		WorkspaceRoot: e.opts.WorkspaceRoot,
		Config:        e.opts.Config,
		Load:          e.opts.LoadProject,
		Registry:      e.registry,
		Logger:        e.logger,
	}
	return builder.BuildGraph()
}

// resolveSelections expands the user's target strings to concrete
// project:task pairs. Deps/Self scopes are rejected here; they are only
// meaningful inside a task's own deps.
func (e *Engine) resolveSelections(graph *projectgraph.Graph, selections []string) ([]projectgraph.ResolvedTarget, error) {
	var out []projectgraph.ResolvedTarget
	seen := map[projectgraph.ResolvedTarget]struct{}{}
	add := func(t projectgraph.ResolvedTarget) {
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}

	for _, raw := range selections {
		target, err := model.ParseTarget(raw)
		if err != nil {
			return nil, errs.Wrap(errs.KindGraph, raw, err)
		}
		if err := actiongraph.ValidateSelectionScope(target); err != nil {
			return nil, err
		}

		switch target.Scope {
		case model.ScopeAll:
			ids := projectIDs(graph)
			for _, id := range ids {
				if _, ok := graph.Projects[id].Tasks[target.Task]; ok {
					add(projectgraph.ResolvedTarget{Project: id, Task: target.Task})
				}
			}
		case model.ScopeTag:
			ids := projectIDs(graph)
			for _, id := range ids {
				p := graph.Projects[id]
				if _, tagged := p.Tags[target.Tag]; !tagged {
					continue
				}
				if _, ok := p.Tasks[target.Task]; ok {
					add(projectgraph.ResolvedTarget{Project: id, Task: target.Task})
				}
			}
		case model.ScopeProject:
			p, ok := graph.Projects[target.Project]
			if !ok {
				return nil, &projectgraph.UnknownProjectError{Project: string(target.Project)}
			}
			if _, ok := p.Tasks[target.Task]; !ok {
				return nil, &projectgraph.UnknownTaskError{Project: string(target.Project), Task: string(target.Task)}
			}
			add(projectgraph.ResolvedTarget{Project: target.Project, Task: target.Task})
		}
	}
	return out, nil
}

func projectIDs(graph *projectgraph.Graph) []model.ProjectId {
	ids := make([]model.ProjectId, 0, len(graph.Projects))
	for id := range graph.Projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// affectedFiles resolves the touched-files set when the affected filter is
// enabled. Returns a nil set (filter disabled) otherwise.
func (e *Engine) affectedFiles(ctx context.Context) (map[string]struct{}, []string, error) {
	if !e.opts.Affected {
		return nil, nil, nil
	}
	var touched vcs.TouchedFiles
	var err error
	if e.opts.AffectedAgainst != "" {
		touched, err = e.git.TouchedFilesAgainst(ctx, e.opts.AffectedAgainst)
	} else {
		touched, err = e.git.TouchedFiles(ctx)
	}
	if err != nil {
		return nil, nil, err
	}
	set := make(map[string]struct{}, len(touched.All))
	list := make([]string, 0, len(touched.All))
	for _, f := range touched.All {
		if _, dup := set[f]; !dup {
			set[f] = struct{}{}
			list = append(list, f)
		}
	}
	sort.Strings(list)
	return set, list, nil
}

func (e *Engine) concurrency() (int, error) {
	if e.opts.Concurrency == "" {
		return runtime.NumCPU(), nil
	}
	n, err := util.ParseConcurrency(e.opts.Concurrency)
	if err != nil {
		return 0, errs.Wrap(errs.KindConfig, "concurrency", err)
	}
	return n, nil
}

func environMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			env[kv[:eq]] = kv[eq+1:]
		}
	}
	return env
}
