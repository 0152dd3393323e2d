// Package pipeline is the Action Pipeline: it executes an
// Action DAG built by internal/actiongraph with bounded parallelism,
// cancellation, and retries, consulting internal/hasher, internal/localcache,
// and internal/remotecache at each RunTask node and publishing lifecycle
// events on an internal/eventbus.Bus.
//
// The DAG walk completes every dependency before starting its dependents, so
// ActionFinished for an action always happens-before ActionStarted of anything
// that depends on it. Failures are isolated: dependents of a failed action are
// reported Skipped while independent actions keep running, unless bail-on-
// failure cancels the whole run.
package pipeline

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pyr-sh/dag"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/actiongraph"
	"github.com/ogmios/monoforge/internal/eventbus"
	"github.com/ogmios/monoforge/internal/hasher"
	"github.com/ogmios/monoforge/internal/localcache"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/process"
	"github.com/ogmios/monoforge/internal/remotecache"
	"github.com/ogmios/monoforge/internal/toolchain"
	"github.com/ogmios/monoforge/internal/syspath"
)

// defaultKillGrace is the grace period between a graceful terminate signal
// and a hard kill on cancellation/timeout.
const defaultKillGrace = 2 * time.Second

// Options configures a Pipeline.
type Options struct {
	WorkspaceRoot    syspath.AbsoluteSystemPath
	WorkspaceVersion string

	Projects map[model.ProjectId]*model.Project
	Registry *toolchain.Registry

	// WorkspaceDefault is the toolchain id used for projects that don't
	// declare their own (internal/toolchain.Registry.Resolve's fallback).
	WorkspaceDefault string

	Hasher *hasher.Hasher
	Cache  *localcache.Cache
	Remote *remotecache.Client // nil disables remote cache lookups

	Bus     *eventbus.Bus
	Manager *process.Manager
	Logger  hclog.Logger

	// Concurrency bounds the number of RunTask actions (plus Setup/Install/
	// Sync actions) executing at once.
	Concurrency int

	// PrimaryTargets are the node ids of the targets the user explicitly
	// selected on invocation; their stdio streams to the parent rather than
	// being captured.
	PrimaryTargets map[string]bool

	// CI forces streaming for every action; output is never hidden on a CI
	// runner.
	CI bool

	// BailOnFailure cancels the pipeline on the first task failure instead of
	// continuing independent actions.
	BailOnFailure bool

	// AffectedFiles is injected into MOON_AFFECTED_FILES for tasks whose
	// options.affected_files is set.
	AffectedFiles []string

	// PassthroughArgs are arguments the user appended after `--`.
	PassthroughArgs []string

	// ProcessEnv is the process environment snapshot used both for
	// input_vars resolution and as the base environment every child process
	// inherits.
	ProcessEnv map[string]string

	// WorkingDir is the caller's CWD, injected as MOON_WORKING_DIR.
	WorkingDir string

	// KillGrace overrides defaultKillGrace when non-zero.
	KillGrace time.Duration
}

// Pipeline executes one Action DAG.
type Pipeline struct {
	opts   Options
	graph  *actiongraph.Graph
	logger hclog.Logger

	mu       sync.Mutex
	failed   map[string]bool
	skipped  map[string]bool
	finished map[string]*action.Result

	persistentWG sync.WaitGroup
	persistentMu sync.Mutex
	persistent   []context.CancelFunc
}

// New builds a Pipeline ready to Run graph.
func New(graph *actiongraph.Graph, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Manager == nil {
		opts.Manager = process.NewManager(opts.Logger)
	}
	return &Pipeline{
		opts:     opts,
		graph:    graph,
		logger:   opts.Logger.Named("pipeline"),
		failed:   map[string]bool{},
		skipped:  map[string]bool{},
		finished: map[string]*action.Result{},
	}
}

// Summary is the pipeline's terminal result.
type Summary struct {
	Results  []eventbus.TargetResult
	Status   eventbus.PipelineStatus
	Duration time.Duration
	Err      error
}

// cancelCause distinguishes why the pipeline's context was cancelled, so the
// terminal status can be derived correctly.
type cancelCause int32

const (
	causeNone cancelCause = iota
	// causeInterrupt is a catchable interactive interrupt (Ctrl+C).
	causeInterrupt
	// causeTerminate is an external termination request (SIGTERM/SIGQUIT).
	causeTerminate
	causeBail
)

// Run executes the Action DAG to completion, honoring ctx cancellation and
// OS signals, and returns the aggregated Summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cause int32 // cancelCause
	sigCh := make(chan os.Signal, 1)
	watchSignals(sigCh)
	defer stopSignals(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			if sig == os.Interrupt {
				atomic.CompareAndSwapInt32(&cause, int32(causeNone), int32(causeInterrupt))
			} else {
				atomic.CompareAndSwapInt32(&cause, int32(causeNone), int32(causeTerminate))
			}
			cancel()
		case <-runCtx.Done():
		}
	}()

	p.opts.Bus.Publish(eventbus.Event{Kind: eventbus.KindPipelineStarted})

	sem := make(chan struct{}, p.opts.Concurrency)
	var actionErrs *multierror.Error
	var actionErrsMu sync.Mutex

	walkErr := p.graph.DAG.Walk(func(v dag.Vertex) error {
		id := dag.VertexName(v)
		node, ok := p.graph.Nodes[id]
		if !ok {
			return nil
		}

		// Unstarted dependents of a failure report Skipped even when the
		// pipeline is also cancelling; only actions with no failed ancestry
		// report Aborted.
		if p.anyDependencyFailed(id) {
			p.markSkipped(id, action.StatusSkipped)
			return nil
		}

		if runCtx.Err() != nil {
			p.markSkipped(id, action.StatusAborted)
			return nil
		}

		sem <- struct{}{}
		defer func() { <-sem }()

		result := p.dispatch(runCtx, node)

		p.mu.Lock()
		p.finished[id] = result
		if result.Status == action.StatusFailed || result.Status == action.StatusTimedOut {
			p.failed[id] = true
		}
		p.mu.Unlock()

		p.opts.Bus.Publish(eventbus.Event{
			Kind:     eventbus.KindActionFinished,
			ActionID: id,
			Target:   node.Target,
			Result:   result,
		})

		if result.Status == action.StatusFailed && p.opts.BailOnFailure {
			atomic.CompareAndSwapInt32(&cause, int32(causeNone), int32(causeBail))
			cancel()
		}

		if result.Err != nil {
			actionErrsMu.Lock()
			actionErrs = multierror.Append(actionErrs, result.Err)
			actionErrsMu.Unlock()
		}

		return nil
	})

	p.terminatePersistent()

	status := p.terminalStatus(cancelCause(atomic.LoadInt32(&cause)), walkErr)
	runErr := actionErrs.ErrorOrNil()
	summary := &Summary{
		Results:  p.orderedResults(),
		Status:   status,
		Duration: time.Since(start),
		Err:      runErr,
	}

	ev := eventbus.Event{Kind: eventbus.KindPipelineFinished, Status: status, Err: runErr}
	if status == eventbus.StatusAborted || status == eventbus.StatusInterrupted || status == eventbus.StatusTerminated {
		ev.Kind = eventbus.KindPipelineAborted
	}
	p.opts.Bus.Publish(ev)

	return summary, nil
}

func (p *Pipeline) terminalStatus(cause cancelCause, walkErr error) eventbus.PipelineStatus {
	switch cause {
	case causeInterrupt:
		return eventbus.StatusInterrupted
	case causeTerminate:
		return eventbus.StatusTerminated
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failed) > 0 || walkErr != nil {
		return eventbus.StatusAborted
	}
	return eventbus.StatusCompleted
}

func (p *Pipeline) orderedResults() []eventbus.TargetResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventbus.TargetResult, 0, len(p.finished))
	for _, id := range p.graph.DAG.Vertices() {
		name := dag.VertexName(id)
		res, ok := p.finished[name]
		if !ok {
			continue
		}
		node := p.graph.Nodes[name]
		out = append(out, eventbus.TargetResult{ActionID: name, Target: node.Target, Result: res})
	}
	return out
}

// anyDependencyFailed reports whether any action id's DownEdges (its
// dependencies, per actiongraph's "edge A->B means A depends on B"
// convention) failed or were skipped, so id must be skipped too rather than
// executed.
func (p *Pipeline) anyDependencyFailed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dep := range p.graph.DAG.DownEdges(id).List() {
		depID := dag.VertexName(dep)
		if p.failed[depID] || p.skipped[depID] {
			return true
		}
	}
	return false
}

func (p *Pipeline) markSkipped(id string, status action.Status) {
	p.mu.Lock()
	if p.skipped[id] || p.finished[id] != nil {
		p.mu.Unlock()
		return
	}
	p.skipped[id] = true
	result := &action.Result{Status: status}
	p.finished[id] = result
	p.mu.Unlock()

	node := p.graph.Nodes[id]
	var target model.Target
	if node != nil {
		target = node.Target
	}
	p.opts.Bus.Publish(eventbus.Event{Kind: eventbus.KindActionStarted, ActionID: id, Target: target})
	p.opts.Bus.Publish(eventbus.Event{Kind: eventbus.KindActionFinished, ActionID: id, Target: target, Result: result})
}

// terminatePersistent sends a terminate signal to every still-running
// persistent task once the pipeline completes or is cancelled.
func (p *Pipeline) terminatePersistent() {
	p.persistentMu.Lock()
	cancels := append([]context.CancelFunc(nil), p.persistent...)
	p.persistentMu.Unlock()
	for _, c := range cancels {
		c()
	}
	p.persistentWG.Wait()
}
