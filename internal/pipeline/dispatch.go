package pipeline

import (
	"context"
	"time"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/errs"
	"github.com/ogmios/monoforge/internal/eventbus"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/toolchain"
)

// dispatch runs one Action Graph node to completion, publishing its
// ActionStarted/ActionFinished events and returning its terminal Result.
func (p *Pipeline) dispatch(ctx context.Context, node *action.Node) *action.Result {
	p.opts.Bus.Publish(eventbus.Event{Kind: eventbus.KindActionStarted, ActionID: node.ID, Target: node.Target})

	start := time.Now()
	var result *action.Result
	switch node.Kind {
	case action.KindSetupToolchain:
		result = p.runSetupToolchain(ctx, node)
	case action.KindInstallDependencies:
		result = p.runInstallDependencies(ctx, node)
	case action.KindSyncProject:
		result = p.runSyncProject(ctx, node)
	case action.KindRunTask:
		result = p.runTask(ctx, node)
	default:
		result = &action.Result{Status: action.StatusInvalid, Err: errs.New(errs.KindGraph, node.ID, "unknown action kind")}
	}
	result.Duration = time.Since(start)
	node.Operations = result.Operations
	node.Status = result.Status
	return result
}

func (p *Pipeline) runSetupToolchain(ctx context.Context, node *action.Node) *action.Result {
	tc, err := p.opts.Registry.Lookup(node.ToolchainID)
	if err != nil {
		return &action.Result{Status: action.StatusFailed, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	op := newOperation(action.OpSync, node.ID)
	if err := tc.SetupToolchain(ctx, node.VersionReq); err != nil {
		finishOperation(op, action.StatusFailed)
		return &action.Result{Status: action.StatusFailed, Operations: []*action.Operation{op}, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	finishOperation(op, action.StatusPassed)
	return &action.Result{Status: action.StatusPassed, Operations: []*action.Operation{op}}
}

func (p *Pipeline) runInstallDependencies(ctx context.Context, node *action.Node) *action.Result {
	tc, err := p.opts.Registry.Lookup(node.ToolchainID)
	if err != nil {
		return &action.Result{Status: action.StatusFailed, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	var project *model.Project
	scope := toolchain.ScopeWorkspace
	if node.InstallScope == "project" {
		scope = toolchain.ScopeProject
		project = p.opts.Projects[node.Project]
	}
	op := newOperation(action.OpSync, node.ID)
	if err := tc.InstallDependencies(ctx, scope, node.VersionReq, project); err != nil {
		finishOperation(op, action.StatusFailed)
		return &action.Result{Status: action.StatusFailed, Operations: []*action.Operation{op}, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	finishOperation(op, action.StatusPassed)
	return &action.Result{Status: action.StatusPassed, Operations: []*action.Operation{op}}
}

func (p *Pipeline) runSyncProject(ctx context.Context, node *action.Node) *action.Result {
	project, ok := p.opts.Projects[node.Project]
	if !ok {
		return &action.Result{Status: action.StatusFailed, Err: errs.New(errs.KindGraph, node.ID, "unknown project")}
	}
	tc, err := p.opts.Registry.Lookup(node.ToolchainID)
	if err != nil {
		return &action.Result{Status: action.StatusFailed, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	op := newOperation(action.OpSync, node.ID)
	if err := tc.SyncProject(ctx, project); err != nil {
		finishOperation(op, action.StatusFailed)
		return &action.Result{Status: action.StatusFailed, Operations: []*action.Operation{op}, Err: errs.Wrap(errs.KindProcess, node.ID, err)}
	}
	if err := p.opts.Cache.SaveRunfile(project); err != nil {
		p.logger.Warn("failed to save project runfile", "project", node.Project, "error", err)
	}
	finishOperation(op, action.StatusPassed)
	return &action.Result{Status: action.StatusPassed, Operations: []*action.Operation{op}}
}

func newOperation(kind action.OperationKind, name string) *action.Operation {
	return &action.Operation{Kind: kind, Status: action.StatusRunning, Start: time.Now(), Name: name}
}

func finishOperation(op *action.Operation, status action.Status) {
	op.Status = status
	op.End = time.Now()
}
