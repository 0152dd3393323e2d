package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/errs"
	"github.com/ogmios/monoforge/internal/hasher"
	"github.com/ogmios/monoforge/internal/hashmanifest"
	"github.com/ogmios/monoforge/internal/localcache"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/syspath"
)

// runTask is the per-action lifecycle for a RunTask node.
func (p *Pipeline) runTask(ctx context.Context, node *action.Node) *action.Result {
	target := node.Target
	project, ok := p.opts.Projects[target.Project]
	if !ok {
		return &action.Result{Status: action.StatusFailed, Err: errs.New(errs.KindGraph, node.ID, "unknown project")}
	}
	task, ok := project.Tasks[target.Task]
	if !ok {
		return &action.Result{Status: action.StatusFailed, Err: errs.New(errs.KindGraph, node.ID, "unknown task")}
	}

	if task.Options.Persistent {
		return p.runPersistentTask(ctx, node, project, task)
	}

	var ops []*action.Operation

	hashOp := newOperation(action.OpHashGeneration, node.ID)
	manifest, hash, err := p.buildManifest(ctx, project, task)
	if err != nil {
		finishOperation(hashOp, action.StatusFailed)
		ops = append(ops, hashOp)
		return &action.Result{Status: action.StatusFailed, Operations: ops, Err: errs.Wrap(errs.KindHash, node.ID, err)}
	}
	hashOp.Hash = hash
	finishOperation(hashOp, action.StatusPassed)
	ops = append(ops, hashOp)

	cacheable := task.Options.Cache

	// Step 3: local cache lookup.
	if cacheable {
		if result := p.tryLocalHydrate(node, task, hash, &ops); result != nil {
			return result
		}
	}

	// Step 4: remote cache lookup.
	if cacheable && p.opts.Remote != nil {
		if result := p.tryRemoteHydrate(ctx, node, task, hash); result != nil {
			return result
		}
	}

	// Step 5: execute (with retries).
	outcome, stdout, stderr := p.executeWithRetries(ctx, node, project, task)
	ops = append(ops, outcome.ops...)

	if outcome.status != action.StatusPassed {
		return &action.Result{Status: outcome.status, Operations: ops, Err: outcome.err}
	}

	// Step 6: on success, archive outputs and update cache/remote.
	if cacheable {
		p.finalizeSuccess(ctx, node, project, task, manifest, hash, stdout, stderr, &ops)
	}

	return &action.Result{Status: action.StatusPassed, Operations: ops}
}

// tryLocalHydrate performs the local cache lookup: a
// matching lastRun hash with a present archive short-circuits to Cached,
// replaying the recorded stdio.
func (p *Pipeline) tryLocalHydrate(node *action.Node, task *model.Task, hash string, ops *[]*action.Operation) *action.Result {
	target := node.Target
	last, ok, _ := p.opts.Cache.ReadLastRun(string(target.Project), string(target.Task))
	if !ok || last.Hash != hash {
		return nil
	}
	if !p.opts.Cache.ArchiveExists(hash) {
		return nil
	}

	restoreOp := newOperation(action.OpOutputHydration, node.ID)
	restoreOp.Hash = hash
	_, restored, restoreErr := p.opts.Cache.LoadOutputs(hash, string(target.Project), string(target.Task), p.opts.WorkspaceRoot)
	if restoreErr != nil || !restored {
		if restoreErr != nil {
			p.logger.Warn("local cache hit failed to hydrate, re-executing", "target", target.String(), "error", restoreErr)
		}
		finishOperation(restoreOp, action.StatusFailed)
		*ops = append(*ops, restoreOp)
		return nil
	}

	p.replayStdio(node, restoreOp)
	finishOperation(restoreOp, action.StatusCached)
	*ops = append(*ops, restoreOp)
	return &action.Result{Status: action.StatusCached, Operations: *ops}
}

// replayStdio reads the recorded logs back into the hydration operation and,
// when the target is streaming, echoes them verbatim.
func (p *Pipeline) replayStdio(node *action.Node, op *action.Operation) {
	target := node.Target
	stdout, _ := p.opts.Cache.StdoutPath(string(target.Project), string(target.Task)).ReadFile()
	stderr, _ := p.opts.Cache.StderrPath(string(target.Project), string(target.Task)).ReadFile()
	op.Stdout = string(stdout)
	op.Stderr = string(stderr)
	if outW, errW := p.streamsFor(node); outW != nil {
		_, _ = outW.Write(stdout)
		_, _ = errW.Write(stderr)
	}
}

// buildManifest assembles the task's Input for the hasher, resolving its
// toolchain, platform-specific hash contribution, and project-dependency
// entries.
func (p *Pipeline) buildManifest(ctx context.Context, project *model.Project, task *model.Task) (*hashmanifest.Manifest, string, error) {
	tc := p.opts.Registry.Resolve(project, p.opts.WorkspaceDefault)
	version, err := tc.ResolveVersion(project)
	if err != nil {
		return nil, "", err
	}

	deps := make([]hashmanifest.ProjectDepEntry, 0, len(project.Dependencies))
	for id, dep := range project.Dependencies {
		deps = append(deps, hashmanifest.ProjectDepEntry{ProjectID: string(id), DependencyScope: string(dep.Scope)})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ProjectID < deps[j].ProjectID })

	manifest, err := p.opts.Hasher.BuildManifest(ctx, hasher.Input{
		WorkspaceRoot:    p.opts.WorkspaceRoot.ToString(),
		ProjectSource:    project.Source.ToUnixPath().ToString(),
		Target:           task.Target,
		Task:             task,
		ProjectDeps:      deps,
		Toolchain:        hashmanifest.ToolchainRef{ID: tc.ID, Version: version},
		WorkspaceVersion: p.opts.WorkspaceVersion,
		PassthroughArgs:  p.opts.PassthroughArgs,
		ProcessEnv:       p.opts.ProcessEnv,
	})
	if err != nil {
		return nil, "", err
	}

	if contribution, err := tc.HashContribution(project); err == nil && len(contribution) > 0 {
		manifest.PlatformSpecific = contribution
	}

	hash, err := manifest.Hash()
	if err != nil {
		return nil, "", err
	}
	return manifest, hash, nil
}

type retryOutcome struct {
	status   action.Status
	err      error
	exitCode int
	ops      []*action.Operation
}

// executeWithRetries runs the task's command up to options.RetryCount+1
// times, stopping at the first success.
func (p *Pipeline) executeWithRetries(ctx context.Context, node *action.Node, project *model.Project, task *model.Task) (retryOutcome, []byte, []byte) {
	attempts := int(task.Options.RetryCount) + 1
	var ops []*action.Operation
	var lastStdout, lastStderr []byte
	var lastErr error
	var lastExit int

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			op := newOperation(action.OpTaskExecution, node.ID)
			finishOperation(op, action.StatusAborted)
			ops = append(ops, op)
			return retryOutcome{status: action.StatusAborted, err: errs.Wrap(errs.KindCancelled, node.ID, ctx.Err()), ops: ops}, lastStdout, lastStderr
		}

		op := newOperation(action.OpTaskExecution, node.ID)
		op.Command = strings.TrimSpace(task.Command + " " + strings.Join(task.Args, " "))

		stdout, stderr, exitCode, execErr := p.execChild(ctx, node, project, task)
		lastStdout, lastStderr = stdout, stderr
		lastExit = exitCode
		op.ExitCode = exitCode
		op.Stdout = string(stdout)
		op.Stderr = string(stderr)

		switch {
		case errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil:
			finishOperation(op, action.StatusTimedOut)
			ops = append(ops, op)
			return retryOutcome{status: action.StatusTimedOut, err: errs.Wrap(errs.KindTimeout, node.ID, execErr), exitCode: exitCode, ops: ops}, lastStdout, lastStderr
		case execErr != nil && ctx.Err() != nil:
			finishOperation(op, action.StatusAborted)
			ops = append(ops, op)
			return retryOutcome{status: action.StatusAborted, err: errs.Wrap(errs.KindCancelled, node.ID, execErr), exitCode: exitCode, ops: ops}, lastStdout, lastStderr
		case execErr == nil:
			finishOperation(op, action.StatusPassed)
			ops = append(ops, op)
			return retryOutcome{status: action.StatusPassed, exitCode: exitCode, ops: ops}, lastStdout, lastStderr
		default:
			finishOperation(op, action.StatusFailed)
			ops = append(ops, op)
			lastErr = execErr
		}
	}

	if task.Options.AllowFailure {
		return retryOutcome{status: action.StatusPassed, exitCode: lastExit, ops: ops}, lastStdout, lastStderr
	}
	return retryOutcome{status: action.StatusFailed, err: errs.Wrap(errs.KindTaskFailure, node.ID, lastErr), exitCode: lastExit, ops: ops}, lastStdout, lastStderr
}

// finalizeSuccess writes the stdio logs, archives outputs, saves the hash
// manifest, records the run state, and uploads to the remote cache when one
// is configured.
func (p *Pipeline) finalizeSuccess(ctx context.Context, node *action.Node, project *model.Project, task *model.Task, manifest *hashmanifest.Manifest, hash string, stdout, stderr []byte, ops *[]*action.Operation) {
	target := node.Target

	if err := p.opts.Cache.SaveStdio(string(target.Project), string(target.Task), localcache.Stdio{Stdout: stdout, Stderr: stderr}); err != nil {
		p.logger.Warn("failed to write stdio logs", "target", target.String(), "error", err)
	}

	archiveOp := newOperation(action.OpOutputArchiving, node.ID)
	archiveOp.Hash = hash

	outputs := p.resolveOutputPaths(project, task)
	_, saved, saveErr := p.opts.Cache.SaveOutputs(hash, p.opts.WorkspaceRoot, outputs, localcache.Stdio{Stdout: stdout, Stderr: stderr})
	if saveErr != nil {
		p.logger.Warn("failed to archive outputs", "target", target.String(), "error", saveErr)
		finishOperation(archiveOp, action.StatusFailed)
	} else {
		finishOperation(archiveOp, action.StatusPassed)
	}
	*ops = append(*ops, archiveOp)

	if raw, err := manifest.CanonicalJSON(); err == nil {
		if err := p.opts.Cache.SaveManifest(hash, raw); err != nil {
			p.logger.Warn("failed to save hash manifest", "target", target.String(), "error", err)
		}
	}

	if err := p.opts.Cache.RecordRunState(string(target.Project), string(target.Task), hash, 0, time.Now()); err != nil {
		p.logger.Warn("failed to record run state", "target", target.String(), "error", err)
	}

	if saved && p.opts.Remote != nil {
		p.uploadRemote(ctx, node, hash, outputs, stdout, stderr)
	}
}

// resolveOutputPaths expands a task's declared output files and globs to
// existing workspace-anchored paths.
func (p *Pipeline) resolveOutputPaths(project *model.Project, task *model.Task) []syspath.AnchoredSystemPath {
	workspaceRoot := p.opts.WorkspaceRoot
	seen := map[string]struct{}{}

	toAnchored := func(f string) (syspath.AnchoredSystemPath, bool) {
		var abs syspath.AbsoluteSystemPath
		if strings.HasPrefix(f, "/") {
			abs = workspaceRoot.UntypedJoin(strings.TrimPrefix(f, "/"))
		} else {
			abs = project.Root.UntypedJoin(f)
		}
		if !abs.FileExists() && !abs.DirExists() {
			return "", false
		}
		rel, err := abs.RelativeTo(workspaceRoot)
		if err != nil {
			return "", false
		}
		return rel, true
	}

	for f := range task.OutputFiles {
		if rel, ok := toAnchored(f); ok {
			seen[rel.ToString()] = struct{}{}
		}
	}

	for pattern := range task.OutputGlobs {
		root := project.Root
		pat := pattern
		if strings.HasPrefix(pattern, "/") {
			root = workspaceRoot
			pat = strings.TrimPrefix(pattern, "/")
		}
		g, err := glob.Compile(pat, '/')
		if err != nil {
			p.logger.Warn("invalid output glob, skipping", "pattern", pattern, "error", err)
			continue
		}
		rootStr := root.ToString()
		_ = godirwalk.Walk(rootStr, &godirwalk.Options{
			Unsorted: true,
			Callback: func(path string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				rel, err := syspath.AbsoluteSystemPath(path).RelativeTo(root)
				if err != nil {
					return nil
				}
				if !g.Match(rel.ToUnixPath().ToString()) {
					return nil
				}
				anchored, err := syspath.AbsoluteSystemPath(path).RelativeTo(workspaceRoot)
				if err != nil {
					return nil
				}
				seen[anchored.ToString()] = struct{}{}
				return nil
			},
		})
	}

	out := make([]syspath.AnchoredSystemPath, 0, len(seen))
	for rel := range seen {
		out = append(out, syspath.AnchoredSystemPath(rel))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToString() < out[j].ToString() })
	return out
}
