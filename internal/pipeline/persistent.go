package pipeline

import (
	"context"
	"os"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/process"
)

// runPersistentTask starts a persistent RunTask: it has no expected exit, runs
// alongside the rest of its batch, never touches the cache, and is terminated
// when the pipeline completes or is cancelled. The returned result reflects the start; the child's lifetime is
// owned by the pipeline's shutdown path.
func (p *Pipeline) runPersistentTask(ctx context.Context, node *action.Node, project *model.Project, task *model.Task) *action.Result {
	pctx, cancel := context.WithCancel(ctx)
	p.persistentMu.Lock()
	p.persistent = append(p.persistent, cancel)
	p.persistentMu.Unlock()

	cmd := p.buildCommand(node, project, task)
	// A persistent task's stdio always streams; there is no archive to
	// capture it for.
	cmd.StreamStdout = os.Stdout
	cmd.StreamStderr = os.Stderr

	op := newOperation(action.OpTaskExecution, node.ID)
	op.Command = cmd.Label()

	p.persistentWG.Add(1)
	go func() {
		defer p.persistentWG.Done()
		exitCode, err := p.opts.Manager.ExecContext(pctx, process.ExecInput{
			Cmd:       cmd,
			KillGrace: p.opts.KillGrace,
		})
		op.ExitCode = exitCode
		if err != nil && pctx.Err() == nil {
			finishOperation(op, action.StatusFailed)
			p.logger.Warn("persistent task exited unexpectedly", "target", node.Target.String(), "error", err)
			return
		}
		// Terminated at pipeline end, which is a persistent task's normal fate.
		finishOperation(op, action.StatusPassed)
	}()

	return &action.Result{Status: action.StatusPassed, Operations: []*action.Operation{op}}
}
