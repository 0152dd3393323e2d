package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/process"
	"github.com/ogmios/monoforge/internal/toolchain"
)

// streamsFor selects streaming for primary (user-requested) targets and CI
// environments, captured otherwise.
func (p *Pipeline) streamsFor(node *action.Node) (io.Writer, io.Writer) {
	if p.opts.CI || p.opts.PrimaryTargets[node.ID] {
		return os.Stdout, os.Stderr
	}
	return nil, nil
}

// buildCommand assembles the task's process.Command: argv (optionally behind
// a shell), working directory, merged environment, and stdio mode.
func (p *Pipeline) buildCommand(node *action.Node, project *model.Project, task *model.Task) *process.Command {
	argv := append([]string{task.Command}, task.Args...)
	if p.opts.PrimaryTargets[node.ID] && len(p.opts.PassthroughArgs) > 0 {
		argv = append(argv, p.opts.PassthroughArgs...)
	}
	if task.Options.Shell {
		argv = []string{"sh", "-c", strings.Join(argv, " ")}
	}

	dir := project.Root.ToString()
	if task.Options.RunFromWorkspaceRoot {
		dir = p.opts.WorkspaceRoot.ToString()
	}

	stdout, stderr := p.streamsFor(node)
	return &process.Command{
		Argv:         argv,
		Dir:          dir,
		Env:          p.buildEnv(node, project, task),
		StreamStdout: stdout,
		StreamStderr: stderr,
	}
}

// buildEnv merges, lowest precedence first: the inherited process
// environment, the task's env_file, the task's declared env, and the
// injected MOON_* variables.
func (p *Pipeline) buildEnv(node *action.Node, project *model.Project, task *model.Task) []string {
	env := map[string]string{}
	for k, v := range p.opts.ProcessEnv {
		env[k] = v
	}
	if task.Options.EnvFile != "" {
		for k, v := range p.loadEnvFile(project, task.Options.EnvFile) {
			env[k] = v
		}
	}
	for k, v := range task.Env {
		env[k] = v
	}

	env["MOON_CACHE_DIR"] = p.opts.Cache.Dir().ToString()
	env["MOON_PROJECT_ID"] = string(project.ID)
	env["MOON_PROJECT_ROOT"] = project.Root.ToString()
	env["MOON_PROJECT_SOURCE"] = project.Source.ToUnixPath().ToString()
	env["MOON_PROJECT_RUNFILE"] = p.opts.Cache.RunfilePath(string(project.ID)).ToString()
	env["MOON_TARGET"] = node.Target.String()
	env["MOON_TOOLCHAIN_DIR"] = toolchain.DefaultToolchainDir()
	env["MOON_WORKSPACE_ROOT"] = p.opts.WorkspaceRoot.ToString()
	env["MOON_WORKING_DIR"] = p.opts.WorkingDir
	if task.Options.AffectedFiles {
		env["MOON_AFFECTED_FILES"] = strings.Join(p.opts.AffectedFiles, ",")
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// loadEnvFile reads a task's env_file. A missing file logs a warning and
// contributes nothing; it never fails the task.
func (p *Pipeline) loadEnvFile(project *model.Project, envFile string) map[string]string {
	path := project.Root.UntypedJoin(envFile)
	if strings.HasPrefix(envFile, "/") {
		path = p.opts.WorkspaceRoot.UntypedJoin(strings.TrimPrefix(envFile, "/"))
	}
	raw, err := path.ReadFile()
	if err != nil {
		p.logger.Warn("env_file not found, continuing without it", "path", path.ToString(), "error", err)
		return nil
	}

	vars := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		value = strings.Trim(value, `"'`)
		vars[key] = value
	}
	return vars
}

// execChild runs the task's command once and returns its captured stdio and
// exit code. err is ctx.Err() (possibly context.DeadlineExceeded from the
// task's own timeout), a *process.ChildExit for a non-zero exit, or a spawn
// failure.
func (p *Pipeline) execChild(ctx context.Context, node *action.Node, project *model.Project, task *model.Task) (stdout, stderr []byte, exitCode int, err error) {
	if task.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Options.Timeout)
		defer cancel()
	}

	cmd := p.buildCommand(node, project, task)
	exitCode, err = p.opts.Manager.ExecContext(ctx, process.ExecInput{
		Cmd:       cmd,
		KillGrace: p.opts.KillGrace,
	})
	return cmd.Stdout(), cmd.Stderr(), exitCode, err
}
