package tokens

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/ogmios/monoforge/internal/model"
)

// Expander substitutes `@func(arg)` and `$var` occurrences in task fields against
// a project+task Context.
type Expander struct {
	Logger hclog.Logger
}

// New builds an Expander. A nil logger is replaced with a discarding one.
func New(logger hclog.Logger) *Expander {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Expander{Logger: logger}
}

// ExpandTask expands command, args, env, inputs, outputs in that order, returning a new Task with expanded fields and derived sets populated.
// workDir is the task's working directory (project root, or workspace root when
// run_from_workspace_root is set) used to rewrite workspace-relative paths in args.
func (e *Expander) ExpandTask(task *model.Task, ctx *Context, groups map[string]*model.FileGroup, workDir string) (*model.Task, error) {
	out := *task

	expandedCommand := expandVariables(task.Command, ctx)
	if funcPattern.MatchString(expandedCommand) {
		return nil, &ScopeError{Token: expandedCommand, Scope: FieldCommand}
	}
	out.Command = expandedCommand

	inputLiterals := literalsOf(task.Inputs)
	outputLiterals := literalsOfOut(task.Outputs)

	args := make([]string, len(task.Args))
	for i, a := range task.Args {
		expanded, err := e.expandField(a, ctx, groups, inputLiterals, outputLiterals, true, FieldArgs)
		if err != nil {
			return nil, err
		}
		args[i] = rewriteWorkspaceRelative(expanded, ctx.WorkspaceRoot, workDir)
	}
	out.Args = args

	env := make(map[string]string, len(task.Env))
	for k, v := range task.Env {
		expanded := expandVariables(v, ctx)
		if funcPattern.MatchString(expanded) {
			return nil, &ScopeError{Token: expanded, Scope: FieldEnv}
		}
		env[k] = expandEnvVarRefs(expanded)
	}
	out.Env = env

	inputFiles := map[string]struct{}{}
	inputGlobs := map[string]struct{}{}
	inputVars := map[string]struct{}{}
	expandedInputs := make([]model.InputPath, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		lits, err := e.expandPathEntry(in.Literal, ctx, groups, inputLiterals, outputLiterals, FieldInputs)
		if err != nil {
			return nil, err
		}
		for _, lit := range lits {
			parsed := model.ParseInputPath(lit)
			expandedInputs = append(expandedInputs, parsed)
			classifyInput(parsed, inputFiles, inputGlobs, inputVars)
		}
	}
	out.Inputs = expandedInputs
	out.InputFiles = inputFiles
	out.InputGlobs = inputGlobs
	out.InputVars = inputVars

	outputFiles := map[string]struct{}{}
	outputGlobs := map[string]struct{}{}
	expandedOutputs := make([]model.OutputPath, 0, len(task.Outputs))
	for _, o := range task.Outputs {
		lits, err := e.expandPathEntry(o.Literal, ctx, groups, inputLiterals, outputLiterals, FieldOutputs)
		if err != nil {
			return nil, err
		}
		for _, lit := range lits {
			parsed := model.ParseOutputPath(lit)
			expandedOutputs = append(expandedOutputs, parsed)
			classifyOutput(parsed, outputFiles, outputGlobs)
		}
	}
	out.Outputs = expandedOutputs
	out.OutputFiles = outputFiles
	out.OutputGlobs = outputGlobs

	return &out, nil
}

// expandField expands $var (fixed point) and, if the literal whole value is a
// `@func(...)`, the single function call. allowInOut controls whether @in/@out are
// permitted (args only, per the scope matrix).
func (e *Expander) expandField(value string, ctx *Context, groups map[string]*model.FileGroup, inputs, outputs []string, allowInOut bool, field Field) (string, error) {
	value = expandVariables(value, ctx)
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	if !funcPattern.MatchString(value) {
		// A function-looking fragment mixed with other text: log and skip expansion.
		if strings.Contains(value, "@") {
			e.Logger.Warn("token function found mixed with other text, skipping expansion", "value", value)
		}
		return value, nil
	}
	results, err := expandFunction(value, groups, inputs, outputs, allowInOut)
	if err != nil {
		return "", err
	}
	return strings.Join(results, " "), nil
}

// expandPathEntry is expandField's variant for inputs/outputs entries, which may
// fan a single @group(...)/@files(...)/... literal out into many path entries.
func (e *Expander) expandPathEntry(literal string, ctx *Context, groups map[string]*model.FileGroup, inputs, outputs []string, field Field) ([]string, error) {
	expanded := expandVariables(literal, ctx)
	if !strings.HasPrefix(expanded, "@") {
		return []string{expanded}, nil
	}
	if !funcPattern.MatchString(expanded) {
		if strings.Contains(expanded, "@") {
			e.Logger.Warn("token function found mixed with other text, skipping expansion", "value", expanded)
		}
		return []string{expanded}, nil
	}
	// @in/@out are args-only.
	if strings.HasPrefix(expanded, "@in(") || strings.HasPrefix(expanded, "@out(") {
		return nil, &ScopeError{Token: expanded, Scope: field}
	}
	return expandFunction(expanded, groups, inputs, outputs, false)
}

// expandEnvVarRefs substitutes `$VAR` form environment references inside env values
// using the current process environment. Unset variables
// expand to the empty string, matching os.Expand/os.ExpandEnv semantics.
func expandEnvVarRefs(value string) string {
	return os.ExpandEnv(value)
}

func literalsOf(inputs []model.InputPath) []string {
	out := make([]string, len(inputs))
	for i, in := range inputs {
		out[i] = in.Literal
	}
	return out
}

func literalsOfOut(outputs []model.OutputPath) []string {
	out := make([]string, len(outputs))
	for i, o := range outputs {
		out[i] = o.Literal
	}
	return out
}

func classifyInput(p model.InputPath, files, globs, vars map[string]struct{}) {
	switch p.Kind {
	case model.InputProjectFile, model.InputWorkspaceFile:
		files[p.Literal] = struct{}{}
	case model.InputProjectGlob, model.InputWorkspaceGlob:
		globs[p.Literal] = struct{}{}
	case model.InputTokenVar:
		// A $NAME entry that survived variable expansion names an environment
		// variable input, not a token.
		vars[strings.TrimPrefix(p.Literal, "$")] = struct{}{}
	}
}

func classifyOutput(p model.OutputPath, files, globs map[string]struct{}) {
	switch p.Kind {
	case model.OutputProjectFile, model.OutputWorkspaceFile:
		files[p.Literal] = struct{}{}
	case model.OutputProjectGlob, model.OutputWorkspaceGlob:
		globs[p.Literal] = struct{}{}
	}
}

// rewriteWorkspaceRelative rewrites a workspace-relative path (leading `/`,
// stripped from workspaceRoot) to a path relative to the task's working
// directory, so argv stays correct when the task runs somewhere other than
// the workspace root.
func rewriteWorkspaceRelative(value, workspaceRoot, workDir string) string {
	if !strings.HasPrefix(value, "/") {
		return value
	}
	abs := filepath.Join(workspaceRoot, value)
	rel, err := filepath.Rel(workDir, abs)
	if err != nil {
		return value
	}
	return rel
}
