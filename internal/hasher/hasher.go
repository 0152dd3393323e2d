// Package hasher builds a hash manifest for a RunTask from its resolved
// inputs, consulting the VCS provider in batch for file content hashes.
package hasher

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/ogmios/monoforge/internal/hashmanifest"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/vcs"
)

// fileHashBatchLimit bounds concurrent VCS file-hash batches.
const fileHashBatchLimit = 500

// Hasher produces RunTask hash manifests.
type Hasher struct {
	VCS    vcs.Provider
	Logger hclog.Logger
}

// New builds a Hasher. A nil logger is replaced with a discarding one.
func New(provider vcs.Provider, logger hclog.Logger) *Hasher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hasher{VCS: provider, Logger: logger}
}

// Input is everything the hasher needs beyond the task's own fields to build
// a manifest: the task's project-dependency set, toolchain, workspace
// version, and passthrough args appended after `--`.
type Input struct {
	WorkspaceRoot string
	// ProjectSource is the task's project directory relative to the workspace
	// root; project-relative input paths are re-anchored under it.
	ProjectSource string
	Target        model.Target
	Task          *model.Task
	ProjectDeps      []hashmanifest.ProjectDepEntry
	Toolchain        hashmanifest.ToolchainRef
	WorkspaceVersion string
	PassthroughArgs  []string
	// ProcessEnv is the current process environment snapshot, used to resolve
	// input_vars values.
	ProcessEnv map[string]string
}

// BuildManifest resolves the task's input_files/input_globs to content
// hashes via the VCS provider and assembles the fixed-order manifest.
// Directory inputs are promoted to <dir>/**/* globs; files that don't exist
// at the resolved path are excluded.
func (h *Hasher) BuildManifest(ctx context.Context, in Input) (*hashmanifest.Manifest, error) {
	globs := map[string]struct{}{}
	for pattern := range in.Task.InputGlobs {
		globs[h.workspaceRelative(in, pattern)] = struct{}{}
	}

	fileSet := map[string]struct{}{}
	for f := range in.Task.InputFiles {
		rel := h.workspaceRelative(in, f)
		info, err := os.Stat(filepath.Join(in.WorkspaceRoot, filepath.FromSlash(rel)))
		if err != nil {
			continue // nonexistent inputs are excluded
		}
		if info.IsDir() {
			globs[rel+"/**/*"] = struct{}{}
			continue
		}
		fileSet[rel] = struct{}{}
	}

	globResolved, err := h.resolveGlobInputs(ctx, in.WorkspaceRoot, globs)
	if err != nil {
		return nil, err
	}
	for f := range globResolved {
		fileSet[f] = struct{}{}
	}

	files := make([]string, 0, len(fileSet))
	for f := range fileSet {
		files = append(files, f)
	}
	sort.Strings(files)

	hashes, err := h.batchFileHashes(ctx, files)
	if err != nil {
		return nil, err
	}

	inputs := make([]hashmanifest.InputEntry, 0, len(hashes))
	for path, hash := range hashes {
		inputs = append(inputs, hashmanifest.InputEntry{Path: path, ContentHash: hash})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Path < inputs[j].Path })

	varNames := make([]string, 0, len(in.Task.InputVars))
	for name := range in.Task.InputVars {
		varNames = append(varNames, name)
	}
	sort.Strings(varNames)
	vars := make([]hashmanifest.VarEntry, 0, len(varNames))
	for _, name := range varNames {
		vars = append(vars, hashmanifest.VarEntry{Name: name, Value: in.ProcessEnv[name]})
	}

	deps := append([]hashmanifest.ProjectDepEntry(nil), in.ProjectDeps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].ProjectID < deps[j].ProjectID })

	return &hashmanifest.Manifest{
		Target:           in.Target.String(),
		Command:          in.Task.Command,
		Args:             append([]string(nil), in.Task.Args...),
		Env:              in.Task.Env,
		Inputs:           inputs,
		InputVars:        vars,
		Toolchain:        in.Toolchain,
		ProjectDeps:      deps,
		WorkspaceVersion: in.WorkspaceVersion,
		PassthroughArgs:  append([]string(nil), in.PassthroughArgs...),
	}, nil
}

// workspaceRelative re-anchors a task-declared path: a /-prefixed path is
// already workspace-relative, anything else is relative to the project.
func (h *Hasher) workspaceRelative(in Input, p string) string {
	negated := strings.HasPrefix(p, "!")
	body := strings.TrimPrefix(p, "!")
	var rel string
	if strings.HasPrefix(body, "/") {
		rel = strings.TrimPrefix(body, "/")
	} else {
		rel = path.Join(in.ProjectSource, body)
	}
	if negated {
		return "!" + rel
	}
	return rel
}

// resolveGlobInputs prefers the VCS tree listing over re-walking the
// filesystem, filtering committed blobs by the glob set.
func (h *Hasher) resolveGlobInputs(ctx context.Context, workspaceRoot string, globs map[string]struct{}) (map[string]struct{}, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	tree, err := h.VCS.TreeHashes(ctx, ".")
	if err != nil {
		return nil, err
	}
	compiled := make([]glob.Glob, 0, len(globs))
	for pattern := range globs {
		if strings.HasPrefix(pattern, "!") {
			continue // negations are applied below against the matched set
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			h.Logger.Warn("invalid input glob, skipping", "pattern", pattern, "error", err)
			continue
		}
		compiled = append(compiled, g)
	}
	matched := map[string]struct{}{}
	for file := range tree {
		for _, g := range compiled {
			if g.Match(file) {
				matched[file] = struct{}{}
				break
			}
		}
	}
	for pattern := range globs {
		if !strings.HasPrefix(pattern, "!") {
			continue
		}
		pat := strings.TrimPrefix(pattern, "!")
		g, err := glob.Compile(pat, '/')
		if err != nil {
			continue
		}
		for file := range matched {
			if g.Match(file) {
				delete(matched, file)
			}
		}
	}
	return matched, nil
}

// batchFileHashes hashes files via the VCS provider in bounded concurrent
// batches, merging results under a shared map guarded by the errgroup's
// implicit happens-before on completion.
func (h *Hasher) batchFileHashes(ctx context.Context, files []string) (map[string]string, error) {
	if len(files) == 0 {
		return map[string]string{}, nil
	}

	var batches [][]string
	for i := 0; i < len(files); i += fileHashBatchLimit {
		end := i + fileHashBatchLimit
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[i:end])
	}

	results := make([]map[string]string, len(batches))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(fileHashBatchLimit)
	for i, batch := range batches {
		i, batch := i, batch
		group.Go(func() error {
			hashes, err := h.VCS.FileHashes(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = hashes
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := map[string]string{}
	for _, r := range results {
		for k, v := range r {
			merged[k] = v
		}
	}
	return merged, nil
}
