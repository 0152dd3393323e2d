package hasher

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/hashmanifest"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/vcs"
)

type fakeProvider struct {
	fileHashes map[string]string
	tree       map[string]string
}

func (f *fakeProvider) LocalBranch(ctx context.Context) (string, error)         { return "main", nil }
func (f *fakeProvider) LocalBranchRevision(ctx context.Context) (string, error) { return "abc", nil }
func (f *fakeProvider) DefaultBranch(ctx context.Context) (string, error)       { return "main", nil }
func (f *fakeProvider) DefaultBranchRevision(ctx context.Context) (string, error) {
	return "abc", nil
}
func (f *fakeProvider) FileHashes(ctx context.Context, paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		out[p] = f.fileHashes[p]
	}
	return out, nil
}
func (f *fakeProvider) TreeHashes(ctx context.Context, dir string) (map[string]string, error) {
	return f.tree, nil
}
func (f *fakeProvider) TouchedFiles(ctx context.Context) (vcs.TouchedFiles, error) {
	return vcs.TouchedFiles{}, nil
}
func (f *fakeProvider) TouchedFilesAgainst(ctx context.Context, base string) (vcs.TouchedFiles, error) {
	return vcs.TouchedFiles{}, nil
}
func (f *fakeProvider) IsDefaultBranch(ctx context.Context, branch string) (bool, error) {
	return branch == "main", nil
}

func TestBuildManifestDeterministicHash(t *testing.T) {
	provider := &fakeProvider{
		fileHashes: map[string]string{"apps/web/index.ts": "deadbeef"},
	}
	h := New(provider, nil)

	task := &model.Task{
		Command:     "build",
		Args:        []string{"--prod"},
		Env:         map[string]string{"NODE_ENV": "production"},
		InputFiles:  map[string]struct{}{"apps/web/index.ts": {}},
		InputGlobs:  map[string]struct{}{},
		InputVars:   map[string]struct{}{},
	}

	in := Input{
		WorkspaceRoot:    "/repo",
		Target:           model.NewProjectTarget("web", "build"),
		Task:             task,
		Toolchain:        hashmanifest.ToolchainRef{ID: "node", Version: "20"},
		WorkspaceVersion: "1",
		ProcessEnv:       map[string]string{},
	}

	m1, err := h.BuildManifest(context.Background(), in)
	assert.NilError(t, err)
	h1, err := m1.Hash()
	assert.NilError(t, err)

	m2, err := h.BuildManifest(context.Background(), in)
	assert.NilError(t, err)
	h2, err := m2.Hash()
	assert.NilError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, len(h1), 64)
}

func TestBuildManifestChangesWithCommand(t *testing.T) {
	provider := &fakeProvider{}
	h := New(provider, nil)

	base := Input{
		Target: model.NewProjectTarget("web", "build"),
		Task:   &model.Task{Command: "build"},
	}
	changed := base
	changed.Task = &model.Task{Command: "test"}

	m1, _ := h.BuildManifest(context.Background(), base)
	m2, _ := h.BuildManifest(context.Background(), changed)
	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	assert.Assert(t, h1 != h2)
}
