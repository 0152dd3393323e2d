package toolchain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/syspath"
)

func writeFile(t *testing.T, root, rel, contents string) {
	t.Helper()
	path := filepath.Join(root, rel)
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0755))
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestWorkspacesUnmarshalBothShapes(t *testing.T) {
	var pkg PackageJSON
	assert.NilError(t, json.Unmarshal([]byte(`{"workspaces": ["apps/*"]}`), &pkg))
	assert.DeepEqual(t, []string(pkg.Workspaces), []string{"apps/*"})

	var alt PackageJSON
	assert.NilError(t, json.Unmarshal([]byte(`{"workspaces": {"packages": ["libs/*"]}}`), &alt))
	assert.DeepEqual(t, []string(alt.Workspaces), []string{"libs/*"})
}

func TestNodeDetectsPackageManagerByLockfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pnpm-lock.yaml", "lockfileVersion: 5.4\nimporters:\n  .:\n    specifiers: {}\n")
	writeFile(t, dir, "pnpm-workspace.yaml", "packages:\n  - apps/*\n")

	st := newNodeState(syspath.AbsoluteSystemPath(dir))
	assert.Assert(t, st.manager != nil)
	assert.Equal(t, st.manager.name, "pnpm")
	assert.Equal(t, len(st.workspaceGlobs), 1)
}

func TestNodeIsOutsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package-lock.json", `{"lockfileVersion": 3, "packages": {"": {}}}`)
	writeFile(t, dir, "package.json", `{"workspaces": ["apps/*"]}`)

	tc := NewNode(syspath.AbsoluteSystemPath(dir))

	inside := &model.Project{ID: "web", Source: "apps/web"}
	outside := &model.Project{ID: "tools", Source: "tools/scripts"}

	in, err := tc.IsOutsideWorkspace(inside)
	assert.NilError(t, err)
	assert.Assert(t, !in)

	out, err := tc.IsOutsideWorkspace(outside)
	assert.NilError(t, err)
	assert.Assert(t, out)
}

func TestNodeManifestDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "apps/web/package.json", `{
		"name": "web",
		"dependencies": {"ui": "1.0.0"},
		"devDependencies": {"tsup": "^6.0.0"},
		"peerDependencies": {"react": "^18.0.0"}
	}`)

	tc := NewNode(syspath.AbsoluteSystemPath(dir))
	project := &model.Project{
		ID:     "web",
		Source: syspath.AnchoredSystemPath(filepath.Join("apps", "web")),
		Root:   syspath.AbsoluteSystemPath(filepath.Join(dir, "apps", "web")),
	}

	name, err := tc.ManifestName(project)
	assert.NilError(t, err)
	assert.Equal(t, name, "web")

	deps, err := tc.ManifestDependencies(project)
	assert.NilError(t, err)
	assert.Equal(t, deps["ui"], model.DependencyProduction)
	assert.Equal(t, deps["tsup"], model.DependencyDevelopment)
	assert.Equal(t, deps["react"], model.DependencyPeer)
}
