package localcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/syspath"
)

func newTestCache(t *testing.T, mode Mode) (*Cache, syspath.AbsoluteSystemPath) {
	t.Helper()
	dir := t.TempDir()
	root := syspath.AbsoluteSystemPath(dir)
	return New(Options{WorkspaceRoot: root, Mode: mode, Compression: CompressionNone}), root
}

func TestSaveAndLoadManifest(t *testing.T) {
	c, _ := newTestCache(t, ModeReadWrite)

	assert.NilError(t, c.SaveManifest("abc123", []byte(`{"target":"web:build"}`)))

	raw, ok, err := c.LoadManifest("abc123")
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, string(raw), `{"target":"web:build"}`)

	_, ok, err = c.LoadManifest("doesnotexist")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestRecordAndReadLastRun(t *testing.T) {
	c, _ := newTestCache(t, ModeReadWrite)

	now := time.Unix(1700000000, 0)
	assert.NilError(t, c.RecordRunState("web", "build", "hash1", 0, now))

	state, ok, err := c.ReadLastRun("web", "build")
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, state.Hash, "hash1")
	assert.Equal(t, state.ExitCode, 0)
	assert.Equal(t, state.LastRunTimeMillis, now.UnixMilli())

	_, ok, err = c.ReadLastRun("web", "test")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestSaveAndLoadOutputsRoundTrip(t *testing.T) {
	c, root := newTestCache(t, ModeReadWrite)

	distDir := filepath.Join(root.ToString(), "packages", "web", "dist")
	assert.NilError(t, os.MkdirAll(distDir, 0755))
	assert.NilError(t, os.WriteFile(filepath.Join(distDir, "bundle.js"), []byte("console.log(1)"), 0644))

	outputs := []syspath.AnchoredSystemPath{
		syspath.AnchoredSystemPath(filepath.Join("packages", "web", "dist")),
		syspath.AnchoredSystemPath(filepath.Join("packages", "web", "dist", "bundle.js")),
	}

	archivePath, ok, err := c.SaveOutputs("hash1", root, outputs, Stdio{Stdout: []byte("built\n"), Stderr: nil})
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, archivePath.FileExists())

	assert.Assert(t, c.ArchiveExists("hash1"))

	restoreDir := t.TempDir()
	restoreRoot := syspath.AbsoluteSystemPath(restoreDir)
	restored, ok, err := c.LoadOutputs("hash1", "web", "build", restoreRoot)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, len(restored) > 0)

	bundle, err := os.ReadFile(filepath.Join(restoreDir, "packages", "web", "dist", "bundle.js"))
	assert.NilError(t, err)
	assert.Equal(t, string(bundle), "console.log(1)")

	stdout, err := os.ReadFile(c.layout.stdoutPath("web", "build").ToString())
	assert.NilError(t, err)
	assert.Equal(t, string(stdout), "built\n")
}

func TestReadModeDisablesWrites(t *testing.T) {
	c, _ := newTestCache(t, ModeRead)

	assert.NilError(t, c.SaveManifest("hash1", []byte("{}")))
	_, ok, err := c.LoadManifest("hash1")
	assert.NilError(t, err)
	assert.Assert(t, !ok, "save_manifest must no-op in Read mode")
}

func TestWriteModeDisablesReads(t *testing.T) {
	c, _ := newTestCache(t, ModeWrite)

	assert.NilError(t, c.SaveManifest("hash1", []byte("{}")))
	_, ok, err := c.LoadManifest("hash1")
	assert.NilError(t, err)
	assert.Assert(t, !ok, "load_manifest must no-op in Write mode")
}

func TestOffModeIsANoOpEverywhere(t *testing.T) {
	c, root := newTestCache(t, ModeOff)

	assert.NilError(t, c.SaveManifest("hash1", []byte("{}")))
	_, ok, err := c.LoadOutputs("hash1", "web", "build", root)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.Assert(t, !c.ArchiveExists("hash1"))
}

func TestModeFromString(t *testing.T) {
	assert.Equal(t, ModeFromString("Read"), ModeRead)
	assert.Equal(t, ModeFromString("WRITE"), ModeWrite)
	assert.Equal(t, ModeFromString("off"), ModeOff)
	assert.Equal(t, ModeFromString(""), ModeReadWrite)
	assert.Equal(t, ModeFromString("bogus"), ModeReadWrite)
}
