package cacheitem

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ogmios/monoforge/internal/syspath"
)

// TestRoundTripAllCompressions archives a small tree with each compression scheme and restores
// it somewhere else, asserting byte fidelity.
func TestRoundTripAllCompressions(t *testing.T) {
	for _, ext := range []string{"out.tar", "out.tar.gz", "out.tar.zst"} {
		ext := ext
		t.Run(ext, func(t *testing.T) {
			src := t.TempDir()
			anchor := syspath.AbsoluteSystemPath(src)
			assert.NilError(t, anchor.UntypedJoin("dist").MkdirAll(0755))
			assert.NilError(t, anchor.UntypedJoin("dist", "bundle.js").WriteFile([]byte("console.log(42)"), 0644))

			archivePath := syspath.AbsoluteSystemPath(filepath.Join(t.TempDir(), ext))
			item, err := Create(archivePath)
			assert.NilError(t, err)
			assert.NilError(t, item.AddFile(anchor, syspath.AnchoredSystemPath("dist")))
			assert.NilError(t, item.AddFile(anchor, syspath.AnchoredSystemPath(filepath.Join("dist", "bundle.js"))))
			assert.NilError(t, item.AddBytes("logs/stdout.log", []byte("done\n"), 0644))
			assert.NilError(t, item.Close())

			dest := t.TempDir()
			opened, err := Open(archivePath)
			assert.NilError(t, err)
			restored, err := opened.Restore(syspath.AbsoluteSystemPath(dest))
			assert.NilError(t, err)
			assert.NilError(t, opened.Close())
			assert.Equal(t, len(restored), 3)

			bundle, err := os.ReadFile(filepath.Join(dest, "dist", "bundle.js"))
			assert.NilError(t, err)
			assert.Equal(t, string(bundle), "console.log(42)")

			logs, err := os.ReadFile(filepath.Join(dest, "logs", "stdout.log"))
			assert.NilError(t, err)
			assert.Equal(t, string(logs), "done\n")
		})
	}
}

func TestOpenMissingArchive(t *testing.T) {
	_, err := Open(syspath.AbsoluteSystemPath(filepath.Join(t.TempDir(), "absent.tar.zst")))
	assert.Assert(t, os.IsNotExist(err))
}
