package localcache

import (
	"github.com/ogmios/monoforge/internal/syspath"
)

// layout resolves the cache's fixed directory structure, rooted at
// <workspace>/.moon/cache/.
type layout struct {
	root syspath.AbsoluteSystemPath
}

func newLayout(workspaceRoot syspath.AbsoluteSystemPath) layout {
	return layout{root: workspaceRoot.UntypedJoin(".moon", "cache")}
}

func (l layout) hashesDir() syspath.AbsoluteSystemPath {
	return l.root.UntypedJoin("hashes")
}

func (l layout) manifestPath(hash string) syspath.AbsoluteSystemPath {
	return l.hashesDir().UntypedJoin(hash + ".json")
}

func (l layout) outputsDir() syspath.AbsoluteSystemPath {
	return l.root.UntypedJoin("outputs")
}

func (l layout) archivePath(hash, ext string) syspath.AbsoluteSystemPath {
	if ext == string(CompressionNone) {
		return l.outputsDir().UntypedJoin(hash + ".tar")
	}
	return l.outputsDir().UntypedJoin(hash + ".tar." + ext)
}

func (l layout) stateDir(project, task string) syspath.AbsoluteSystemPath {
	return l.root.UntypedJoin("states", project, task)
}

func (l layout) lastRunPath(project, task string) syspath.AbsoluteSystemPath {
	return l.stateDir(project, task).UntypedJoin("lastRun.json")
}

func (l layout) stdoutPath(project, task string) syspath.AbsoluteSystemPath {
	return l.stateDir(project, task).UntypedJoin("stdout.log")
}

func (l layout) stderrPath(project, task string) syspath.AbsoluteSystemPath {
	return l.stateDir(project, task).UntypedJoin("stderr.log")
}

func (l layout) runfilePath(project string) syspath.AbsoluteSystemPath {
	return l.root.UntypedJoin("states", project, "runfile.json")
}

func (l layout) locksDir() syspath.AbsoluteSystemPath {
	return l.root.UntypedJoin("locks")
}

func (l layout) lockPath(hash string) syspath.AbsoluteSystemPath {
	return l.locksDir().UntypedJoin(hash + ".lock")
}

// archiveNameStdout / archiveNameStderr are the synthetic tar entry names the
// stdio logs are bundled under inside outputs/<hash>.tar.<ext>, alongside the
// task's real output files.
const (
	archiveNameStdout = "__cache_stdio__/stdout.log"
	archiveNameStderr = "__cache_stdio__/stderr.log"
)
