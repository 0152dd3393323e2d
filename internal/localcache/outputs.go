package localcache

import (
	"os"

	"github.com/ogmios/monoforge/internal/cacheitem"
	"github.com/ogmios/monoforge/internal/syspath"
)

// Stdio is a task's captured stdout/stderr, bundled into its outputs archive
// alongside its real output files.
type Stdio struct {
	Stdout []byte
	Stderr []byte
}

// SaveStdio writes a run's captured output to its canonical
// states/<project>/<task>/{stdout,stderr}.log paths, from which cache hits
// replay it. A no-op in Read or Off mode.
func (c *Cache) SaveStdio(project, task string, stdio Stdio) error {
	if !c.mode.canWrite() {
		return nil
	}
	dir := c.layout.stateDir(project, task)
	if err := dir.MkdirAll(0755); err != nil {
		return err
	}
	if err := atomicWriteFile(c.layout.stdoutPath(project, task), stdio.Stdout, 0644); err != nil {
		return err
	}
	return atomicWriteFile(c.layout.stderrPath(project, task), stdio.Stderr, 0644)
}

// SaveOutputs tars projectRoot-relative outputs plus the stdio logs into
// outputs/<hash>.tar.<ext> via an atomic rename, and returns the archive path
//. A no-op (ok=false) in Read or Off mode.
func (c *Cache) SaveOutputs(hash string, workspaceRoot syspath.AbsoluteSystemPath, outputs []syspath.AnchoredSystemPath, stdio Stdio) (archivePath syspath.AbsoluteSystemPath, ok bool, err error) {
	if !c.mode.canWrite() {
		return "", false, nil
	}

	err = c.withLock(hash, func() error {
		if mkErr := c.layout.outputsDir().MkdirAll(0755); mkErr != nil {
			return mkErr
		}

		ext := string(c.compression)
		finalPath := c.layout.archivePath(hash, ext)
		tmpPath := syspath.AbsoluteSystemPath(finalPath.ToString() + ".tmp." + ext)

		item, createErr := cacheitem.Create(tmpPath)
		if createErr != nil {
			return createErr
		}

		for _, out := range outputs {
			if addErr := item.AddFile(workspaceRoot, out); addErr != nil {
				_ = item.Close()
				return addErr
			}
		}

		if len(stdio.Stdout) > 0 {
			if addErr := item.AddBytes(archiveNameStdout, stdio.Stdout, 0644); addErr != nil {
				_ = item.Close()
				return addErr
			}
		}
		if len(stdio.Stderr) > 0 {
			if addErr := item.AddBytes(archiveNameStderr, stdio.Stderr, 0644); addErr != nil {
				_ = item.Close()
				return addErr
			}
		}

		if closeErr := item.Close(); closeErr != nil {
			return closeErr
		}

		archivePath = finalPath
		return tmpPath.Rename(finalPath)
	})
	if err != nil {
		return "", false, err
	}
	return archivePath, true, nil
}

// LoadOutputs extracts outputs/<hash>.tar.<ext> into workspaceRoot and writes
// any bundled stdio logs to their canonical state paths. ok is false if the archive is absent or in Write/Off mode.
func (c *Cache) LoadOutputs(hash, project, task string, workspaceRoot syspath.AbsoluteSystemPath) (restored []syspath.AnchoredSystemPath, ok bool, err error) {
	if !c.mode.canRead() {
		return nil, false, nil
	}

	var archive syspath.AbsoluteSystemPath
	for _, ext := range []Compression{CompressionZstd, CompressionGzip, CompressionNone} {
		candidate := c.layout.archivePath(hash, string(ext))
		if candidate.FileExists() {
			archive = candidate
			break
		}
	}
	if archive == "" {
		return nil, false, nil
	}

	item, openErr := cacheitem.Open(archive)
	if openErr != nil {
		// A reader racing a writer may find the archive already removed;
		// a missing archive is a miss rather than an error.
		if os.IsNotExist(openErr) {
			return nil, false, nil
		}
		return nil, false, openErr
	}

	entries, restoreErr := item.Restore(workspaceRoot)
	if restoreErr != nil {
		return nil, false, restoreErr
	}

	for _, entry := range entries {
		switch entry.ToUnixPath().ToString() {
		case archiveNameStdout:
			if moveErr := relocateStdio(entry.RestoreAnchor(workspaceRoot), c.layout.stdoutPath(project, task)); moveErr != nil {
				return entries, true, moveErr
			}
		case archiveNameStderr:
			if moveErr := relocateStdio(entry.RestoreAnchor(workspaceRoot), c.layout.stderrPath(project, task)); moveErr != nil {
				return entries, true, moveErr
			}
		}
	}

	return outputEntries(entries), true, nil
}

// relocateStdio moves a just-restored stdio log out from under the workspace
// tree into its canonical states/<project>/<task>/{stdout,stderr}.log path.
func relocateStdio(restoredPath, dest syspath.AbsoluteSystemPath) error {
	if err := dest.Dir().MkdirAll(0755); err != nil {
		return err
	}
	return restoredPath.Rename(dest)
}

// outputEntries filters the synthetic stdio archive entries out of the
// restored-paths list returned to callers, since those aren't real outputs.
func outputEntries(entries []syspath.AnchoredSystemPath) []syspath.AnchoredSystemPath {
	filtered := make([]syspath.AnchoredSystemPath, 0, len(entries))
	for _, e := range entries {
		u := e.ToUnixPath().ToString()
		if u == archiveNameStdout || u == archiveNameStderr {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
