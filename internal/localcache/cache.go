package localcache

import (
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/syspath"
)

// Compression is the archive's compression choice for outputs/<hash>.tar.<ext>.
type Compression string

const (
	CompressionNone Compression = "tar"
	CompressionGzip Compression = "gz"
	CompressionZstd Compression = "zst"
)

// Cache is the on-disk, content-addressed Local Cache.
type Cache struct {
	layout      layout
	mode        Mode
	compression Compression
	logger      hclog.Logger
}

// Options configures a Cache.
type Options struct {
	// WorkspaceRoot anchors the cache at <WorkspaceRoot>/.moon/cache.
	WorkspaceRoot syspath.AbsoluteSystemPath
	Mode          Mode
	Compression   Compression
	Logger        hclog.Logger
}

// New builds a Cache rooted at opts.WorkspaceRoot. An empty Compression
// defaults to zstd, matching the DataDog/zstd dependency already carried for
// internal/cacheitem.
func New(opts Options) *Cache {
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Cache{
		layout:      newLayout(opts.WorkspaceRoot),
		mode:        opts.Mode,
		compression: opts.Compression,
		logger:      opts.Logger.Named("localcache"),
	}
}

// LastRun is the last recorded outcome of a (project, task) pair.
type LastRun struct {
	Hash              string `json:"hash"`
	ExitCode          int    `json:"exit_code"`
	LastRunTimeMillis int64  `json:"last_run_time"`
	Stdout            string `json:"stdout"`
	Stderr            string `json:"stderr"`
}

// Dir returns the cache's root directory (<workspace>/.moon/cache), injected
// into task processes as MOON_CACHE_DIR.
func (c *Cache) Dir() syspath.AbsoluteSystemPath {
	return c.layout.root
}

// SaveManifest atomically writes hashes/<hash>.json. A no-op in Read or Off mode.
func (c *Cache) SaveManifest(hash string, manifestBytes []byte) error {
	if !c.mode.canWrite() {
		return nil
	}
	return c.withLock(hash, func() error {
		if err := c.layout.hashesDir().MkdirAll(0755); err != nil {
			return err
		}
		return atomicWriteFile(c.layout.manifestPath(hash), manifestBytes, 0644)
	})
}

// LoadManifest reads back a previously saved manifest. ok is false if absent
// or in Write/Off mode.
func (c *Cache) LoadManifest(hash string) (manifestBytes []byte, ok bool, err error) {
	if !c.mode.canRead() {
		return nil, false, nil
	}
	path := c.layout.manifestPath(hash)
	if !path.FileExists() {
		return nil, false, nil
	}
	raw, err := path.ReadFile()
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// RecordRunState writes states/<project>/<task>/lastRun.json. A no-op in Read or Off mode.
func (c *Cache) RecordRunState(project, task, hash string, exitCode int, runTime time.Time) error {
	if !c.mode.canWrite() {
		return nil
	}
	state := LastRun{
		Hash:              hash,
		ExitCode:          exitCode,
		LastRunTimeMillis: runTime.UnixMilli(),
		Stdout:            c.layout.stdoutPath(project, task).ToString(),
		Stderr:            c.layout.stderrPath(project, task).ToString(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := c.layout.stateDir(project, task)
	if err := dir.MkdirAll(0755); err != nil {
		return err
	}
	return atomicWriteFile(c.layout.lastRunPath(project, task), raw, 0644)
}

// ReadLastRun reads states/<project>/<task>/lastRun.json. ok is false if no prior run is recorded or in Write/Off
// mode.
func (c *Cache) ReadLastRun(project, task string) (state LastRun, ok bool, err error) {
	if !c.mode.canRead() {
		return LastRun{}, false, nil
	}
	path := c.layout.lastRunPath(project, task)
	if !path.FileExists() {
		return LastRun{}, false, nil
	}
	raw, err := path.ReadFile()
	if err != nil {
		return LastRun{}, false, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return LastRun{}, false, err
	}
	return state, true, nil
}

// ArchiveExists reports whether outputs/<hash>.tar.* exists under any of the
// supported compression extensions, used by the pipeline's local-cache-lookup
// step without needing to know which extension was used
// to write it.
func (c *Cache) ArchiveExists(hash string) bool {
	if !c.mode.canRead() {
		return false
	}
	for _, ext := range []Compression{CompressionZstd, CompressionGzip, CompressionNone} {
		if c.layout.archivePath(hash, string(ext)).FileExists() {
			return true
		}
	}
	return false
}

// RunfilePath returns states/<project>/runfile.json, exposed so callers can
// inject it as MOON_PROJECT_RUNFILE without reaching into the
// cache's private layout.
func (c *Cache) RunfilePath(project string) syspath.AbsoluteSystemPath {
	return c.layout.runfilePath(project)
}

// StdoutPath and StderrPath return states/<project>/<task>/{stdout,stderr}.log,
// exposed so the pipeline can replay a cache hit's captured output verbatim.
func (c *Cache) StdoutPath(project, task string) syspath.AbsoluteSystemPath {
	return c.layout.stdoutPath(project, task)
}

func (c *Cache) StderrPath(project, task string) syspath.AbsoluteSystemPath {
	return c.layout.stderrPath(project, task)
}

// SaveRunfile serializes a Project snapshot to states/<project>/runfile.json
//. A no-op in Read or Off mode.
func (c *Cache) SaveRunfile(project *model.Project) error {
	if !c.mode.canWrite() {
		return nil
	}
	raw, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	dir := c.layout.root.UntypedJoin("states", string(project.ID))
	if err := dir.MkdirAll(0755); err != nil {
		return err
	}
	return atomicWriteFile(c.layout.runfilePath(string(project.ID)), raw, 0644)
}

// atomicWriteFile writes contents to a sibling temp file and renames it into
// place, so a reader never observes a partially written file.
func atomicWriteFile(path syspath.AbsoluteSystemPath, contents []byte, mode os.FileMode) error {
	tmp := syspath.AbsoluteSystemPath(path.ToString() + ".tmp")
	if err := tmp.WriteFile(contents, mode); err != nil {
		return err
	}
	return tmp.Rename(path)
}
