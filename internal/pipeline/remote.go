package pipeline

import (
	"context"
	"time"

	"github.com/ogmios/monoforge/internal/action"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/remotecache"
	"github.com/ogmios/monoforge/internal/syspath"
)

// tryRemoteHydrate attempts the remote-cache lookup step. Returns nil on a miss so the caller falls through to local execution;
// remote transport errors are never fatal, so they also fall
// through as a miss rather than aborting the action.
func (p *Pipeline) tryRemoteHydrate(ctx context.Context, node *action.Node, task *model.Task, hash string) *action.Result {
	result, ok, err := p.opts.Remote.GetActionResult(ctx, hash)
	if err != nil || !ok {
		return nil
	}

	op := newOperation(action.OpOutputHydration, node.ID)
	op.Hash = hash

	digests := make([]remotecache.Digest, 0, len(result.OutputFiles)+2)
	for _, f := range result.OutputFiles {
		digests = append(digests, f.Digest)
	}
	if result.StdoutDigest != nil {
		digests = append(digests, *result.StdoutDigest)
	}
	if result.StderrDigest != nil {
		digests = append(digests, *result.StderrDigest)
	}

	blobs, err := p.opts.Remote.BatchReadBlobs(ctx, digests)
	if err != nil {
		finishOperation(op, action.StatusFailed)
		p.logger.Warn("remote cache hydration failed, falling back to local execution", "target", node.Target.String(), "error", err)
		return nil
	}
	byHash := make(map[string][]byte, len(blobs))
	for _, b := range blobs {
		byHash[b.Digest.Hash] = b.Data
	}

	for _, f := range result.OutputFiles {
		data, ok := byHash[f.Digest.Hash]
		if !ok {
			finishOperation(op, action.StatusFailed)
			p.logger.Warn("remote cache hydration missing a blob, falling back to local execution", "target", node.Target.String(), "path", f.Path)
			return nil
		}
		dest := p.opts.WorkspaceRoot.UntypedJoin(f.Path)
		if err := dest.Dir().MkdirAll(0755); err != nil {
			finishOperation(op, action.StatusFailed)
			p.logger.Warn("remote cache hydration failed to create output directory", "target", node.Target.String(), "error", err)
			return nil
		}
		if err := dest.WriteFile(data, 0644); err != nil {
			finishOperation(op, action.StatusFailed)
			p.logger.Warn("remote cache hydration failed to write output", "target", node.Target.String(), "error", err)
			return nil
		}
	}

	var stdout, stderr []byte
	if result.StdoutDigest != nil {
		stdout = byHash[result.StdoutDigest.Hash]
		_ = writeReplayLog(p.opts.Cache.StdoutPath(string(node.Target.Project), string(node.Target.Task)), stdout)
	}
	if result.StderrDigest != nil {
		stderr = byHash[result.StderrDigest.Hash]
		_ = writeReplayLog(p.opts.Cache.StderrPath(string(node.Target.Project), string(node.Target.Task)), stderr)
	}

	finishOperation(op, action.StatusCachedFromRemote)
	_ = p.opts.Cache.RecordRunState(string(node.Target.Project), string(node.Target.Task), hash, int(result.ExitCode), time.Now())
	return &action.Result{Status: action.StatusCachedFromRemote, Operations: []*action.Operation{op}}
}

func writeReplayLog(path syspath.AbsoluteSystemPath, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := path.Dir().MkdirAll(0755); err != nil {
		return err
	}
	return path.WriteFile(data, 0644)
}

// uploadRemote uploads an archived action's output blobs and stdio, then
// registers the ActionResult: BatchUpdateBlobs first, so the result never
// references blobs the CAS doesn't hold yet. Failures are logged only — a
// failed remote upload never fails the local build.
func (p *Pipeline) uploadRemote(ctx context.Context, node *action.Node, hash string, outputs []syspath.AnchoredSystemPath, stdout, stderr []byte) {
	var blobs []remotecache.Blob
	var files []remotecache.OutputFile

	for _, out := range outputs {
		abs := out.RestoreAnchor(p.opts.WorkspaceRoot)
		data, err := abs.ReadFile()
		if err != nil {
			p.logger.Warn("remote cache upload failed to read output", "target", node.Target.String(), "path", out.ToString(), "error", err)
			continue
		}
		digest := remotecache.DigestBytes(data)
		blobs = append(blobs, remotecache.Blob{Digest: digest, Data: data})
		files = append(files, remotecache.OutputFile{Path: out.ToString(), Digest: digest})
	}

	result := &remotecache.ActionResult{OutputFiles: files}
	if len(stdout) > 0 {
		d := remotecache.DigestBytes(stdout)
		blobs = append(blobs, remotecache.Blob{Digest: d, Data: stdout})
		result.StdoutDigest = &d
	}
	if len(stderr) > 0 {
		d := remotecache.DigestBytes(stderr)
		blobs = append(blobs, remotecache.Blob{Digest: d, Data: stderr})
		result.StderrDigest = &d
	}

	if err := p.opts.Remote.BatchUpdateBlobs(ctx, blobs); err != nil {
		return
	}
	_ = p.opts.Remote.UpdateActionResult(ctx, hash, result)
}
