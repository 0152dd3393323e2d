// Package vcs exposes the capability set the engine needs from a version
// control backend. Only git is implemented; command output is memoized
// briefly so repeated queries within a run share one subprocess.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/ogmios/monoforge/internal/errs"
)

// TouchedFiles is the categorized result of touched_files/touched_files_against.
type TouchedFiles struct {
	Added, Deleted, Modified, Untracked, Staged, Unstaged []string
	All                                                   []string
}

// Provider is the polymorphic capability set a git-backed VCS exposes.
type Provider interface {
	LocalBranch(ctx context.Context) (string, error)
	LocalBranchRevision(ctx context.Context) (string, error)
	DefaultBranch(ctx context.Context) (string, error)
	DefaultBranchRevision(ctx context.Context) (string, error)
	FileHashes(ctx context.Context, paths []string) (map[string]string, error)
	TreeHashes(ctx context.Context, dir string) (map[string]string, error)
	TouchedFiles(ctx context.Context) (TouchedFiles, error)
	TouchedFilesAgainst(ctx context.Context, base string) (TouchedFiles, error)
	IsDefaultBranch(ctx context.Context, branch string) (bool, error)
}

// Git is the only implemented backend. RemoteCandidates lists the remotes to
// probe for a merge base against a base branch name (e.g. "origin").
type Git struct {
	RepoRoot         string
	DefaultBranchName string
	RemoteCandidates []string
	Logger           hclog.Logger

	ignoreOnce sync.Once
	ignore     *gitignore.GitIgnore

	memo sync.Map // key -> *memoEntry
}

type memoEntry struct {
	once    sync.Once
	out     []byte
	err     error
	expires time.Time
}

// New builds a Git provider rooted at repoRoot.
func New(repoRoot string, logger hclog.Logger) *Git {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Git{
		RepoRoot:          repoRoot,
		DefaultBranchName: "main",
		RemoteCandidates:  []string{"origin"},
		Logger:            logger,
	}
}

const memoTTL = 15 * time.Second

// run executes git with args (and optional stdin), memoizing the standard
// output (or the error) for 15s keyed by argv+stdin, with a populate guard so concurrent
// calls sharing a key invoke the subprocess once.
func (g *Git) run(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	key := stdin + "\x00" + strings.Join(args, "\x00")
	if v, ok := g.memo.Load(key); ok {
		entry := v.(*memoEntry)
		if time.Now().Before(entry.expires) {
			entry.once.Do(func() { entry.out, entry.err = g.exec(ctx, stdin, args...) })
			return entry.out, entry.err
		}
		g.memo.Delete(key)
	}
	entry := &memoEntry{expires: time.Now().Add(memoTTL)}
	actual, _ := g.memo.LoadOrStore(key, entry)
	e := actual.(*memoEntry)
	e.once.Do(func() { e.out, e.err = g.exec(ctx, stdin, args...) })
	return e.out, e.err
}

func (g *Git) exec(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.RepoRoot
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), stderr.String())
	}
	return stdout.Bytes(), nil
}

func (g *Git) LocalBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errs.Wrap(errs.KindHash, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) LocalBranchRevision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "", "rev-parse", "HEAD")
	if err != nil {
		return "", errs.Wrap(errs.KindHash, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) DefaultBranch(ctx context.Context) (string, error) {
	return g.DefaultBranchName, nil
}

func (g *Git) DefaultBranchRevision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "", "rev-parse", g.DefaultBranchName)
	if err != nil {
		return "", errs.Wrap(errs.KindHash, "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsDefaultBranch reports whether b names the default branch, or the default
// is remote-qualified (contains "/") and ends with "/b".
func (g *Git) IsDefaultBranch(ctx context.Context, branch string) (bool, error) {
	def, err := g.DefaultBranch(ctx)
	if err != nil {
		return false, err
	}
	if branch == def {
		return true, nil
	}
	if strings.Contains(def, "/") && strings.HasSuffix(def, "/"+branch) {
		return true, nil
	}
	return false, nil
}

// FileHashes hashes paths (sorted first) via `git hash-object --stdin-paths`,
// excluding ignored files.
func (g *Git) FileHashes(ctx context.Context, paths []string) (map[string]string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	ignore := g.gitignoreMatcher()
	kept := make([]string, 0, len(sorted))
	for _, p := range sorted {
		if ignore != nil && ignore.MatchesPath(p) {
			continue
		}
		// hash-object fails outright on a missing path; skip them the same
		// way ignored files are skipped.
		if _, err := os.Lstat(filepath.Join(g.RepoRoot, filepath.FromSlash(p))); err != nil {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return map[string]string{}, nil
	}

	out, err := g.run(ctx, strings.Join(kept, "\n")+"\n", "hash-object", "--stdin-paths")
	if err != nil {
		return nil, errs.Wrap(errs.KindHash, "", err)
	}
	hashes := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(hashes) != len(kept) {
		return nil, errs.New(errs.KindHash, "", fmt.Sprintf("git hash-object returned %d hashes for %d paths", len(hashes), len(kept)))
	}
	result := make(map[string]string, len(kept))
	for i, p := range kept {
		result[p] = hashes[i]
	}
	return result, nil
}

// TreeHashes returns the committed blob hash for every file under dir using
// `git ls-tree HEAD -r -z <dir>`, filtering ignores.
func (g *Git) TreeHashes(ctx context.Context, dir string) (map[string]string, error) {
	out, err := g.run(ctx, "", "ls-tree", "HEAD", "-r", "-z", dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindHash, "", err)
	}
	ignore := g.gitignoreMatcher()
	result := map[string]string{}
	for _, entry := range strings.Split(strings.TrimRight(string(out), "\x00"), "\x00") {
		if entry == "" {
			continue
		}
		// "<mode> <type> <hash>\t<path>"
		tab := strings.IndexByte(entry, '\t')
		if tab < 0 {
			continue
		}
		meta, path := entry[:tab], entry[tab+1:]
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			continue
		}
		if ignore != nil && ignore.MatchesPath(path) {
			continue
		}
		result[path] = fields[2]
	}
	return result, nil
}

func (g *Git) TouchedFiles(ctx context.Context) (TouchedFiles, error) {
	out, err := g.run(ctx, "", "status", "--porcelain", "-z", "--untracked-files", "--ignore-submodules")
	if err != nil {
		return TouchedFiles{}, errs.Wrap(errs.KindHash, "", err)
	}
	return parsePorcelainStatus(out), nil
}

func parsePorcelainStatus(out []byte) TouchedFiles {
	var t TouchedFiles
	for _, entry := range strings.Split(strings.TrimRight(string(out), "\x00"), "\x00") {
		if len(entry) < 3 {
			continue
		}
		x, y, path := entry[0], entry[1], entry[3:]
		t.All = append(t.All, path)
		switch {
		case x == '?' && y == '?':
			t.Untracked = append(t.Untracked, path)
		case x == 'A':
			t.Added = append(t.Added, path)
			t.Staged = append(t.Staged, path)
		case x == 'D' || y == 'D':
			t.Deleted = append(t.Deleted, path)
		case x == 'M' || y == 'M':
			t.Modified = append(t.Modified, path)
		}
		if x != ' ' && x != '?' {
			t.Staged = append(t.Staged, path)
		}
		if y != ' ' && y != '?' {
			t.Unstaged = append(t.Unstaged, path)
		}
	}
	return t
}

// TouchedFilesAgainst diffs against a merge base found among {base,
// <remote>/base} for each configured remote candidate.
func (g *Git) TouchedFilesAgainst(ctx context.Context, base string) (TouchedFiles, error) {
	mergeBase, err := g.findMergeBase(ctx, base)
	if err != nil {
		return TouchedFiles{}, err
	}
	out, err := g.run(ctx, "", "diff", "--name-status", "-z", "--no-color", "--relative", mergeBase)
	if err != nil {
		return TouchedFiles{}, errs.Wrap(errs.KindHash, "", err)
	}
	return parseNameStatus(out), nil
}

// parseNameStatus parses `git diff --name-status -z` records. Everything a
// diff against a merge base reports counts as staged relative to that base.
// Renames/copies (R/C) carry two paths: the old one is recorded deleted, the
// new one added.
func parseNameStatus(out []byte) TouchedFiles {
	var t TouchedFiles
	fields := strings.Split(strings.TrimRight(string(out), "\x00"), "\x00")
	record := func(path string, bucket *[]string) {
		*bucket = append(*bucket, path)
		t.All = append(t.All, path)
		t.Staged = append(t.Staged, path)
	}
	for i := 0; i < len(fields)-1; {
		status, path := fields[i], fields[i+1]
		i += 2
		if status == "" {
			continue
		}
		switch status[0] {
		case 'A':
			record(path, &t.Added)
		case 'D':
			record(path, &t.Deleted)
		case 'M':
			record(path, &t.Modified)
		case 'R', 'C':
			record(path, &t.Deleted)
			if i < len(fields) {
				record(fields[i], &t.Added)
				i++
			}
		default:
			record(path, &t.Modified)
		}
	}
	return t
}

// mergeBaseCandidates lists the refs probed for a working merge base: the
// base itself, then <remote>/<base> for each configured remote.
func (g *Git) mergeBaseCandidates(base string) []string {
	candidates := []string{base}
	for _, remote := range g.RemoteCandidates {
		candidates = append(candidates, remote+"/"+base)
	}
	return candidates
}

func (g *Git) findMergeBase(ctx context.Context, base string) (string, error) {
	var lastErr error
	for _, c := range g.mergeBaseCandidates(base) {
		out, err := g.run(ctx, "", "merge-base", "HEAD", c)
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		lastErr = err
	}
	return "", errs.Wrap(errs.KindHash, base, lastErr)
}

// gitignoreMatcher loads .gitignore once and reuses the compiled matcher.
func (g *Git) gitignoreMatcher() *gitignore.GitIgnore {
	g.ignoreOnce.Do(func() {
		path := filepath.Join(g.RepoRoot, ".gitignore")
		ign, err := gitignore.CompileIgnoreFile(path)
		if err != nil {
			g.Logger.Debug("no .gitignore found, matcher disabled", "path", path, "error", err)
			return
		}
		g.ignore = ign
	})
	return g.ignore
}
