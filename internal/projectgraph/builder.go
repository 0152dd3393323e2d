package projectgraph

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/ogmios/monoforge/internal/engineconfig"
	"github.com/ogmios/monoforge/internal/model"
	"github.com/ogmios/monoforge/internal/tokens"
	"github.com/ogmios/monoforge/internal/toolchain"
	"github.com/ogmios/monoforge/internal/syspath"
)

// ProjectLoader loads one project's parsed config given its id and
// workspace-relative source. File parsing lives with the caller; the builder
// only consumes the structs.
type ProjectLoader func(id model.ProjectId, source string) (*engineconfig.ProjectConfig, error)

// Builder assembles the project graph from workspace config: source
// enumeration, template inheritance, implicit dependency detection, task
// construction, and token expansion, before handing off to Build for
// dependency resolution and validation.
type Builder struct {
	WorkspaceRoot syspath.AbsoluteSystemPath
	Config        *engineconfig.WorkspaceConfig
	Load          ProjectLoader
	Registry      *toolchain.Registry
	Logger        hclog.Logger
}

// projectsCache is the on-disk shape of the resolved glob-to-source map,
// keyed by the glob list that produced it.
type projectsCache struct {
	Globs    []string                   `json:"globs"`
	Projects map[model.ProjectId]string `json:"projects"`
}

// skippedDirs are never descended into while enumerating project sources.
var skippedDirs = map[string]struct{}{
	".git":         {},
	".moon":        {},
	"node_modules": {},
	"target":       {},
}

// BuildGraph runs the full project graph build and returns the immutable
// graph, or the first error encountered.
func (b *Builder) BuildGraph() (*Graph, error) {
	logger := b.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	sources, err := b.enumerateSources()
	if err != nil {
		return nil, err
	}

	ids := make([]model.ProjectId, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	projects := make(map[model.ProjectId]*model.Project, len(sources))
	configs := make(map[model.ProjectId]*engineconfig.ProjectConfig, len(sources))
	for _, id := range ids {
		source := sources[id]
		cfg, err := b.Load(id, source)
		if err != nil {
			return nil, errors.Wrapf(err, "loading project %s", id)
		}
		configs[id] = cfg
		projects[id] = b.newProject(id, source, cfg)
	}

	if err := b.detectImplicitDeps(projects); err != nil {
		return nil, err
	}

	expander := tokens.New(logger.Named("tokens"))
	for _, id := range ids {
		if err := b.buildTasks(projects[id], configs[id], expander); err != nil {
			return nil, err
		}
	}

	return Build(projects, logger)
}

// enumerateSources resolves the workspace's {id -> source} map: the explicit
// map when present, else the glob list, cached on disk and invalidated when
// the globs change.
func (b *Builder) enumerateSources() (map[model.ProjectId]string, error) {
	if len(b.Config.Projects) > 0 {
		return b.Config.Projects, nil
	}

	cachePath := b.WorkspaceRoot.UntypedJoin(".moon", "cache", "projects.json")
	if raw, err := cachePath.ReadFile(); err == nil {
		var cached projectsCache
		if err := json.Unmarshal(raw, &cached); err == nil && reflect.DeepEqual(cached.Globs, b.Config.ProjectGlobs) {
			return cached.Projects, nil
		}
	}

	resolved, err := b.globSources()
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(projectsCache{Globs: b.Config.ProjectGlobs, Projects: resolved}); err == nil {
		if err := cachePath.Dir().MkdirAll(0755); err == nil {
			_ = cachePath.WriteFile(raw, 0644)
		}
	}

	return resolved, nil
}

func (b *Builder) globSources() (map[model.ProjectId]string, error) {
	compiled := make([]glob.Glob, 0, len(b.Config.ProjectGlobs))
	for _, pattern := range b.Config.ProjectGlobs {
		g, err := glob.Compile(strings.TrimSuffix(pattern, "/"), '/')
		if err != nil {
			return nil, errors.Wrapf(err, "invalid project glob %q", pattern)
		}
		compiled = append(compiled, g)
	}

	root := b.WorkspaceRoot.ToString()
	resolved := map[model.ProjectId]string{}
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return nil
			}
			if _, skip := skippedDirs[de.Name()]; skip {
				return filepath.SkipDir
			}
			rel, err := filepath.Rel(root, path)
			if err != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)
			for _, g := range compiled {
				if g.Match(rel) {
					id := model.ProjectId(filepath.Base(rel))
					if !model.Valid(string(id)) {
						return nil
					}
					if prior, dup := resolved[id]; dup {
						return errors.Errorf("projects %q and %q share the id %q", prior, rel, id)
					}
					resolved[id] = rel
					break
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (b *Builder) newProject(id model.ProjectId, source string, cfg *engineconfig.ProjectConfig) *model.Project {
	p := &model.Project{
		ID:           id,
		Source:       syspath.AnchoredUnixPath(source).ToSystemPath(),
		Root:         b.WorkspaceRoot.UntypedJoin(source),
		Language:     cfg.Language,
		Type:         cfg.Type,
		Tags:         map[model.TagId]struct{}{},
		Dependencies: map[model.ProjectId]model.Dependency{},
		Tasks:        map[model.TaskId]*model.Task{},
		FileGroups:   map[string]*model.FileGroup{},
	}
	for _, tag := range cfg.Tags {
		p.Tags[tag] = struct{}{}
	}
	for _, dep := range cfg.DependsOn {
		scope := dep.Scope
		if scope == "" {
			scope = model.DependencyProduction
		}
		p.Dependencies[dep.ID] = model.Dependency{Scope: scope, Source: model.DependencyExplicit}
	}
	b.addFileGroups(p, cfg.FileGroups)
	for _, tmpl := range b.Config.Templates {
		if b.templateMatches(tmpl.Selector, p, source) {
			b.addFileGroups(p, tmpl.FileGroups)
		}
	}
	return p
}

func (b *Builder) addFileGroups(p *model.Project, groups map[string]engineconfig.FileGroupConfig) {
	for gid, entries := range groups {
		fg := p.FileGroups[gid]
		if fg == nil {
			fg = &model.FileGroup{ID: gid, Files: map[string]struct{}{}, Globs: map[string]struct{}{}}
			p.FileGroups[gid] = fg
		}
		for _, entry := range entries {
			if model.IsGlob(entry) {
				fg.Globs[entry] = struct{}{}
			} else {
				fg.Files[entry] = struct{}{}
			}
		}
	}
}

// templateMatches applies a template's selector: empty fields match
// everything, non-empty fields must all match.
func (b *Builder) templateMatches(sel engineconfig.TemplateSelector, p *model.Project, source string) bool {
	if len(sel.Languages) > 0 && !containsString(sel.Languages, p.Language) {
		return false
	}
	if len(sel.Types) > 0 && !containsString(sel.Types, p.Type) {
		return false
	}
	if len(sel.Tags) > 0 {
		found := false
		for _, tag := range sel.Tags {
			if _, ok := p.Tags[tag]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(sel.FilePatterns) > 0 {
		found := false
		for _, pattern := range sel.FilePatterns {
			if g, err := glob.Compile(pattern, '/'); err == nil && g.Match(source) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// detectImplicitDeps asks each project's toolchain for package-manifest
// relations and records survivors as implicit dependencies; implicit entries
// never override explicit ones.
func (b *Builder) detectImplicitDeps(projects map[model.ProjectId]*model.Project) error {
	if b.Registry == nil {
		return nil
	}

	// Map manifest names back to project ids.
	nameToID := map[string]model.ProjectId{}
	for id, p := range projects {
		tc := b.Registry.Resolve(p, b.Config.DefaultToolchain)
		name, err := tc.ManifestName(p)
		if err != nil || name == "" {
			continue
		}
		nameToID[name] = id
	}

	for id, p := range projects {
		tc := b.Registry.Resolve(p, b.Config.DefaultToolchain)
		relations, err := tc.ManifestDependencies(p)
		if err != nil {
			return errors.Wrapf(err, "detecting implicit dependencies for %s", id)
		}
		for name, scope := range relations {
			depID, ok := nameToID[name]
			if !ok || depID == id {
				continue
			}
			if _, explicit := p.Dependencies[depID]; explicit {
				continue
			}
			p.Dependencies[depID] = model.Dependency{Scope: scope, Source: model.DependencyImplicit}
		}
	}
	return nil
}

// buildTasks combines inherited and local task configs, constructs each Task,
// and expands tokens in command, args, env, inputs, outputs in that order.
func (b *Builder) buildTasks(p *model.Project, cfg *engineconfig.ProjectConfig, expander *tokens.Expander) error {
	merged := map[model.TaskId]engineconfig.TaskConfig{}
	for _, tmpl := range b.Config.Templates {
		if !b.templateMatches(tmpl.Selector, p, p.Source.ToUnixPath().ToString()) {
			continue
		}
		for taskID, taskCfg := range tmpl.Tasks {
			if prior, ok := merged[taskID]; ok {
				merged[taskID] = prior.Merge(taskCfg)
			} else {
				merged[taskID] = taskCfg
			}
		}
	}
	for taskID, taskCfg := range cfg.Tasks {
		if prior, ok := merged[taskID]; ok {
			merged[taskID] = prior.Merge(taskCfg)
		} else {
			merged[taskID] = taskCfg
		}
	}

	taskIDs := make([]model.TaskId, 0, len(merged))
	for taskID := range merged {
		taskIDs = append(taskIDs, taskID)
	}
	sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

	for _, taskID := range taskIDs {
		taskCfg := merged[taskID]
		task, err := b.newTask(p, taskID, taskCfg)
		if err != nil {
			return err
		}

		workDir := p.Root.ToString()
		if task.Options.RunFromWorkspaceRoot {
			workDir = b.WorkspaceRoot.ToString()
		}
		ctx := &tokens.Context{
			WorkspaceRoot: b.WorkspaceRoot.ToString(),
			ProjectRoot:   p.Root.ToString(),
			ProjectSource: p.Source.ToUnixPath().ToString(),
			Project:       string(p.ID),
			ProjectType:   p.Type,
			Language:      p.Language,
			Target:        task.Target.String(),
			Task:          string(taskID),
			TaskType:      task.Kind,
			TaskPlatform:  task.Platform,
		}
		expanded, err := expander.ExpandTask(task, ctx, p.FileGroups, workDir)
		if err != nil {
			return err
		}

		// Outputs override inputs: a path declared on both sides is removed
		// from the input set.
		for f := range expanded.OutputFiles {
			delete(expanded.InputFiles, f)
		}
		for g := range expanded.OutputGlobs {
			delete(expanded.InputGlobs, g)
		}

		p.Tasks[taskID] = expanded
	}
	return nil
}

func (b *Builder) newTask(p *model.Project, taskID model.TaskId, cfg engineconfig.TaskConfig) (*model.Task, error) {
	task := &model.Task{
		Target:   model.NewProjectTarget(p.ID, taskID),
		Command:  cfg.Command,
		Args:     append([]string(nil), cfg.Args...),
		Env:      cfg.Env,
		Platform: cfg.Platform,
		Kind:     cfg.Kind,
		Options:  cfg.Options,
	}
	if task.Kind == "" {
		task.Kind = model.TaskBuild
	}
	if task.Env == nil {
		task.Env = map[string]string{}
	}

	for _, raw := range cfg.Inputs {
		task.Inputs = append(task.Inputs, model.ParseInputPath(raw))
	}
	for _, raw := range cfg.Outputs {
		task.Outputs = append(task.Outputs, model.ParseOutputPath(raw))
	}
	for _, raw := range cfg.Deps {
		dep, err := model.ParseTarget(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", task.Target.String())
		}
		task.Deps = append(task.Deps, dep)
	}
	return task, nil
}
