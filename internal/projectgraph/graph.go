// Package projectgraph builds the immutable project graph: resolving each
// task's `deps` scope selectors into concrete targets, validating the
// allow_failure/persistent dependency rules, and rejecting projects whose
// declared outputs overlap.
package projectgraph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/ogmios/monoforge/internal/model"
)

// ResolvedTarget is a fully qualified project:task pair after scope
// resolution.
type ResolvedTarget struct {
	Project model.ProjectId
	Task    model.TaskId
}

func (r ResolvedTarget) String() string {
	return fmt.Sprintf("%s:%s", r.Project, r.Task)
}

// Graph is the immutable project graph: every project's tasks, with deps
// resolved to concrete targets, and a vertex graph usable for ancestor and
// descendant queries.
type Graph struct {
	Projects map[model.ProjectId]*model.Project

	// ResolvedDeps maps a resolved target to the concrete targets it depends on.
	ResolvedDeps map[ResolvedTarget][]ResolvedTarget

	// TaskGraph is a dag over ResolvedTarget.String() vertices, edge A->B
	// meaning "A depends on B", built after resolution succeeds.
	TaskGraph dag.AcyclicGraph

	logger hclog.Logger
}

// Build resolves deps for every task across projects and returns the graph,
// or the first validation error encountered.
func Build(projects map[model.ProjectId]*model.Project, logger hclog.Logger) (*Graph, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	g := &Graph{
		Projects:     projects,
		ResolvedDeps: map[ResolvedTarget][]ResolvedTarget{},
		logger:       logger,
	}

	for projectID, proj := range projects {
		for taskID, task := range proj.Tasks {
			self := ResolvedTarget{Project: projectID, Task: taskID}
			resolved, err := g.resolveTaskDeps(projectID, proj, taskID, task)
			if err != nil {
				return nil, err
			}
			g.ResolvedDeps[self] = resolved
		}
	}

	if err := g.validateDepRules(); err != nil {
		return nil, err
	}

	g.buildVertexGraph()

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CircularDependencyError{Cycle: cycle}
	}

	if err := g.checkOutputOverlap(); err != nil {
		return nil, err
	}

	return g, nil
}

// resolveTaskDeps rewrites a task's declared deps (model.Target entries, one
// per scope kind) to concrete Project(id):task targets.
func (g *Graph) resolveTaskDeps(projectID model.ProjectId, proj *model.Project, taskID model.TaskId, task *model.Task) ([]ResolvedTarget, error) {
	var out []ResolvedTarget
	for _, dep := range task.Deps {
		switch dep.Scope {
		case model.ScopeAll:
			for otherID, other := range g.Projects {
				if _, ok := other.Tasks[dep.Task]; ok {
					out = append(out, ResolvedTarget{Project: otherID, Task: dep.Task})
				}
			}
		case model.ScopeDeps:
			for depProjectID := range proj.Dependencies {
				depProj, ok := g.Projects[depProjectID]
				if !ok {
					continue
				}
				if _, ok := depProj.Tasks[dep.Task]; ok {
					out = append(out, ResolvedTarget{Project: depProjectID, Task: dep.Task})
				}
			}
		case model.ScopeSelf:
			if dep.Task == taskID {
				continue // self-referring task == self is dropped
			}
			out = append(out, ResolvedTarget{Project: projectID, Task: dep.Task})
		case model.ScopeProject:
			depProj, ok := g.Projects[dep.Project]
			if !ok {
				return nil, &UnknownProjectError{Project: string(dep.Project)}
			}
			if _, ok := depProj.Tasks[dep.Task]; !ok {
				return nil, &UnknownTaskError{Project: string(dep.Project), Task: string(dep.Task)}
			}
			out = append(out, ResolvedTarget{Project: dep.Project, Task: dep.Task})
		case model.ScopeTag:
			for otherID, other := range g.Projects {
				if _, tagged := other.Tags[dep.Tag]; !tagged {
					continue
				}
				if _, ok := other.Tasks[dep.Task]; ok {
					out = append(out, ResolvedTarget{Project: otherID, Task: dep.Task})
				}
			}
		}
	}
	return out, nil
}

// validateDepRules enforces: a task may not depend on an allow_failure task,
// nor may a non-persistent task depend on a persistent one.
func (g *Graph) validateDepRules() error {
	for self, deps := range g.ResolvedDeps {
		selfProj := g.Projects[self.Project]
		selfTask := selfProj.Tasks[self.Task]
		for _, dep := range deps {
			depProj, ok := g.Projects[dep.Project]
			if !ok {
				continue
			}
			depTask, ok := depProj.Tasks[dep.Task]
			if !ok {
				continue
			}
			if depTask.Options.AllowFailure {
				return &AllowFailureDepRequirementError{Target: self.String(), DependsOn: dep.String()}
			}
			if depTask.Options.Persistent && !selfTask.Options.Persistent {
				return &PersistentDepRequirementError{Target: self.String(), DependsOn: dep.String()}
			}
		}
	}
	return nil
}

func (g *Graph) buildVertexGraph() {
	for self := range g.ResolvedDeps {
		g.TaskGraph.Add(self.String())
	}
	for self, deps := range g.ResolvedDeps {
		for _, dep := range deps {
			g.TaskGraph.Connect(dag.BasicEdge(self.String(), dep.String()))
		}
	}
}

// findCycle runs DFS coloring over ResolvedDeps and returns the first cycle
// found as a slice of target strings, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := map[ResolvedTarget]int{}
	var stack []ResolvedTarget
	var cycle []string

	var visit func(n ResolvedTarget) bool
	visit = func(n ResolvedTarget) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, dep := range g.ResolvedDeps[n] {
			switch color[dep] {
			case gray:
				// found the back-edge; extract the cycle portion of the stack
				for i, s := range stack {
					if s == dep {
						for _, t := range stack[i:] {
							cycle = append(cycle, t.String())
						}
						cycle = append(cycle, dep.String())
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	keys := make([]ResolvedTarget, 0, len(g.ResolvedDeps))
	for k := range g.ResolvedDeps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, n := range keys {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

// workspaceRelativeOutput re-anchors a task-declared output: a /-prefixed
// value is already workspace-relative, anything else is relative to the
// owning project's source directory. Without this, two unrelated projects
// that each declare a common relative output (e.g. "dist/**/*") would be
// compared as if they named the same physical directory.
func workspaceRelativeOutput(source, value string) string {
	if strings.HasPrefix(value, "/") {
		return strings.TrimPrefix(value, "/")
	}
	return path.Join(source, value)
}

// checkOutputOverlap rejects distinct targets whose literal output files
// coincide, or whose globs' match sets overlap, after re-anchoring every
// declared value to its project so only genuinely shared workspace paths
// collide. Glob-vs-glob overlap is approximated conservatively: identical
// patterns overlap; otherwise a literal from one target matching the other's
// compiled glob counts as overlap.
func (g *Graph) checkOutputOverlap() error {
	type declared struct {
		target ResolvedTarget
		value  string
		isGlob bool
	}
	var all []declared
	for target := range g.ResolvedDeps {
		proj := g.Projects[target.Project]
		task := proj.Tasks[target.Task]
		source := proj.Source.ToUnixPath().ToString()
		for f := range task.OutputFiles {
			all = append(all, declared{target: target, value: workspaceRelativeOutput(source, f), isGlob: false})
		}
		for pat := range task.OutputGlobs {
			all = append(all, declared{target: target, value: workspaceRelativeOutput(source, pat), isGlob: true})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].value != all[j].value {
			return all[i].value < all[j].value
		}
		return all[i].target.String() < all[j].target.String()
	})

	compiled := map[string]glob.Glob{}
	compile := func(pat string) glob.Glob {
		if c, ok := compiled[pat]; ok {
			return c
		}
		c, err := glob.Compile(pat, '/')
		if err != nil {
			g.logger.Warn("invalid output glob, skipping overlap check", "pattern", pat, "error", err)
			compiled[pat] = nil
			return nil
		}
		compiled[pat] = c
		return c
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.target == b.target {
				continue
			}
			overlap := false
			switch {
			case !a.isGlob && !b.isGlob:
				overlap = a.value == b.value
			case a.isGlob && b.isGlob:
				overlap = a.value == b.value
			case a.isGlob && !b.isGlob:
				if c := compile(a.value); c != nil {
					overlap = c.Match(b.value)
				}
			case !a.isGlob && b.isGlob:
				if c := compile(b.value); c != nil {
					overlap = c.Match(a.value)
				}
			}
			if overlap {
				// Report the concrete path when a glob swallowed a literal.
				output := a.value
				if a.isGlob && !b.isGlob {
					output = b.value
				}
				return &OverlappingOutputsError{Output: output, Targets: []string{a.target.String(), b.target.String()}}
			}
		}
	}
	return nil
}

// Ancestors returns every target the given target transitively depends on.
func (g *Graph) Ancestors(target ResolvedTarget) ([]string, error) {
	raw, err := g.TaskGraph.Ancestors(target.String())
	if err != nil {
		return nil, err
	}
	return vertexNames(raw), nil
}

// Descendants returns every target that transitively depends on the given target.
func (g *Graph) Descendants(target ResolvedTarget) ([]string, error) {
	raw, err := g.TaskGraph.Descendents(target.String())
	if err != nil {
		return nil, err
	}
	return vertexNames(raw), nil
}

func vertexNames(set dag.Set) []string {
	list := set.List()
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, dag.VertexName(v))
	}
	sort.Strings(out)
	return out
}
