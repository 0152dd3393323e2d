package model

import (
	"time"

	"github.com/ogmios/monoforge/internal/syspath"
)

// DependencyScope categorizes why a project depends on another.
type DependencyScope string

const (
	DependencyProduction DependencyScope = "production"
	DependencyDevelopment DependencyScope = "development"
	DependencyPeer        DependencyScope = "peer"
	DependencyBuild       DependencyScope = "build"
)

// DependencySource records whether a dependency edge was declared by the user or
// inferred from a package manifest.
type DependencySource string

const (
	DependencyExplicit DependencySource = "explicit"
	DependencyImplicit DependencySource = "implicit"
)

// Dependency is one entry of a Project's dependency map.
type Dependency struct {
	Scope  DependencyScope
	Source DependencySource
}

// FileGroup is a named bundle of files/globs referenced by the token functions
// @group/@dirs/@files/@globs/@root.
type FileGroup struct {
	ID    string
	Files map[string]struct{}
	Globs map[string]struct{}
}

// PlatformTag names the OS/arch a task is restricted to running on ("" = any).
type PlatformTag string

// TaskKind is the task's declared purpose.
type TaskKind string

const (
	TaskBuild TaskKind = "build"
	TaskRun   TaskKind = "run"
	TaskTest  TaskKind = "test"
)

// OutputMergeStrategy controls how a task's captured stdio is merged with other
// concurrently running tasks' output when streamed.
type OutputMergeStrategy string

const (
	MergeAppend     OutputMergeStrategy = "append"
	MergeInterleave OutputMergeStrategy = "interleave"
)

// TaskOptions is the `options` bag
type TaskOptions struct {
	Cache                bool
	RunInCI              bool
	RunFromWorkspaceRoot bool
	RunDepsInParallel    bool
	RetryCount           uint8
	OutputStyle          string
	MergeStrategy        OutputMergeStrategy
	EnvFile              string
	AffectedFiles        bool
	Persistent           bool
	AllowFailure         bool
	Shell                bool
	// Timeout bounds a single attempt's run time; zero means no timeout.
	Timeout time.Duration
}

// Task is a project's task definition, immutable once token-expanded.
type Task struct {
	Target  Target
	Command string
	Args    []string
	Env     map[string]string

	Inputs  []InputPath
	Outputs []OutputPath

	// Expanded derivatives, populated by the token expander / project graph builder.
	InputFiles  map[string]struct{}
	InputGlobs  map[string]struct{}
	InputVars   map[string]struct{}
	OutputFiles map[string]struct{}
	OutputGlobs map[string]struct{}

	Deps []Target

	Platform PlatformTag
	Kind     TaskKind
	Options  TaskOptions
}

// Project is a single workspace member, immutable after the project graph build.
type Project struct {
	ID       ProjectId
	Source   syspath.AnchoredSystemPath
	Root     syspath.AbsoluteSystemPath
	Language string
	Type     string
	Tags     map[TagId]struct{}

	Dependencies map[ProjectId]Dependency
	Tasks        map[TaskId]*Task
	FileGroups   map[string]*FileGroup
}

// SortedTaskIDs returns the project's task ids in deterministic (lexical) order.
func (p *Project) SortedTaskIDs() []TaskId {
	ids := make([]TaskId, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sortTaskIDs(ids)
	return ids
}

func sortTaskIDs(ids []TaskId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
