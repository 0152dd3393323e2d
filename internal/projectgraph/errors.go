package projectgraph

import "fmt"

// UnknownProjectError is returned when a target names a project that does
// not exist in the graph.
type UnknownProjectError struct {
	Project string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("unknown project %q", e.Project)
}

// UnknownTaskError is returned when an id:task dep target names a task the
// project does not expose.
type UnknownTaskError struct {
	Project, Task string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("project %q has no task %q", e.Project, e.Task)
}

// CircularDependencyError reports a cycle found among project dependency
// edges or task dependency edges.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %v", e.Cycle)
}

// OverlappingOutputsError reports that two distinct targets declare outputs
// whose match sets coincide.
type OverlappingOutputsError struct {
	Output  string
	Targets []string
}

func (e *OverlappingOutputsError) Error() string {
	return fmt.Sprintf("output %q is declared by overlapping targets %v", e.Output, e.Targets)
}

// AllowFailureDepRequirementError reports a task depending on an
// allow_failure task; such tasks may not be depended on.
type AllowFailureDepRequirementError struct {
	Target, DependsOn string
}

func (e *AllowFailureDepRequirementError) Error() string {
	return fmt.Sprintf("%s depends on allow_failure task %s", e.Target, e.DependsOn)
}

// PersistentDepRequirementError reports a non-persistent task depending on a
// persistent task.
type PersistentDepRequirementError struct {
	Target, DependsOn string
}

func (e *PersistentDepRequirementError) Error() string {
	return fmt.Sprintf("non-persistent %s depends on persistent task %s", e.Target, e.DependsOn)
}

// NoDepsInRunContextError/NoSelfInRunContextError report a user selection
// using a task-to-task-only scope kind.
type NoDepsInRunContextError struct{}

func (e *NoDepsInRunContextError) Error() string { return "^ (Deps) cannot be used as a run selection" }

type NoSelfInRunContextError struct{}

func (e *NoSelfInRunContextError) Error() string { return "~ (Self) cannot be used as a run selection" }
