// Package action defines the Action Graph's node, operation, and result types.
package action

import (
	"time"

	"github.com/ogmios/monoforge/internal/model"
)

// Kind tags which of the four node variants an Action is.
type Kind string

const (
	KindSetupToolchain      Kind = "SetupToolchain"
	KindInstallDependencies Kind = "InstallDependencies"
	KindSyncProject         Kind = "SyncProject"
	KindRunTask             Kind = "RunTask"
)

// Status is the lifecycle state of an Action or Operation.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusPassed            Status = "passed"
	StatusFailed            Status = "failed"
	StatusCached            Status = "cached"
	StatusCachedFromRemote  Status = "cached_from_remote"
	StatusSkipped           Status = "skipped"
	StatusTimedOut          Status = "timed_out"
	StatusAborted           Status = "aborted"
	StatusInvalid           Status = "invalid"
)

// Node is one vertex of the Action Graph.
type Node struct {
	// ID is stable within a graph and used as the dag.Vertex name.
	ID    string
	Kind  Kind
	Label string

	// Populated depending on Kind.
	ToolchainID   string
	VersionReq    string
	InstallScope  string // "workspace" | "project"
	Project       model.ProjectId
	Target        model.Target
	RuntimeVersion string

	Operations []*Operation
	Status     Status
}

// OperationKind tags which sub-step an Operation records.
type OperationKind string

const (
	OpTaskExecution   OperationKind = "TaskExecution"
	OpHashGeneration  OperationKind = "HashGeneration"
	OpOutputArchiving OperationKind = "OutputArchiving"
	OpOutputHydration OperationKind = "OutputHydration"
	OpSync            OperationKind = "SyncOperation"
)

// Operation is a timestamped record of a single sub-step of an action.
type Operation struct {
	Kind   OperationKind
	Status Status
	Start  time.Time
	End    time.Time

	// TaskExecution
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string

	// HashGeneration / OutputArchiving / OutputHydration
	Hash     string
	Contents string

	// SyncOperation
	Name string
}

// Result is the terminal record of an action.
type Result struct {
	Status     Status
	Duration   time.Duration
	Operations []*Operation
	Err        error
}
