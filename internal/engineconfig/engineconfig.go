// Package engineconfig holds the already-parsed configuration structs the
// engine consumes. File parsing and schema validation live with the caller
// (CLI, daemon, test harness); the structs here are the seam between the two.
package engineconfig

import (
	"github.com/ogmios/monoforge/internal/model"
)

// TaskConfig is one task definition as parsed from a project's config file or
// a workspace-level task template, before token expansion.
type TaskConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Inputs  []string
	Outputs []string
	Deps    []string

	Platform model.PlatformTag
	Kind     model.TaskKind
	Options  model.TaskOptions
}

// Merge layers an overriding config on top of an inherited one: scalar fields
// replace when set, list fields replace wholesale when non-empty, and env maps
// merge key-wise with the override winning.
func (t TaskConfig) Merge(override TaskConfig) TaskConfig {
	out := t
	if override.Command != "" {
		out.Command = override.Command
		out.Args = override.Args
	} else if len(override.Args) > 0 {
		out.Args = override.Args
	}
	if len(override.Inputs) > 0 {
		out.Inputs = override.Inputs
	}
	if len(override.Outputs) > 0 {
		out.Outputs = override.Outputs
	}
	if len(override.Deps) > 0 {
		out.Deps = override.Deps
	}
	if override.Platform != "" {
		out.Platform = override.Platform
	}
	if override.Kind != "" {
		out.Kind = override.Kind
	}
	if len(override.Env) > 0 {
		env := make(map[string]string, len(t.Env)+len(override.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		for k, v := range override.Env {
			env[k] = v
		}
		out.Env = env
	}
	return out
}

// FileGroupConfig is a named file/glob bundle, pre-classification.
type FileGroupConfig []string

// DependencyConfig is one explicit dependency declaration on another project.
type DependencyConfig struct {
	ID    model.ProjectId
	Scope model.DependencyScope
}

// ProjectConfig is one project's parsed configuration.
type ProjectConfig struct {
	Language string
	Type     string
	Tags     []model.TagId

	DependsOn  []DependencyConfig
	FileGroups map[string]FileGroupConfig
	Tasks      map[model.TaskId]TaskConfig
}

// TemplateSelector decides which projects a global task template applies to.
// Empty fields match everything; non-empty fields must all match.
type TemplateSelector struct {
	Languages []string
	Types     []string
	Tags      []model.TagId
	// FilePatterns match workspace-relative project sources (globs).
	FilePatterns []string
}

// TaskTemplate is a workspace-level task bundle inherited by matching projects.
type TaskTemplate struct {
	Selector   TemplateSelector
	Tasks      map[model.TaskId]TaskConfig
	FileGroups map[string]FileGroupConfig
}

// WorkspaceConfig is the workspace's parsed configuration.
type WorkspaceConfig struct {
	// Projects maps project ids to workspace-relative sources. When empty,
	// ProjectGlobs is consulted instead.
	Projects map[model.ProjectId]string

	// ProjectGlobs locates project directories by glob when Projects is empty.
	// The resolved map is cached on disk keyed by this list.
	ProjectGlobs []string

	// DefaultToolchain is the toolchain id projects fall back to.
	DefaultToolchain string

	// Version participates in every task hash as workspace_version, so bumping
	// it invalidates all cached work at once.
	Version string

	// Templates are applied in order; later templates override earlier ones,
	// and a project's own task config overrides all templates.
	Templates []TaskTemplate
}
