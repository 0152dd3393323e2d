package tokens

import (
	"regexp"
	"strconv"
	"time"

	"github.com/ogmios/monoforge/internal/model"
)

// Context carries the project+task values that token variables resolve against.
type Context struct {
	WorkspaceRoot  string
	ProjectRoot    string
	ProjectSource  string
	Project        string
	ProjectType    string
	Language       string
	Target         string
	Task           string
	TaskType       model.TaskKind
	TaskPlatform   model.PlatformTag
	// Now lets callers pin $date/$datetime/$time/$timestamp for deterministic tests;
	// defaults to time.Now when nil.
	Now func() time.Time
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) variables() map[string]string {
	n := c.now()
	return map[string]string{
		"workspaceRoot": c.WorkspaceRoot,
		"projectRoot":   c.ProjectRoot,
		"projectSource": c.ProjectSource,
		"project":       c.Project,
		"projectType":   c.ProjectType,
		"language":      c.Language,
		"target":        c.Target,
		"task":          c.Task,
		"taskType":      string(c.TaskType),
		"taskPlatform":  string(c.TaskPlatform),
		"date":          n.Format("2006-01-02"),
		"datetime":      n.Format("2006-01-02_15:04:05"),
		"time":          n.Format("15:04:05"),
		"timestamp":     strconv.FormatInt(n.Unix(), 10),
	}
}

var varPattern = regexp.MustCompile(`\$([A-Za-z][A-Za-z0-9]*)`)

// expandVariables substitutes every `$var` occurrence against ctx, iterating to a
// fixed point. Unknown
// variables are left literal, never an error.
func expandVariables(s string, ctx *Context) string {
	vars := ctx.variables()
	for {
		next := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := match[1:]
			if v, ok := vars[name]; ok {
				return v
			}
			return match
		})
		if next == s {
			return s
		}
		s = next
	}
}
