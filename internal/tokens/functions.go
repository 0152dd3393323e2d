package tokens

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/ogmios/monoforge/internal/model"
)

// funcPattern matches a literal whole-value `@func(arg)` token.
// a function mixed with other text is not expanded (the caller logs a warning and
// leaves the field untouched); functions cannot nest, so expansion is single-pass.
var funcPattern = regexp.MustCompile(`^@([A-Za-z]+)\(([^()]*)\)$`)

// expandGroup and the functions below resolve the token functions that operate
// on a FileGroup, each returning a sorted list. `group` returns the group's files
// and globs; `files` its files only; `globs` its globs only. `dirs` returns the
// distinct parent directories of the group's files, which are not themselves
// entries of the group, and `root` the lexically first of those directories.
// Neither `dirs` nor `root` looks at the group's globs.
func expandGroup(group *model.FileGroup) []string {
	out := make([]string, 0, len(group.Files)+len(group.Globs))
	for f := range group.Files {
		out = append(out, f)
	}
	for g := range group.Globs {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func expandFiles(group *model.FileGroup) []string {
	out := make([]string, 0, len(group.Files))
	for f := range group.Files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func expandGlobs(group *model.FileGroup) []string {
	out := make([]string, 0, len(group.Globs))
	for g := range group.Globs {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func expandDirs(group *model.FileGroup) []string {
	seen := map[string]struct{}{}
	for f := range group.Files {
		seen[path.Dir(f)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func expandRoot(group *model.FileGroup) []string {
	dirs := expandDirs(group)
	if len(dirs) == 0 {
		return nil
	}
	return dirs[:1]
}

// expandFunction expands a single `@func(arg)` literal. allowInOut controls whether
// @in/@out are accepted (they are args-only per the scope matrix). It returns the
// replacement list of paths, or an error for an unknown function/group/index.
func expandFunction(literal string, groups map[string]*model.FileGroup, inputs, outputs []string, allowInOut bool) ([]string, error) {
	m := funcPattern.FindStringSubmatch(literal)
	if m == nil {
		return nil, nil // not a literal whole-value token; caller leaves it untouched
	}
	name, arg := m[1], m[2]

	switch name {
	case "group":
		g, ok := groups[arg]
		if !ok {
			return nil, &UnknownFileGroupError{Group: arg}
		}
		return expandGroup(g), nil
	case "files":
		g, ok := groups[arg]
		if !ok {
			return nil, &UnknownFileGroupError{Group: arg}
		}
		return expandFiles(g), nil
	case "globs":
		g, ok := groups[arg]
		if !ok {
			return nil, &UnknownFileGroupError{Group: arg}
		}
		return expandGlobs(g), nil
	case "dirs":
		g, ok := groups[arg]
		if !ok {
			return nil, &UnknownFileGroupError{Group: arg}
		}
		return expandDirs(g), nil
	case "root":
		g, ok := groups[arg]
		if !ok {
			return nil, &UnknownFileGroupError{Group: arg}
		}
		return expandRoot(g), nil
	case "in":
		if !allowInOut {
			return nil, &ScopeError{Token: literal, Scope: FieldInputs}
		}
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= len(inputs) {
			return nil, &MissingInIndexError{Index: idx}
		}
		return []string{inputs[idx]}, nil
	case "out":
		if !allowInOut {
			return nil, &ScopeError{Token: literal, Scope: FieldOutputs}
		}
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= len(outputs) {
			return nil, &MissingInIndexError{Index: idx, Out: true}
		}
		return []string{outputs[idx]}, nil
	default:
		return nil, &UnknownTokenError{Token: fmt.Sprintf("@%s(...)", name)}
	}
}
