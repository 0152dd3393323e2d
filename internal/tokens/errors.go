package tokens

import "fmt"

// Field names a task field a token was found in, for error reporting.
type Field string

const (
	FieldCommand Field = "command"
	FieldArgs    Field = "args"
	FieldInputs  Field = "inputs"
	FieldOutputs Field = "outputs"
	FieldEnv     Field = "env"
)

// ScopeError reports a token used in a field its grammar doesn't allow.
type ScopeError struct {
	Token string
	Scope Field
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("token %q is not allowed in %s", e.Token, e.Scope)
}

// UnknownTokenError reports an `@func(...)` whose function name isn't recognized.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token function %q", e.Token)
}

// UnknownFileGroupError reports a token function referencing an undeclared group.
type UnknownFileGroupError struct {
	Group string
}

func (e *UnknownFileGroupError) Error() string {
	return fmt.Sprintf("unknown file group %q", e.Group)
}

// MissingInIndexError reports `@in(n)`/`@out(n)` indexing past the end of the list.
type MissingInIndexError struct {
	Index int
	Out   bool
}

func (e *MissingInIndexError) Error() string {
	name := "@in"
	if e.Out {
		name = "@out"
	}
	return fmt.Sprintf("%s(%d) has no corresponding entry", name, e.Index)
}
