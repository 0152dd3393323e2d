package lockfile

import (
	"fmt"

	yarnlock "github.com/iseki0/go-yarnlock"
	"github.com/pkg/errors"
)

// YarnLockfile representation of a yarn (classic) lockfile
type YarnLockfile struct {
	inner yarnlock.LockFile
}

var _ Lockfile = (*YarnLockfile)(nil)

// ResolvePackage resolves a (name, version-specifier) pair; yarn keys entries
// by "name@specifier" with a handful of protocol prefixes.
func (l *YarnLockfile) ResolvePackage(_workspacePath string, name string, version string) (Package, error) {
	for _, key := range yarnPossibleKeys(name, version) {
		if entry, ok := l.inner[key]; ok {
			return Package{Found: true, Key: key, Version: entry.Version}, nil
		}
	}

	return Package{}, nil
}

// AllDependencies returns all (dev/optional) dependencies of the entry at key.
func (l *YarnLockfile) AllDependencies(key string) (map[string]string, bool) {
	entry, ok := l.inner[key]
	if !ok {
		return nil, false
	}

	deps := make(map[string]string, len(entry.Dependencies)+len(entry.OptionalDependencies))
	for name, version := range entry.Dependencies {
		deps[name] = version
	}
	for name, version := range entry.OptionalDependencies {
		deps[name] = version
	}

	return deps, true
}

// DecodeYarnLockfile takes the contents of a yarn lockfile and returns a
// struct representation.
func DecodeYarnLockfile(contents []byte) (*YarnLockfile, error) {
	lockfile, err := yarnlock.ParseLockFileData(contents)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode yarn.lock")
	}

	return &YarnLockfile{lockfile}, nil
}

func yarnPossibleKeys(name string, version string) []string {
	return []string{
		fmt.Sprintf("%v@%v", name, version),
		fmt.Sprintf("%v@npm:%v", name, version),
		fmt.Sprintf("%v@file:%v", name, version),
		fmt.Sprintf("%v@workspace:%v", name, version),
		fmt.Sprintf("%v@yarn:%v", name, version),
	}
}
