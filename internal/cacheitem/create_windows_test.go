//go:build windows
// +build windows

package cacheitem

import (
	"testing"

	"github.com/ogmios/monoforge/internal/syspath"
)

func createFifo(t *testing.T, anchor syspath.AbsoluteSystemPath, fileDefinition createFileDefinition) error {
	return errUnsupportedFileType
}
