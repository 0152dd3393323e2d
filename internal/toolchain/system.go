package toolchain

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// NewSystem builds the "system" toolchain: arbitrary commands resolved from
// PATH, with no package manager, no install step, and no hash contribution
// beyond the task's own fields.
func NewSystem() *Toolchain {
	return &Toolchain{ID: "system"}
}

// DefaultToolchainDir resolves the directory installed toolchain runtimes
// live under, injected into task processes as MOON_TOOLCHAIN_DIR. Follows the
// XDG base-directory spec rather than hardcoding a dotdir.
func DefaultToolchainDir() string {
	return filepath.Join(xdg.DataHome, "moon", "toolchains")
}
