/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/microsoft/dapmux/internal/dap"
)

// Platform selects the platform specific part of a debugger contribution.
type Platform struct {
	OS   string
	Arch string
}

func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) override(c *DebuggerContribution) *PlatformAdapterContribution {
	switch p.OS {
	case "windows":
		if p.Arch == "386" && c.WinX86 != nil {
			return c.WinX86
		}
		if c.Win != nil {
			return c.Win
		}
		return c.Windows
	case "darwin":
		return c.OSX
	case "linux":
		return c.Linux
	default:
		return nil
	}
}

// ResolveContributionExecutable builds the adapter executable from the program data of a contribution.
// Platform specific values take precedence over the generic ones. Relative program (and runtime) paths
// are resolved against the extension folder. Returns nil if the contribution names no program.
func ResolveContributionExecutable(extensionFolder string, c DebuggerContribution, p Platform) *dap.Executable {
	info := p.override(&c)
	if info == nil {
		info = &PlatformAdapterContribution{}
	}

	program := firstNonEmpty(info.Program, c.Program)
	if program == "" {
		return nil
	}
	if !filepath.IsAbs(program) {
		program = filepath.Join(extensionFolder, program)
	}

	args := firstNonEmptySlice(info.Args, c.Args)
	runtimeCmd := firstNonEmpty(info.Runtime, c.Runtime)
	runtimeArgs := firstNonEmptySlice(info.RuntimeArgs, c.RuntimeArgs)

	if runtimeCmd == "" {
		return &dap.Executable{Command: program, Args: slices.Clone(args)}
	}

	// A bare runtime name ("node") is looked up on the PATH, a path is relative to the extension.
	if strings.ContainsAny(runtimeCmd, "/\\") && !filepath.IsAbs(runtimeCmd) {
		runtimeCmd = filepath.Join(extensionFolder, runtimeCmd)
	}

	combined := make([]string, 0, len(runtimeArgs)+1+len(args))
	combined = append(combined, runtimeArgs...)
	combined = append(combined, program)
	combined = append(combined, args...)
	return &dap.Executable{Command: runtimeCmd, Args: combined}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptySlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
