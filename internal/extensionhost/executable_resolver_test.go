/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapmux/internal/dap"
)

func TestResolveContributionExecutable(t *testing.T) {
	t.Parallel()

	folder := filepath.Join("/", "extensions", "mock")

	type testcase struct {
		description  string
		contribution DebuggerContribution
		platform     Platform
		expected     *dap.Executable
	}

	testcases := []testcase{
		{
			description:  "program only",
			contribution: DebuggerContribution{PlatformAdapterContribution: PlatformAdapterContribution{Program: "bin/adapter", Args: []string{"--stdio"}}},
			platform:     Platform{OS: "linux", Arch: "amd64"},
			expected:     &dap.Executable{Command: filepath.Join(folder, "bin/adapter"), Args: []string{"--stdio"}},
		},
		{
			description:  "absolute program is kept",
			contribution: DebuggerContribution{PlatformAdapterContribution: PlatformAdapterContribution{Program: "/usr/bin/adapter"}},
			platform:     Platform{OS: "linux", Arch: "amd64"},
			expected:     &dap.Executable{Command: "/usr/bin/adapter"},
		},
		{
			description: "runtime on the PATH",
			contribution: DebuggerContribution{PlatformAdapterContribution: PlatformAdapterContribution{
				Program: "out/adapter.js", Args: []string{"--a"}, Runtime: "node", RuntimeArgs: []string{"--inspect"},
			}},
			platform: Platform{OS: "darwin", Arch: "arm64"},
			expected: &dap.Executable{Command: "node", Args: []string{"--inspect", filepath.Join(folder, "out/adapter.js"), "--a"}},
		},
		{
			description: "runtime relative to the extension",
			contribution: DebuggerContribution{PlatformAdapterContribution: PlatformAdapterContribution{
				Program: "adapter.py", Runtime: "./venv/bin/python",
			}},
			platform: Platform{OS: "linux", Arch: "amd64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "venv/bin/python"), Args: []string{filepath.Join(folder, "adapter.py")}},
		},
		{
			description: "linux override",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic", Args: []string{"--generic"}},
				Linux:                       &PlatformAdapterContribution{Program: "linux-adapter"},
				OSX:                         &PlatformAdapterContribution{Program: "osx-adapter"},
			},
			platform: Platform{OS: "linux", Arch: "amd64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "linux-adapter"), Args: []string{"--generic"}},
		},
		{
			description: "osx override",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic"},
				OSX:                         &PlatformAdapterContribution{Args: []string{"--mac"}},
			},
			platform: Platform{OS: "darwin", Arch: "amd64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "generic"), Args: []string{"--mac"}},
		},
		{
			description: "win preferred over windows",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic"},
				Win:                         &PlatformAdapterContribution{Program: "win.exe"},
				Windows:                     &PlatformAdapterContribution{Program: "windows.exe"},
			},
			platform: Platform{OS: "windows", Arch: "amd64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "win.exe")},
		},
		{
			description: "windows used when there is no win",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic"},
				Windows:                     &PlatformAdapterContribution{Program: "windows.exe"},
			},
			platform: Platform{OS: "windows", Arch: "arm64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "windows.exe")},
		},
		{
			description: "winx86 on 32-bit windows",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic"},
				Win:                         &PlatformAdapterContribution{Program: "win.exe"},
				WinX86:                      &PlatformAdapterContribution{Program: "win32.exe"},
			},
			platform: Platform{OS: "windows", Arch: "386"},
			expected: &dap.Executable{Command: filepath.Join(folder, "win32.exe")},
		},
		{
			description: "winx86 ignored on 64-bit windows",
			contribution: DebuggerContribution{
				PlatformAdapterContribution: PlatformAdapterContribution{Program: "generic"},
				WinX86:                      &PlatformAdapterContribution{Program: "win32.exe"},
			},
			platform: Platform{OS: "windows", Arch: "amd64"},
			expected: &dap.Executable{Command: filepath.Join(folder, "generic")},
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			t.Parallel()
			actual := ResolveContributionExecutable(folder, tc.contribution, tc.platform)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestResolveContributionExecutableWithoutProgram(t *testing.T) {
	t.Parallel()

	c := DebuggerContribution{
		Type:  "no-program",
		Linux: &PlatformAdapterContribution{Args: []string{"--x"}},
	}
	require.Nil(t, ResolveContributionExecutable("/ext", c, Platform{OS: "linux"}))
}
