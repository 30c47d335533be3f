/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the name of the debugger manifest file in an extension folder.
const ManifestFileName = "debuggers.yaml"

// PlatformAdapterContribution holds the parts of a debugger contribution that can vary by platform.
type PlatformAdapterContribution struct {
	Program     string   `yaml:"program,omitempty" json:"program,omitempty"`
	Args        []string `yaml:"args,omitempty" json:"args,omitempty"`
	Runtime     string   `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	RuntimeArgs []string `yaml:"runtimeArgs,omitempty" json:"runtimeArgs,omitempty"`
}

// DebuggerContribution is the declarative description of a debugger an extension provides.
type DebuggerContribution struct {
	PlatformAdapterContribution `yaml:",inline"`

	Type      string   `yaml:"type" json:"type"`
	Label     string   `yaml:"label,omitempty" json:"label,omitempty"`
	Languages []string `yaml:"languages,omitempty" json:"languages,omitempty"`

	// Name of a command that computes the adapter executable. Takes precedence over Program.
	AdapterExecutableCommand string `yaml:"adapterExecutableCommand,omitempty" json:"adapterExecutableCommand,omitempty"`

	ConfigurationAttributes map[string]any   `yaml:"configurationAttributes,omitempty" json:"configurationAttributes,omitempty"`
	ConfigurationSnippets   []map[string]any `yaml:"configurationSnippets,omitempty" json:"configurationSnippets,omitempty"`

	Win     *PlatformAdapterContribution `yaml:"win,omitempty" json:"win,omitempty"`
	WinX86  *PlatformAdapterContribution `yaml:"winx86,omitempty" json:"winx86,omitempty"`
	Windows *PlatformAdapterContribution `yaml:"windows,omitempty" json:"windows,omitempty"`
	OSX     *PlatformAdapterContribution `yaml:"osx,omitempty" json:"osx,omitempty"`
	Linux   *PlatformAdapterContribution `yaml:"linux,omitempty" json:"linux,omitempty"`
}

// Manifest is the content of a debugger manifest file.
type Manifest struct {
	Debuggers []DebuggerContribution `yaml:"debuggers"`
}

// LoadManifest reads and validates a debugger manifest file.
func LoadManifest(path string) (*Manifest, error) {
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("could not read debugger manifest: %w", readErr)
	}

	var m Manifest
	if unmarshalErr := yaml.Unmarshal(content, &m); unmarshalErr != nil {
		return nil, fmt.Errorf("debugger manifest '%s' is invalid: %w", path, unmarshalErr)
	}

	for i, d := range m.Debuggers {
		if d.Type == "" {
			return nil, fmt.Errorf("debugger manifest '%s' is invalid: debugger #%d has no type", path, i+1)
		}
	}

	return &m, nil
}

type registeredContribution struct {
	contribution    DebuggerContribution
	extensionFolder string
}

// ContributionRegistry holds debugger contributions keyed by debug type, together with
// the folder of the extension that contributed them.
// A later registration for the same type replaces the earlier one.
type ContributionRegistry struct {
	lock          sync.RWMutex
	contributions map[string]registeredContribution
}

func NewContributionRegistry() *ContributionRegistry {
	return &ContributionRegistry{
		contributions: make(map[string]registeredContribution),
	}
}

func (cr *ContributionRegistry) Register(extensionFolder string, contributions []DebuggerContribution) {
	cr.lock.Lock()
	defer cr.lock.Unlock()
	for _, c := range contributions {
		cr.contributions[c.Type] = registeredContribution{contribution: c, extensionFolder: extensionFolder}
	}
}

func (cr *ContributionRegistry) Unregister(contributions []DebuggerContribution) {
	cr.lock.Lock()
	defer cr.lock.Unlock()
	for _, c := range contributions {
		delete(cr.contributions, c.Type)
	}
}

// UnregisterFolder removes every contribution made by the extension in the given folder.
// Returns the debug types that were removed.
func (cr *ContributionRegistry) UnregisterFolder(extensionFolder string) []string {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	var removed []string
	for debugType, rc := range cr.contributions {
		if rc.extensionFolder == extensionFolder {
			delete(cr.contributions, debugType)
			removed = append(removed, debugType)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the contribution for the debug type, and the folder of the extension that made it.
func (cr *ContributionRegistry) Get(debugType string) (DebuggerContribution, string, bool) {
	cr.lock.RLock()
	defer cr.lock.RUnlock()
	rc, found := cr.contributions[debugType]
	return rc.contribution, rc.extensionFolder, found
}

// Types returns registered debug types, sorted.
func (cr *ContributionRegistry) Types() []string {
	cr.lock.RLock()
	defer cr.lock.RUnlock()
	retval := make([]string, 0, len(cr.contributions))
	for debugType := range cr.contributions {
		retval = append(retval, debugType)
	}
	sort.Strings(retval)
	return retval
}
