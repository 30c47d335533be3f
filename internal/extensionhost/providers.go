/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

// A contribution provider is any value registered for a debug type. It may implement
// any subset of the capability interfaces below; the relay checks for them at the call site.

// ExecutableProvider computes the debug adapter executable for a launch configuration.
// Returning a nil executable means "no opinion".
type ExecutableProvider interface {
	ProvideDebugAdapterExecutable(ctx context.Context, config DebugConfiguration) (*dap.Executable, error)
}

// SchemaAttributesProvider contributes JSON schemas for launch configuration attributes.
type SchemaAttributesProvider interface {
	SchemaAttributes() ([]map[string]any, error)
}

// ConfigurationSnippetsProvider contributes launch configuration snippets.
type ConfigurationSnippetsProvider interface {
	ConfigurationSnippets() ([]map[string]any, error)
}

// ConfigurationProvider offers initial launch configurations for a debug type.
type ConfigurationProvider interface {
	ProvideDebugConfigurations(ctx context.Context) ([]DebugConfiguration, error)
}

// ConfigurationResolver fills in or adjusts a launch configuration before the session is created.
// Returning a nil configuration cancels the session.
type ConfigurationResolver interface {
	ResolveDebugConfiguration(ctx context.Context, config DebugConfiguration) (DebugConfiguration, error)
}

// SubstitutedConfigurationResolver is called after ConfigurationResolver, with the output of the first pass.
// Returning a nil configuration cancels the session.
type SubstitutedConfigurationResolver interface {
	ResolveDebugConfigurationWithSubstitutedVariables(ctx context.Context, config DebugConfiguration) (DebugConfiguration, error)
}

// DescriptorFactory decides how to reach the debug adapter for a session.
// It receives the executable resolved from the contribution (which may be nil).
// Returning a nil descriptor selects the default behavior.
type DescriptorFactory interface {
	CreateDebugAdapterDescriptor(ctx context.Context, session DebugSession, executable *dap.Executable) (dap.AdapterDescriptor, error)
}

type DescriptorFactoryFunc func(ctx context.Context, session DebugSession, executable *dap.Executable) (dap.AdapterDescriptor, error)

func (f DescriptorFactoryFunc) CreateDebugAdapterDescriptor(ctx context.Context, session DebugSession, executable *dap.Executable) (dap.AdapterDescriptor, error) {
	return f(ctx, session, executable)
}

// Calls a plugin supplied function. Errors and panics are logged and reported as "no result".
func callProvider[T any](log logr.Logger, debugType string, capability string, fn func() (T, error)) (T, bool) {
	var result T
	callErr := resiliency.SafeCall(log, func() error {
		var providerErr error
		result, providerErr = fn()
		return providerErr
	})
	if callErr != nil {
		log.Error(callErr, "Debugger contribution provider failed, skipping it", "debugType", debugType, "capability", capability)
		var zero T
		return zero, false
	}
	return result, true
}
